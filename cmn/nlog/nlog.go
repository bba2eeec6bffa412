// Package nlog is BAKE's leveled logger. It exists for the same reason
// aistore vendors its own glog fork instead of depending on one: a
// storage-provider core wants verbosity-gated logging without dragging
// in a logging framework's own config surface.
/*
 * Copyright (c) 2024, BAKE contributors. All rights reserved.
 */
package nlog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Level is the global verbosity gate, checked by V before an Infof-level
// call does any formatting work.
type Level int32

var verbosity int32

// SetVerbosity sets the process-wide verbosity level. cmd/bake-server
// sets it once at startup from its -v flag.
func SetVerbosity(v Level) { atomic.StoreInt32(&verbosity, int32(v)) }

// V reports whether logging at the given verbosity level is enabled,
// mirroring glog.FastV's cheap pre-check so callers can skip formatting
// entirely on the hot path.
func V(level Level) bool { return atomic.LoadInt32(&verbosity) >= int32(level) }

var std = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)

func Infof(format string, args ...any) {
	std.Output(2, "I "+fmt.Sprintf(format, args...))
}

func Warningf(format string, args ...any) {
	std.Output(2, "W "+fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	std.Output(2, "E "+fmt.Sprintf(format, args...))
}

// Fatalf logs and terminates the process, for unrecoverable startup
// errors only (bad pool, bad config) — never called from an RPC handler,
// which must always reply rather than crash the provider.
func Fatalf(format string, args ...any) {
	std.Output(2, "F "+fmt.Sprintf(format, args...))
	os.Exit(1)
}
