// Command bake-shutdown asks a running provider to shut down (spec
// §6's "shutdown" RPC). Run holds the client logic, taking any
// fabric.Server; main validates flags and reports op-unsupported,
// because the loopback fabric only reaches nodes inside one process (see
// cmd/bake-server's package comment).
/*
 * Copyright (c) 2024, BAKE contributors. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mochi-hpc/bake-go/client"
	"github.com/mochi-hpc/bake-go/cmn"
	"github.com/mochi-hpc/bake-go/fabric"
)

// Run connects to addr over fab and issues a shutdown RPC.
func Run(ctx context.Context, fab fabric.Server, addr string) error {
	c, err := client.Connect(ctx, fab, addr)
	if err != nil {
		return err
	}
	return c.Shutdown(ctx)
}

func main() {
	addr := flag.String("addr", "", "provider listen address")
	flag.Parse()
	if *addr == "" {
		fmt.Fprintln(os.Stderr, "bake-shutdown (invalid-arg) -addr is required")
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "bake-shutdown (op-unsupported) standalone CLI requires a cross-process fabric.Server; "+
		"this build only ships the in-process fabric/loopback transport")
	os.Exit(1)
}
