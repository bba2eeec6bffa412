// Command bake-copy-to creates a new BAKE region from a local file's
// contents. CopyFile holds the client logic, taking any fabric.Server;
// main validates flags and reports op-unsupported, because the loopback
// fabric only reaches nodes inside one process (see cmd/bake-server's
// package comment).
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
	"github.com/mochi-hpc/bake-go/fabric"
	"github.com/mochi-hpc/bake-go/ids"
)

// CopyFile reads path and creates a persisted region on target holding
// its full contents, returning the new region id.
func CopyFile(ctx context.Context, fab fabric.Server, addr string, target ids.TargetID, path string) (ids.RegionID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ids.RegionID{}, err
	}
	c, err := client.Connect(ctx, fab, addr)
	if err != nil {
		return ids.RegionID{}, err
	}
	return c.CreateWritePersistBulk(ctx, target, data)
}

func main() {
	addr := flag.String("addr", "", "provider listen address")
	targetStr := flag.String("target", "", "target id")
	path := flag.String("file", "", "local file to copy in")
	flag.Parse()
	if *addr == "" || *targetStr == "" || *path == "" {
		fmt.Fprintln(os.Stderr, "bake-copy-to (invalid-arg) -addr, -target and -file are required")
		os.Exit(1)
	}
	if _, err := ids.ParseTargetID(*targetStr); err != nil {
		fmt.Fprintf(os.Stderr, "bake-copy-to (invalid-arg) %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "bake-copy-to (op-unsupported) standalone CLI requires a cross-process fabric.Server; "+
		"this build only ships the in-process fabric/loopback transport")
	os.Exit(1)
}
