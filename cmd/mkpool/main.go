// Command mkpool formats a new BAKE storage pool (spec §6's out-of-band
// "makepool" step): it writes a backend's root record once and prints
// the target id a provider will report when it later opens the same
// file.
/*
 * Copyright (c) 2024, BAKE contributors. All rights reserved.
 */
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mochi-hpc/bake-go/backend/file"
	"github.com/mochi-hpc/bake-go/backend/pmem"
	"github.com/mochi-hpc/bake-go/cmn"
)

func main() {
	backendFlag := flag.String("backend", "pmem", "backend type: pmem | file")
	path := flag.String("path", "", "path of the pool file to create")
	size := flag.Int64("size", 0, "pool size in bytes (pmem only)")
	sizeHeader := flag.Bool("size-header", true, "enable per-region size tracking (pmem only)")
	blockSize := flag.Int("block-size", cmn.DefaultBlockSize, "block alignment (file only)")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "mkpool (invalid-arg) -path is required")
		os.Exit(1)
	}

	switch *backendFlag {
	case "pmem":
		if *size <= 0 {
			fmt.Fprintln(os.Stderr, "mkpool (invalid-arg) -size is required for a pmem pool")
			os.Exit(1)
		}
		tid, err := pmem.FormatPool(*path, *size, *sizeHeader)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mkpool (%s) %v\n", cmn.CodeOf(err), err)
			os.Exit(1)
		}
		fmt.Println(tid.String())
	case "file":
		tid, err := file.FormatPool(*path, *blockSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mkpool (%s) %v\n", cmn.CodeOf(err), err)
			os.Exit(1)
		}
		fmt.Println(tid.String())
	default:
		fmt.Fprintf(os.Stderr, "mkpool (invalid-arg) unknown backend %q\n", *backendFlag)
		os.Exit(1)
	}
}
