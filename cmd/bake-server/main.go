// Command bake-server hosts a provider's targets and answers RPCs
// against them (spec §6). Its only shipped transport is
// fabric/loopback, which is in-process only; a deployment that needs
// real cross-host RDMA links a fabric.Server backed by Mercury/libfabric
// in its place — provider.Provider never notices which one it's given.
/*
 * Copyright (c) 2024, BAKE contributors. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mochi-hpc/bake-go/cmn"
	"github.com/mochi-hpc/bake-go/cmn/nlog"
	"github.com/mochi-hpc/bake-go/fabric/loopback"
	"github.com/mochi-hpc/bake-go/ids"
	"github.com/mochi-hpc/bake-go/provider"
)

func main() {
	configPath := flag.String("config", "", "path to provider JSON configuration")
	verbosity := flag.Int("v", 0, "log verbosity")
	flag.Parse()
	nlog.SetVerbosity(nlog.Level(*verbosity))

	cfg, err := cmn.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bake-server (%s) %v\n", cmn.CodeOf(err), err)
		os.Exit(1)
	}
	if cfg.ListenAddr == "" {
		fmt.Fprintln(os.Stderr, "bake-server (invalid-arg) config.listen_addr is required")
		os.Exit(1)
	}

	ctx := context.Background()
	net := loopback.NewNetwork()
	node := net.Register(cfg.ListenAddr)

	p, err := provider.New(ctx, cfg, node)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bake-server (%s) %v\n", cmn.CodeOf(err), err)
		os.Exit(1)
	}
	self := ids.Peer{Addr: cfg.ListenAddr, ProviderID: ids.ProviderID(cfg.ProviderID)}
	nlog.Infof("bake-server: listening as %s", self)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-p.ShutdownC:
		nlog.Infof("bake-server: shutdown RPC received")
	case sig := <-sigc:
		nlog.Infof("bake-server: received %s", sig)
	}
	if err := p.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "bake-server (%s) %v\n", cmn.CodeOf(err), err)
		os.Exit(1)
	}
}
