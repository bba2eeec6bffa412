// Package provider is BAKE's target registry and RPC dispatch surface
// (spec §4.6): it owns every target a process hosts, routes each
// incoming RPC to the right backend, and composes create_write_persist
// out of create+write+persist for backends (the file backend) that
// can't do it atomically. The registry follows aistore's own
// sync.RWMutex discipline for its target map — readers (every data-plane
// RPC) take RLock, writers (add/remove/migrate a target) take the full
// Lock — with a lookupLocked/lookup split so no handler ever acquires
// the RWMutex twice on one goroutine's call stack.
/*
 * Copyright (c) 2024, BAKE contributors. All rights reserved.
 */
package provider

import (
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/mochi-hpc/bake-go/backend"
	"github.com/mochi-hpc/bake-go/backend/file"
	"github.com/mochi-hpc/bake-go/backend/pmem"
	"github.com/mochi-hpc/bake-go/cmn"
	"github.com/mochi-hpc/bake-go/cmn/nlog"
	"github.com/mochi-hpc/bake-go/fabric"
	"github.com/mochi-hpc/bake-go/ids"
	"github.com/mochi-hpc/bake-go/memsys"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RPC names, one per row of spec §6's handler table.
const (
	RPCCreate                  = "create"
	RPCEagerWrite              = "eager_write"
	RPCWrite                   = "write"
	RPCPersist                 = "persist"
	RPCCreateWritePersist      = "create_write_persist"
	RPCEagerCreateWritePersist = "eager_create_write_persist"
	RPCEagerRead               = "eager_read"
	RPCRead                    = "read"
	RPCGetSize                 = "get_size"
	RPCGetData                 = "get_data"
	RPCProbe                   = "probe"
	RPCRemove                  = "remove"
	RPCNoop                    = "noop"
	RPCMigrateRegion           = "migrate_region"
	RPCMigrateTarget           = "migrate_target"
	RPCMigrateTargetApply      = "migrate_target_apply"
	RPCShutdown                = "shutdown"
)

type targetEntry struct {
	backend backend.Backend
	cfg     cmn.TargetConfig
}

// Provider hosts zero or more targets and answers RPCs against them
// over a fabric.Server.
type Provider struct {
	cfg    *cmn.Config
	server fabric.Server
	pool   *memsys.Pool

	mu      sync.RWMutex
	targets map[ids.TargetID]*targetEntry

	shutdownOnce sync.Once
	ShutdownC    chan struct{}
}

// New builds a provider from cfg, opening every configured target
// eagerly (spec §3: targets are "discovered, not created, at provider
// startup" from the config file) and registering every RPC handler on
// server.
func New(ctx context.Context, cfg *cmn.Config, server fabric.Server) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Provider{
		cfg:       cfg,
		server:    server,
		pool:      memsys.NewPool(cfg.BufferPool.NumBuffers, cfg.BufferPool.ChunkSize, cfg.BlockSize),
		targets:   make(map[ids.TargetID]*targetEntry),
		ShutdownC: make(chan struct{}),
	}
	for _, tc := range cfg.Targets {
		if _, err := p.AddTarget(ctx, tc); err != nil {
			return nil, errors.Wrapf(err, "open target %s", tc.Path)
		}
	}
	p.registerHandlers()
	return p, nil
}

func (p *Provider) newBackend(tc cmn.TargetConfig) (backend.Backend, error) {
	switch tc.Backend {
	case "pmem":
		return pmem.New(), nil
	case "file":
		return file.New(p.pool, tc.TransferConcurrency), nil
	default:
		return nil, cmn.NewError(cmn.CodeInvalidArg, "unknown backend type "+tc.Backend)
	}
}

// AddTarget opens (or re-opens, for migrate_target's destination side)
// a target backend and registers it under the target id its root
// record names. Takes the registry writer lock.
func (p *Provider) AddTarget(ctx context.Context, tc cmn.TargetConfig) (ids.TargetID, error) {
	be, err := p.newBackend(tc)
	if err != nil {
		return ids.TargetID{}, err
	}
	tid, err := be.Initialize(ctx, tc.Path)
	if err != nil {
		return ids.TargetID{}, err
	}
	p.mu.Lock()
	p.targets[tid] = &targetEntry{backend: be, cfg: tc}
	p.mu.Unlock()
	nlog.Infof("provider: target %s online (%s, %s)", tid, tc.Backend, tc.Path)
	return tid, nil
}

// RemoveTarget finalizes and detaches a target. Takes the registry
// writer lock itself; callers that already hold it (handleMigrateTarget,
// which must keep the lock for its whole operation per spec §4.6) use
// removeTargetLocked instead.
func (p *Provider) RemoveTarget(ctx context.Context, tid ids.TargetID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeTargetLocked(ctx, tid)
}

// removeTargetLocked assumes the caller already holds p.mu for writing;
// it never acquires the lock itself, mirroring lookupLocked/lookup's
// split so handleMigrateTarget can delete from the registry without
// releasing its writer lock mid-operation.
func (p *Provider) removeTargetLocked(ctx context.Context, tid ids.TargetID) error {
	entry, ok := p.targets[tid]
	if !ok {
		return cmn.ErrUnknownTarget
	}
	delete(p.targets, tid)
	return entry.backend.Finalize(ctx)
}

// lookupLocked assumes the caller already holds p.mu (read or write);
// it never acquires the lock itself, so handlers that already hold it
// for other reasons can call this safely instead of recursing into
// lookup and deadlocking on sync.RWMutex's non-reentrant Lock.
func (p *Provider) lookupLocked(tid ids.TargetID) (*targetEntry, error) {
	entry, ok := p.targets[tid]
	if !ok {
		return nil, cmn.ErrUnknownTarget
	}
	return entry, nil
}

// lookup is the public, self-locking form every RPC handler uses.
func (p *Provider) lookup(tid ids.TargetID) (*targetEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lookupLocked(tid)
}

func parseTarget(s string) (ids.TargetID, error) {
	return ids.ParseTargetID(s)
}

func parseRegion(s string) (ids.RegionID, error) {
	return ids.ParseRegionID(s)
}

// Shutdown closes ShutdownC exactly once, waking whatever goroutine in
// cmd/bake-server is waiting to tear the process down after the
// "shutdown" RPC has already replied to its caller.
func (p *Provider) Shutdown() {
	p.shutdownOnce.Do(func() { close(p.ShutdownC) })
}

// Close finalizes every hosted target, for a clean process exit.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for tid, entry := range p.targets {
		if err := entry.backend.Finalize(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.targets, tid)
	}
	return firstErr
}
