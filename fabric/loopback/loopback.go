// Package loopback is BAKE's one concrete fabric.Server: a process-wide
// registry of named nodes, each with its own handler table, wired
// together by direct byte-slice copies instead of real RDMA hardware.
// It exists to drive the core (provider, transfer engine) and its tests
// end to end; production deployments swap it for a real Mercury/
// libfabric-backed fabric.Server without the core noticing, since both
// satisfy the same fabric.Fabric/fabric.Server contract.
/*
 * Copyright (c) 2024, BAKE contributors. All rights reserved.
 */
package loopback

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mochi-hpc/bake-go/fabric"
)

// MemoryHandle is a fabric.BulkHandle over a plain Go byte slice,
// standing in for a client's network-registered memory region.
type MemoryHandle struct{ Buf []byte }

func NewMemoryHandle(buf []byte) *MemoryHandle { return &MemoryHandle{Buf: buf} }
func (h *MemoryHandle) Size() int64            { return int64(len(h.Buf)) }

// Address names one registered node by the address string it was
// registered under.
type Address struct{ name string }

func (a Address) String() string { return a.name }

type node struct {
	handlers map[string]fabric.HandlerFunc
}

// Network is a shared loopback fabric: every node created against the
// same Network can Call and Transfer against every other node in it,
// modeling a single RDMA-capable subnet in-process.
type Network struct {
	mu      sync.RWMutex
	nodes   map[string]*node
	handles map[string]*MemoryHandle
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*node), handles: make(map[string]*MemoryHandle)}
}

// Node is one provider's fabric.Server handle into a shared Network.
type Node struct {
	net  *Network
	self string
}

// Register creates (or re-opens) a node at addr on net. Providers call
// this once at startup with their own listen address.
func (n *Network) Register(addr string) *Node {
	n.mu.Lock()
	if _, ok := n.nodes[addr]; !ok {
		n.nodes[addr] = &node{handlers: make(map[string]fabric.HandlerFunc)}
	}
	n.mu.Unlock()
	return &Node{net: n, self: addr}
}

func (n *Node) RegisterHandler(rpcName string, fn fabric.HandlerFunc) {
	n.net.mu.Lock()
	defer n.net.mu.Unlock()
	n.net.nodes[n.self].handlers[rpcName] = fn
}

func (n *Node) LookupAddress(_ context.Context, addr string) (fabric.Address, error) {
	n.net.mu.RLock()
	defer n.net.mu.RUnlock()
	if _, ok := n.net.nodes[addr]; !ok {
		return nil, errors.Errorf("loopback: no node registered at %q", addr)
	}
	return Address{name: addr}, nil
}

func (n *Node) Call(ctx context.Context, target fabric.Address, rpcName string, input []byte) ([]byte, error) {
	addr, ok := target.(Address)
	if !ok {
		return nil, errors.New("loopback: foreign address type")
	}
	n.net.mu.RLock()
	tgt, ok := n.net.nodes[addr.name]
	n.net.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("loopback: no node registered at %q", addr.name)
	}
	n.net.mu.RLock()
	fn, ok := tgt.handlers[rpcName]
	n.net.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("loopback: no handler %q registered at %q", rpcName, addr.name)
	}
	self, err := n.LookupAddress(ctx, n.self)
	if err != nil {
		return nil, err
	}
	return fn(ctx, self, input)
}

// Transfer performs the one-sided copy a real fabric would do via RDMA
// read/write verbs: Pull copies from the remote extent into local,
// Push copies from local into the remote extent.
func (n *Node) Transfer(_ context.Context, op fabric.Op, local []byte, remote fabric.Extent) error {
	mh, ok := remote.Handle.(*MemoryHandle)
	if !ok {
		return errors.New("loopback: foreign bulk handle type")
	}
	if remote.Offset < 0 || remote.Offset+remote.Length > int64(len(mh.Buf)) {
		return errors.New("loopback: remote extent out of bounds")
	}
	remoteSlice := mh.Buf[remote.Offset : remote.Offset+remote.Length]
	switch op {
	case fabric.Pull:
		if int64(len(local)) < remote.Length {
			return errors.New("loopback: local buffer too small for pull")
		}
		copy(local[:remote.Length], remoteSlice)
	case fabric.Push:
		if int64(len(local)) < remote.Length {
			return errors.New("loopback: local buffer too small for push")
		}
		copy(remoteSlice, local[:remote.Length])
	default:
		return errors.Errorf("loopback: unknown op %d", op)
	}
	return nil
}

// NewLocalHandle wraps buf directly — the loopback fabric has no real
// registration step since Transfer always runs in-process, but it still
// returns the same *MemoryHandle type Transfer expects so callers don't
// need to know which concrete fabric they're on.
func (n *Node) NewLocalHandle(buf []byte) fabric.BulkHandle {
	return NewMemoryHandle(buf)
}

// SerializeHandle registers h under a fresh token in the network-wide
// handle table and returns the token as the wire blob; any node sharing
// this Network can later DeserializeHandle it back, since a real
// Mercury bulk handle is likewise portable to whichever process the RPC
// carrying it reaches.
func (n *Node) SerializeHandle(h fabric.BulkHandle) ([]byte, error) {
	mh, ok := h.(*MemoryHandle)
	if !ok {
		return nil, errors.New("loopback: foreign bulk handle type")
	}
	token := uuid.New().String()
	n.net.mu.Lock()
	n.net.handles[token] = mh
	n.net.mu.Unlock()
	return []byte(token), nil
}

func (n *Node) DeserializeHandle(data []byte) (fabric.BulkHandle, error) {
	n.net.mu.RLock()
	mh, ok := n.net.handles[string(data)]
	n.net.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("loopback: unknown bulk handle token %q", string(data))
	}
	return mh, nil
}

var _ fabric.Server = (*Node)(nil)
