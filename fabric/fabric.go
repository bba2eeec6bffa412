// Package fabric is the contract boundary spec §1 excludes from the
// core: the RDMA-capable RPC transport (bulk-handle creation, bulk
// transfers, address lookup, handler dispatch) and the cooperative
// scheduler's non-blocking I/O shim. BAKE's provider and transfer engine
// are written against this interface only; fabric/loopback supplies the
// one concrete implementation this repository ships, sufficient to
// drive the core and its tests without a real Mercury/libfabric
// transport.
/*
 * Copyright (c) 2024, BAKE contributors. All rights reserved.
 */
package fabric

import "context"

// Op selects the direction of a bulk transfer: Pull moves bytes from
// the remote peer's registered memory into the local buffer (a write
// RPC), Push moves local bytes out to the peer (a read RPC) — spec
// §4.5's "read=push, write=pull".
type Op int

const (
	Pull Op = iota // remote -> local
	Push           // local -> remote
)

// BulkHandle is an opaque token naming a range of memory a peer has
// registered for one-sided RDMA access. Its actual representation is a
// fabric implementation detail; the core never inspects it.
type BulkHandle interface {
	// Size is the number of bytes the handle exposes, used by the
	// provider to validate bulk_size against the requested region size.
	Size() int64
}

// Extent names a byte range within a BulkHandle.
type Extent struct {
	Handle BulkHandle
	Offset int64
	Length int64
}

// Fabric is the transport contract the provider and transfer engine
// consume. A concrete Fabric also owns address resolution (for proxy
// transfers, spec §4.6) and RPC handler registration/dispatch (spec
// §4.6's numbered handler steps); BAKE models the latter via Server
// below and keeps Fabric itself scoped to the data-movement primitives
// the transfer engine needs.
type Fabric interface {
	// Transfer moves length bytes between local (a direct backend
	// pointer or an in-memory buffer) and the extent of a remote bulk
	// handle, in the direction op names. It is the single primitive
	// both backends' bulk paths and the transfer engine's workers
	// drive (spec §4.5 step 3).
	Transfer(ctx context.Context, op Op, local []byte, remote Extent) error

	// LookupAddress resolves a peer's advertised address string to a
	// fabric-internal address usable as the target of Transfer calls
	// made "as" that peer — the mechanism proxy transfers (spec §4.6)
	// and migration (spec §4.3, §4.6) both need to address a third
	// party instead of the RPC's own sender.
	LookupAddress(ctx context.Context, addr string) (Address, error)

	// NewLocalHandle registers buf for one-sided remote access and
	// returns a handle a peer can name in a subsequent Transfer's
	// remote Extent. This is "bulk-handle creation", the one piece of
	// handle lifecycle the core itself must drive (spec §1): a
	// migrate_region source exposes its region bytes this way before
	// telling the destination to pull them.
	NewLocalHandle(buf []byte) BulkHandle

	// SerializeHandle and DeserializeHandle move a BulkHandle across the
	// wire inside an RPC request, the same role margo_bulk_serialize/
	// margo_bulk_deserialize play in the original Mercury-based
	// transport: a handle created on one process becomes an opaque blob
	// the RPC layer carries, and the receiving process turns it back
	// into something Transfer can address.
	SerializeHandle(h BulkHandle) ([]byte, error)
	DeserializeHandle(data []byte) (BulkHandle, error)
}

// Address is a resolved, fabric-internal peer handle.
type Address interface {
	String() string
}

// HandlerFunc is the shape of an RPC handler the provider registers
// with a Server: given raw input bytes, it returns raw output bytes.
// The Server does no decoding; each provider handler decodes its own
// request body and answers a decode failure with invalid-arg.
type HandlerFunc func(ctx context.Context, peer Address, input []byte) (output []byte, err error)

// Server is the RPC-registration and dispatch half of the excluded
// runtime: register named handlers (spec §6's RPC table, one entry per
// row), and invoke the matching one per incoming request. A real
// implementation multiplexes this over Mercury/libfabric; BAKE's
// fabric/loopback implements it as direct, in-process function calls.
type Server interface {
	Fabric
	RegisterHandler(rpcName string, fn HandlerFunc)
	// Call invokes the named handler registered on target, used by the
	// client package and by the provider itself when driving a
	// migrate-region create_write_persist_bulk call against a peer.
	Call(ctx context.Context, target Address, rpcName string, input []byte) (output []byte, err error)
}
