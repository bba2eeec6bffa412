// Package backend declares the capability set every BAKE storage
// backend implements (spec §4.2): an interface in place of the source's
// vtable of function pointers, with two concrete implementations
// (backend/pmem, backend/file). Unsupported optional operations return
// cmn.ErrOpUnsupported rather than silently succeeding, matching spec
// §4.2's "Any unsupported operation returns an explicit 'operation
// unsupported' error."
/*
 * Copyright (c) 2024, BAKE contributors. All rights reserved.
 */
package backend

import (
	"context"

	"github.com/mochi-hpc/bake-go/fabric"
	"github.com/mochi-hpc/bake-go/ids"
	"github.com/mochi-hpc/bake-go/memsys"
)

// RawRead is what ReadRaw hands back: a slice view into an
// AlignedBuffer the caller must Release exactly once, the "pointer
// bundled with its owning aligned buffer" of spec §9.
type RawRead struct {
	Buffer *memsys.AlignedBuffer
	Bytes  []byte
}

func (r RawRead) Release() {
	if r.Buffer != nil {
		r.Buffer.Release()
	}
}

// Mover is the provider-supplied capability a backend's MigrateRegion
// uses to ship bytes to a destination peer. Spec §4.3 describes
// migrate_region as "generic in the provider": the provider constructs
// a Mover bound to a specific destination Peer and hands it to the
// backend, rather than the backend knowing about RPC dispatch itself.
type Mover interface {
	// PushCreateWritePersist exposes local as an RDMA-pullable source
	// and invokes create_write_persist_bulk on the destination,
	// returning the region id it allocated there.
	PushCreateWritePersist(ctx context.Context, size uint64, local fabric.BulkHandle) (ids.RegionID, error)
}

// Backend is the capability set of spec §4.2. Every method after
// Initialize operates within the target Initialize bound to; backends
// are not required to be safe for use from more than one *instance*,
// but every method must be safe to call concurrently from many
// goroutines on the same instance (spec §5, "every backend operation is
// reentrant under the reader lock").
type Backend interface {
	// Initialize opens the pool at path, returning the target id
	// recorded in its root record.
	Initialize(ctx context.Context, path string) (ids.TargetID, error)
	// Finalize closes the pool. No further calls are made after it
	// returns.
	Finalize(ctx context.Context) error

	// Create reserves storage for a region of size bytes. Contents are
	// undefined; the region is not yet readable.
	Create(ctx context.Context, size uint64) (ids.RegionID, error)

	// WriteRaw copies src into the region at offset, from a buffer the
	// caller owns (no RDMA involved — the eager path).
	WriteRaw(ctx context.Context, rid ids.RegionID, offset uint64, src []byte) error
	// WriteBulk pulls size bytes from remote into the region at
	// regionOffset via fab.
	WriteBulk(ctx context.Context, rid ids.RegionID, regionOffset, size uint64, fab fabric.Fabric, remote fabric.Extent) error

	// ReadRaw returns a view of size bytes starting at offset within
	// rid. Callers must Release the result exactly once.
	ReadRaw(ctx context.Context, rid ids.RegionID, offset, size uint64) (RawRead, error)
	// ReadBulk pushes size bytes from the region at regionOffset to
	// remote via fab, returning the number of bytes actually
	// transferred.
	ReadBulk(ctx context.Context, rid ids.RegionID, regionOffset, size uint64, fab fabric.Fabric, remote fabric.Extent) (uint64, error)

	// Persist is a durability barrier over the region extent
	// (offset, size). After it returns, the region is treated as
	// immutable.
	Persist(ctx context.Context, rid ids.RegionID, offset, size uint64) error

	// CreateWritePersistRaw composes create+write+persist in one call
	// when the backend can do so more efficiently than the three
	// separate steps. Backends that can't opt out by returning
	// cmn.ErrOpUnsupported; the provider then composes the primitives
	// itself.
	CreateWritePersistRaw(ctx context.Context, size uint64, src []byte) (ids.RegionID, error)
	// CreateWritePersistBulk is CreateWritePersistRaw's bulk-path
	// counterpart.
	CreateWritePersistBulk(ctx context.Context, size uint64, fab fabric.Fabric, remote fabric.Extent) (ids.RegionID, error)

	// GetRegionSize returns a region's recorded size. Only meaningful
	// on backends built with size tracking; others return
	// cmn.ErrOpUnsupported.
	GetRegionSize(ctx context.Context, rid ids.RegionID) (uint64, error)
	// GetRegionData exposes a region's bytes directly, valid only for
	// callers sharing the provider's address space (spec §4.3); callers
	// must call Persist themselves after mutating the returned slice.
	GetRegionData(ctx context.Context, rid ids.RegionID) ([]byte, error)

	// Remove releases a region's storage. Subsequent operations on rid
	// return cmn.ErrUnknownRegion, until a backend that reuses freed
	// space (pmem) hands the same storage to a later Create, whose
	// region id is then equal to rid.
	Remove(ctx context.Context, rid ids.RegionID) error

	// MigrateRegion copies a region to a destination peer via mover,
	// optionally removing the local copy on success. fab is used to
	// register the region's bytes as a pullable bulk handle (spec
	// §4.3: "issues a create_write_persist_bulk RPC to the destination
	// provider, using a bulk handle that exposes the source region's
	// bytes").
	MigrateRegion(ctx context.Context, rid ids.RegionID, size uint64, removeSource bool, fab fabric.Fabric, mover Mover) (ids.RegionID, error)

	// MigrationFiles names the backing files a target migration must
	// physically copy: a root directory and the file names within it
	// relative to root (spec §4.6's "root directory + filename list").
	MigrationFiles(ctx context.Context) (root string, files []string, err error)
}
