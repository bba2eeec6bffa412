// Package pmem implements BAKE's persistent-memory-backed storage
// backend (spec §4.3). Real PMEM hardware and libpmemobj are not
// assumed; the pool is a single file, memory-mapped with
// golang.org/x/sys/unix.Mmap and msync'd on persistence barriers, in
// the same spirit as the mmap-as-persistent-heap pattern used by
// marmos91-dittofs's WAL persister and fenilsonani-vcs's hyperdrive
// persistent-memory package.
/*
 * Copyright (c) 2024, BAKE contributors. All rights reserved.
 */
package pmem

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/mochi-hpc/bake-go/backend"
	"github.com/mochi-hpc/bake-go/cmn"
	"github.com/mochi-hpc/bake-go/cmn/nlog"
	"github.com/mochi-hpc/bake-go/fabric"
	"github.com/mochi-hpc/bake-go/ids"
)

const (
	magic      = "BAKEPMEM"
	headerSize = 64 // fixed root-record block; see layout below
	// objHeaderSize is the size header written immediately before
	// caller data when size tracking is enabled (spec §4.3 / SPEC_FULL §4).
	objHeaderSize = 8
	allocAlign    = 8
)

// root record layout within the first headerSize bytes:
//
//	[0:8)   magic
//	[8:16)  pool_uuid_lo (uint64 LE)
//	[16:32) target_id (16 bytes)
//	[32:33) size-header flag (0/1)
//	[40:48) next allocation offset (uint64 LE), absolute within the file
//	[48:56) pool size (uint64 LE)

// Backend is a persistent-memory object pool: a root record identifying
// the pool, a bump allocator over the remainder for region objects, and
// a free list Remove feeds so later Creates can reuse freed space
// (spec §4.3: "remove returns the allocation to the pool" — unlike the
// file backend's log, which never rewinds or reuses an offset).
type Backend struct {
	mu sync.Mutex

	path       string
	file       *os.File
	data       []byte
	poolSize   int64
	targetID   ids.TargetID
	poolUUIDLo uint64
	sizeHeader bool
	nextOffset int64

	// allocSize records the block-aligned span each live allocation
	// occupies, keyed by its hdrOff, so Remove knows how much space to
	// hand back to freeList.
	allocSize map[int64]int64
	// freeList holds spans freed by Remove, available for first-fit
	// reuse by createLocked before it bumps nextOffset.
	freeList []pmemFreeSpan

	removed map[int64]struct{}
}

type pmemFreeSpan struct {
	offset int64
	size   int64
}

// FormatPool creates a new PMEM pool file of the given size, writing
// its root record exactly once (spec §3: "written exactly once at pool
// creation and never mutated thereafter"). This is the out-of-band
// "makepool" step's PMEM-specific work; cmd/mkpool calls it.
func FormatPool(path string, poolSize int64, sizeHeader bool) (ids.TargetID, error) {
	if poolSize < headerSize {
		return ids.TargetID{}, cmn.NewError(cmn.CodeInvalidArg, "pool size smaller than root record")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return ids.TargetID{}, errors.Wrap(err, "create pmem pool file")
	}
	defer f.Close()
	if err := f.Truncate(poolSize); err != nil {
		return ids.TargetID{}, errors.Wrap(err, "truncate pmem pool file")
	}

	tid := ids.NewTargetID()
	var hdr [headerSize]byte
	copy(hdr[0:8], magic)
	poolUUIDLo := randomUint64()
	binary.LittleEndian.PutUint64(hdr[8:16], poolUUIDLo)
	copy(hdr[16:32], tid[:])
	if sizeHeader {
		hdr[32] = 1
	}
	binary.LittleEndian.PutUint64(hdr[40:48], uint64(headerSize))
	binary.LittleEndian.PutUint64(hdr[48:56], uint64(poolSize))
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return ids.TargetID{}, errors.Wrap(err, "write pmem root record")
	}
	if err := f.Sync(); err != nil {
		return ids.TargetID{}, errors.Wrap(err, "sync pmem root record")
	}
	return tid, nil
}

func randomUint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(os.Getpid())<<32 | 0x9e3779b9
	}
	return binary.LittleEndian.Uint64(b[:])
}

func New() *Backend {
	return &Backend{
		removed:   make(map[int64]struct{}),
		allocSize: make(map[int64]int64),
	}
}

func (b *Backend) Initialize(_ context.Context, path string) (ids.TargetID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return ids.TargetID{}, errors.Wrap(err, "open pmem pool file")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return ids.TargetID{}, errors.Wrap(err, "stat pmem pool file")
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return ids.TargetID{}, errors.Wrap(err, "mmap pmem pool file")
	}

	if len(data) < headerSize || string(data[0:8]) != magic {
		unix.Munmap(data)
		f.Close()
		return ids.TargetID{}, cmn.NewError(cmn.CodePMEM, "corrupt pmem pool: bad magic")
	}
	var tid ids.TargetID
	copy(tid[:], data[16:32])
	if tid.IsZero() {
		unix.Munmap(data)
		f.Close()
		return ids.TargetID{}, cmn.NewError(cmn.CodePMEM, "corrupt pmem pool: null target id")
	}

	b.path = path
	b.file = f
	b.data = data
	b.poolSize = fi.Size()
	b.targetID = tid
	b.poolUUIDLo = binary.LittleEndian.Uint64(data[8:16])
	b.sizeHeader = data[32] != 0
	b.nextOffset = int64(binary.LittleEndian.Uint64(data[40:48]))
	nlog.Infof("pmem: opened pool %s target=%s size-header=%v", path, tid, b.sizeHeader)
	return tid, nil
}

func (b *Backend) Finalize(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data != nil {
		unix.Munmap(b.data)
		b.data = nil
	}
	if b.file != nil {
		err := b.file.Close()
		b.file = nil
		return err
	}
	return nil
}

func (b *Backend) persistHeaderCursor() {
	binary.LittleEndian.PutUint64(b.data[40:48], uint64(b.nextOffset))
	b.msyncLocked(0, headerSize)
}

// msyncLocked flushes [off, off+size) to the backing file, rounded out
// to whole pages as Msync requires. Caller must hold b.mu.
func (b *Backend) msyncLocked(off, size int64) error {
	page := int64(os.Getpagesize())
	start := cmn.AlignDown(off, int(page))
	end := cmn.AlignUp(off+size, int(page))
	if end > int64(len(b.data)) {
		end = int64(len(b.data))
	}
	if start >= end {
		return nil
	}
	if err := unix.Msync(b.data[start:end], unix.MS_SYNC); err != nil {
		return cmn.Wrap(cmn.CodePMEM, err, "msync")
	}
	return nil
}

// resolve validates rid against this pool and returns the allocation's
// header offset and the offset where caller data begins.
func (b *Backend) resolve(rid ids.RegionID) (hdrOff, dataOff int64, err error) {
	poolUUIDLo, offset, ok := rid.PMEMPayload()
	if !ok {
		return 0, 0, cmn.ErrBackendType
	}
	if poolUUIDLo != b.poolUUIDLo {
		return 0, 0, cmn.ErrUnknownRegion
	}
	off := int64(offset)
	if off < headerSize || off >= b.nextOffset {
		return 0, 0, cmn.ErrUnknownRegion
	}
	if _, removed := b.removed[off]; removed {
		return 0, 0, cmn.ErrUnknownRegion
	}
	dataOff = off
	if b.sizeHeader {
		dataOff += objHeaderSize
	}
	return off, dataOff, nil
}

func (b *Backend) regionSizeLocked(hdrOff int64) (uint64, bool) {
	if !b.sizeHeader {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b.data[hdrOff : hdrOff+objHeaderSize]), true
}

func (b *Backend) Create(_ context.Context, size uint64) (ids.RegionID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createLocked(size)
}

func (b *Backend) createLocked(size uint64) (ids.RegionID, error) {
	allocSize := int64(size)
	if b.sizeHeader {
		allocSize += objHeaderSize
	}
	allocSize = cmn.AlignUp(allocSize, allocAlign)

	hdrOff, reused := b.allocFromFreeList(allocSize)
	if !reused {
		hdrOff = b.nextOffset
		if hdrOff+allocSize > b.poolSize {
			return ids.RegionID{}, cmn.ErrAllocation
		}
		b.nextOffset += allocSize
		b.persistHeaderCursor()
	}
	delete(b.removed, hdrOff)
	b.allocSize[hdrOff] = allocSize

	if b.sizeHeader {
		binary.LittleEndian.PutUint64(b.data[hdrOff:hdrOff+objHeaderSize], size)
		if err := b.msyncLocked(hdrOff, objHeaderSize); err != nil {
			return ids.RegionID{}, err
		}
	}
	return ids.NewPMEMRegionID(b.poolUUIDLo, uint64(hdrOff)), nil
}

// allocFromFreeList first-fits allocSize out of spans Remove has handed
// back, splitting off a smaller remainder span when what's left over is
// itself big enough to be worth keeping.
func (b *Backend) allocFromFreeList(allocSize int64) (int64, bool) {
	for i, span := range b.freeList {
		if span.size < allocSize {
			continue
		}
		off := span.offset
		if rem := span.size - allocSize; rem >= allocAlign {
			b.freeList[i] = pmemFreeSpan{offset: span.offset + allocSize, size: rem}
		} else {
			b.freeList = append(b.freeList[:i], b.freeList[i+1:]...)
		}
		return off, true
	}
	return 0, false
}

func (b *Backend) checkBounds(hdrOff, dataOff int64, offset, size uint64) error {
	if regionSize, ok := b.regionSizeLocked(hdrOff); ok {
		if offset+size > regionSize {
			return cmn.ErrOutOfBounds
		}
	}
	if dataOff+int64(offset)+int64(size) > int64(len(b.data)) {
		return cmn.ErrOutOfBounds
	}
	return nil
}

func (b *Backend) WriteRaw(_ context.Context, rid ids.RegionID, offset uint64, src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	hdrOff, dataOff, err := b.resolve(rid)
	if err != nil {
		return err
	}
	if err := b.checkBounds(hdrOff, dataOff, offset, uint64(len(src))); err != nil {
		return err
	}
	copy(b.data[dataOff+int64(offset):], src)
	return nil
}

func (b *Backend) WriteBulk(ctx context.Context, rid ids.RegionID, regionOffset, size uint64, fab fabric.Fabric, remote fabric.Extent) error {
	b.mu.Lock()
	hdrOff, dataOff, err := b.resolve(rid)
	if err == nil {
		err = b.checkBounds(hdrOff, dataOff, regionOffset, size)
	}
	var local []byte
	if err == nil {
		local = b.data[dataOff+int64(regionOffset) : dataOff+int64(regionOffset)+int64(size)]
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if err := fab.Transfer(ctx, fabric.Pull, local, remote); err != nil {
		return cmn.Wrap(cmn.CodeMercury, err, "pmem write_bulk transfer")
	}
	return nil
}

func (b *Backend) ReadRaw(_ context.Context, rid ids.RegionID, offset, size uint64) (backend.RawRead, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hdrOff, dataOff, err := b.resolve(rid)
	if err != nil {
		return backend.RawRead{}, err
	}
	if err := b.checkBounds(hdrOff, dataOff, offset, size); err != nil {
		return backend.RawRead{}, err
	}
	// Direct pointer into the mapped pool; no bounce buffer needed, so
	// there is nothing for Release to free.
	return backend.RawRead{Bytes: b.data[dataOff+int64(offset) : dataOff+int64(offset)+int64(size)]}, nil
}

func (b *Backend) ReadBulk(ctx context.Context, rid ids.RegionID, regionOffset, size uint64, fab fabric.Fabric, remote fabric.Extent) (uint64, error) {
	b.mu.Lock()
	hdrOff, dataOff, err := b.resolve(rid)
	if err == nil {
		err = b.checkBounds(hdrOff, dataOff, regionOffset, size)
	}
	var local []byte
	if err == nil {
		local = b.data[dataOff+int64(regionOffset) : dataOff+int64(regionOffset)+int64(size)]
	}
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if err := fab.Transfer(ctx, fabric.Push, local, remote); err != nil {
		return 0, cmn.Wrap(cmn.CodeMercury, err, "pmem read_bulk transfer")
	}
	return size, nil
}

func (b *Backend) Persist(_ context.Context, rid ids.RegionID, offset, size uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, dataOff, err := b.resolve(rid)
	if err != nil {
		return err
	}
	return b.msyncLocked(dataOff+int64(offset), int64(size))
}

func (b *Backend) CreateWritePersistRaw(_ context.Context, size uint64, src []byte) (ids.RegionID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rid, err := b.createLocked(size)
	if err != nil {
		return ids.RegionID{}, err
	}
	_, dataOff, err := b.resolve(rid)
	if err != nil {
		return ids.RegionID{}, err
	}
	copy(b.data[dataOff:dataOff+int64(size)], src)
	if err := b.msyncLocked(dataOff, int64(size)); err != nil {
		return ids.RegionID{}, err
	}
	return rid, nil
}

func (b *Backend) CreateWritePersistBulk(ctx context.Context, size uint64, fab fabric.Fabric, remote fabric.Extent) (ids.RegionID, error) {
	b.mu.Lock()
	rid, err := b.createLocked(size)
	var local []byte
	var dataOff int64
	if err == nil {
		_, dataOff, err = b.resolve(rid)
	}
	if err == nil {
		local = b.data[dataOff : dataOff+int64(size)]
	}
	b.mu.Unlock()
	if err != nil {
		return ids.RegionID{}, err
	}
	if err := fab.Transfer(ctx, fabric.Pull, local, remote); err != nil {
		return ids.RegionID{}, cmn.Wrap(cmn.CodeMercury, err, "pmem create_write_persist_bulk transfer")
	}
	b.mu.Lock()
	err = b.msyncLocked(dataOff, int64(size))
	b.mu.Unlock()
	if err != nil {
		return ids.RegionID{}, err
	}
	return rid, nil
}

func (b *Backend) GetRegionSize(_ context.Context, rid ids.RegionID) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hdrOff, _, err := b.resolve(rid)
	if err != nil {
		return 0, err
	}
	size, ok := b.regionSizeLocked(hdrOff)
	if !ok {
		return 0, cmn.ErrOpUnsupported
	}
	return size, nil
}

func (b *Backend) GetRegionData(_ context.Context, rid ids.RegionID) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hdrOff, dataOff, err := b.resolve(rid)
	if err != nil {
		return nil, err
	}
	size, ok := b.regionSizeLocked(hdrOff)
	if !ok {
		return nil, cmn.ErrOpUnsupported
	}
	return b.data[dataOff : dataOff+int64(size)], nil
}

func (b *Backend) Remove(_ context.Context, rid ids.RegionID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	hdrOff, _, err := b.resolve(rid)
	if err != nil {
		return err
	}
	b.removed[hdrOff] = struct{}{}
	size := b.allocSize[hdrOff]
	delete(b.allocSize, hdrOff)
	b.freeList = append(b.freeList, pmemFreeSpan{offset: hdrOff, size: size})
	return nil
}

func (b *Backend) MigrateRegion(ctx context.Context, rid ids.RegionID, size uint64, removeSource bool, fab fabric.Fabric, mover backend.Mover) (ids.RegionID, error) {
	b.mu.Lock()
	hdrOff, dataOff, err := b.resolve(rid)
	var local []byte
	if err == nil {
		err = b.checkBounds(hdrOff, dataOff, 0, size)
	}
	if err == nil {
		local = b.data[dataOff : dataOff+int64(size)]
	}
	b.mu.Unlock()
	if err != nil {
		return ids.RegionID{}, err
	}

	handle := fab.NewLocalHandle(local)
	destRid, err := mover.PushCreateWritePersist(ctx, size, handle)
	if err != nil {
		return ids.RegionID{}, cmn.Propagate(cmn.CodeRemi, err, "pmem migrate_region")
	}
	if removeSource {
		if err := b.Remove(ctx, rid); err != nil {
			return destRid, err
		}
	}
	return destRid, nil
}

func (b *Backend) MigrationFiles(_ context.Context) (string, []string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.path == "" {
		return "", nil, cmn.ErrOpUnsupported
	}
	return filepath.Dir(b.path), []string{filepath.Base(b.path)}, nil
}

var _ backend.Backend = (*Backend)(nil)
