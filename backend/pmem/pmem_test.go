package pmem_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mochi-hpc/bake-go/backend/pmem"
	"github.com/mochi-hpc/bake-go/cmn"
	"github.com/mochi-hpc/bake-go/fabric"
	"github.com/mochi-hpc/bake-go/fabric/loopback"
	"github.com/mochi-hpc/bake-go/ids"
)

func newPool(t *testing.T, sizeHeader bool) (*pmem.Backend, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.pmem")
	if _, err := pmem.FormatPool(path, 1<<20, sizeHeader); err != nil {
		t.Fatalf("FormatPool: %v", err)
	}
	be := pmem.New()
	ctx := context.Background()
	if _, err := be.Initialize(ctx, path); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return be, func() { be.Finalize(ctx) }
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	be, done := newPool(t, true)
	defer done()
	ctx := context.Background()

	payload := []byte("hello bake world")
	rid, err := be.Create(ctx, uint64(len(payload)))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := be.WriteRaw(ctx, rid, 0, payload); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	if err := be.Persist(ctx, rid, 0, uint64(len(payload))); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	rr, err := be.ReadRaw(ctx, rid, 0, uint64(len(payload)))
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	defer rr.Release()
	if string(rr.Bytes) != string(payload) {
		t.Fatalf("got %q want %q", rr.Bytes, payload)
	}

	size, err := be.GetRegionSize(ctx, rid)
	if err != nil {
		t.Fatalf("GetRegionSize: %v", err)
	}
	if size != uint64(len(payload)) {
		t.Fatalf("size = %d, want %d", size, len(payload))
	}
}

func TestCreateWritePersistRaw(t *testing.T) {
	be, done := newPool(t, true)
	defer done()
	ctx := context.Background()

	payload := []byte("composed in one call")
	rid, err := be.CreateWritePersistRaw(ctx, uint64(len(payload)), payload)
	if err != nil {
		t.Fatalf("CreateWritePersistRaw: %v", err)
	}
	data, err := be.GetRegionData(ctx, rid)
	if err != nil {
		t.Fatalf("GetRegionData: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("got %q want %q", data, payload)
	}
}

func TestGetRegionSizeUnsupportedWithoutHeader(t *testing.T) {
	be, done := newPool(t, false)
	defer done()
	ctx := context.Background()

	rid, err := be.Create(ctx, 8)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := be.GetRegionSize(ctx, rid); cmn.CodeOf(err) != cmn.CodeOpUnsupported {
		t.Fatalf("GetRegionSize err = %v, want op-unsupported", err)
	}
}

func TestRemoveThenAccessIsUnknownRegion(t *testing.T) {
	be, done := newPool(t, true)
	defer done()
	ctx := context.Background()

	rid, err := be.Create(ctx, 16)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := be.Remove(ctx, rid); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := be.ReadRaw(ctx, rid, 0, 4); cmn.CodeOf(err) != cmn.CodeUnknownRegion {
		t.Fatalf("ReadRaw after remove err = %v, want unknown-region", err)
	}
}

func TestRemoveReturnsSpaceForReuse(t *testing.T) {
	be, done := newPool(t, true)
	defer done()
	ctx := context.Background()

	// The pool is small enough that repeatedly creating and removing a
	// region without reuse would exhaust poolSize; if free space is
	// correctly returned to the allocator, it never does.
	path := filepath.Join(t.TempDir(), "tiny.pmem")
	if _, err := pmem.FormatPool(path, 4096, true); err != nil {
		t.Fatalf("FormatPool: %v", err)
	}
	tiny := pmem.New()
	if _, err := tiny.Initialize(ctx, path); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer tiny.Finalize(ctx)

	payload := make([]byte, 256)
	for i := 0; i < 50; i++ {
		rid, err := tiny.CreateWritePersistRaw(ctx, uint64(len(payload)), payload)
		if err != nil {
			t.Fatalf("iteration %d: CreateWritePersistRaw: %v", i, err)
		}
		if err := tiny.Remove(ctx, rid); err != nil {
			t.Fatalf("iteration %d: Remove: %v", i, err)
		}
	}

	rid, err := be.Create(ctx, 16)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := be.Remove(ctx, rid); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	rid2, err := be.Create(ctx, 16)
	if err != nil {
		t.Fatalf("Create after Remove: %v", err)
	}
	if rid2 != rid {
		t.Fatalf("expected the freed allocation to be reused (same region id %v), got %v", rid, rid2)
	}
	if _, err := be.ReadRaw(ctx, rid2, 0, 8); err != nil {
		t.Fatalf("ReadRaw on reused allocation: %v", err)
	}
}

func TestOutOfBoundsWrite(t *testing.T) {
	be, done := newPool(t, true)
	defer done()
	ctx := context.Background()

	rid, err := be.Create(ctx, 8)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := be.WriteRaw(ctx, rid, 0, make([]byte, 16)); cmn.CodeOf(err) != cmn.CodeOutOfBounds {
		t.Fatalf("WriteRaw err = %v, want out-of-bounds", err)
	}
}

func TestMigrateRegionBetweenPools(t *testing.T) {
	ctx := context.Background()
	srcBe, doneSrc := newPool(t, true)
	defer doneSrc()
	dstBe, doneDst := newPool(t, true)
	defer doneDst()

	net := loopback.NewNetwork()
	srcNode := net.Register("src")
	dstNode := net.Register("dst")

	payload := []byte("migrate me")
	rid, err := srcBe.CreateWritePersistRaw(ctx, uint64(len(payload)), payload)
	if err != nil {
		t.Fatalf("CreateWritePersistRaw: %v", err)
	}

	mover := fakeMover{dstBe: dstBe, fab: dstNode}
	newRid, err := srcBe.MigrateRegion(ctx, rid, uint64(len(payload)), true, srcNode, mover)
	if err != nil {
		t.Fatalf("MigrateRegion: %v", err)
	}

	data, err := dstBe.GetRegionData(ctx, newRid)
	if err != nil {
		t.Fatalf("GetRegionData on destination: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("migrated data = %q, want %q", data, payload)
	}
	if _, err := srcBe.ReadRaw(ctx, rid, 0, 1); cmn.CodeOf(err) != cmn.CodeUnknownRegion {
		t.Fatalf("source region should be removed after migrate, err = %v", err)
	}
}

// fakeMover drives the destination backend directly instead of going
// through provider/RPC, isolating this test to the backend layer: both
// nodes share one loopback.Network, so a *MemoryHandle created on
// srcNode is just as usable via dstNode's Transfer.
type fakeMover struct {
	dstBe *pmem.Backend
	fab   fabric.Fabric
}

func (m fakeMover) PushCreateWritePersist(ctx context.Context, size uint64, local fabric.BulkHandle) (ids.RegionID, error) {
	remote := fabric.Extent{Handle: local, Offset: 0, Length: int64(size)}
	return m.dstBe.CreateWritePersistBulk(ctx, size, m.fab, remote)
}
