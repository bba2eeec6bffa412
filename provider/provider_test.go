package provider_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mochi-hpc/bake-go/backend/pmem"
	"github.com/mochi-hpc/bake-go/client"
	"github.com/mochi-hpc/bake-go/cmn"
	"github.com/mochi-hpc/bake-go/fabric/loopback"
	"github.com/mochi-hpc/bake-go/ids"
	"github.com/mochi-hpc/bake-go/provider"
)

func newProviderPair(t *testing.T) (net *loopback.Network, srcTarget, dstTarget ids.TargetID, srcAddr, dstAddr string) {
	t.Helper()
	ctx := context.Background()
	net = loopback.NewNetwork()

	srcPath := filepath.Join(t.TempDir(), "src.pmem")
	dstPath := filepath.Join(t.TempDir(), "dst.pmem")
	if _, err := pmem.FormatPool(srcPath, 1<<20, true); err != nil {
		t.Fatalf("FormatPool src: %v", err)
	}
	if _, err := pmem.FormatPool(dstPath, 1<<20, true); err != nil {
		t.Fatalf("FormatPool dst: %v", err)
	}

	srcCfg := cmn.DefaultConfig()
	srcCfg.ListenAddr = "src"
	srcCfg.Targets = []cmn.TargetConfig{{Path: srcPath, Backend: "pmem"}}
	srcNode := net.Register("src")
	srcProv, err := provider.New(ctx, srcCfg, srcNode)
	if err != nil {
		t.Fatalf("provider.New src: %v", err)
	}
	t.Cleanup(func() { srcProv.Close(ctx) })

	dstCfg := cmn.DefaultConfig()
	dstCfg.ListenAddr = "dst"
	dstCfg.Targets = []cmn.TargetConfig{{Path: dstPath, Backend: "pmem"}}
	dstNode := net.Register("dst")
	dstProv, err := provider.New(ctx, dstCfg, dstNode)
	if err != nil {
		t.Fatalf("provider.New dst: %v", err)
	}
	t.Cleanup(func() { dstProv.Close(ctx) })

	srcTids, err := (&fetchHelper{}).probe(ctx, srcNode, "src")
	if err != nil {
		t.Fatalf("probe src: %v", err)
	}
	dstTids, err := (&fetchHelper{}).probe(ctx, dstNode, "dst")
	if err != nil {
		t.Fatalf("probe dst: %v", err)
	}
	return net, srcTids[0], dstTids[0], "src", "dst"
}

type fetchHelper struct{}

func (fetchHelper) probe(ctx context.Context, node *loopback.Node, addr string) ([]ids.TargetID, error) {
	c, err := client.Connect(ctx, node, addr)
	if err != nil {
		return nil, err
	}
	return c.Probe(ctx)
}

func TestEagerRoundTrip(t *testing.T) {
	ctx := context.Background()
	net, srcTarget, _, srcAddr, _ := newProviderPair(t)
	node := net.Register(srcAddr)
	c, err := client.Connect(ctx, node, srcAddr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	payload := []byte("tiny payload")
	rid, err := c.EagerCreateWritePersist(ctx, srcTarget, payload)
	if err != nil {
		t.Fatalf("EagerCreateWritePersist: %v", err)
	}
	got, err := c.EagerRead(ctx, srcTarget, rid, 0, uint64(len(payload)))
	if err != nil {
		t.Fatalf("EagerRead: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestBulkRoundTripLargerThanEagerLimit(t *testing.T) {
	ctx := context.Background()
	net, srcTarget, _, srcAddr, _ := newProviderPair(t)
	node := net.Register(srcAddr)
	c, err := client.Connect(ctx, node, srcAddr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	payload := make([]byte, cmn.DefaultEagerLimit*3)
	for i := range payload {
		payload[i] = byte(i)
	}
	rid, err := c.CreateWritePersistBulk(ctx, srcTarget, payload)
	if err != nil {
		t.Fatalf("CreateWritePersistBulk: %v", err)
	}
	buf := make([]byte, len(payload))
	n, err := c.ReadBulkInto(ctx, srcTarget, rid, 0, buf)
	if err != nil {
		t.Fatalf("ReadBulkInto: %v", err)
	}
	if n != uint64(len(payload)) {
		t.Fatalf("bytes read = %d, want %d", n, len(payload))
	}
	if string(buf) != string(payload) {
		t.Fatalf("round-tripped bulk payload mismatch")
	}
}

func TestEagerWriteAboveLimitRejected(t *testing.T) {
	ctx := context.Background()
	net, srcTarget, _, srcAddr, _ := newProviderPair(t)
	node := net.Register(srcAddr)
	c, err := client.Connect(ctx, node, srcAddr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	oversized := make([]byte, cmn.DefaultEagerLimit+1)
	if _, err := c.EagerCreateWritePersist(ctx, srcTarget, oversized); cmn.CodeOf(err) != cmn.CodeInvalidArg {
		t.Fatalf("err = %v, want invalid-arg", err)
	}
}

// TestReadBulkProxyNamesAThirdPartyPeer drives spec §4.6's proxy
// transfer: the client orchestrating the read names a remote_addr that
// isn't its own connection, and the provider must resolve it rather
// than reject or ignore it.
func TestReadBulkProxyNamesAThirdPartyPeer(t *testing.T) {
	ctx := context.Background()
	net, srcTarget, _, srcAddr, dstAddr := newProviderPair(t)
	node := net.Register(srcAddr)
	c, err := client.Connect(ctx, node, srcAddr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	net.Register(dstAddr)

	payload := []byte("proxied bulk transfer payload")
	rid, err := c.EagerCreateWritePersist(ctx, srcTarget, payload)
	if err != nil {
		t.Fatalf("EagerCreateWritePersist: %v", err)
	}

	buf := make([]byte, len(payload))
	n, err := c.ReadBulkProxy(ctx, srcTarget, rid, 0, buf, dstAddr)
	if err != nil {
		t.Fatalf("ReadBulkProxy: %v", err)
	}
	if n != uint64(len(payload)) || string(buf) != string(payload) {
		t.Fatalf("got %q (n=%d), want %q", buf, n, payload)
	}

	if _, err := c.ReadBulkProxy(ctx, srcTarget, rid, 0, buf, "no-such-peer"); cmn.CodeOf(err) != cmn.CodeInvalidArg {
		t.Fatalf("ReadBulkProxy with unknown remote_addr: err = %v, want invalid-arg", err)
	}
}

// TestMigrateTargetHandsOffWholeTarget drives spec §6's migrate_target:
// the destination starts with no targets configured, opens the same
// backend files at dest_root (standing in for an out-of-band copy onto
// shared storage), and the source detaches once the destination
// confirms it holds the same target id.
func TestMigrateTargetHandsOffWholeTarget(t *testing.T) {
	ctx := context.Background()
	net := loopback.NewNetwork()

	srcPath := filepath.Join(t.TempDir(), "src.pmem")
	if _, err := pmem.FormatPool(srcPath, 1<<20, true); err != nil {
		t.Fatalf("FormatPool: %v", err)
	}
	srcCfg := cmn.DefaultConfig()
	srcCfg.ListenAddr = "mt-src"
	srcCfg.Targets = []cmn.TargetConfig{{Path: srcPath, Backend: "pmem"}}
	srcNode := net.Register("mt-src")
	srcProv, err := provider.New(ctx, srcCfg, srcNode)
	if err != nil {
		t.Fatalf("provider.New src: %v", err)
	}
	t.Cleanup(func() { srcProv.Close(ctx) })

	dstCfg := cmn.DefaultConfig()
	dstCfg.ListenAddr = "mt-dst"
	dstNode := net.Register("mt-dst")
	dstProv, err := provider.New(ctx, dstCfg, dstNode)
	if err != nil {
		t.Fatalf("provider.New dst: %v", err)
	}
	t.Cleanup(func() { dstProv.Close(ctx) })

	c, err := client.Connect(ctx, srcNode, "mt-src")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srcTids, err := c.Probe(ctx)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	srcTarget := srcTids[0]

	payload := []byte("target migrated wholesale")
	rid, err := c.EagerCreateWritePersist(ctx, srcTarget, payload)
	if err != nil {
		t.Fatalf("EagerCreateWritePersist: %v", err)
	}

	newTid, root, files, err := c.MigrateTarget(ctx, srcTarget, "mt-dst", srcPath)
	if err != nil {
		t.Fatalf("MigrateTarget: %v", err)
	}
	if newTid != srcTarget {
		t.Fatalf("migrated target id = %s, want %s (shared pool file)", newTid, srcTarget)
	}
	if root == "" || len(files) == 0 {
		t.Fatalf("expected non-empty migration file enumeration, got root=%q files=%v", root, files)
	}

	if _, err := c.EagerRead(ctx, srcTarget, rid, 0, uint64(len(payload))); cmn.CodeOf(err) != cmn.CodeUnknownTarget {
		t.Fatalf("source should no longer host the target after migrate, err = %v", err)
	}

	dc, err := client.Connect(ctx, dstNode, "mt-dst")
	if err != nil {
		t.Fatalf("Connect dst: %v", err)
	}
	got, err := dc.EagerRead(ctx, newTid, rid, 0, uint64(len(payload)))
	if err != nil {
		t.Fatalf("EagerRead on destination: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("migrated target data = %q, want %q", got, payload)
	}
}

func TestMigrateRegionAcrossProviders(t *testing.T) {
	ctx := context.Background()
	net, srcTarget, dstTarget, srcAddr, dstAddr := newProviderPair(t)
	srcNode := net.Register(srcAddr)
	c, err := client.Connect(ctx, srcNode, srcAddr)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	payload := []byte("migrate across providers")
	rid, err := c.EagerCreateWritePersist(ctx, srcTarget, payload)
	if err != nil {
		t.Fatalf("EagerCreateWritePersist: %v", err)
	}

	newRid, err := c.MigrateRegion(ctx, srcTarget, rid, dstAddr, dstTarget.String(), uint64(len(payload)), true)
	if err != nil {
		t.Fatalf("MigrateRegion: %v", err)
	}

	if _, err := c.EagerRead(ctx, srcTarget, rid, 0, uint64(len(payload))); cmn.CodeOf(err) != cmn.CodeUnknownRegion {
		t.Fatalf("source region should be gone after migrate with removeSource=true, err = %v", err)
	}

	dstNode := net.Register(dstAddr)
	dc, err := client.Connect(ctx, dstNode, dstAddr)
	if err != nil {
		t.Fatalf("Connect dst: %v", err)
	}
	got, err := dc.EagerRead(ctx, dstTarget, newRid, 0, uint64(len(payload)))
	if err != nil {
		t.Fatalf("EagerRead on destination: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("migrated payload = %q, want %q", got, payload)
	}
}
