package provider_test

import (
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/mochi-hpc/bake-go/backend/pmem"
	"github.com/mochi-hpc/bake-go/client"
	"github.com/mochi-hpc/bake-go/cmn"
	"github.com/mochi-hpc/bake-go/fabric/loopback"
	"github.com/mochi-hpc/bake-go/ids"
	"github.com/mochi-hpc/bake-go/provider"
)

// This suite drives end-to-end scenarios of spec §8 (small/large
// round-trip, reads before persist, the server-side eager limit)
// against a single in-process provider, the same
// way aistore's own ginkgo/gomega suites drive its data-plane handlers.
var _ = Describe("a BAKE provider", func() {
	var (
		ctx    context.Context
		net    *loopback.Network
		node   *loopback.Node
		prov   *provider.Provider
		c      *client.Client
		target string
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "pool.pmem")
		_, err := pmem.FormatPool(path, 4<<20, true)
		Expect(err).NotTo(HaveOccurred())

		cfg := cmn.DefaultConfig()
		cfg.ListenAddr = "ep"
		cfg.EagerLimit = 64
		cfg.Targets = []cmn.TargetConfig{{Path: path, Backend: "pmem"}}

		net = loopback.NewNetwork()
		node = net.Register("ep")
		prov, err = provider.New(ctx, cfg, node)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { prov.Close(ctx) })

		c, err = client.Connect(ctx, node, "ep")
		Expect(err).NotTo(HaveOccurred())

		tids, err := c.Probe(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(tids).To(HaveLen(1))
		target = tids[0].String()
	})

	It("round-trips a small eager payload", func() {
		tid, err := ids.ParseTargetID(target)
		Expect(err).NotTo(HaveOccurred())
		payload := []byte("small")
		rid, err := c.EagerCreateWritePersist(ctx, tid, payload)
		Expect(err).NotTo(HaveOccurred())
		got, err := c.EagerRead(ctx, tid, rid, 0, uint64(len(payload)))
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(payload))
	})

	It("round-trips a bulk payload larger than the eager limit", func() {
		tid, err := ids.ParseTargetID(target)
		Expect(err).NotTo(HaveOccurred())
		payload := make([]byte, 10*1024)
		for i := range payload {
			payload[i] = byte(i % 251)
		}
		rid, err := c.CreateWritePersistBulk(ctx, tid, payload)
		Expect(err).NotTo(HaveOccurred())
		buf := make([]byte, len(payload))
		n, err := c.ReadBulkInto(ctx, tid, rid, 0, buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(uint64(len(payload))))
		Expect(buf).To(Equal(payload))
	})

	It("allows reads before persist since persist is a durability barrier, not a visibility one", func() {
		tid, err := ids.ParseTargetID(target)
		Expect(err).NotTo(HaveOccurred())
		rid, err := c.Create(ctx, tid, 5)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.EagerWrite(ctx, tid, rid, 0, []byte("world"))).To(Succeed())
		got, err := c.EagerRead(ctx, tid, rid, 0, 5)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]byte("world")))
		Expect(c.Persist(ctx, tid, rid, 0, 5)).To(Succeed())
	})

	It("rejects an eager write over the configured eager limit", func() {
		tid, err := ids.ParseTargetID(target)
		Expect(err).NotTo(HaveOccurred())
		oversized := make([]byte, 65)
		_, err = c.EagerCreateWritePersist(ctx, tid, oversized)
		Expect(cmn.CodeOf(err)).To(Equal(cmn.CodeInvalidArg))
	})
})
