package xfer_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/mochi-hpc/bake-go/fabric"
	"github.com/mochi-hpc/bake-go/fabric/loopback"
	"github.com/mochi-hpc/bake-go/memsys"
	"github.com/mochi-hpc/bake-go/xfer"
)

// memBlockIO implements xfer.BlockIO over a plain in-memory byte slice,
// standing in for the file backend's pwrite/pread calls.
type memBlockIO struct {
	buf []byte
}

func (m *memBlockIO) WriteBlock(_ context.Context, logOffset int64, data []byte) error {
	copy(m.buf[logOffset:], data)
	return nil
}

func (m *memBlockIO) ReadBlock(_ context.Context, logOffset int64, buf []byte) error {
	copy(buf, m.buf[logOffset:logOffset+int64(len(buf))])
	return nil
}

func TestEnginePullWritesFullPayload(t *testing.T) {
	ctx := context.Background()
	const chunkSize = 16
	pool := memsys.NewPool(4, chunkSize, 1)
	engine := xfer.NewEngine(pool, 3)

	net := loopback.NewNetwork()
	node := net.Register("n1")

	payload := bytes.Repeat([]byte("0123456789abcdef"), 5) // 80 bytes
	payload = payload[:53]                                 // force a partial last chunk (53 = 3*16 + 5)
	source := node.NewLocalHandle(payload)

	logLen := int64((len(payload) + chunkSize - 1) / chunkSize * chunkSize)
	io := &memBlockIO{buf: make([]byte, logLen)}

	remote := fabric.Extent{Handle: source, Offset: 0, Length: int64(len(payload))}
	if err := engine.Run(ctx, fabric.Pull, io, 0, logLen, 0, int64(len(payload)), node, remote); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(io.buf[:len(payload)], payload) {
		t.Fatalf("written bytes mismatch:\n got  %q\n want %q", io.buf[:len(payload)], payload)
	}
	if pool.InUse() != 0 {
		t.Fatalf("pool InUse = %d after Run, want 0", pool.InUse())
	}
}

func TestEnginePushReadsFullPayload(t *testing.T) {
	ctx := context.Background()
	const chunkSize = 8
	pool := memsys.NewPool(2, chunkSize, 1)
	engine := xfer.NewEngine(pool, 2)

	net := loopback.NewNetwork()
	node := net.Register("n1")

	want := []byte("the quick brown fox jumps")
	logLen := int64((len(want) + chunkSize - 1) / chunkSize * chunkSize)
	io := &memBlockIO{buf: make([]byte, logLen)}
	copy(io.buf, want)

	dest := make([]byte, len(want))
	destHandle := node.NewLocalHandle(dest)
	remote := fabric.Extent{Handle: destHandle, Offset: 0, Length: int64(len(want))}

	if err := engine.Run(ctx, fabric.Push, io, 0, logLen, 0, int64(len(want)), node, remote); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !bytes.Equal(dest, want) {
		t.Fatalf("read bytes mismatch:\n got  %q\n want %q", dest, want)
	}
}

func TestEngineNoopOnEmptyExtent(t *testing.T) {
	pool := memsys.NewPool(1, 8, 1)
	engine := xfer.NewEngine(pool, 1)
	if err := engine.Run(context.Background(), fabric.Pull, &memBlockIO{buf: make([]byte, 8)}, 4, 4, 4, 4, nil, fabric.Extent{}); err != nil {
		t.Fatalf("Run on empty extent: %v", err)
	}
}
