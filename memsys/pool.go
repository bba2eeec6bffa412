// Package memsys provides BAKE's provider-wide pool of pre-registered,
// block-aligned transfer buffers, named and shaped after aistore's own
// memsys.Slab: a fixed-size, fixed-count buffer pool the data plane
// draws from instead of allocating per request.
/*
 * Copyright (c) 2024, BAKE contributors. All rights reserved.
 */
package memsys

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mochi-hpc/bake-go/cmn/metrics"
)

// Pool is the bounded set of pre-registered aligned buffers the
// transfer engine draws from (spec §4.5). In a real deployment these
// buffers would additionally be registered with the RDMA fabric once at
// startup so repeated registration cost is paid exactly once; BAKE
// models that one-time cost as the Pool's construction.
type Pool struct {
	chunkSize int
	align     int
	sem       *semaphore.Weighted
	free      chan *AlignedBuffer
}

// NewPool preallocates numBuffers aligned buffers of chunkSize bytes.
// align is the direct-I/O block alignment (cmn.Config.BlockSize); pass 1
// for backends (PMEM) that don't need block alignment.
func NewPool(numBuffers, chunkSize, align int) *Pool {
	if align <= 0 {
		align = 1
	}
	p := &Pool{
		chunkSize: chunkSize,
		align:     align,
		sem:       semaphore.NewWeighted(int64(numBuffers)),
		free:      make(chan *AlignedBuffer, numBuffers),
	}
	for i := 0; i < numBuffers; i++ {
		p.free <- NewAlignedBuffer(chunkSize, align)
	}
	return p
}

func (p *Pool) ChunkSize() int { return p.chunkSize }

// Get blocks until a buffer is available, the "bounded semaphore-like
// resource" of spec §5. It is the only suspension point transfer-engine
// workers have before issuing I/O.
func (p *Pool) Get(ctx context.Context) (*AlignedBuffer, error) {
	start := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	metrics.BufferPoolAcquireWaitSeconds.Observe(time.Since(start).Seconds())
	buf := <-p.free
	metrics.BufferPoolInUse.Set(float64(p.InUse()))
	return buf, nil
}

// Put returns a buffer to the pool exactly once; callers that acquired
// via Get must always pair it with a Put, even on the error path, or
// the pool permanently shrinks.
func (p *Pool) Put(buf *AlignedBuffer) {
	p.free <- buf
	p.sem.Release(1)
	metrics.BufferPoolInUse.Set(float64(p.InUse()))
}

// InUse reports the number of buffers currently checked out, exposed
// for tests (xfer's engine tests check it is back to 0 after a run).
func (p *Pool) InUse() int {
	return cap(p.free) - len(p.free)
}
