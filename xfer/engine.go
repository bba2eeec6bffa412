// Package xfer implements the pipelined bulk-transfer engine shared by
// both storage backends' bulk paths (spec §4.5). It is adapted from the
// worker/jogger shape of aistore's xact/xs.XactTCB and ec.putJogger —
// a fixed pool of workers draining a shared cursor under a mutex,
// reporting completion through a single synchronization point — but the
// work unit here is an aligned log sub-extent instead of an object, and
// the "jogger channel" becomes a semaphore-bounded buffer pool.
/*
 * Copyright (c) 2024, BAKE contributors. All rights reserved.
 */
package xfer

import (
	"context"
	"sync"

	"github.com/mochi-hpc/bake-go/cmn"
	"github.com/mochi-hpc/bake-go/cmn/metrics"
	"github.com/mochi-hpc/bake-go/fabric"
	"github.com/mochi-hpc/bake-go/memsys"
)

// BlockIO is the chunk-granularity I/O primitive a backend supplies the
// engine: read or write one block-aligned extent of the backend's
// storage at a time. The file backend is the only consumer — PMEM's
// direct pointer access never needs chunking (see backend/pmem).
type BlockIO interface {
	WriteBlock(ctx context.Context, logOffset int64, data []byte) error
	ReadBlock(ctx context.Context, logOffset int64, buf []byte) error
}

// Engine runs pipelined transfers against a single target's buffer
// pool, bounding concurrent workers to min(chunk count, concurrency).
type Engine struct {
	pool        *memsys.Pool
	concurrency int
}

func NewEngine(pool *memsys.Pool, concurrency int) *Engine {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Engine{pool: pool, concurrency: concurrency}
}

type shared struct {
	mu      sync.Mutex
	nextOff int64
	err     error
}

func (s *shared) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *shared) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err != nil
}

// Run drives one bulk transfer. logStart/logEnd is the block-aligned
// log extent enclosing the requested bytes; xmitStart/xmitEnd is the
// sub-range of that extent which actually corresponds to bytes moving
// over the wire (spec §4.5 step 4: the first and last chunks may not be
// fully "real" payload, every chunk in between is).
func (e *Engine) Run(ctx context.Context, op fabric.Op, io BlockIO, logStart, logEnd, xmitStart, xmitEnd int64, fab fabric.Fabric, remote fabric.Extent) error {
	if logEnd <= logStart {
		return nil
	}
	chunkSize := int64(e.pool.ChunkSize())
	extent := logEnd - logStart
	n := (extent + chunkSize - 1) / chunkSize
	workers := e.concurrency
	if int64(workers) > n {
		workers = int(n)
	}
	if workers < 1 {
		workers = 1
	}

	sh := &shared{nextOff: logStart}
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			e.worker(ctx, sh, op, io, logEnd, xmitStart, xmitEnd, fab, remote)
		}()
	}
	wg.Wait()
	return sh.err
}

func (e *Engine) worker(ctx context.Context, sh *shared, op fabric.Op, io BlockIO, logEnd, xmitStart, xmitEnd int64, fab fabric.Fabric, remote fabric.Extent) {
	chunkSize := int64(e.pool.ChunkSize())
	for {
		if sh.failed() {
			return
		}
		sh.mu.Lock()
		if sh.nextOff >= logEnd {
			sh.mu.Unlock()
			return
		}
		chunkStart := sh.nextOff
		chunkEnd := chunkStart + chunkSize
		if chunkEnd > logEnd {
			chunkEnd = logEnd
		}
		sh.nextOff = chunkEnd
		sh.mu.Unlock()

		if err := e.processChunk(ctx, op, io, chunkStart, chunkEnd, xmitStart, xmitEnd, fab, remote); err != nil {
			sh.setErr(err)
			return
		}
	}
}

func (e *Engine) processChunk(ctx context.Context, op fabric.Op, io BlockIO, chunkStart, chunkEnd, xmitStart, xmitEnd int64, fab fabric.Fabric, remote fabric.Extent) (err error) {
	blockLen := chunkEnd - chunkStart
	metrics.TransferBytesIssued.Add(float64(blockLen))
	defer func() {
		if err != nil {
			metrics.TransferChunkErrors.Inc()
			return
		}
		metrics.TransferBytesRetired.Add(float64(blockLen))
	}()

	buf, err := e.pool.Get(ctx)
	if err != nil {
		return cmn.Wrap(cmn.CodeAllocation, err, "acquire transfer buffer")
	}
	defer e.pool.Put(buf)
	data := buf.Bytes[:blockLen]

	overlapStart, overlapEnd := chunkStart, chunkEnd
	if overlapStart < xmitStart {
		overlapStart = xmitStart
	}
	if overlapEnd > xmitEnd {
		overlapEnd = xmitEnd
	}

	switch op {
	case fabric.Pull:
		for i := range data {
			data[i] = 0
		}
		if overlapStart < overlapEnd {
			local := data[overlapStart-chunkStart : overlapEnd-chunkStart]
			ext := fabric.Extent{Handle: remote.Handle, Offset: remote.Offset + (overlapStart - xmitStart), Length: overlapEnd - overlapStart}
			if err := fab.Transfer(ctx, fabric.Pull, local, ext); err != nil {
				return cmn.Wrap(cmn.CodeMercury, err, "pull chunk")
			}
		}
		if err := io.WriteBlock(ctx, chunkStart, data); err != nil {
			return cmn.Wrap(cmn.CodeIO, err, "write block")
		}
	case fabric.Push:
		if err := io.ReadBlock(ctx, chunkStart, data); err != nil {
			return cmn.Wrap(cmn.CodeIO, err, "read block")
		}
		if overlapStart < overlapEnd {
			local := data[overlapStart-chunkStart : overlapEnd-chunkStart]
			ext := fabric.Extent{Handle: remote.Handle, Offset: remote.Offset + (overlapStart - xmitStart), Length: overlapEnd - overlapStart}
			if err := fab.Transfer(ctx, fabric.Push, local, ext); err != nil {
				return cmn.Wrap(cmn.CodeMercury, err, "push chunk")
			}
		}
	}
	return nil
}
