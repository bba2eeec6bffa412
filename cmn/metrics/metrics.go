// Package metrics exposes BAKE's Prometheus instrumentation: buffer-pool
// occupancy and transfer-engine byte counters, registered once at package
// init through promauto the same way aistore's stats runners register
// theirs, so every metric self-attaches to the default registry without
// an explicit Register call at provider startup.
/*
 * Copyright (c) 2024, BAKE contributors. All rights reserved.
 */
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BufferPoolInUse tracks memsys.Pool's outstanding buffer count —
	// the "bounded semaphore-like resource" spec §5 calls out as the
	// one suspension point transfer workers have before issuing I/O.
	BufferPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bake",
		Subsystem: "memsys",
		Name:      "buffers_in_use",
		Help:      "Transfer buffers currently checked out of the provider-wide pool.",
	})

	// BufferPoolAcquireWaitSeconds observes how long a worker blocked in
	// Pool.Get before a buffer became free; a heavily pipelined workload
	// running against an undersized pool shows up here before it shows
	// up as a latency complaint.
	BufferPoolAcquireWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bake",
		Subsystem: "memsys",
		Name:      "buffer_acquire_wait_seconds",
		Help:      "Time a transfer worker spent blocked waiting for a pool buffer.",
		Buckets:   prometheus.DefBuckets,
	})

	// TransferBytesIssued and TransferBytesRetired bracket each pipelined
	// chunk transfer xfer.Engine drives; the gap between the two rates
	// under sustained load is the same "bytes in flight" signal aistore
	// derives from its xaction throughput counters.
	TransferBytesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bake",
		Subsystem: "xfer",
		Name:      "bytes_issued_total",
		Help:      "Bytes handed to a pipelined bulk-transfer chunk.",
	})
	TransferBytesRetired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bake",
		Subsystem: "xfer",
		Name:      "bytes_retired_total",
		Help:      "Bytes whose pipelined chunk transfer completed successfully.",
	})
	TransferChunkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bake",
		Subsystem: "xfer",
		Name:      "chunk_errors_total",
		Help:      "Pipelined bulk-transfer chunks that failed.",
	})
)
