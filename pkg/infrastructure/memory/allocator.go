// Package memory provides the Arrow allocator used for relation exports.
package memory

import (
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/duckdash/pkg/infrastructure/metrics"
)

// MeteredAllocator wraps a memory.Allocator, tracking live and peak bytes
// and reporting live bytes as the arrow_bytes_in_use gauge.
type MeteredAllocator struct {
	underlying memory.Allocator
	metrics    metrics.Collector

	inUse atomic.Int64
	peak  atomic.Int64
	total atomic.Int64
}

// NewMeteredAllocator wraps underlying. A nil underlying uses a Go
// allocator and a nil collector disables reporting.
func NewMeteredAllocator(underlying memory.Allocator, m metrics.Collector) *MeteredAllocator {
	if underlying == nil {
		underlying = memory.NewGoAllocator()
	}
	if m == nil {
		m = metrics.NewNoOpCollector()
	}
	return &MeteredAllocator{underlying: underlying, metrics: m}
}

func (a *MeteredAllocator) Allocate(size int) []byte {
	a.total.Add(int64(size))
	a.adjust(int64(size))
	return a.underlying.Allocate(size)
}

func (a *MeteredAllocator) Reallocate(size int, b []byte) []byte {
	if grow := size - len(b); grow > 0 {
		a.total.Add(int64(grow))
	}
	a.adjust(int64(size - len(b)))
	return a.underlying.Reallocate(size, b)
}

func (a *MeteredAllocator) Free(b []byte) {
	a.adjust(-int64(len(b)))
	a.underlying.Free(b)
}

func (a *MeteredAllocator) adjust(delta int64) {
	cur := a.inUse.Add(delta)
	for {
		p := a.peak.Load()
		if cur <= p || a.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	a.metrics.RecordGauge("arrow_bytes_in_use", float64(cur))
}

// Stats is a point-in-time view of allocator usage.
type Stats struct {
	InUse     int64 `json:"in_use"`
	Peak      int64 `json:"peak"`
	Allocated int64 `json:"allocated"`
}

// Stats returns current usage.
func (a *MeteredAllocator) Stats() Stats {
	return Stats{
		InUse:     a.inUse.Load(),
		Peak:      a.peak.Load(),
		Allocated: a.total.Load(),
	}
}

// BytesUsed returns the bytes currently allocated.
func (a *MeteredAllocator) BytesUsed() int64 {
	return a.inUse.Load()
}
