package cache

import (
	"sync/atomic"
	"time"
)

// Stats holds cache statistics
type Stats struct {
	Hits             uint64    `json:"hits"`
	Misses           uint64    `json:"misses"`
	Materializations uint64    `json:"materializations"`
	Fallbacks        uint64    `json:"fallbacks"`
	Deletes          uint64    `json:"deletes"`
	HitRate          float64   `json:"hit_rate"`
	LastUpdated      time.Time `json:"last_updated"`
}

// StatsCollector collects and reports cache statistics
type StatsCollector struct {
	hits             atomic.Uint64
	misses           atomic.Uint64
	materializations atomic.Uint64
	fallbacks        atomic.Uint64
	deletes          atomic.Uint64
	lastUpdated      atomic.Int64
}

// NewStatsCollector creates a new statistics collector
func NewStatsCollector() *StatsCollector {
	c := &StatsCollector{}
	c.touch()
	return c
}

// RecordHit records a LoadCache hit
func (c *StatsCollector) RecordHit() {
	c.hits.Add(1)
	c.touch()
}

// RecordMiss records a LoadCache miss
func (c *StatsCollector) RecordMiss() {
	c.misses.Add(1)
	c.touch()
}

// RecordMaterialization records a successful materialization
func (c *StatsCollector) RecordMaterialization() {
	c.materializations.Add(1)
	c.touch()
}

// RecordFallback records a direct, non-cached execution
func (c *StatsCollector) RecordFallback() {
	c.fallbacks.Add(1)
	c.touch()
}

// RecordDelete records a cache deletion
func (c *StatsCollector) RecordDelete() {
	c.deletes.Add(1)
	c.touch()
}

// GetStats returns the current cache statistics
func (c *StatsCollector) GetStats() Stats {
	return Stats{
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		Materializations: c.materializations.Load(),
		Fallbacks:        c.fallbacks.Load(),
		Deletes:          c.deletes.Load(),
		HitRate:          c.HitRate(),
		LastUpdated:      time.Unix(0, c.lastUpdated.Load()),
	}
}

// HitRate returns the cache hit rate
func (c *StatsCollector) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func (c *StatsCollector) touch() {
	c.lastUpdated.Store(time.Now().UnixNano())
}
