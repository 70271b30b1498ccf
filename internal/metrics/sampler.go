package metrics

import (
	"context"
	"log"
	"time"
)

// Sampler copies backend statistics that are too costly to track on every
// request into gauges, once per Interval.
type Sampler struct {
	Metrics  *Metrics
	Interval time.Duration

	// PhaseCounts returns stored entities per phase; nil skips the gauge
	PhaseCounts func(ctx context.Context) (map[string]int, error)
	// CacheStats returns cumulative cache hits and misses plus the current
	// entry count; nil skips the cache metrics
	CacheStats func() (hits, misses, entries int64)
}

// Run samples immediately and then on every tick until ctx ends
func (s *Sampler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	s.Sample(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sample(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sample takes one reading
func (s *Sampler) Sample(ctx context.Context) {
	if s.PhaseCounts != nil {
		counts, err := s.PhaseCounts(ctx)
		if err != nil {
			log.Printf("[Metrics] Failed to count entities by phase: %v", err)
		} else {
			s.Metrics.SetPhaseCounts(counts)
		}
	}
	if s.CacheStats != nil {
		s.Metrics.RecordCacheStats(s.CacheStats())
	}
}
