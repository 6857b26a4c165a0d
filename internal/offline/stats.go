package offline

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// statsCollector tracks the size of responses served from the cache layer.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		TotalResponses: count,
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   s.totalRespBytes.Load() / count,
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	usage, err := s.buckets.Usage(s.cfg.Cache.Version)
	if err != nil {
		s.log.Warn("stats: cache usage", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pending, dead, err := s.queue.Store().Count(ctx)
	if err != nil {
		s.log.Warn("stats: queue count", zap.Error(err))
	}
	s.metrics.setQueueDepth(pending, dead)

	s.log.Info("stats",
		zap.String("bucket", s.cfg.Cache.Version),
		zap.Int("cached", usage.Entries),
		zap.String("disk", formatBytes(uint64(usage.Bytes))),
		zap.String("ram", formatBytes(uint64(s.buckets.ram.TotalSize()))),
		zap.Int("pending", pending),
		zap.Int("dead", dead),
		zap.Uint64("served", ss.TotalResponses),
		zap.String("resp_min", formatBytes(ss.MinRespBytes)),
		zap.String("resp_avg", formatBytes(ss.AvgRespBytes)),
		zap.String("resp_max", formatBytes(ss.MaxRespBytes)),
	)
}
