package metrics

import (
	"context"
	"sync"
	"time"

	"idealsize/node"
)

// degradedErrorRate marks the host degraded when this share of the recent
// buffer failed.
const degradedErrorRate = 0.5

// StoreConfig configures a Store.
type StoreConfig struct {
	// RecentCapacity is the number of invocations kept for Recent
	RecentCapacity int
	Version        string
}

// DefaultStoreConfig returns a default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		RecentCapacity: 100,
		Version:        "dev",
	}
}

type nodeStats struct {
	count         int64
	successCount  int64
	totalDuration time.Duration
	maxDuration   time.Duration
}

// Store aggregates invocation metrics in memory. It implements
// node.HistoryRecorder and is safe for concurrent use.
//
// Usage:
//
//	store := NewStore(DefaultStoreConfig(), time.Now())
//	ic := node.NewInvocationContext(logger, calc, models, store)
//	snapshot := store.Snapshot()
type Store struct {
	mu sync.RWMutex

	// ring buffer of recent invocations
	recent     []InvocationRecord
	recentHead int
	recentSize int

	totalInvocations int64
	totalSuccess     int64
	totalErrors      int64
	byNode           map[string]*nodeStats
	byFamily         map[string]int64

	startTime time.Time
	version   string
	now       func() time.Time
}

// NewStore creates a Store. startTime is used for uptime.
func NewStore(config StoreConfig, startTime time.Time) *Store {
	capacity := config.RecentCapacity
	if capacity < 1 {
		capacity = 100
	}

	return &Store{
		recent:    make([]InvocationRecord, capacity),
		byNode:    make(map[string]*nodeStats),
		byFamily:  make(map[string]int64),
		startTime: startTime,
		version:   config.Version,
		now:       time.Now,
	}
}

// RecordInvocation adds a finished invocation. It never fails.
func (s *Store) RecordInvocation(_ context.Context, e node.HistoryEntry) error {
	rec := InvocationRecord{
		ID:           e.InvocationID,
		Node:         e.NodeType,
		Version:      e.NodeVersion,
		Family:       e.Family.String(),
		TargetWidth:  e.TargetWidth,
		TargetHeight: e.TargetHeight,
		Status:       StatusSuccess,
		StartTime:    e.StartedAt,
		Duration:     e.Duration,
	}
	if e.Output != nil {
		rec.Width, rec.Height = e.Output.Width, e.Output.Height
	}
	if e.Err != nil {
		rec.Status = StatusError
		rec.Error = e.Err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent[s.recentHead] = rec
	s.recentHead = (s.recentHead + 1) % len(s.recent)
	if s.recentSize < len(s.recent) {
		s.recentSize++
	}

	s.totalInvocations++
	key := rec.Node + "@" + rec.Version
	stats, ok := s.byNode[key]
	if !ok {
		stats = &nodeStats{}
		s.byNode[key] = stats
	}
	stats.count++
	stats.totalDuration += rec.Duration
	if rec.Duration > stats.maxDuration {
		stats.maxDuration = rec.Duration
	}

	if rec.Status == StatusSuccess {
		s.totalSuccess++
		stats.successCount++
		s.byFamily[rec.Family]++
	} else {
		s.totalErrors++
	}
	return nil
}

// Invocations returns the aggregated statistics.
func (s *Store) Invocations() InvocationMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := InvocationMetrics{
		TotalInvocations: s.totalInvocations,
		TotalSuccess:     s.totalSuccess,
		TotalErrors:      s.totalErrors,
		ByNode:           make(map[string]*NodeMetrics, len(s.byNode)),
		ByFamily:         make(map[string]int64, len(s.byFamily)),
	}
	for key, stats := range s.byNode {
		m.ByNode[key] = &NodeMetrics{
			Count:       stats.count,
			SuccessRate: float64(stats.successCount) / float64(stats.count) * 100,
			AvgDuration: stats.totalDuration / time.Duration(stats.count),
			MaxDuration: stats.maxDuration,
		}
	}
	for family, n := range s.byFamily {
		m.ByFamily[family] = n
	}
	return m
}

// Recent returns up to limit invocations, newest first.
func (s *Store) Recent(limit int) []InvocationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || s.recentSize == 0 {
		return []InvocationRecord{}
	}
	limit = min(limit, s.recentSize)

	out := make([]InvocationRecord, limit)
	for i := 0; i < limit; i++ {
		idx := (s.recentHead - 1 - i + len(s.recent)) % len(s.recent)
		out[i] = s.recent[idx]
	}
	return out
}

// System reports uptime and health. The host is degraded when at least
// half of the recent buffer failed.
func (s *Store) System() SystemStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	health := HealthRunning
	if s.recentSize > 0 {
		failed := 0
		for i := 0; i < s.recentSize; i++ {
			if s.recent[i].Status == StatusError {
				failed++
			}
		}
		if float64(failed)/float64(s.recentSize) >= degradedErrorRate {
			health = HealthDegraded
		}
	}

	return SystemStatus{
		Health:    health,
		Version:   s.version,
		StartTime: s.startTime,
		Uptime:    s.now().Sub(s.startTime),
	}
}

// Snapshot returns system status and invocation statistics together.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{System: s.System(), Invocations: s.Invocations()}
}

var _ node.HistoryRecorder = (*Store)(nil)
