// Package metrics keeps in-memory invocation statistics for the node host.
package metrics

import "time"

// Status values of an InvocationRecord.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Health values of SystemStatus.
const (
	HealthRunning  = "running"
	HealthDegraded = "degraded"
)

// InvocationRecord is one finished invocation kept in the recent buffer.
type InvocationRecord struct {
	ID           string        `json:"id"`
	Node         string        `json:"node"`
	Version      string        `json:"version"`
	Family       string        `json:"family"`
	TargetWidth  int           `json:"target_width"`
	TargetHeight int           `json:"target_height"`
	Width        int           `json:"width,omitempty"`
	Height       int           `json:"height,omitempty"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
}

// NodeMetrics aggregates the invocations of one node version.
type NodeMetrics struct {
	Count int64 `json:"count"`
	// SuccessRate is a percentage (0-100)
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
	MaxDuration time.Duration `json:"max_duration"`
}

// InvocationMetrics summarizes every invocation since start.
type InvocationMetrics struct {
	TotalInvocations int64 `json:"total_invocations"`
	TotalSuccess     int64 `json:"total_success"`
	TotalErrors      int64 `json:"total_errors"`
	// ByNode is keyed by "type@version"
	ByNode map[string]*NodeMetrics `json:"by_node"`
	// ByFamily counts successful invocations per resolved model family
	ByFamily map[string]int64 `json:"by_family"`
}

// SystemStatus is the host summary reported next to the metrics.
type SystemStatus struct {
	Health    string        `json:"health"`
	Version   string        `json:"version"`
	StartTime time.Time     `json:"start_time"`
	Uptime    time.Duration `json:"uptime"`
}

// Snapshot is the /api/metrics payload.
type Snapshot struct {
	System      SystemStatus      `json:"system"`
	Invocations InvocationMetrics `json:"invocations"`
}
