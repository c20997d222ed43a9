package replication

import (
	"sync"
	"sync/atomic"
	"time"
)

// ExecutionMetrics tracks intake-to-execution latency and success/failure
// counts over a rolling window of recent executions.
type ExecutionMetrics struct {
	samples   []int64
	sampleIdx int
	mu        sync.Mutex

	totalExecutions   atomic.Int64
	successExecutions atomic.Int64
	failedExecutions  atomic.Int64
}

// NewExecutionMetrics creates a metrics tracker with a 100-sample window.
func NewExecutionMetrics() *ExecutionMetrics {
	return &ExecutionMetrics{samples: make([]int64, 100)}
}

// Record logs one execution's intake-to-terminal latency.
func (m *ExecutionMetrics) Record(success bool, latency time.Duration) {
	m.mu.Lock()
	m.samples[m.sampleIdx%len(m.samples)] = latency.Milliseconds()
	m.sampleIdx++
	m.mu.Unlock()

	m.totalExecutions.Add(1)
	if success {
		m.successExecutions.Add(1)
	} else {
		m.failedExecutions.Add(1)
	}
}

// P50 returns the 50th percentile execution latency in milliseconds.
func (m *ExecutionMetrics) P50() int64 { return m.percentile(50) }

// P95 returns the 95th percentile execution latency in milliseconds.
func (m *ExecutionMetrics) P95() int64 { return m.percentile(95) }

func (m *ExecutionMetrics) percentile(p int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.sampleIdx
	if count > len(m.samples) {
		count = len(m.samples)
	}
	if count == 0 {
		return 0
	}

	sorted := make([]int64, count)
	copy(sorted, m.samples[:count])
	for i := 0; i < len(sorted)-1; i++ {
		for j := 0; j < len(sorted)-i-1; j++ {
			if sorted[j] > sorted[j+1] {
				sorted[j], sorted[j+1] = sorted[j+1], sorted[j]
			}
		}
	}

	idx := (p * count) / 100
	if idx >= count {
		idx = count - 1
	}
	return sorted[idx]
}

// Snapshot is a point-in-time view of the execution metrics.
type Snapshot struct {
	TotalExecutions   int64
	SuccessExecutions int64
	FailedExecutions  int64
	SuccessRatePct    float64
	P50LatencyMs      int64
	P95LatencyMs      int64
}

// Snapshot returns the current aggregate stats.
func (m *ExecutionMetrics) Snapshot() Snapshot {
	total := m.totalExecutions.Load()
	success := m.successExecutions.Load()
	failed := m.failedExecutions.Load()

	var rate float64
	if total > 0 {
		rate = float64(success) / float64(total) * 100
	}

	return Snapshot{
		TotalExecutions:   total,
		SuccessExecutions: success,
		FailedExecutions:  failed,
		SuccessRatePct:    rate,
		P50LatencyMs:      m.P50(),
		P95LatencyMs:      m.P95(),
	}
}
