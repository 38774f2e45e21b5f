// SPDX-License-Identifier: MIT

// Package memory estimates process memory usage and classifies it into
// pressure levels that drive adaptive chunk sizing elsewhere in the pipeline.
package memory

import (
	"runtime"
	"sync"
	"time"

	"github.com/voxpipe/voxpipe/internal/metrics"
	"github.com/voxpipe/voxpipe/internal/types"
)

// Classification thresholds as fractions of the memory budget.
const (
	LowThreshold      = 0.70
	CriticalThreshold = 0.85
)

// DefaultBudget is the assumed memory budget when none is configured.
const DefaultBudget = 512 << 20 // 512 MiB

// baselineBytes approximates process overhead when the native sampler is
// unavailable and usage must be estimated from tracked chunk residency.
const baselineBytes = 64 << 20

// Status is a point-in-time memory classification.
type Status struct {
	UsedBytes      uint64
	TotalBytes     uint64
	AvailableBytes uint64
	Percent        float64
	Level          types.PressureLevel
	IsLow          bool
	IsCritical     bool
}

// Sampler reports current memory usage. Implementations are best-effort;
// ok=false means the caller should fall back to residency estimation.
type Sampler interface {
	Sample() (used, total uint64, ok bool)
}

// RuntimeSampler reads heap usage from the Go runtime against a fixed budget.
type RuntimeSampler struct {
	Budget uint64
}

// Sample implements Sampler.
func (s RuntimeSampler) Sample() (uint64, uint64, bool) {
	budget := s.Budget
	if budget == 0 {
		budget = DefaultBudget
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc, budget, true
}

// Monitor classifies memory usage against fixed thresholds. It is an
// explicitly constructed, injectable service, one per process or per
// session, so tests can substitute deterministic samplers.
type Monitor struct {
	sampler Sampler
	budget  uint64

	mu       sync.Mutex
	resident uint64 // bytes of buffered chunks tracked by callers
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampler substitutes the usage sampler.
func WithSampler(s Sampler) Option {
	return func(m *Monitor) { m.sampler = s }
}

// WithBudget sets the assumed total memory budget in bytes.
func WithBudget(budget uint64) Option {
	return func(m *Monitor) { m.budget = budget }
}

// NewMonitor creates a monitor backed by the runtime sampler unless overridden.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{budget: DefaultBudget}
	for _, opt := range opts {
		opt(m)
	}
	if m.sampler == nil {
		m.sampler = RuntimeSampler{Budget: m.budget}
	}
	return m
}

// Status returns the current classification. Callers must tolerate
// imprecision; estimation is best-effort by contract.
func (m *Monitor) Status() Status {
	used, total, ok := m.sampler.Sample()
	if !ok {
		m.mu.Lock()
		used = baselineBytes + m.resident
		m.mu.Unlock()
		total = m.budget
	}
	return classify(used, total)
}

// AddResident records bytes of a buffered chunk for estimation fallback.
func (m *Monitor) AddResident(n uint64) {
	m.mu.Lock()
	m.resident += n
	m.mu.Unlock()
}

// ReleaseResident removes bytes previously recorded with AddResident.
func (m *Monitor) ReleaseResident(n uint64) {
	m.mu.Lock()
	if n > m.resident {
		m.resident = 0
	} else {
		m.resident -= n
	}
	m.mu.Unlock()
}

// Watch invokes fn with a fresh Status on the given cadence until the
// returned stop function is called. The ticker is owned by the handle;
// stop is safe to call more than once.
func (m *Monitor) Watch(interval time.Duration, fn func(Status)) (stop func()) {
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st := m.Status()
				metrics.SetMemoryPressure(st.Level.Severity(), st.Percent)
				fn(st)
			case <-done:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}

func classify(used, total uint64) Status {
	if total == 0 {
		total = DefaultBudget
	}
	pct := float64(used) / float64(total)

	level := types.PressureNormal
	switch {
	case pct >= CriticalThreshold:
		level = types.PressureCritical
	case pct >= LowThreshold:
		level = types.PressureLow
	}

	avail := uint64(0)
	if total > used {
		avail = total - used
	}

	return Status{
		UsedBytes:      used,
		TotalBytes:     total,
		AvailableBytes: avail,
		Percent:        pct * 100,
		Level:          level,
		IsLow:          level == types.PressureLow || level == types.PressureCritical,
		IsCritical:     level == types.PressureCritical,
	}
}
