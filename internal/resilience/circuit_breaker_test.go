// SPDX-License-Identifier: MIT

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

var errBoom = errors.New("boom")

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("probe", 3, 30*time.Second, WithClock(clock))

	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return errBoom })
	}
	assert.Equal(t, string(StateClosed), cb.State())

	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, string(StateOpen), cb.State())

	// Open breaker short-circuits without invoking fn.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("probe", 1, 10*time.Second, WithClock(clock))

	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, string(StateOpen), cb.State())

	// After the reset timeout the next call is allowed through.
	clock.now = clock.now.Add(11 * time.Second)
	err := cb.Execute(func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, string(StateClosed), cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	cb := NewCircuitBreaker("probe", 1, 10*time.Second, WithClock(clock))

	_ = cb.Execute(func() error { return errBoom })
	clock.now = clock.now.Add(11 * time.Second)

	_ = cb.Execute(func() error { return errBoom })
	assert.Equal(t, string(StateOpen), cb.State())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("probe", 2, 30*time.Second)

	_ = cb.Execute(func() error { return errBoom })
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return errBoom })

	assert.Equal(t, string(StateClosed), cb.State())
}
