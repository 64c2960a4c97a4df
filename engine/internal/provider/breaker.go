package provider

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

// Breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// Breaker events.
const (
	eventTrip    = "trip"
	eventStop    = "stop"
	eventProbe   = "probe"
	eventRecover = "recover"
	eventFail    = "fail"
)

// Breaker is the provider circuit breaker. It opens after a configurable run
// of consecutive failures or an admin stop, and once open it stays open until
// an explicit redeploy moves it to half-open; the next call then probes.
type Breaker struct {
	mu        sync.Mutex
	machine   *fsm.FSM
	threshold int
	failures  int
}

// NewBreaker creates a closed breaker tripping at threshold consecutive
// failures (minimum 1).
func NewBreaker(threshold int) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	b := &Breaker{threshold: threshold}
	b.machine = fsm.NewFSM(
		BreakerClosed,
		fsm.Events{
			{Name: eventTrip, Src: []string{BreakerClosed, BreakerHalfOpen}, Dst: BreakerOpen},
			{Name: eventStop, Src: []string{BreakerClosed, BreakerHalfOpen, BreakerOpen}, Dst: BreakerOpen},
			{Name: eventProbe, Src: []string{BreakerOpen}, Dst: BreakerHalfOpen},
			{Name: eventRecover, Src: []string{BreakerClosed, BreakerHalfOpen}, Dst: BreakerClosed},
			{Name: eventFail, Src: []string{BreakerHalfOpen}, Dst: BreakerOpen},
		},
		fsm.Callbacks{},
	)
	return b
}

// State reports the current breaker state string.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.machine.Current()
}

// Open reports whether calls must be suppressed.
func (b *Breaker) Open() bool { return b.State() == BreakerOpen }

// Failures reports the consecutive-failure count. Frozen while open.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// RecordFailure counts one failed call. In half-open, a single failure
// reopens; in closed, reaching the threshold trips.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.machine.Current() {
	case BreakerHalfOpen:
		b.failures++
		_ = b.machine.Event(context.Background(), eventFail)
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			_ = b.machine.Event(context.Background(), eventTrip)
		}
	}
}

// RecordSuccess resets the failure run and closes from half-open.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.machine.Current() == BreakerOpen {
		return
	}
	b.failures = 0
	_ = b.machine.Event(context.Background(), eventRecover)
}

// ForceOpen opens immediately (admin emergencyStop).
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.machine.Event(context.Background(), eventStop)
}

// Redeploy moves an open breaker to half-open so the next call probes.
// No-op in any other state.
func (b *Breaker) Redeploy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.machine.Current() == BreakerOpen {
		_ = b.machine.Event(context.Background(), eventProbe)
	}
}
