package tokens

import (
	"sync"
	"time"

	"batcom/engine/models"
)

// Bucket aggregates usage over one rolling window.
type Bucket struct {
	Calls   int           `json:"calls"`
	Input   int           `json:"input"`
	Output  int           `json:"output"`
	Cached  int           `json:"cached"`
	Total   int           `json:"total"`
	Latency time.Duration `json:"latency_sum"`
}

func (b *Bucket) add(u models.TokenUsage) {
	b.Calls++
	b.Input += u.Input
	b.Output += u.Output
	b.Cached += u.Cached
	b.Total += u.Total
	b.Latency += u.Latency
}

// Stats is the tracker's exported view.
type Stats struct {
	Minute   Bucket    `json:"minute"`
	Hour     Bucket    `json:"hour"`
	Day      Bucket    `json:"day"`
	Lifetime Bucket    `json:"lifetime"`
	LastCall time.Time `json:"last_call,omitempty"`
	Provider string    `json:"provider,omitempty"`
	Model    string    `json:"model,omitempty"`
}

// Tracker maintains minute/hour/day rolling buckets plus a lifetime
// aggregate. Samples are kept raw and windows recomputed lazily on read,
// pruning anything older than a day.
type Tracker struct {
	mu       sync.Mutex
	samples  []sample
	lifetime Bucket
	last     time.Time
	provider string
	model    string
	now      func() time.Time
}

type sample struct {
	at    time.Time
	usage models.TokenUsage
}

func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// WithClock overrides the time source for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Record ingests one call's usage.
func (t *Tracker) Record(u models.TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.samples = append(t.samples, sample{at: now, usage: u})
	t.lifetime.add(u)
	t.last = now
	t.provider = u.Provider
	t.model = u.Model
	t.prune(now)
}

// prune drops samples older than the day window. Caller holds the lock.
func (t *Tracker) prune(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	idx := 0
	for idx < len(t.samples) && !t.samples[idx].at.After(cutoff) {
		idx++
	}
	if idx > 0 {
		t.samples = append(t.samples[:0:0], t.samples[idx:]...)
	}
}

// Snapshot recomputes the rolling windows.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.prune(now)
	st := Stats{Lifetime: t.lifetime, LastCall: t.last, Provider: t.provider, Model: t.model}
	minCut := now.Add(-time.Minute)
	hourCut := now.Add(-time.Hour)
	for _, s := range t.samples {
		st.Day.add(s.usage)
		if s.at.After(hourCut) {
			st.Hour.add(s.usage)
		}
		if s.at.After(minCut) {
			st.Minute.add(s.usage)
		}
	}
	return st
}

// Reset clears the samples, the lifetime aggregate and the last-call time.
// The last provider and model labels are kept.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = nil
	t.lifetime = Bucket{}
	t.last = time.Time{}
}
