package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"batcom/engine/models"
)

func usage(in, out, cached int) models.TokenUsage {
	return models.TokenUsage{
		Input: in, Output: out, Cached: cached, Total: in + out,
		Latency: 800 * time.Millisecond, Provider: "gemini", Model: "gemini-2.5-flash",
	}
}

func TestTrackerRollingBuckets(t *testing.T) {
	now := time.Unix(10_000, 0)
	tr := NewTracker().WithClock(func() time.Time { return now })

	tr.Record(usage(1500, 300, 1100))
	now = now.Add(30 * time.Second)
	tr.Record(usage(1500, 200, 1100))

	st := tr.Snapshot()
	assert.Equal(t, 2, st.Minute.Calls, "both calls inside the minute window")
	assert.Equal(t, 2, st.Hour.Calls)
	assert.Equal(t, 2, st.Day.Calls)
	assert.Equal(t, 2, st.Lifetime.Calls)
	assert.Equal(t, 3000, st.Lifetime.Input)
	assert.Equal(t, 2200, st.Lifetime.Cached)

	now = now.Add(2 * time.Minute)
	st = tr.Snapshot()
	assert.Equal(t, 0, st.Minute.Calls, "minute window slid past both")
	assert.Equal(t, 2, st.Hour.Calls)

	now = now.Add(2 * time.Hour)
	st = tr.Snapshot()
	assert.Equal(t, 0, st.Hour.Calls)
	assert.Equal(t, 2, st.Day.Calls)

	now = now.Add(25 * time.Hour)
	st = tr.Snapshot()
	assert.Equal(t, 0, st.Day.Calls, "day window slid; samples pruned")
	assert.Equal(t, 2, st.Lifetime.Calls, "lifetime never resets")
	assert.Equal(t, "gemini", st.Provider)
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker()
	tr.Record(usage(10, 5, 0))
	tr.Reset()
	st := tr.Snapshot()
	assert.Equal(t, 0, st.Lifetime.Calls)
	assert.True(t, st.LastCall.IsZero())
}

func TestTrackerLatencyAccumulates(t *testing.T) {
	tr := NewTracker()
	tr.Record(usage(1, 1, 0))
	tr.Record(usage(1, 1, 0))
	st := tr.Snapshot()
	assert.Equal(t, 1600*time.Millisecond, st.Lifetime.Latency)
}
