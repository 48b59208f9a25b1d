package observer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
)

func TestObserver_DetectStuck(t *testing.T) {
	obs := New(5 * time.Minute)
	now := time.Now()

	r := &domain.Record{Status: domain.StatusProcessing, UpdatedAt: now.Add(-10 * time.Minute)}
	assert.True(t, obs.IsStuck(r, now), "processing for 10 minutes")

	r.UpdatedAt = now.Add(-2 * time.Minute)
	assert.False(t, obs.IsStuck(r, now))

	r = &domain.Record{Status: domain.StatusPending, UpdatedAt: now.Add(-time.Hour)}
	assert.False(t, obs.IsStuck(r, now), "pending records are waiting, not stuck")
}

func TestObserver_Metrics(t *testing.T) {
	obs := New(5 * time.Minute)

	obs.RecordCompletion(&domain.Record{ID: "a", Status: domain.StatusCompleted, Duration: 5 * time.Minute}, 1000, 500)
	obs.RecordCompletion(&domain.Record{ID: "b", Status: domain.StatusCompleted, Duration: 10 * time.Minute}, 2000, 1000)
	obs.RecordCompletion(&domain.Record{ID: "c", Status: domain.StatusFailed, Duration: time.Minute}, 0, 0)

	metrics := obs.GetMetrics()
	assert.Equal(t, 2, metrics.TotalCompleted)
	assert.Equal(t, 1, metrics.TotalFailed)
	assert.Equal(t, 3000, metrics.TotalTokensInput)
	assert.Equal(t, 7*time.Minute+30*time.Second, metrics.AvgDuration)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, obs.GetRecentCompletions(time.Minute))
}

func TestObserver_PublishSubscribe(t *testing.T) {
	obs := New(0)

	var got atomic.Int32
	var last Event
	unsubscribe := obs.Subscribe(func(e Event) {
		got.Add(1)
		last = e
	})

	obs.Publish(Event{Type: EventProgress, RecordID: "r1", Progress: 40})
	assert.Equal(t, int32(1), got.Load())
	assert.Equal(t, "r1", last.RecordID)
	assert.False(t, last.Time.IsZero())

	unsubscribe()
	obs.Publish(Event{Type: EventProgress})
	assert.Equal(t, int32(1), got.Load())
}

func TestObserver_NilIsNoop(t *testing.T) {
	var obs *Observer
	assert.NotPanics(t, func() {
		obs.Publish(Event{})
		obs.RecordCompletion(&domain.Record{}, 0, 0)
	})
}
