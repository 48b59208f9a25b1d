package observer

import (
	"sync"
	"time"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
)

// EventType names a pipeline event
type EventType string

const (
	EventCreated        EventType = "created"
	EventProgress       EventType = "progress"
	EventLog            EventType = "log"
	EventFinished       EventType = "finished"
	EventCancelled      EventType = "cancelled"
	EventBatchStarted   EventType = "batch_started"
	EventBatchCompleted EventType = "batch_completed"
)

// Event is published for every record state change and log line
type Event struct {
	Type     EventType       `json:"type"`
	RecordID string          `json:"recordId,omitempty"`
	BatchID  string          `json:"batchId,omitempty"`
	Status   domain.Status   `json:"status,omitempty"`
	Progress int             `json:"progress,omitempty"`
	Level    domain.LogLevel `json:"level,omitempty"`
	Message  string          `json:"message,omitempty"`
	Time     time.Time       `json:"time"`
}

// Observer fans out pipeline events and aggregates completion metrics
type Observer struct {
	stuckThreshold time.Duration

	completions []completion
	subscribers map[int]func(Event)
	nextID      int
	mu          sync.RWMutex
}

type completion struct {
	RecordID     string
	Status       domain.Status
	Duration     time.Duration
	TokensInput  int
	TokensOutput int
	CompletedAt  time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted    int           `json:"totalCompleted"`
	TotalFailed       int           `json:"totalFailed"`
	TotalTokensInput  int           `json:"totalTokensInput"`
	TotalTokensOutput int           `json:"totalTokensOutput"`
	AvgDuration       time.Duration `json:"avgDuration"`
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		subscribers:    make(map[int]func(Event)),
	}
}

// Subscribe registers fn for every future event and returns a function that
// removes it. fn must not block.
func (o *Observer) Subscribe(fn func(Event)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subscribers[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subscribers, id)
		o.mu.Unlock()
	}
}

// Publish delivers e to all subscribers
func (o *Observer) Publish(e Event) {
	if o == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	o.mu.RLock()
	subs := make([]func(Event), 0, len(o.subscribers))
	for _, fn := range o.subscribers {
		subs = append(subs, fn)
	}
	o.mu.RUnlock()

	for _, fn := range subs {
		fn(e)
	}
}

// IsStuck returns true if a record has been processing for longer than the
// stuck threshold
func (o *Observer) IsStuck(r *domain.Record, now time.Time) bool {
	if r.Status != domain.StatusProcessing || o.stuckThreshold <= 0 {
		return false
	}
	return now.Sub(r.UpdatedAt) > o.stuckThreshold
}

// RecordCompletion records a terminal record
func (o *Observer) RecordCompletion(r *domain.Record, tokensIn, tokensOut int) {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	o.completions = append(o.completions, completion{
		RecordID:     r.ID,
		Status:       r.Status,
		Duration:     r.Duration,
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		CompletedAt:  time.Now(),
	})
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var metrics Metrics
	var totalDuration time.Duration

	for _, c := range o.completions {
		if c.Status == domain.StatusFailed {
			metrics.TotalFailed++
			continue
		}
		metrics.TotalCompleted++
		metrics.TotalTokensInput += c.TokensInput
		metrics.TotalTokensOutput += c.TokensOutput
		totalDuration += c.Duration
	}

	if metrics.TotalCompleted > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(metrics.TotalCompleted)
	}

	return metrics
}

// GetRecentCompletions returns record IDs finished within the last duration
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.RecordID)
		}
	}

	return result
}
