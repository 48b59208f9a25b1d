package notify

import (
	"fmt"

	"github.com/hochfrequenz/recommendation-implementer/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title    string
	Message  string
	Type     NotificationType
	RecordID string // Optional record reference
	Branch   string
	PRURL    string // Optional PR URL
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// ForRecord builds the notification for a finalized record
func ForRecord(r *domain.Record) Notification {
	n := Notification{RecordID: r.ID, Branch: r.CodeGeneration.BranchName}
	if r.PullRequest != nil {
		n.PRURL = r.PullRequest.URL
	}

	switch {
	case r.Status == domain.StatusFailed:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("Implementation failed: %s", r.Title)
		if r.Failure != nil {
			n.Message = r.Failure.Message
		}
	case r.CodeGeneration.Fallback:
		n.Type = NotifyWarning
		n.Title = fmt.Sprintf("Scaffold committed: %s", r.Title)
		n.Message = fmt.Sprintf("No code was extracted; branch %s holds a follow-up scaffold", r.CodeGeneration.BranchName)
	default:
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("Implemented: %s", r.Title)
		n.Message = fmt.Sprintf("%d files on branch %s", len(r.CodeGeneration.ModifiedFiles), r.CodeGeneration.BranchName)
	}
	if n.PRURL != "" {
		n.Message += "\n" + n.PRURL
	}
	return n
}

// ForBatch builds the summary notification for a finished batch
func ForBatch(batchID string, succeeded, failed, cancelled int) Notification {
	n := Notification{
		Title:   fmt.Sprintf("Batch %s finished", batchID),
		Message: fmt.Sprintf("%d succeeded, %d failed, %d cancelled", succeeded, failed, cancelled),
		Type:    NotifySuccess,
	}
	if failed > 0 {
		n.Type = NotifyWarning
	}
	if succeeded == 0 && failed > 0 {
		n.Type = NotifyError
	}
	return n
}
