package orchestrator

import (
	"context"

	"docforge/internal/logging"
)

// Event names a progress notification.
type Event string

const (
	EventStarting   Event = "starting"
	EventSubmitting Event = "submitting"
	EventSucceeded  Event = "succeeded"
	EventFailed     Event = "failed"
	// EventCitation points at the stored artifact after success.
	EventCitation Event = "citation"
)

// Source is the download reference carried by a citation.
type Source struct {
	Name string
	URL  string
}

// Notification is one progress update.
type Notification struct {
	Event       Event
	Description string
	Done        bool
	// Hidden asks the sink not to show the update to end users. Failures are
	// hidden unless debug is on.
	Hidden bool
	Source *Source // set on citations
}

// Notifier receives progress updates. Implementations must not block for
// long; Run calls them inline.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// LogNotifier writes notifications to the orchestrator log.
type LogNotifier struct{}

// Notify logs n.
func (LogNotifier) Notify(_ context.Context, n Notification) {
	l := logging.Get(logging.CategoryOrchestrator).With("event", string(n.Event), "done", n.Done, "hidden", n.Hidden)
	if n.Source != nil {
		l = l.With("source", n.Source.URL)
	}
	if n.Event == EventFailed {
		l.Warn("%s", n.Description)
		return
	}
	l.Info("%s", n.Description)
}

// Multi fans a notification out to several notifiers.
func Multi(notifiers ...Notifier) Notifier {
	return NotifierFunc(func(ctx context.Context, n Notification) {
		for _, nt := range notifiers {
			if nt != nil {
				nt.Notify(ctx, n)
			}
		}
	})
}
