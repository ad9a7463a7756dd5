// Package notify fans release events out to chat platforms. Delivery is
// best effort: a notification failure is logged and never propagated into
// a release state transition.
package notify

import (
	"context"
	"fmt"
	"log"
)

// Severity levels used by adapters for formatting hints.
const (
	SeverityInfo    = "info"
	SeverityError   = "error"
	SeveritySuccess = "success"
)

// Message is one notification about a release.
type Message struct {
	Title    string
	Body     string
	Severity string
}

// Adapter delivers messages to a single chat platform.
type Adapter interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Notifier is what the ingestion and submission pipelines depend on.
type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

// Fanout delivers a message to every configured adapter. It satisfies
// Notifier and is safe with zero adapters.
type Fanout struct {
	adapters []Adapter
}

// NewFanout builds a Fanout over the given adapters.
func NewFanout(adapters ...Adapter) *Fanout {
	return &Fanout{adapters: adapters}
}

// Notify sends the message to all adapters, logging any failures.
func (f *Fanout) Notify(ctx context.Context, msg Message) {
	for _, a := range f.adapters {
		if err := a.Send(ctx, msg); err != nil {
			log.Printf("notify: %s send error: %v", a.Name(), err)
		}
	}
}

// Format renders a message as plain text for adapters without rich
// attachment support.
func Format(msg Message) string {
	if msg.Body == "" {
		return msg.Title
	}
	return fmt.Sprintf("%s\n%s", msg.Title, msg.Body)
}
