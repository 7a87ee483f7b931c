// Package notify broadcasts security incidents to interested local
// processes. The D-Bus notifier serves desktop-class gateways; headless
// nodes run the no-op notifier.
package notify

import "time"

// Event is one incident broadcast.
type Event struct {
	Timestamp time.Time
	FromState string
	ToState   string
	Kind      string
	Severity  string
	Detail    string
}

// Notifier delivers incident events. Implementations must not block the
// monitor loop for longer than a bus write.
type Notifier interface {
	Incident(ev Event) error
	Close() error
}

// Nop discards all events.
type Nop struct{}

func (Nop) Incident(Event) error { return nil }
func (Nop) Close() error         { return nil }

var _ Notifier = Nop{}
