// Package poller runs the per-mailbox fetch, filter and dedup loop.
package poller

import (
	"github.com/tracyhatemice/mailagent/internal/mailbox"
	"github.com/tracyhatemice/mailagent/internal/models"
)

// State is the connection state of one mailbox.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdle
	StatePolling
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind tells which field of an Event is set.
type EventKind int

const (
	// EventMessage carries an accepted message.
	EventMessage EventKind = iota
	// EventError reports that a mailbox could not be reconnected. The
	// mailbox keeps retrying on its next poll cycle.
	EventError
)

// Event is what pollers send to the shared stream.
type Event struct {
	Kind    EventKind
	Mailbox string
	Message mailbox.Message
	Site    models.Site
	Err     error
}
