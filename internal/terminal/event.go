package terminal

import (
	"time"

	"github.com/xiaot623/gogo/fleet/internal/pubsub"
)

// EventKind distinguishes output chunks from process exit.
type EventKind string

const (
	EventOutput EventKind = "output"
	EventExit   EventKind = "exit"
)

// Event is published for every output chunk and once on exit.
type Event struct {
	SessionID string
	Kind      EventKind
	Data      []byte
	ExitCode  int
	At        time.Time
}

// TopicExit carries the exit of every session.
const TopicExit pubsub.Topic = "terminal.exit"

// OutputTopic is the output stream of one session.
func OutputTopic(sessionID string) pubsub.Topic {
	return pubsub.Topic("terminal.output." + sessionID)
}

// ExitTopic carries the exit of one session.
func ExitTopic(sessionID string) pubsub.Topic {
	return pubsub.Topic("terminal.exit." + sessionID)
}
