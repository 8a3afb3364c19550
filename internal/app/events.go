package app

import (
	"github.com/kmoriya/shogun/internal/mailbox"
	"github.com/kmoriya/shogun/internal/runtime"
	"github.com/kmoriya/shogun/internal/state"
)

// EventType identifies an event on the transport contract.
type EventType string

const (
	// EventThreads fires on thread create/delete/update.
	EventThreads EventType = "threads"
	// EventMessage fires when a mailbox file has been parsed and is
	// about to be routed.
	EventMessage EventType = "message"
	// EventAgentStatus fires on any fleet status change.
	EventAgentStatus EventType = "agent_status"
	// EventStop brackets a fleet stop.
	EventStop EventType = "stop"
)

// Stop event statuses.
const (
	StopRequested = "requested"
	StopCompleted = "completed"
)

// Event is one transport event. Exactly the fields of its type are set.
type Event struct {
	Type    EventType          `json:"type"`
	Threads []state.Thread     `json:"threads,omitempty"`
	Message *mailbox.Message   `json:"message,omitempty"`
	Agents  []runtime.Snapshot `json:"agents,omitempty"`
	Status  string             `json:"status,omitempty"`
}
