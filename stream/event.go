package stream

import "time"

// EventType classifies run stream events.
type EventType string

const (
	// EventNodeStarted announces that a node began executing.
	EventNodeStarted EventType = "node_started"
	// EventChunk carries one partial output fragment from a running node.
	EventChunk EventType = "chunk"
	// EventNodeFinished announces a node's terminal status.
	EventNodeFinished EventType = "node_finished"
	// EventFinal is the run finalization marker, emitted exactly once as the
	// last event on the stream.
	EventFinal EventType = "final"
)

// Event is one element of the run's ordered output stream. Chunk events
// carry a per-(node, scope) sequence number assigned at emission time;
// buffered chunks are flushed in that order.
type Event struct {
	Type      EventType      `json:"type"`
	NodeID    string         `json:"node_id,omitempty"`
	ScopeID   string         `json:"scope_id,omitempty"`
	Sequence  int64          `json:"sequence,omitempty"`
	Chunk     string         `json:"chunk,omitempty"`
	Status    string         `json:"status,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
