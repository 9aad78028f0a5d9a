package stream

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultBufferSize is the capacity of the outbound event channel.
const DefaultBufferSize = 1024

type streamKey struct {
	nodeID  string
	scopeID string
}

type streamState struct {
	confirmed bool // on the primary path, forward live
	denied    bool // definitely off the primary path, drop chunks
	nextSeq   int64
	buffer    []Event
}

// Aggregator merges partial output from concurrently running nodes into one
// ordered stream. Chunks from nodes confirmed to be on the primary path
// (the path feeding the active answer node) are forwarded in arrival
// order; chunks from nodes whose membership is still unknown are buffered
// and flushed in sequence order if the node is confirmed later. Chunks
// from nodes ruled off the primary path are dropped from the live stream;
// their text survives in the run trace. Lifecycle events (node started,
// node finished) are always forwarded.
type Aggregator struct {
	mu      sync.Mutex
	out     chan Event
	streams map[streamKey]*streamState
	closed  bool
	dropped int64
	observe func(eventType string)
	logger  *zap.Logger
}

// DroppedEventType is the observer label for events lost to a slow
// consumer.
const DroppedEventType = "dropped"

// NewAggregator creates an aggregator with the given outbound buffer size;
// zero or negative means DefaultBufferSize.
func NewAggregator(bufferSize int, logger *zap.Logger) *Aggregator {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		out:     make(chan Event, bufferSize),
		streams: make(map[streamKey]*streamState),
		logger:  logger.With(zap.String("component", "stream_aggregator")),
	}
}

// Events returns the outbound event channel. It is closed after the final
// event.
func (a *Aggregator) Events() <-chan Event {
	return a.out
}

// SetObserver installs a callback invoked with the event type for every
// outbound event, and with DroppedEventType for every event lost to a slow
// consumer. Must be set before the first event is published.
func (a *Aggregator) SetObserver(fn func(eventType string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observe = fn
}

// NodeStarted forwards a lifecycle event for a node beginning execution.
func (a *Aggregator) NodeStarted(nodeID, scopeID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.send(Event{
		Type:      EventNodeStarted,
		NodeID:    nodeID,
		ScopeID:   scopeID,
		Timestamp: time.Now(),
	})
}

// NodeFinished forwards a lifecycle event carrying the node's terminal
// status.
func (a *Aggregator) NodeFinished(nodeID, scopeID, status string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.send(Event{
		Type:      EventNodeFinished,
		NodeID:    nodeID,
		ScopeID:   scopeID,
		Status:    status,
		Timestamp: time.Now(),
	})
}

// Publish records one partial output chunk from a node. Depending on the
// node's primary-path status the chunk is forwarded, buffered, or dropped.
func (a *Aggregator) Publish(nodeID, scopeID, chunk string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.stream(nodeID, scopeID)
	ev := Event{
		Type:      EventChunk,
		NodeID:    nodeID,
		ScopeID:   scopeID,
		Sequence:  st.nextSeq,
		Chunk:     chunk,
		Timestamp: time.Now(),
	}
	st.nextSeq++

	switch {
	case st.confirmed:
		a.send(ev)
	case st.denied:
		// Off the primary path; the trace keeps the emitted text.
	default:
		st.buffer = append(st.buffer, ev)
	}
}

// ConfirmPrimary marks a node as being on the primary path. Previously
// buffered chunks are flushed in original sequence order before any new
// live chunks.
func (a *Aggregator) ConfirmPrimary(nodeID, scopeID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.stream(nodeID, scopeID)
	if st.confirmed {
		return
	}
	st.confirmed = true
	st.denied = false
	for _, ev := range st.buffer {
		a.send(ev)
	}
	st.buffer = nil
}

// DenyPrimary marks a node as off the primary path and drops its buffered
// chunks from the live stream.
func (a *Aggregator) DenyPrimary(nodeID, scopeID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.stream(nodeID, scopeID)
	if st.confirmed {
		return
	}
	st.denied = true
	st.buffer = nil
}

// Finalize emits the run finalization marker and closes the stream. Safe to
// call once; later calls are no-ops.
func (a *Aggregator) Finalize(status string, outputs map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	final := Event{
		Type:      EventFinal,
		Status:    status,
		Outputs:   outputs,
		Timestamp: time.Now(),
	}
	// The finalization marker must land even with a slow consumer: evict
	// the oldest pending event until there is room.
	for {
		select {
		case a.out <- final:
		default:
			select {
			case <-a.out:
				a.noteDrop()
			default:
			}
			continue
		}
		break
	}
	if a.observe != nil {
		a.observe(string(EventFinal))
	}
	a.closed = true
	close(a.out)
	if a.dropped > 0 {
		a.logger.Warn("slow consumer dropped stream events", zap.Int64("dropped", a.dropped))
	}
}

func (a *Aggregator) stream(nodeID, scopeID string) *streamState {
	key := streamKey{nodeID: nodeID, scopeID: scopeID}
	st, ok := a.streams[key]
	if !ok {
		st = &streamState{}
		a.streams[key] = st
	}
	return st
}

// send delivers without blocking the scheduler. A consumer that stops
// reading loses chunks rather than stalling the run.
func (a *Aggregator) send(ev Event) {
	if a.closed {
		return
	}
	select {
	case a.out <- ev:
		if a.observe != nil {
			a.observe(string(ev.Type))
		}
	default:
		a.noteDrop()
	}
}

func (a *Aggregator) noteDrop() {
	a.dropped++
	if a.observe != nil {
		a.observe(DroppedEventType)
	}
}
