package trace

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sink receives trace records and run summaries for persistence or audit.
// Implementations must be safe for concurrent use.
type Sink interface {
	WriteRecord(ctx context.Context, runID string, rec NodeExecutionRecord) error
	WriteSummary(ctx context.Context, summary RunSummary) error
}

// Recorder fans trace events out to its sinks. It is a pure sink itself:
// a failing sink is logged and counted, never retried, and never affects
// the run that produced the event.
type Recorder struct {
	sinks    []Sink
	logger   *zap.Logger
	mu       sync.Mutex
	failures int
}

// NewRecorder creates a recorder over the given sinks. A recorder with no
// sinks is valid and discards everything.
func NewRecorder(logger *zap.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		sinks:  sinks,
		logger: logger.With(zap.String("component", "run_recorder")),
	}
}

// RecordNode hands one node execution record to every sink. Sinks are
// independent IO targets and are written concurrently.
func (r *Recorder) RecordNode(ctx context.Context, runID string, rec NodeExecutionRecord) {
	var g errgroup.Group
	for _, sink := range r.sinks {
		g.Go(func() error {
			if err := sink.WriteRecord(ctx, runID, rec); err != nil {
				r.noteFailure()
				r.logger.Warn("trace sink rejected record",
					zap.String("run_id", runID),
					zap.String("node_id", rec.NodeID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// RecordSummary hands the final run summary to every sink.
func (r *Recorder) RecordSummary(ctx context.Context, summary RunSummary) {
	var g errgroup.Group
	for _, sink := range r.sinks {
		g.Go(func() error {
			if err := sink.WriteSummary(ctx, summary); err != nil {
				r.noteFailure()
				r.logger.Warn("trace sink rejected summary",
					zap.String("run_id", summary.RunID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Failures returns how many sink writes have failed since creation.
func (r *Recorder) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

func (r *Recorder) noteFailure() {
	r.mu.Lock()
	r.failures++
	r.mu.Unlock()
}

// MemorySink keeps everything in memory, primarily for tests and for
// serving a run's trace back over the API.
type MemorySink struct {
	mu        sync.RWMutex
	records   map[string][]NodeExecutionRecord
	summaries map[string]RunSummary
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		records:   make(map[string][]NodeExecutionRecord),
		summaries: make(map[string]RunSummary),
	}
}

func (s *MemorySink) WriteRecord(ctx context.Context, runID string, rec NodeExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[runID] = append(s.records[runID], rec)
	return nil
}

func (s *MemorySink) WriteSummary(ctx context.Context, summary RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[summary.RunID] = summary
	return nil
}

// Records returns the stored records of a run in write order.
func (s *MemorySink) Records(runID string) []NodeExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NodeExecutionRecord, len(s.records[runID]))
	copy(out, s.records[runID])
	return out
}

// Summary returns the stored summary of a run.
func (s *MemorySink) Summary(runID string) (RunSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[runID]
	return sum, ok
}
