package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// jsonlEnvelope wraps each line so records and summaries can share one
// file.
type jsonlEnvelope struct {
	Kind    string               `json:"kind"` // "record" or "summary"
	RunID   string               `json:"run_id"`
	Record  *NodeExecutionRecord `json:"record,omitempty"`
	Summary *RunSummary          `json:"summary,omitempty"`
}

// JSONLSink appends trace events as JSON lines to a writer, one event per
// line. Suitable for piping a run's audit log to a file.
type JSONLSink struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

// NewJSONLSink wraps a writer.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w, enc: json.NewEncoder(w)}
}

// OpenJSONLFile opens (or creates, appending) a JSONL trace file.
func OpenJSONLFile(path string) (*JSONLSink, func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open trace file %s: %w", path, err)
	}
	return NewJSONLSink(f), f.Close, nil
}

func (s *JSONLSink) WriteRecord(ctx context.Context, runID string, rec NodeExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(jsonlEnvelope{Kind: "record", RunID: runID, Record: &rec})
}

func (s *JSONLSink) WriteSummary(ctx context.Context, summary RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(jsonlEnvelope{Kind: "summary", RunID: summary.RunID, Summary: &summary})
}
