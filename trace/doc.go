// Package trace records what a run did: an append-only sequence of
// per-node execution records plus a closing run summary, fanned out to
// pluggable sinks (memory, JSONL file, Redis, SQL). The trace is the audit
// surface of the engine; sink failures are logged warnings, never run
// failures.
package trace
