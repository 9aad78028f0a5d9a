// Package engine interprets flow graphs: it computes node readiness from
// unresolved dependencies, dispatches ready nodes concurrently with a
// deterministic declaration-order tie-break, applies branch and loop
// control flow, and enforces per-node timeout and retry policy.
//
// A run moves Initialized -> Running -> one of succeeded, partial, failed
// or cancelled. Node failures never abort scheduling by themselves; the
// run fails only when no path to an answer node remains. Every execution
// is recorded in an append-only trace, and partial output streams through
// the stream.Aggregator as it is produced.
package engine
