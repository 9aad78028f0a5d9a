// Package stream orders the partial output of a run.
//
// Executors emit chunks concurrently; the engine tags each chunk with its
// (node, scope) origin and a sequence number and hands it to the
// Aggregator, the single consumer responsible for presenting one ordered
// stream to the caller. Only output destined for the run's answer node is
// forwarded live; output from branches whose fate is still undecided is
// buffered until a condition node resolves, then flushed in sequence
// order or dropped.
package stream
