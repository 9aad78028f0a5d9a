// Package graph defines the immutable flow graph model: nodes with typed
// input/output sockets, guarded and loop-back edges, and structural
// validation.
//
// A FlowGraph is read-only during execution. Validation rejects dangling
// edges, socket type mismatches and cycles outside explicitly declared loop
// regions; it also pairs every loopStart with its loopEnd and precomputes a
// topological ordering hint for the scheduler.
package graph
