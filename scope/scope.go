// Package scope implements the run-scoped context store: a hierarchy of
// variable scopes mapping (nodeID, outputKey) to values.
//
// The root scope holds run-global variables. Each parallel branch and each
// loop iteration pushes a child scope that shadows, but never mutates, its
// parent. Resolution walks from the caller's scope up through ancestors
// only, never siblings, so results are deterministic regardless of
// execution order. A branch scope is merged into its parent exactly once,
// after which it is immutable; loop iteration scopes are discarded instead,
// except for accumulator outputs the engine gathers before the discard.
package scope

import (
	"sync"

	"github.com/google/uuid"

	"github.com/flowengine-dev/flowengine/types"
)

// Kind distinguishes why a scope was pushed.
type Kind string

const (
	KindRoot          Kind = "root"
	KindBranch        Kind = "branch"
	KindLoopIteration Kind = "loopIteration"
)

type scopeNode struct {
	id        string
	kind      Kind
	parent    *scopeNode
	iteration int
	// values maps nodeID -> outputKey -> value.
	values map[string]map[string]any
	closed bool // merged or discarded; no further writes
}

// Store owns all scopes of one run. Writes are serialized by the scheduler;
// the internal lock additionally makes concurrent reads from executor
// goroutines safe.
type Store struct {
	mu     sync.RWMutex
	scopes map[string]*scopeNode
	root   *scopeNode
}

// NewStore creates a store with a root scope holding the given initial
// variables, recorded as outputs of the entry node so references like
// {entryNode, key} resolve anywhere in the run.
func NewStore(entryNodeID string, initial map[string]any) *Store {
	root := &scopeNode{
		id:     uuid.NewString(),
		kind:   KindRoot,
		values: make(map[string]map[string]any),
	}
	if len(initial) > 0 {
		vals := make(map[string]any, len(initial))
		for k, v := range initial {
			vals[k] = v
		}
		root.values[entryNodeID] = vals
	}
	return &Store{
		scopes: map[string]*scopeNode{root.id: root},
		root:   root,
	}
}

// RootID returns the root scope's ID.
func (s *Store) RootID() string {
	return s.root.id
}

// Push creates a child scope under parent and returns its ID.
func (s *Store) Push(kind Kind, parentID string) (string, error) {
	return s.push(kind, parentID, 0)
}

// PushIteration creates a loop-iteration scope carrying its index.
func (s *Store) PushIteration(parentID string, iteration int) (string, error) {
	return s.push(KindLoopIteration, parentID, iteration)
}

func (s *Store) push(kind Kind, parentID string, iteration int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.scopes[parentID]
	if !ok {
		return "", types.Errorf(types.ErrInternal, "push scope: unknown parent scope %s", parentID)
	}
	child := &scopeNode{
		id:        uuid.NewString(),
		kind:      kind,
		parent:    parent,
		iteration: iteration,
		values:    make(map[string]map[string]any),
	}
	s.scopes[child.id] = child
	return child.id, nil
}

// Iteration returns the iteration index of a loop-iteration scope.
func (s *Store) Iteration(scopeID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scopes[scopeID]
	if !ok || sc.kind != KindLoopIteration {
		return 0, false
	}
	return sc.iteration, true
}

// Write records one output value of a node in the given scope.
func (s *Store) Write(scopeID, nodeID, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scopes[scopeID]
	if !ok {
		return types.Errorf(types.ErrInternal, "write: unknown scope %s", scopeID)
	}
	if sc.closed {
		return types.Errorf(types.ErrInternal, "write to closed scope %s (node %s)", scopeID, nodeID)
	}
	vals := sc.values[nodeID]
	if vals == nil {
		vals = make(map[string]any)
		sc.values[nodeID] = vals
	}
	vals[key] = value
	return nil
}

// WriteAll records all outputs of a node in one call.
func (s *Store) WriteAll(scopeID, nodeID string, outputs map[string]any) error {
	for k, v := range outputs {
		if err := s.Write(scopeID, nodeID, k, v); err != nil {
			return err
		}
	}
	return nil
}

// Resolve walks from the caller's scope up through its ancestors until the
// (nodeID, key) pair is found. A miss returns an UNRESOLVED_REFERENCE
// error: expected for untaken branches, and callers must treat it as
// "value absent", not as a fatal failure.
func (s *Store) Resolve(callerScopeID, nodeID, key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scopes[callerScopeID]
	if !ok {
		return nil, types.Errorf(types.ErrInternal, "resolve: unknown scope %s", callerScopeID)
	}
	for cur := sc; cur != nil; cur = cur.parent {
		if vals, ok := cur.values[nodeID]; ok {
			if v, ok := vals[key]; ok {
				return v, nil
			}
		}
	}
	return nil, types.Errorf(types.ErrUnresolvedReference,
		"no value for %s.%s visible from scope %s", nodeID, key, callerScopeID)
}

// NodeOutputs returns all outputs of a node visible from the caller's
// scope, nearest scope winning per key.
func (s *Store) NodeOutputs(callerScopeID, nodeID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scopes[callerScopeID]
	if !ok {
		return nil, types.Errorf(types.ErrInternal, "node outputs: unknown scope %s", callerScopeID)
	}
	out := make(map[string]any)
	for cur := sc; cur != nil; cur = cur.parent {
		for k, v := range cur.values[nodeID] {
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
	}
	if len(out) == 0 {
		return nil, types.Errorf(types.ErrUnresolvedReference,
			"no outputs of %s visible from scope %s", nodeID, callerScopeID)
	}
	return out, nil
}

// Snapshot flattens everything visible from the caller's scope into
// nodeID -> key -> value, nearest scope winning. Condition and loop
// predicates evaluate against this view.
func (s *Store) Snapshot(callerScopeID string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scopes[callerScopeID]
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any)
	for cur := sc; cur != nil; cur = cur.parent {
		for nodeID, vals := range cur.values {
			existing, _ := out[nodeID].(map[string]any)
			if existing == nil {
				existing = make(map[string]any, len(vals))
				out[nodeID] = existing
			}
			for k, v := range vals {
				if _, shadowed := existing[k]; !shadowed {
					existing[k] = v
				}
			}
		}
	}
	return out
}

// MergeUp copies a branch scope's values into its parent under the
// originating node IDs, then closes the scope. Once merged, a scope is
// immutable; merging twice is an error.
func (s *Store) MergeUp(scopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scopes[scopeID]
	if !ok {
		return types.Errorf(types.ErrInternal, "merge: unknown scope %s", scopeID)
	}
	if sc.parent == nil {
		return types.Errorf(types.ErrInternal, "merge: cannot merge root scope")
	}
	if sc.closed {
		return types.Errorf(types.ErrInternal, "merge: scope %s already closed", scopeID)
	}
	if sc.parent.closed {
		return types.Errorf(types.ErrInternal, "merge: parent of scope %s is closed", scopeID)
	}
	for nodeID, vals := range sc.values {
		dst := sc.parent.values[nodeID]
		if dst == nil {
			dst = make(map[string]any, len(vals))
			sc.parent.values[nodeID] = dst
		}
		for k, v := range vals {
			dst[k] = v
		}
	}
	sc.closed = true
	return nil
}

// Discard closes a scope without merging. Loop iteration scopes are
// discarded after the engine has gathered any accumulator outputs.
func (s *Store) Discard(scopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scopes[scopeID]
	if !ok {
		return types.Errorf(types.ErrInternal, "discard: unknown scope %s", scopeID)
	}
	sc.closed = true
	return nil
}

// Parent returns the parent scope's ID, or "" for the root scope or an
// unknown scope.
func (s *Store) Parent(scopeID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scopes[scopeID]
	if !ok || sc.parent == nil {
		return ""
	}
	return sc.parent.id
}

// IsAncestor reports whether ancestorID is on scopeID's parent chain
// (inclusive of scopeID itself).
func (s *Store) IsAncestor(ancestorID, scopeID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scopes[scopeID]
	if !ok {
		return false
	}
	for cur := sc; cur != nil; cur = cur.parent {
		if cur.id == ancestorID {
			return true
		}
	}
	return false
}
