package engine

import (
	"github.com/flowengine-dev/flowengine/graph"
)

// primaryVerdict is the three-valued answer to "does this node's output
// feed an answer node?". Unknown means the answer depends on a condition
// that has not resolved yet; chunks stay buffered until it does.
type primaryVerdict int

const (
	primaryDenied primaryVerdict = iota
	primaryUnknown
	primaryConfirmed
)

type streamKey struct {
	nodeID  string
	scopeID string
}

// trackPrimary classifies a node's stream when it starts executing and
// tells the aggregator whether to forward, buffer, or drop its chunks.
func (r *run) trackPrimary(nodeID, scopeID string) {
	switch r.primaryState(nodeID) {
	case primaryConfirmed:
		r.agg.ConfirmPrimary(nodeID, scopeID)
	case primaryDenied:
		r.agg.DenyPrimary(nodeID, scopeID)
	default:
		r.mu.Lock()
		r.undecided[streamKey{nodeID: nodeID, scopeID: scopeID}] = struct{}{}
		r.mu.Unlock()
	}
}

// denyPrimary drops a stream and forgets it.
func (r *run) denyPrimary(nodeID, scopeID string) {
	r.agg.DenyPrimary(nodeID, scopeID)
	r.mu.Lock()
	delete(r.undecided, streamKey{nodeID: nodeID, scopeID: scopeID})
	r.mu.Unlock()
}

// reevaluatePrimaries revisits buffered streams after a condition resolved
// or a node reached a terminal state; streams whose fate is now known are
// flushed or dropped.
func (r *run) reevaluatePrimaries() {
	r.mu.Lock()
	keys := make([]streamKey, 0, len(r.undecided))
	for k := range r.undecided {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	for _, k := range keys {
		switch r.primaryState(k.nodeID) {
		case primaryConfirmed:
			r.agg.ConfirmPrimary(k.nodeID, k.scopeID)
		case primaryDenied:
			r.agg.DenyPrimary(k.nodeID, k.scopeID)
		default:
			continue
		}
		r.mu.Lock()
		delete(r.undecided, k)
		r.mu.Unlock()
	}
}

// denyRemainingPrimaries drops every still-undecided stream; called at
// finalization so buffers never outlive the run.
func (r *run) denyRemainingPrimaries() {
	r.mu.Lock()
	keys := make([]streamKey, 0, len(r.undecided))
	for k := range r.undecided {
		keys = append(keys, k)
	}
	r.undecided = make(map[streamKey]struct{})
	r.mu.Unlock()

	for _, k := range keys {
		r.agg.DenyPrimary(k.nodeID, k.scopeID)
	}
}

// primaryState computes whether a node can still reach an answer node.
// Edges out of unresolved conditions count as "maybe"; edges out of
// resolved conditions count only along the taken label; failed, skipped
// and cancelled nodes block every path through them. Nodes inside a loop
// region share the fate of the region's exit node.
func (r *run) primaryState(nodeID string) primaryVerdict {
	if region, ok := r.graph.InRegion(nodeID); ok && nodeID != region.Start {
		nodeID = region.End
	}

	memo := make(map[string]primaryVerdict)
	visiting := make(map[string]bool)

	var walk func(id string) primaryVerdict
	walk = func(id string) primaryVerdict {
		if v, ok := memo[id]; ok {
			return v
		}
		if visiting[id] {
			return primaryDenied
		}
		visiting[id] = true
		defer func() { visiting[id] = false }()

		switch r.nodeStatus(id) {
		case NodeFailed, NodeSkipped, NodeCancelled:
			memo[id] = primaryDenied
			return primaryDenied
		}
		n, ok := r.graph.Node(id)
		if !ok {
			memo[id] = primaryDenied
			return primaryDenied
		}
		if n.Kind == graph.KindAnswer {
			memo[id] = primaryConfirmed
			return primaryConfirmed
		}

		best := primaryDenied
		for _, e := range r.graph.Outgoing(id) {
			if e.LoopBack {
				continue
			}
			edgeVerdict := primaryConfirmed
			if e.Guard != "" {
				taken, resolved := r.guardState(e.From)
				switch {
				case !resolved:
					edgeVerdict = primaryUnknown
				case taken != e.Guard:
					continue
				}
			}
			v := walk(e.To)
			if edgeVerdict < v {
				v = edgeVerdict
			}
			if v > best {
				best = v
			}
			if best == primaryConfirmed {
				break
			}
		}
		memo[id] = best
		return best
	}

	return walk(nodeID)
}
