package graph

import (
	"sort"

	"github.com/flowengine-dev/flowengine/types"
)

// Validate checks structural well-formedness and populates loop regions and
// the topological hint. A graph that fails validation must never be
// executed; all returned errors are structural (types.IsStructural).
//
// Checks, in order: entry designation, edge/socket integrity and type
// compatibility, loop region shape, acyclicity outside loop regions,
// reachability from the entry node, and kind-specific configuration.
func (g *FlowGraph) Validate() error {
	if len(g.nodes) == 0 {
		return types.NewError(types.ErrNoEntryNode, "graph has no nodes")
	}
	if g.entry == "" {
		return types.NewError(types.ErrNoEntryNode, "entry node not designated")
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return types.Errorf(types.ErrNoEntryNode, "entry node %q does not exist", g.entry)
	}
	if len(g.AnswerNodes()) == 0 {
		return types.NewError(types.ErrNoAnswerNode, "graph has no answer node")
	}

	if err := g.validateEdges(); err != nil {
		return err
	}
	if err := g.validateLoopRegions(); err != nil {
		return err
	}
	if err := g.validateAcyclic(); err != nil {
		return err
	}
	if err := g.validateReachability(); err != nil {
		return err
	}
	if err := g.validateNodeConfigs(); err != nil {
		return err
	}

	g.topo = g.computeTopologicalHint()
	return nil
}

func (g *FlowGraph) validateEdges() error {
	for _, e := range g.edges {
		from, ok := g.nodes[e.From]
		if !ok {
			return types.Errorf(types.ErrDanglingEdge, "edge references unknown source node %q", e.From)
		}
		to, ok := g.nodes[e.To]
		if !ok {
			return types.Errorf(types.ErrDanglingEdge, "edge references unknown target node %q", e.To)
		}

		var srcKind, dstKind ValueKind
		if e.FromSocket != "" {
			out, ok := from.Output(e.FromSocket)
			if !ok {
				return types.Errorf(types.ErrDanglingEdge,
					"edge %s->%s references unknown output socket %q", e.From, e.To, e.FromSocket)
			}
			srcKind = out.Type
		}
		if e.ToSocket != "" {
			in, ok := to.Input(e.ToSocket)
			if !ok {
				return types.Errorf(types.ErrDanglingEdge,
					"edge %s->%s references unknown input socket %q", e.From, e.To, e.ToSocket)
			}
			dstKind = in.Type
		}
		if e.FromSocket != "" && e.ToSocket != "" && !Compatible(srcKind, dstKind) {
			return types.Errorf(types.ErrSocketTypeMismatch,
				"edge %s.%s (%s) -> %s.%s (%s) is not type-compatible",
				e.From, e.FromSocket, srcKind, e.To, e.ToSocket, dstKind)
		}

		if e.LoopBack {
			if from.Kind != KindLoopEnd || to.Kind != KindLoopStart {
				return types.Errorf(types.ErrInvalidLoopRegion,
					"loop-back edge %s->%s must connect a loopEnd to a loopStart", e.From, e.To)
			}
		}
	}
	return nil
}

// validateLoopRegions pairs each loopStart with its loopEnd via the single
// loop-back edge, walks the region between them, and checks that internal
// edges stay confined to the region.
func (g *FlowGraph) validateLoopRegions() error {
	g.regions = make(map[string]*LoopRegion)

	for _, id := range g.order {
		node := g.nodes[id]
		switch node.Kind {
		case KindLoopStart:
			var backFrom []string
			for _, e := range g.Incoming(id) {
				if e.LoopBack {
					backFrom = append(backFrom, e.From)
				}
			}
			if len(backFrom) != 1 {
				return types.Errorf(types.ErrInvalidLoopRegion,
					"loopStart %q must have exactly one loop-back edge, found %d", id, len(backFrom))
			}
			end := backFrom[0]

			members := g.collectRegion(id, end)
			if !members[end] {
				return types.Errorf(types.ErrInvalidLoopRegion,
					"loopEnd %q is not reachable from loopStart %q", end, id)
			}

			for member := range members {
				if member == id || member == end {
					continue
				}
				for _, e := range g.Outgoing(member) {
					if !members[e.To] {
						return types.Errorf(types.ErrInvalidLoopRegion,
							"edge %s->%s escapes loop region %s..%s", member, e.To, id, end)
					}
				}
				for _, e := range g.Incoming(member) {
					if !members[e.From] {
						return types.Errorf(types.ErrInvalidLoopRegion,
							"edge %s->%s enters loop region %s..%s mid-body", e.From, member, id, end)
					}
				}
			}

			g.regions[id] = &LoopRegion{Start: id, End: end, Members: members}

		case KindLoopEnd:
			var back int
			for _, e := range g.Outgoing(id) {
				if e.LoopBack {
					back++
				}
			}
			if back != 1 {
				return types.Errorf(types.ErrInvalidLoopRegion,
					"loopEnd %q must have exactly one loop-back edge, found %d", id, back)
			}
		}
	}
	return nil
}

// collectRegion computes the nodes between start and end: reachable forward
// from start and reaching end backward, in both cases without crossing the
// region boundary or following loop-back edges. Both boundaries are members.
func (g *FlowGraph) collectRegion(start, end string) map[string]bool {
	fwd := map[string]bool{start: true}
	var walkFwd func(id string)
	walkFwd = func(id string) {
		if id == end {
			return
		}
		for _, e := range g.Outgoing(id) {
			if e.LoopBack || fwd[e.To] {
				continue
			}
			fwd[e.To] = true
			walkFwd(e.To)
		}
	}
	walkFwd(start)

	bwd := map[string]bool{end: true}
	var walkBwd func(id string)
	walkBwd = func(id string) {
		if id == start {
			return
		}
		for _, e := range g.Incoming(id) {
			if e.LoopBack || bwd[e.From] {
				continue
			}
			bwd[e.From] = true
			walkBwd(e.From)
		}
	}
	walkBwd(end)

	members := make(map[string]bool)
	for id := range fwd {
		if bwd[id] {
			members[id] = true
		}
	}
	members[start] = true
	members[end] = true
	return members
}

// validateAcyclic runs DFS cycle detection over all edges except loop-back
// edges. Loop regions are the only sanctioned cycles and their back edge is
// excluded here.
func (g *FlowGraph) validateAcyclic() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(id string) string
	visit = func(id string) string {
		visited[id] = true
		onStack[id] = true
		for _, e := range g.Outgoing(id) {
			if e.LoopBack {
				continue
			}
			if !visited[e.To] {
				if offender := visit(e.To); offender != "" {
					return offender
				}
			} else if onStack[e.To] {
				return e.To
			}
		}
		onStack[id] = false
		return ""
	}

	for _, id := range g.order {
		if !visited[id] {
			if offender := visit(id); offender != "" {
				return types.Errorf(types.ErrGraphCycle,
					"cycle outside a loop region involving node %q", offender)
			}
		}
	}
	return nil
}

func (g *FlowGraph) validateReachability() error {
	reachable := make(map[string]bool)
	var mark func(id string)
	mark = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, e := range g.Outgoing(id) {
			mark(e.To)
		}
	}
	mark(g.entry)

	var orphans []string
	for _, id := range g.order {
		if !reachable[id] && !g.nodes[id].Config.SideEffectOnly {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		sort.Strings(orphans)
		return types.Errorf(types.ErrUnreachableNode,
			"nodes not reachable from entry %q: %v", g.entry, orphans)
	}
	return nil
}

func (g *FlowGraph) validateNodeConfigs() error {
	for _, id := range g.order {
		node := g.nodes[id]
		switch node.Kind {
		case KindCondition:
			if len(node.Config.Branches) == 0 {
				return types.Errorf(types.ErrDanglingEdge,
					"condition node %q has no branch rules", id)
			}
			guards := make(map[string]bool)
			for _, e := range g.Outgoing(id) {
				if e.Guard != "" {
					guards[e.Guard] = true
				}
			}
			for _, rule := range node.Config.Branches {
				if !guards[rule.Label] {
					return types.Errorf(types.ErrDanglingEdge,
						"condition node %q branch %q has no guarded outgoing edge", id, rule.Label)
				}
			}
			if d := node.Config.DefaultBranch; d != "" && !guards[d] {
				return types.Errorf(types.ErrDanglingEdge,
					"condition node %q default branch %q has no guarded outgoing edge", id, d)
			}
		case KindLoopStart:
			if node.Config.Expression == "" {
				return types.Errorf(types.ErrInvalidLoopRegion,
					"loopStart %q has no continuation predicate", id)
			}
		case KindAnswer:
			if len(node.Inputs) == 0 {
				return types.Errorf(types.ErrDanglingEdge,
					"answer node %q has no inputs", id)
			}
		}
	}
	return nil
}

// computeTopologicalHint performs Kahn's algorithm ignoring loop-back
// edges, breaking ties by declaration order.
func (g *FlowGraph) computeTopologicalHint() []string {
	indegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		indegree[id] = 0
	}
	for _, e := range g.edges {
		if !e.LoopBack {
			indegree[e.To]++
		}
	}

	declIdx := make(map[string]int, len(g.order))
	for i, id := range g.order {
		declIdx[id] = i
	}

	var frontier []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}

	var topo []string
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			return declIdx[frontier[i]] < declIdx[frontier[j]]
		})
		id := frontier[0]
		frontier = frontier[1:]
		topo = append(topo, id)
		for _, e := range g.Outgoing(id) {
			if e.LoopBack {
				continue
			}
			indegree[e.To]--
			if indegree[e.To] == 0 {
				frontier = append(frontier, e.To)
			}
		}
	}
	return topo
}
