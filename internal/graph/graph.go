// Package graph owns the dependency DAG built from a Makefile rooted
// at a goal target, and answers the scheduler's two questions: which
// leaf is available to run next, and which targets have become
// unbuildable because a prerequisite failed.
//
// Nodes are kept in an arena indexed by NodeID, with children and
// parents stored as index lists rather than pointers, per the
// teacher's own graph model translated away from ownership cycles
// (a parent/child pointer pair in Go would otherwise need a cycle-
// aware GC argument to reason about; indices sidestep that entirely).
package graph

import (
	"fmt"

	"github.com/edwingeng/deque"

	"github.com/jomgo/jomgo/internal/fsprobe"
	"github.com/jomgo/jomgo/internal/makefile"
)

// State is a Node's position in the build.
type State int8

const (
	Unknown State = iota
	Executing
	UpToDate
	Unbuildable
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case Executing:
		return "executing"
	case UpToDate:
		return "up-to-date"
	case Unbuildable:
		return "unbuildable"
	default:
		return "invalid"
	}
}

// NodeID is a stable index into a Graph's node arena.
type NodeID int

const invalidID NodeID = -1

// Node is one target's position within the current graph.
type Node struct {
	Target   *makefile.Target
	Children []NodeID
	Parents  []NodeID
	State    State
}

// BuildInfoLogger receives the optional "<marker> <timestamp> <target>"
// line the spec's build-info option asks for; it is nil when
// DisplayBuildInfo is off.
type BuildInfoLogger func(target *makefile.Target, upToDate bool)

// Graph is the dependency DAG for one goal target.
type Graph struct {
	mf    *makefile.Makefile
	probe fsprobe.Prober
	log   BuildInfoLogger

	nodes  []*Node
	byName map[string]NodeID
	root   NodeID

	pendingRemoval deque.Deque // holds NodeID
	leaves         []NodeID    // leaves found by the current batch, not yet returned
}

// New returns an empty Graph over mf, probing existence/mtime via
// probe. log may be nil.
func New(mf *makefile.Makefile, probe fsprobe.Prober, log BuildInfoLogger) *Graph {
	return &Graph{
		mf:             mf,
		probe:          probe,
		log:            log,
		byName:         make(map[string]NodeID),
		root:           invalidID,
		pendingRemoval: deque.NewDeque(),
	}
}

// Root returns the current root node, or nil if the graph is empty.
func (g *Graph) Root() *makefile.Target {
	if g.root == invalidID {
		return nil
	}
	return g.nodes[g.root].Target
}

func (g *Graph) node(id NodeID) *Node {
	if id == invalidID {
		return nil
	}
	return g.nodes[id]
}

func (g *Graph) nodeFor(t *makefile.Target) *Node {
	id, ok := g.byName[t.Name]
	if !ok {
		return nil
	}
	return g.nodes[id]
}

// Build creates the root Node for root and descends into its
// dependents, reusing an existing Node (adding an edge, not
// recursing again) whenever a dependent already has one in this
// graph — the diamond and cycle case.
func (g *Graph) Build(root *makefile.Target) {
	rootID := g.createNode(root)
	g.root = rootID
	g.descend(rootID)
}

func (g *Graph) createNode(t *makefile.Target) NodeID {
	if id, ok := g.byName[t.Name]; ok {
		return id
	}
	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, &Node{Target: t, State: Unknown})
	g.byName[t.Name] = id
	return id
}

func (g *Graph) descend(id NodeID) {
	node := g.nodes[id]
	for _, depName := range node.Target.Dependents {
		dep := g.mf.Target(depName)
		if dep == nil {
			// Undeclared file: a leaf handled by inference rules or
			// by an up-to-date check against bare existence.
			continue
		}

		if childID, exists := g.byName[dep.Name]; exists {
			g.addEdge(id, childID)
			continue
		}

		childID := g.createNode(dep)
		g.addEdge(id, childID)
		g.descend(childID)
	}
}

func (g *Graph) addEdge(parent, child NodeID) {
	g.nodes[parent].Children = append(g.nodes[parent].Children, child)
	g.nodes[child].Parents = append(g.nodes[child].Parents, parent)
}

// IsTargetUpToDate reports whether t exists with a timestamp at least
// as new as every declared dependent's. A missing dependent is
// treated as having the current instant as its timestamp, forcing t
// out of date; a target previously seen as missing is re-probed,
// since a concurrent sibling build may have produced it since.
//
// t's own existence/timestamp goes through its cached fields (via
// TimeStamp), so a target visited from more than one branch in the
// same pass only costs one probe; each dependent is re-probed by bare
// name, since a dependent need not have a Target of its own to cache
// against.
func (g *Graph) IsTargetUpToDate(t *makefile.Target) bool {
	targetTime, targetExists := t.TimeStamp(g.probe)
	if !targetExists {
		return false
	}

	for _, depName := range t.Dependents {
		depTime, depExists := g.probe.ModTime(depName)
		if !depExists {
			return false
		}
		if depTime.After(targetTime) {
			return false
		}
	}
	return true
}

// FindAvailableTarget drives one round of leaf discovery and returns a
// single ready target, deferring the rest of the round's leaves in an
// internal cache so repeated calls hand them out one at a time without
// re-walking the graph.
//
// A round performs repeated depth-first passes from the root, in
// first-child order: each pass marks the one leaf it finds as
// Executing (so the next pass finds a different one) and keeps going
// until a pass finds nothing left. A leaf already marked Unbuildable
// keeps that state; once collected, later passes of the round skip it. Before and between passes, leaves
// deferred for removal are actually removed, so no pass ever mutates
// the graph while it runs, and an up-to-date leaf shared by several
// branches exposes its parent within the same round instead of
// forcing the caller to wait for a tick that may never come.
//
// Once a round's leaves are all collected, ApplyInferenceRules is
// called once for the whole batch, matching the batching contract:
// rule selection can depend on which other leaves are ready at the
// same time, so binding never happens one target at a time.
//
// buildAll implements the /A "rebuild everything" mode: when set, a
// leaf's up-to-date check is skipped entirely and it is always
// scheduled to execute.
func (g *Graph) FindAvailableTarget(buildAll bool) *makefile.Target {
	if len(g.leaves) > 0 {
		return g.takeLeaf()
	}

	g.drainPendingRemoval()

	for g.root != invalidID {
		visiting := make(map[NodeID]bool)
		found := g.visit(g.root, buildAll, visiting)
		if found != invalidID {
			g.leaves = append(g.leaves, found)
			continue
		}
		if g.pendingRemoval.Empty() {
			break
		}
		g.drainPendingRemoval()
	}

	if len(g.leaves) == 0 {
		return nil
	}

	g.applyInferenceRulesToBatch()
	return g.takeLeaf()
}

// takeLeaf pops and returns the target for the head of g.leaves.
func (g *Graph) takeLeaf() *makefile.Target {
	id := g.leaves[0]
	g.leaves = g.leaves[1:]
	return g.nodes[id].Target
}

// applyInferenceRulesToBatch binds commands onto every command-less
// leaf currently cached in g.leaves, in one call, before any of them
// is handed back to the caller.
func (g *Graph) applyInferenceRulesToBatch() {
	batch := make([]*makefile.Target, 0, len(g.leaves))
	for _, id := range g.leaves {
		batch = append(batch, g.nodes[id].Target)
	}
	g.mf.ApplyInferenceRules(batch)
}

// visit returns the NodeID of the first eligible leaf found, or
// invalidID if the subtree rooted at id has none.
func (g *Graph) visit(id NodeID, buildAll bool, visiting map[NodeID]bool) NodeID {
	if visiting[id] {
		return invalidID
	}
	visiting[id] = true
	defer delete(visiting, id)

	node := g.nodes[id]
	if len(node.Children) > 0 {
		for _, child := range node.Children {
			if found := g.visit(child, buildAll, visiting); found != invalidID {
				return found
			}
		}
		return invalidID
	}

	// Leaf.
	switch node.State {
	case Executing:
		return invalidID
	case UpToDate:
		// Already scheduled for removal by an earlier visit in this
		// same pass (reached again via a diamond parent); do not
		// re-enqueue.
		return invalidID
	case Unbuildable:
		// Collected once per round: a later pass of the same round
		// passes over it, so the round can end.
		for _, queued := range g.leaves {
			if queued == id {
				return invalidID
			}
		}
		return id
	}

	if !buildAll && g.IsTargetUpToDate(node.Target) {
		node.State = UpToDate
		g.logBuildInfo(node.Target, true)
		g.pendingRemoval.PushBack(id)
		return invalidID
	}

	node.State = Executing
	g.logBuildInfo(node.Target, false)
	return id
}

func (g *Graph) logBuildInfo(t *makefile.Target, upToDate bool) {
	if g.log != nil {
		g.log(t, upToDate)
	}
}

func (g *Graph) drainPendingRemoval() {
	for !g.pendingRemoval.Empty() {
		id := g.pendingRemoval.PopFront().(NodeID)
		node := g.node(id)
		if node == nil || node.State != UpToDate {
			continue
		}
		g.removeLeafByID(id)
	}
}

// RemoveLeaf disconnects target's Node from its parent and child
// edges (children must already be empty) and destroys it. If it was
// root, the graph becomes empty.
func (g *Graph) RemoveLeaf(t *makefile.Target) error {
	node := g.nodeFor(t)
	if node == nil {
		return fmt.Errorf("graph: remove leaf: %q not in graph", t.Name)
	}
	if len(node.Children) != 0 {
		return fmt.Errorf("graph: remove leaf: %q still has children", t.Name)
	}
	id := g.byName[t.Name]
	g.removeLeafByID(id)
	return nil
}

func (g *Graph) removeLeafByID(id NodeID) {
	node := g.nodes[id]
	for _, parentID := range node.Parents {
		parent := g.nodes[parentID]
		parent.Children = removeID(parent.Children, id)
	}
	delete(g.byName, node.Target.Name)
	node.Children = nil
	node.Parents = nil
	if id == g.root {
		g.root = invalidID
	}
}

func removeID(ids []NodeID, target NodeID) []NodeID {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// MarkParentsRecursivelyUnbuildable walks t's parents transitively,
// setting their state to Unbuildable, so the scheduler can skip them
// in keep-going mode instead of reporting them as successfully built.
func (g *Graph) MarkParentsRecursivelyUnbuildable(t *makefile.Target) {
	node := g.nodeFor(t)
	if node == nil {
		return
	}
	g.markUnbuildable(node.Parents, make(map[NodeID]bool))
}

func (g *Graph) markUnbuildable(ids []NodeID, seen map[NodeID]bool) {
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		node := g.nodes[id]
		node.State = Unbuildable
		g.markUnbuildable(node.Parents, seen)
	}
}

// IsUnbuildable reports whether t's Node state is Unbuildable.
func (g *Graph) IsUnbuildable(t *makefile.Target) bool {
	node := g.nodeFor(t)
	return node != nil && node.State == Unbuildable
}

// Clear drops every node and empties the graph.
func (g *Graph) Clear() {
	g.nodes = nil
	g.byName = make(map[string]NodeID)
	g.pendingRemoval = deque.NewDeque()
	g.leaves = nil
	g.root = invalidID
}

// Empty reports whether the graph currently has no root.
func (g *Graph) Empty() bool { return g.root == invalidID }

// Walk visits every node currently in the graph, parent before
// children, first-child order, for dump purposes. visit's second
// argument is the depth from the root.
func (g *Graph) Walk(visit func(t *makefile.Target, depth int)) {
	if g.root == invalidID {
		return
	}
	g.walk(g.root, 0, make(map[NodeID]bool), visit)
}

func (g *Graph) walk(id NodeID, depth int, seen map[NodeID]bool, visit func(*makefile.Target, int)) {
	if seen[id] {
		return
	}
	seen[id] = true
	node := g.nodes[id]
	visit(node.Target, depth)
	for _, child := range node.Children {
		g.walk(child, depth+1, seen, visit)
	}
}

// Edges yields every distinct (parent, child) target-name pair
// currently in the graph, for the DOT dump format.
func (g *Graph) Edges(yield func(parent, child string)) {
	for _, node := range g.nodes {
		if node == nil {
			continue
		}
		for _, childID := range node.Children {
			child := g.nodes[childID]
			yield(node.Target.Name, child.Target.Name)
		}
	}
}
