package engine

import (
	"sort"

	"github.com/rendis/blockflow/internal/handlers"
	"github.com/rendis/blockflow/pkg/schema"
)

// UnitKind discriminates execution units.
type UnitKind string

const (
	UnitBlock    UnitKind = "block"
	UnitLoop     UnitKind = "loop"
	UnitParallel UnitKind = "parallel"
)

// Unit is the scheduling grain: one block, or a container with the ordered
// units of its members.
type Unit struct {
	Kind UnitKind
	ID   string

	// Block is the unit's block. Container units carry their container block
	// when the workflow declares one.
	Block *schema.SerializedBlock

	Children []Unit
}

// IDs flattens the unit tree into ids in execution order.
func (u Unit) IDs() []string {
	ids := []string{u.ID}
	for _, c := range u.Children {
		ids = append(ids, c.IDs()...)
	}
	return ids
}

// dependency is an edge lifted into the scope of its target unit.
type dependency struct {
	from string
	// handle is the edge's sourceHandle when the edge leaves the unit's own
	// block; edges lifted from inside a container carry no handle.
	handle string
}

// Plan is a computed execution order.
type Plan struct {
	Units []Unit

	incoming map[string][]dependency
}

// Incoming returns the in-scope predecessors of unit id.
func (p *Plan) Incoming(id string) []dependency {
	return p.incoming[id]
}

// Order flattens the plan into ids in execution order.
func (p *Plan) Order() []string {
	var ids []string
	for _, u := range p.Units {
		ids = append(ids, u.IDs()...)
	}
	return ids
}

// PathCalculator turns a workflow graph into an ordered list of execution units.
type PathCalculator struct{}

// NewPathCalculator creates a PathCalculator.
func NewPathCalculator() *PathCalculator {
	return &PathCalculator{}
}

type graph struct {
	wf       *schema.SerializedWorkflow
	blocks   map[string]*schema.SerializedBlock
	order    map[string]int
	parent   map[string]string
	kinds    map[string]UnitKind
	members  map[string][]string
	incoming map[string][]dependency
	outgoing map[string][]string
}

// Calculate orders wf. Within every scope (the root and each container) a unit
// appears after all units it has edges from; ties go to declaration order.
// Edges into a container's members are lifted to the container itself, and
// edges between a container and its own members (the start port) are not
// ordering constraints.
func (p *PathCalculator) Calculate(wf *schema.SerializedWorkflow) (*Plan, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	g, err := buildGraph(wf)
	if err != nil {
		return nil, err
	}

	units, err := g.orderScope("")
	if err != nil {
		return nil, err
	}
	return &Plan{Units: units, incoming: g.incoming}, nil
}

func buildGraph(wf *schema.SerializedWorkflow) (*graph, error) {
	g := &graph{
		wf:       wf,
		blocks:   make(map[string]*schema.SerializedBlock, len(wf.Blocks)),
		order:    make(map[string]int, len(wf.Blocks)),
		parent:   make(map[string]string),
		kinds:    make(map[string]UnitKind, len(wf.Blocks)),
		members:  make(map[string][]string),
		incoming: make(map[string][]dependency),
		outgoing: make(map[string][]string),
	}

	for i := range wf.Blocks {
		b := &wf.Blocks[i]
		if b.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "block at index %d has empty id", i)
		}
		if _, exists := g.blocks[b.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate block id: %s", b.ID)
		}
		g.blocks[b.ID] = b
		g.order[b.ID] = i
		g.kinds[b.ID] = UnitBlock
	}

	if err := g.addContainers(); err != nil {
		return nil, err
	}

	for _, e := range wf.Edges {
		if err := g.addEdge(e); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *graph) addContainers() error {
	assign := func(containerID string, kind UnitKind, nodes []string) error {
		if existing, ok := g.kinds[containerID]; ok && existing != UnitBlock {
			return schema.NewErrorf(schema.ErrCodeValidation, "container %s declared twice", containerID)
		}
		g.kinds[containerID] = kind
		if _, ok := g.order[containerID]; !ok {
			// Containers without a block sort at their first member; see settleOrder.
			g.order[containerID] = len(g.wf.Blocks)
		}
		for _, id := range nodes {
			if _, ok := g.blocks[id]; !ok {
				if _, isContainer := g.wf.Loops[id]; !isContainer {
					if _, isContainer = g.wf.Parallels[id]; !isContainer {
						return schema.NewErrorf(schema.ErrCodeValidation, "container %s references unknown block %s", containerID, id)
					}
				}
			}
			if prev, ok := g.parent[id]; ok && prev != containerID {
				return schema.NewErrorf(schema.ErrCodeValidation, "block %s belongs to containers %s and %s", id, prev, containerID)
			}
			g.parent[id] = containerID
		}
		return nil
	}

	for _, id := range sortedKeys(g.wf.Loops) {
		if err := assign(id, UnitLoop, g.wf.Loops[id].Nodes); err != nil {
			return err
		}
	}
	for _, id := range sortedKeys(g.wf.Parallels) {
		if err := assign(id, UnitParallel, g.wf.Parallels[id].Nodes); err != nil {
			return err
		}
	}

	// parentId fills in members a container's node list omits.
	for _, b := range g.wf.Blocks {
		if b.ParentID == "" {
			continue
		}
		if _, listed := g.parent[b.ID]; listed {
			continue
		}
		if k, ok := g.kinds[b.ParentID]; !ok || k == UnitBlock {
			return schema.NewErrorf(schema.ErrCodeValidation, "block %s has unknown parent container %s", b.ID, b.ParentID)
		}
		g.parent[b.ID] = b.ParentID
	}

	for id := range g.kinds {
		for seen, cur := map[string]bool{}, id; cur != ""; cur = g.parent[cur] {
			if seen[cur] {
				return schema.NewErrorf(schema.ErrCodeCycleDetected, "container nesting cycle at %s", cur)
			}
			seen[cur] = true
		}
	}

	for id := range g.kinds {
		p := g.parent[id]
		g.members[p] = append(g.members[p], id)
	}
	settled := make(map[string]bool, len(g.kinds))
	for id := range g.kinds {
		g.settleOrder(id, settled)
	}
	return nil
}

// settleOrder gives a container without a block the smallest sort key among
// its members, settling nested containers first. Blocks keep their
// declaration index.
func (g *graph) settleOrder(id string, settled map[string]bool) int {
	if _, isBlock := g.blocks[id]; isBlock || settled[id] {
		return g.order[id]
	}
	settled[id] = true
	for _, m := range g.members[id] {
		if k := g.settleOrder(m, settled); k < g.order[id] {
			g.order[id] = k
		}
	}
	return g.order[id]
}

// chain returns id followed by its enclosing containers, innermost first.
func (g *graph) chain(id string) []string {
	out := []string{id}
	for p := g.parent[id]; p != ""; p = g.parent[p] {
		out = append(out, p)
	}
	return out
}

func (g *graph) addEdge(e schema.Edge) error {
	if _, ok := g.kinds[e.Source]; !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "edge references unknown source %s", e.Source)
	}
	if _, ok := g.kinds[e.Target]; !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "edge references unknown target %s", e.Target)
	}
	if schema.IsContainerStartHandle(e.SourceHandle) {
		return nil
	}
	if e.Source == e.Target {
		return schema.NewErrorf(schema.ErrCodeCycleDetected, "block %s has an edge to itself", e.Source).
			WithBlock(e.Source)
	}

	// Lift both endpoints to the innermost scope that holds them both.
	src, dst := g.chain(e.Source), g.chain(e.Target)
	for _, s := range src {
		scope := g.parent[s]
		for _, t := range dst {
			if g.parent[t] != scope {
				continue
			}
			if s == t {
				// One endpoint contains the other: a container port edge.
				return nil
			}
			dep := dependency{from: s}
			if s == e.Source {
				dep.handle = e.SourceHandle
			}
			g.incoming[t] = append(g.incoming[t], dep)
			g.outgoing[s] = append(g.outgoing[s], t)
			return nil
		}
	}
	return nil
}

// orderScope runs Kahn's algorithm over the units of one scope, picking the
// earliest-declared ready unit each step.
func (g *graph) orderScope(scope string) ([]Unit, error) {
	ids := g.members[scope]
	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		inDegree[id] = len(g.incoming[id])
	}

	ready := make([]string, 0, len(ids))
	for _, id := range ids {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	units := make([]Unit, 0, len(ids))
	for len(ready) > 0 {
		best := 0
		for i := 1; i < len(ready); i++ {
			if g.before(ready[i], ready[best]) {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)

		u, err := g.unit(id)
		if err != nil {
			return nil, err
		}
		units = append(units, u)

		for _, next := range g.outgoing[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(units) != len(ids) {
		var stuck []string
		for _, id := range ids {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle").
			WithDetails(map[string]any{"scope": scope, "blocks": stuck})
	}
	return units, nil
}

func (g *graph) before(a, b string) bool {
	if g.order[a] != g.order[b] {
		return g.order[a] < g.order[b]
	}
	return a < b
}

func (g *graph) unit(id string) (Unit, error) {
	u := Unit{Kind: g.kinds[id], ID: id, Block: g.blocks[id]}
	if u.Kind == UnitBlock {
		if u.Block != nil && (u.Block.Type == handlers.TypeLoop || u.Block.Type == handlers.TypeParallel) {
			return u, schema.NewErrorf(schema.ErrCodeValidation,
				"%s block %s has no container configuration", u.Block.Type, id).WithBlock(id)
		}
		return u, nil
	}
	children, err := g.orderScope(id)
	if err != nil {
		return u, err
	}
	u.Children = children
	return u, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
