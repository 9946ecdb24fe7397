package schema

// SerializedWorkflow is the graph the editor hands to the engine.
// Blocks are listed in declaration order; that order breaks scheduling ties.
type SerializedWorkflow struct {
	Version   string                    `json:"version,omitempty" yaml:"version,omitempty"`
	Blocks    []SerializedBlock         `json:"blocks" yaml:"blocks"`
	Edges     []Edge                    `json:"connections" yaml:"connections"`
	Loops     map[string]LoopConfig     `json:"loops,omitempty" yaml:"loops,omitempty"`
	Parallels map[string]ParallelConfig `json:"parallels,omitempty" yaml:"parallels,omitempty"`
}

// SerializedBlock is a single node of the workflow graph.
type SerializedBlock struct {
	ID       string         `json:"id" yaml:"id"`
	Type     string         `json:"type" yaml:"type"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Enabled  *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ParentID string         `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	Position *Position      `json:"position,omitempty" yaml:"position,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// IsEnabled reports whether the block should run. Blocks are enabled unless explicitly disabled.
func (b *SerializedBlock) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// Position is editor layout data. The engine carries it through untouched.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Edge is a directed connection between two blocks.
// SourceHandle discriminates conditional branches and container start/end ports.
type Edge struct {
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty" yaml:"targetHandle,omitempty"`
}

// Container port handles.
const (
	HandleLoopStart     = "loop-start-source"
	HandleLoopEnd       = "loop-end-source"
	HandleParallelStart = "parallel-start-source"
	HandleParallelEnd   = "parallel-end-source"
)

// IsContainerStartHandle reports whether h is the start port of a loop or parallel container.
func IsContainerStartHandle(h string) bool {
	return h == HandleLoopStart || h == HandleParallelStart
}

// IsContainerHandle reports whether h is any loop or parallel container port.
func IsContainerHandle(h string) bool {
	return IsContainerStartHandle(h) || h == HandleLoopEnd || h == HandleParallelEnd
}

// LoopType enumerates iteration kinds.
type LoopType string

const (
	LoopTypeFor     LoopType = "for"
	LoopTypeForEach LoopType = "forEach"
)

// Aggregation controls what a loop exposes as its output.
type Aggregation string

const (
	AggregateCollect Aggregation = "collect" // list of every iteration's final output
	AggregateLast    Aggregation = "last"    // only the final iteration's output
)

// LoopConfig describes a loop container.
type LoopConfig struct {
	ID           string      `json:"id" yaml:"id"`
	Nodes        []string    `json:"nodes" yaml:"nodes"`
	LoopType     LoopType    `json:"loopType,omitempty" yaml:"loopType,omitempty"`
	Iterations   int         `json:"iterations,omitempty" yaml:"iterations,omitempty"`
	ForEachItems any         `json:"forEachItems,omitempty" yaml:"forEachItems,omitempty"`
	Aggregation  Aggregation `json:"aggregation,omitempty" yaml:"aggregation,omitempty"`
}

// ParallelType enumerates fan-out kinds.
type ParallelType string

const (
	ParallelTypeCount      ParallelType = "count"
	ParallelTypeCollection ParallelType = "collection"
)

// ParallelConfig describes a parallel container.
type ParallelConfig struct {
	ID           string       `json:"id" yaml:"id"`
	Nodes        []string     `json:"nodes" yaml:"nodes"`
	ParallelType ParallelType `json:"parallelType,omitempty" yaml:"parallelType,omitempty"`
	Count        int          `json:"count,omitempty" yaml:"count,omitempty"`
	Distribution any          `json:"distribution,omitempty" yaml:"distribution,omitempty"`
}
