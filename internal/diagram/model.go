package diagram

// NodeKind classifies a diagram node by the shape it is drawn with.
type NodeKind string

const (
	NodeKindStart   NodeKind = "start"
	NodeKindEnd     NodeKind = "end"
	NodeKindModel   NodeKind = "model"  // llm_call, llm_assign
	NodeKindBranch  NodeKind = "branch" // basic_branch, llm_branch
	NodeKindAssign  NodeKind = "assign"
	NodeKindInput   NodeKind = "input"
	NodeKindOutput  NodeKind = "output"
	NodeKindUnknown NodeKind = "unknown"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // visited, failed, waiting
	Visits     int
	DurationMs int64
	Error      string
}

// Edge is a transition between two nodes. Label carries the condition text.
type Edge struct {
	From  string
	To    string
	Label string
}

// Overlay statuses.
const (
	StatusVisited = "visited"
	StatusFailed  = "failed"
	StatusWaiting = "waiting"
)
