package diagram

import (
	"fmt"

	"github.com/rendis/flowchat/pkg/schema"
)

// Run is the runtime state overlaid on a definition diagram.
type Run struct {
	Instance *schema.RunInstance
	Logs     []*schema.ExecutionLogEntry
}

// Build constructs a DiagramModel from a Definition and an optional run.
// Nodes keep definition order; Levels are breadth-first distances from the
// start node, with unreachable nodes collected in a trailing level.
func Build(def *schema.Definition, run *Run) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: nil definition")
	}
	if len(def.Nodes) == 0 {
		return nil, fmt.Errorf("diagram: definition has no nodes")
	}

	nodes := make([]*Node, 0, len(def.Nodes))
	index := make(map[string]*Node, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		node := &Node{ID: n.Key, Label: nodeLabel(n), Kind: kindOf(n.Type)}
		nodes = append(nodes, node)
		index[n.Key] = node
	}

	edges := make([]Edge, 0, len(def.Transitions))
	for _, t := range def.Transitions {
		if index[t.FromKey] == nil || index[t.ToKey] == nil {
			continue
		}
		edges = append(edges, Edge{From: t.FromKey, To: t.ToKey, Label: edgeLabel(def, t)})
	}

	if run != nil {
		overlayRun(index, run)
	}

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  edges,
		Levels: buildLevels(def, nodes, edges),
	}, nil
}

// VisitedSet returns the keys of every node that appears in logs.
func VisitedSet(logs []*schema.ExecutionLogEntry) map[string]bool {
	visited := make(map[string]bool, len(logs))
	for _, l := range logs {
		visited[l.NodeKey] = true
	}
	return visited
}

// kindOf maps a node type to its diagram shape.
func kindOf(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeStart:
		return NodeKindStart
	case schema.NodeEnd:
		return NodeKindEnd
	case schema.NodeLLMCall, schema.NodeLLMAssign:
		return NodeKindModel
	case schema.NodeBasicBranch, schema.NodeLLMBranch:
		return NodeKindBranch
	case schema.NodeAssign:
		return NodeKindAssign
	case schema.NodeUserInput:
		return NodeKindInput
	case schema.NodeInfoOutput:
		return NodeKindOutput
	default:
		return NodeKindUnknown
	}
}

// nodeLabel creates a human-readable label for a node.
func nodeLabel(n *schema.Node) string {
	name := n.DisplayName()
	switch n.Type {
	case schema.NodeStart, schema.NodeEnd:
		return name
	}
	return fmt.Sprintf("%s\n(%s)", name, n.Type)
}

// edgeLabel returns the text drawn on a transition. Only branch sources
// interpret conditions, so other edges stay unlabelled.
func edgeLabel(def *schema.Definition, t schema.Transition) string {
	from, ok := def.Node(t.FromKey)
	if !ok || !from.Type.IsBranch() {
		return ""
	}
	return t.Condition
}

// overlayRun applies execution logs and the instance's parked node.
func overlayRun(index map[string]*Node, run *Run) {
	for _, l := range run.Logs {
		node := index[l.NodeKey]
		if node == nil {
			continue
		}
		if node.Status == nil {
			node.Status = &StatusOverlay{Status: StatusVisited}
		}
		node.Status.Visits++
		node.Status.DurationMs += l.DurationMs
		if l.Status == schema.LogFailed {
			node.Status.Status = StatusFailed
			node.Status.Error = l.ErrorMessage
		}
	}

	inst := run.Instance
	if inst == nil || inst.Status != schema.RunWaiting || inst.CurrentNodeKey == "" {
		return
	}
	if node := index[inst.CurrentNodeKey]; node != nil {
		if node.Status == nil {
			node.Status = &StatusOverlay{}
		}
		node.Status.Status = StatusWaiting
	}
}

// buildLevels groups node IDs by breadth-first distance from the start node.
func buildLevels(def *schema.Definition, nodes []*Node, edges []Edge) [][]string {
	adj := make(map[string][]string, len(nodes))
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	var levels [][]string
	seen := make(map[string]bool, len(nodes))
	if start, err := def.StartNode(); err == nil {
		frontier := []string{start.Key}
		seen[start.Key] = true
		for len(frontier) > 0 {
			levels = append(levels, frontier)
			var next []string
			for _, id := range frontier {
				for _, to := range adj[id] {
					if !seen[to] {
						seen[to] = true
						next = append(next, to)
					}
				}
			}
			frontier = next
		}
	}

	var rest []string
	for _, n := range nodes {
		if !seen[n.ID] {
			rest = append(rest, n.ID)
		}
	}
	if len(rest) > 0 {
		levels = append(levels, rest)
	}
	return levels
}

// titleFromDef generates a diagram title from workflow metadata.
func titleFromDef(def *schema.Definition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != 0 {
		return fmt.Sprintf("Workflow %d", def.ID)
	}
	return "Workflow"
}
