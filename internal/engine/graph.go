package engine

import (
	"github.com/rendis/flowchat/internal/validation"
	"github.com/rendis/flowchat/pkg/schema"
)

// Graph is the compiled, immutable form of a Definition. Built once per
// definition and shared by every run of it.
type Graph struct {
	Definition *schema.Definition
	StartKey   string

	nodes   map[string]nodeVariant
	outputs map[string][]schema.Transition
}

// CompileGraph compiles a definition into an executable graph. It fails on
// defects that make the graph unusable as a whole: no nodes, empty or
// duplicate keys, a missing or ambiguous start node, dangling transitions.
// A node whose config does not compile, or whose type has no runtime
// behavior, becomes a variant that fails when the run reaches it.
func CompileGraph(def *schema.Definition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeDefinition, "definition has no nodes")
	}

	g := &Graph{
		Definition: def,
		nodes:      make(map[string]nodeVariant, len(def.Nodes)),
		outputs:    def.Outputs(),
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.Key == "" {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "node at index %d has empty key", i)
		}
		if _, exists := g.nodes[node.Key]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "duplicate node key: %s", node.Key)
		}
		g.nodes[node.Key] = compileNode(node)
	}

	start, err := def.StartNode()
	if err != nil {
		return nil, err
	}
	g.StartKey = start.Key

	for _, t := range def.Transitions {
		if _, ok := g.nodes[t.FromKey]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "transition from unknown node: %s", t.FromKey)
		}
		if _, ok := g.nodes[t.ToKey]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "transition %s -> %s targets unknown node", t.FromKey, t.ToKey)
		}
	}

	return g, nil
}

// node returns the compiled variant for key.
func (g *Graph) node(key string) (nodeVariant, bool) {
	v, ok := g.nodes[key]
	return v, ok
}

// Outputs returns the outgoing transitions of key in declaration order.
func (g *Graph) Outputs(key string) []schema.Transition {
	return g.outputs[key]
}

// compileNode maps a node onto its variant.
func compileNode(node *schema.Node) nodeVariant {
	base := nodeBase{node: node}
	if !node.Type.Implemented() {
		return &brokenNode{nodeBase: base, err: schema.NewErrorf(schema.ErrCodeNodeConfig,
			"node type %q has no runtime behavior", node.Type).WithNode(node.Key)}
	}

	cfg, err := validation.CompileConfig(node)
	if err != nil {
		return &brokenNode{nodeBase: base, err: err}
	}

	switch node.Type {
	case schema.NodeStart:
		return &startNode{base}
	case schema.NodeEnd:
		return &endNode{base}
	case schema.NodeBasicBranch:
		return &basicBranchNode{base}
	case schema.NodeLLMCall:
		return &llmCallNode{nodeBase: base, cfg: cfg.(*schema.LLMCallConfig)}
	case schema.NodeLLMAssign:
		return &llmAssignNode{nodeBase: base, cfg: cfg.(*schema.LLMAssignConfig)}
	case schema.NodeLLMBranch:
		return &llmBranchNode{nodeBase: base, cfg: cfg.(*schema.LLMBranchConfig)}
	case schema.NodeAssign:
		return &assignNode{nodeBase: base, cfg: cfg.(*schema.AssignConfig)}
	case schema.NodeUserInput:
		return &userInputNode{nodeBase: base, cfg: cfg.(*schema.UserInputConfig)}
	case schema.NodeInfoOutput:
		return &infoOutputNode{nodeBase: base, cfg: cfg.(*schema.InfoOutputConfig)}
	}
	return &brokenNode{nodeBase: base, err: schema.NewErrorf(schema.ErrCodeNodeConfig,
		"node type %q has no handler", node.Type).WithNode(node.Key)}
}
