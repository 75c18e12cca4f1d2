package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Definition is the JSON-serializable agent workflow format. It is immutable
// once loaded; Raw keeps the document it was parsed from.
type Definition struct {
	ID          int64                 `json:"id,omitempty"`
	Name        string                `json:"name,omitempty"`
	Description string                `json:"description,omitempty"`
	Version     string                `json:"version,omitempty"`
	Variables   []VariableDeclaration `json:"globalVariables,omitempty"`
	Nodes       []Node                `json:"nodes"`
	Transitions []Transition          `json:"transitions"`
	CreatedAt   time.Time             `json:"createdAt,omitempty"`
	UpdatedAt   time.Time             `json:"updatedAt,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Node is a typed step in the workflow graph. Config is opaque JSON whose
// shape depends on Type.
type Node struct {
	Key    string          `json:"nodeKey"`
	Name   string          `json:"name,omitempty"`
	Type   NodeType        `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON accepts "key" as an alias of "nodeKey" and a config that is
// either an object or a JSON-encoded string.
func (n *Node) UnmarshalJSON(data []byte) error {
	var aux struct {
		NodeKey string          `json:"nodeKey"`
		Key     string          `json:"key"`
		Name    string          `json:"name"`
		Type    NodeType        `json:"type"`
		Config  json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	n.Key = firstNonEmpty(aux.NodeKey, aux.Key)
	n.Name = aux.Name
	n.Type = aux.Type

	cfg := bytes.TrimSpace(aux.Config)
	if len(cfg) > 0 && cfg[0] == '"' {
		var s string
		if err := json.Unmarshal(cfg, &s); err != nil {
			return fmt.Errorf("node %q config: %w", n.Key, err)
		}
		cfg = bytes.TrimSpace([]byte(s))
	}
	if len(cfg) == 0 || bytes.Equal(cfg, []byte("null")) {
		cfg = nil
	}
	n.Config = json.RawMessage(cfg)
	return nil
}

// DisplayName returns the node's name, falling back to its key.
func (n *Node) DisplayName() string {
	return firstNonEmpty(n.Name, n.Key)
}

// Transition is a directed edge between two nodes. Condition is interpreted
// by the source node's type: an expression for basic_branch, a branch label
// for llm_branch, ignored otherwise.
type Transition struct {
	FromKey   string `json:"fromNodeKey"`
	ToKey     string `json:"toNodeKey"`
	Condition string `json:"conditionExpression,omitempty"`
}

// UnmarshalJSON accepts the fromNode/toNode/condition aliases.
func (t *Transition) UnmarshalJSON(data []byte) error {
	var aux struct {
		FromNodeKey         string `json:"fromNodeKey"`
		FromNode            string `json:"fromNode"`
		ToNodeKey           string `json:"toNodeKey"`
		ToNode              string `json:"toNode"`
		ConditionExpression string `json:"conditionExpression"`
		Condition           string `json:"condition"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.FromKey = firstNonEmpty(aux.FromNodeKey, aux.FromNode)
	t.ToKey = firstNonEmpty(aux.ToNodeKey, aux.ToNode)
	t.Condition = firstNonEmpty(aux.ConditionExpression, aux.Condition)
	return nil
}

// VariableDeclaration declares a run variable and its initial value text.
type VariableDeclaration struct {
	Name         string       `json:"name"`
	Type         VariableType `json:"type"`
	InitialValue string       `json:"initialValue,omitempty"`
}

// VariableType enumerates the declarable variable types.
type VariableType string

const (
	VarString  VariableType = "string"
	VarInteger VariableType = "integer"
	VarDouble  VariableType = "double"
)

// Valid reports whether t is one of the declarable types.
func (t VariableType) Valid() bool {
	switch t {
	case VarString, VarInteger, VarDouble:
		return true
	}
	return false
}

// NodeType enumerates the kinds of nodes in a workflow.
type NodeType string

const (
	NodeStart       NodeType = "start"
	NodeEnd         NodeType = "end"
	NodeLLMCall     NodeType = "llm_call"
	NodeLLMAssign   NodeType = "llm_assign"
	NodeLLMBranch   NodeType = "llm_branch"
	NodeBasicBranch NodeType = "basic_branch"
	NodeAssign      NodeType = "assign"
	NodeUserInput   NodeType = "user_input"
	NodeInfoOutput  NodeType = "info_output"

	// Placeholders with no runtime behavior. Rejected by validation.
	NodeParallel     NodeType = "parallel"
	NodeWorkflowCall NodeType = "workflow_call"
	NodeHTTPCall     NodeType = "http_call"
)

// Known reports whether t names any node type, implemented or not.
func (t NodeType) Known() bool {
	return t.Implemented() || t == NodeParallel || t == NodeWorkflowCall || t == NodeHTTPCall
}

// Implemented reports whether the engine can execute nodes of type t.
func (t NodeType) Implemented() bool {
	switch t {
	case NodeStart, NodeEnd, NodeLLMCall, NodeLLMAssign, NodeLLMBranch,
		NodeBasicBranch, NodeAssign, NodeUserInput, NodeInfoOutput:
		return true
	}
	return false
}

// IsBranch reports whether outgoing transitions of t are chosen dynamically.
func (t NodeType) IsBranch() bool {
	return t == NodeBasicBranch || t == NodeLLMBranch
}

// ParseDefinition decodes a raw definition document. Structural problems are
// reported as DEFINITION_ERROR; semantic checks live in internal/validation.
func ParseDefinition(raw []byte) (*Definition, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, NewError(ErrCodeDefinition, "definition document is empty")
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, NewErrorf(ErrCodeDefinition, "malformed definition JSON: %v", err).WithCause(err)
	}
	def.Raw = append(json.RawMessage(nil), raw...)
	return &def, nil
}

// Node returns the node with the given key.
func (d *Definition) Node(key string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].Key == key {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// StartNode returns the unique start node.
func (d *Definition) StartNode() (*Node, error) {
	var start *Node
	for i := range d.Nodes {
		if d.Nodes[i].Type != NodeStart {
			continue
		}
		if start != nil {
			return nil, NewErrorf(ErrCodeDefinition, "multiple start nodes: %q and %q", start.Key, d.Nodes[i].Key)
		}
		start = &d.Nodes[i]
	}
	if start == nil {
		return nil, NewError(ErrCodeDefinition, "no start node")
	}
	return start, nil
}

// Outputs groups transitions by source node key, preserving declaration order.
func (d *Definition) Outputs() map[string][]Transition {
	out := make(map[string][]Transition, len(d.Nodes))
	for _, t := range d.Transitions {
		out[t.FromKey] = append(out[t.FromKey], t)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
