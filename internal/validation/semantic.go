package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rendis/flowchat/internal/expressions"
	"github.com/rendis/flowchat/internal/variables"
	"github.com/rendis/flowchat/pkg/schema"
)

// validateSemantic checks what the structural schema cannot express: key
// uniqueness, the start node, node type support, transition references,
// per-type config and branch wiring.
func validateSemantic(def *schema.Definition, jq *expressions.JQ) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	validateVariables(def, result)

	keys := make(map[string]bool, len(def.Nodes))
	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if strings.TrimSpace(n.Key) == "" {
			result.AddError(path+".nodeKey", schema.ErrCodeDefinition, "node key is empty")
			continue
		}
		if keys[n.Key] {
			result.AddError(path+".nodeKey", schema.ErrCodeDefinition, fmt.Sprintf("duplicate node key %q", n.Key))
			continue
		}
		keys[n.Key] = true
	}

	if _, err := def.StartNode(); err != nil {
		result.AddError("nodes", schema.ErrCodeDefinition, errMessage(err))
	}

	for i, t := range def.Transitions {
		path := fmt.Sprintf("transitions[%d]", i)
		if !keys[t.FromKey] {
			result.AddError(path+".fromNodeKey", schema.ErrCodeDefinition,
				fmt.Sprintf("references non-existent node %q", t.FromKey))
		}
		if !keys[t.ToKey] {
			result.AddError(path+".toNodeKey", schema.ErrCodeDefinition,
				fmt.Sprintf("references non-existent node %q", t.ToKey))
		}
	}

	outputs := def.Outputs()
	for i := range def.Nodes {
		node := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)
		if !node.Type.Known() {
			result.AddError(path+".type", schema.ErrCodeDefinition, fmt.Sprintf("unknown node type %q", node.Type))
			continue
		}
		if !node.Type.Implemented() {
			result.AddError(path+".type", schema.ErrCodeDefinition,
				fmt.Sprintf("node type %q is not supported", node.Type))
			continue
		}
		validateNode(node, path, outputs[node.Key], jq, result)
	}

	return result
}

func validateVariables(def *schema.Definition, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(def.Variables))
	for i, v := range def.Variables {
		path := fmt.Sprintf("globalVariables[%d]", i)
		if strings.TrimSpace(v.Name) == "" {
			result.AddError(path+".name", schema.ErrCodeDefinition, "variable name is empty")
			continue
		}
		if seen[v.Name] {
			result.AddError(path+".name", schema.ErrCodeDefinition, fmt.Sprintf("duplicate variable %q", v.Name))
		}
		seen[v.Name] = true
		if _, err := variables.ParseValue(v.Type, v.InitialValue); err != nil {
			result.AddError(path+".initialValue", schema.ErrCodeDefinition, errMessage(err))
		}
	}
}

// validateNode checks one node's config and its outgoing transitions.
func validateNode(node *schema.Node, path string, outs []schema.Transition, jq *expressions.JQ, result *schema.ValidationResult) {
	cfg, err := CompileConfig(node)
	if err != nil {
		result.AddError(path+".config", schema.ErrCodeNodeConfig, errMessage(err))
		return
	}

	switch c := cfg.(type) {
	case *schema.LLMCallConfig:
		checkResponseFilter(c.ResponseFilter, path, jq, result)
	case *schema.LLMAssignConfig:
		checkResponseFilter(c.ResponseFilter, path, jq, result)
	case *schema.LLMBranchConfig:
		for j, t := range outs {
			if t.Condition != "" && !c.HasBranch(t.Condition) {
				result.AddWarning(fmt.Sprintf("%s.transitions[%d]", path, j), schema.ErrCodeDefinition,
					fmt.Sprintf("transition to %q is labelled %q which is not a configured branch", t.ToKey, t.Condition))
			}
		}
	case *schema.AssignConfig:
		for j, a := range c.Assignments {
			if a.Blank() {
				result.AddWarning(fmt.Sprintf("%s.config.assignments[%d]", path, j), schema.ErrCodeNodeConfig,
					"assignment with blank variable name or expression is skipped")
			}
		}
	}

	switch {
	case node.Type == schema.NodeEnd:
		if len(outs) > 0 {
			result.AddWarning(path, schema.ErrCodeDefinition,
				fmt.Sprintf("end node %q has outgoing transitions that are never taken", node.Key))
		}
	case node.Type.IsBranch():
		if len(outs) == 0 {
			result.AddError(path, schema.ErrCodeDefinition,
				fmt.Sprintf("branch node %q has no outgoing transitions", node.Key))
		}
		if node.Type == schema.NodeBasicBranch {
			checkBranchConditions(node, path, outs, result)
		}
	case len(outs) == 0:
		result.AddWarning(path, schema.ErrCodeDefinition,
			fmt.Sprintf("node %q has no outgoing transition; the run completes after it", node.Key))
	case len(outs) > 1:
		result.AddWarning(path, schema.ErrCodeDefinition,
			fmt.Sprintf("node %q has %d outgoing transitions; only the first is taken", node.Key, len(outs)))
	}
}

// checkBranchConditions parses every non-final basic_branch condition with
// all variables unset. A condition that cannot parse never matches at run
// time, so it is reported as a warning. The last transition is the default
// and its text is not evaluated.
func checkBranchConditions(node *schema.Node, path string, outs []schema.Transition, result *schema.ValidationResult) {
	for j := 0; j < len(outs)-1; j++ {
		cond := outs[j].Condition
		tpath := fmt.Sprintf("%s.transitions[%d]", path, j)
		if strings.TrimSpace(cond) == "" {
			result.AddWarning(tpath, schema.ErrCodeExpressionParse,
				fmt.Sprintf("condition to %q is empty and never matches", outs[j].ToKey))
			continue
		}
		if _, err := expressions.Compile(cond, nil); err != nil {
			result.AddWarning(tpath, schema.ErrCodeExpressionParse,
				fmt.Sprintf("condition to %q never matches: %v", outs[j].ToKey, err))
		}
	}
}

func checkResponseFilter(filter, path string, jq *expressions.JQ, result *schema.ValidationResult) {
	if strings.TrimSpace(filter) == "" || jq == nil {
		return
	}
	if err := jq.Check(filter); err != nil {
		result.AddError(path+".config.responseFilter", schema.ErrCodeNodeConfig,
			fmt.Sprintf("invalid jq filter: %v", err))
	}
}

func errMessage(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}
