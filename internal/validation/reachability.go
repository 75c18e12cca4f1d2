package validation

import (
	"fmt"

	"github.com/rendis/flowchat/pkg/schema"
)

// validateReachability warns about nodes that no path from the start node
// reaches. Cycles are legal; the run loop bounds them at execution time.
func validateReachability(def *schema.Definition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	start, err := def.StartNode()
	if err != nil {
		return result // already reported by the semantic stage
	}

	outputs := def.Outputs()
	reachable := map[string]bool{start.Key: true}
	queue := []string{start.Key}
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		for _, t := range outputs[key] {
			if !reachable[t.ToKey] {
				reachable[t.ToKey] = true
				queue = append(queue, t.ToKey)
			}
		}
	}

	for i, n := range def.Nodes {
		if !reachable[n.Key] {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeDefinition,
				fmt.Sprintf("node %q is unreachable from the start node", n.Key))
		}
	}
	return result
}
