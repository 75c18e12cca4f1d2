package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/flowchat/internal/expressions"
	"github.com/rendis/flowchat/internal/logging"
	"github.com/rendis/flowchat/pkg/schema"
)

// nextNodeKey resolves the node that follows v. An empty key means the run
// is complete: v is an end node or has no outgoing transition.
func (e *Engine) nextNodeKey(ctx context.Context, ec *ExecutionContext, v nodeVariant, res *NodeResult) (string, error) {
	node := v.spec()
	if node.Type == schema.NodeEnd {
		return "", nil
	}
	outs := ec.Graph.Outputs(node.Key)

	switch n := v.(type) {
	case *basicBranchNode:
		if len(outs) == 0 {
			return "", schema.NewError(schema.ErrCodeDefinition, "branch node has no outgoing transitions").WithNode(node.Key)
		}
		t := selectBasicBranch(outs, ec.Vars.Snapshot(), func(i int, err error) {
			logging.LogWith(ctx, e.logger).Warn("branch condition failed, treated as false",
				slog.Int("transition", i),
				slog.String("condition", outs[i].Condition),
				slog.String("error", err.Error()))
		})
		return t.ToKey, nil

	case *llmBranchNode:
		t, ok := selectLLMBranch(outs, res.SelectedBranch, n.cfg.DefaultBranch)
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeDefinition,
				"no transition for selected branch %q", res.SelectedBranch).WithNode(node.Key)
		}
		return t.ToKey, nil
	}

	if len(outs) == 0 {
		return "", nil
	}
	return outs[0].ToKey, nil
}

// selectBasicBranch evaluates the conditions of every transition but the
// last, in declaration order, and returns the first whose value is nonzero.
// The last transition is the default by position whatever its condition
// says. A condition that fails to parse or evaluate does not match; onErr is
// told about it.
func selectBasicBranch(outs []schema.Transition, vars map[string]any, onErr func(i int, err error)) schema.Transition {
	last := len(outs) - 1
	for i := 0; i < last; i++ {
		v, err := expressions.Evaluate(outs[i].Condition, vars)
		if err != nil {
			if onErr != nil {
				onErr(i, err)
			}
			continue
		}
		if expressions.Truthy(v) {
			return outs[i]
		}
	}
	return outs[last]
}

// selectLLMBranch returns the transition whose condition equals selected,
// else the one labelled with the default branch, else the last transition.
func selectLLMBranch(outs []schema.Transition, selected, defaultBranch string) (schema.Transition, bool) {
	if len(outs) == 0 {
		return schema.Transition{}, false
	}
	for _, t := range outs {
		if t.Condition == selected {
			return t, true
		}
	}
	if defaultBranch != "" {
		for _, t := range outs {
			if t.Condition == defaultBranch {
				return t, true
			}
		}
	}
	return outs[len(outs)-1], true
}
