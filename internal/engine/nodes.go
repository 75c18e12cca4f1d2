package engine

import "github.com/rendis/flowchat/pkg/schema"

// nodeVariant is the closed set of executable node kinds. Only this package
// can add variants; dispatch switches over all of them.
type nodeVariant interface {
	spec() *schema.Node
	isVariant()
}

type nodeBase struct {
	node *schema.Node
}

func (b nodeBase) spec() *schema.Node { return b.node }
func (nodeBase) isVariant()           {}

type (
	startNode       struct{ nodeBase }
	endNode         struct{ nodeBase }
	basicBranchNode struct{ nodeBase }

	llmCallNode struct {
		nodeBase
		cfg *schema.LLMCallConfig
	}
	llmAssignNode struct {
		nodeBase
		cfg *schema.LLMAssignConfig
	}
	llmBranchNode struct {
		nodeBase
		cfg *schema.LLMBranchConfig
	}
	assignNode struct {
		nodeBase
		cfg *schema.AssignConfig
	}
	userInputNode struct {
		nodeBase
		cfg *schema.UserInputConfig
	}
	infoOutputNode struct {
		nodeBase
		cfg *schema.InfoOutputConfig
	}

	// brokenNode stands in for a node that cannot execute: a config that
	// failed to compile or a placeholder type. Reaching it fails the run.
	brokenNode struct {
		nodeBase
		err error
	}
)

// NodeResult is what one node execution hands back to the run loop.
type NodeResult struct {
	UpdatedVariables map[string]any
	SelectedBranch   string // llm_branch only
	Suspend          bool   // user_input only: the run waits for input
}

func (r *NodeResult) set(name string, value any) {
	if r.UpdatedVariables == nil {
		r.UpdatedVariables = make(map[string]any)
	}
	r.UpdatedVariables[name] = value
}
