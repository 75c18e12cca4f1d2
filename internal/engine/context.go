package engine

import (
	"github.com/rendis/flowchat/internal/history"
	"github.com/rendis/flowchat/internal/variables"
	"github.com/rendis/flowchat/pkg/schema"
)

// ExecutionContext is the mutable working set of exactly one run. It is
// created when the run is dispatched, threaded through every node handler,
// parked in the input registry while the run waits, and dropped when the
// run terminates. Never shared between runs.
type ExecutionContext struct {
	InstanceID int64
	Graph      *Graph
	Vars       *variables.Store
	History    *history.Assembler
	Status     schema.RunStatus
	Steps      int
}

func newExecutionContext(inst *schema.RunInstance, g *Graph) *ExecutionContext {
	return &ExecutionContext{
		InstanceID: inst.ID,
		Graph:      g,
		Vars:       variables.New(),
		History:    history.New(),
		Status:     inst.Status,
	}
}

// restoreExecutionContext rebuilds the context of a waiting run from its
// persisted snapshot. Declared variables are coerced back to their declared
// type; conversation history is not persisted and restarts empty.
func restoreExecutionContext(inst *schema.RunInstance, g *Graph, steps int) *ExecutionContext {
	vars := variables.FromSnapshot(inst.VariableSnapshot)
	for _, decl := range g.Definition.Variables {
		raw, ok := vars.Get(decl.Name)
		if !ok {
			continue
		}
		if v, err := variables.Convert(decl.Type, raw); err == nil {
			vars.Set(decl.Name, v)
		}
	}
	return &ExecutionContext{
		InstanceID: inst.ID,
		Graph:      g,
		Vars:       vars,
		History:    history.New(),
		Status:     inst.Status,
		Steps:      steps,
	}
}
