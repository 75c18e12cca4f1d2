package schema

import "time"

// RunInstance is one execution of a Definition. It is owned by the engine;
// VariableSnapshot is rewritten after every node completes.
type RunInstance struct {
	ID               int64          `json:"id"`
	DefinitionID     int64          `json:"workflowId"`
	Name             string         `json:"name,omitempty"`
	Status           RunStatus      `json:"status"`
	CurrentNodeKey   string         `json:"currentNodeKey,omitempty"`
	VariableSnapshot map[string]any `json:"globalVariables,omitempty"`
	InputParams      map[string]any `json:"inputParams,omitempty"`
	OutputParams     map[string]any `json:"outputParams,omitempty"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	FinishedAt       *time.Time     `json:"finishedAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// ExecutionLogEntry is the append-only audit record of one node execution
// attempt.
type ExecutionLogEntry struct {
	ID           int64          `json:"id,omitempty"`
	InstanceID   int64          `json:"instanceId"`
	NodeKey      string         `json:"nodeKey"`
	NodeType     NodeType       `json:"nodeType"`
	Status       LogStatus      `json:"status"`
	DurationMs   int64          `json:"executionTime"`
	InputData    map[string]any `json:"inputData,omitempty"`
	OutputData   map[string]any `json:"outputData,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// PendingWait is the persisted continuation of a run suspended on a
// user_input node.
type PendingWait struct {
	InstanceID int64     `json:"instanceId"`
	NodeKey    string    `json:"nodeKey"`
	Ticket     string    `json:"ticket"`
	Deadline   time.Time `json:"deadline"`
	CreatedAt  time.Time `json:"createdAt"`
}
