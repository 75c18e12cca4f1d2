package store

import (
	"time"

	"github.com/rendis/flowchat/pkg/schema"
)

// InstanceUpdate holds optional fields for a partial instance update.
// Nil fields are left unchanged.
type InstanceUpdate struct {
	Status           *schema.RunStatus
	CurrentNodeKey   *string
	VariableSnapshot map[string]any
	OutputParams     map[string]any
	StartedAt        *time.Time
	FinishedAt       *time.Time
}

// DefinitionFilter controls ListDefinitions.
type DefinitionFilter struct {
	Name           string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// InstanceFilter controls ListInstances.
type InstanceFilter struct {
	Status       *schema.RunStatus
	DefinitionID int64
	Since        *time.Time
	Limit        int
	Offset       int
}
