package store

import (
	"context"
	"time"

	"github.com/rendis/flowchat/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions
	CreateDefinition(ctx context.Context, def *schema.Definition) error
	GetDefinition(ctx context.Context, id int64) (*schema.Definition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.Definition, error)
	DeleteDefinition(ctx context.Context, id int64) error

	// Run instances
	CreateInstance(ctx context.Context, inst *schema.RunInstance) error
	GetInstance(ctx context.Context, id int64) (*schema.RunInstance, error)
	UpdateInstance(ctx context.Context, id int64, update InstanceUpdate) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.RunInstance, error)

	// Execution log (append-only)
	AppendLog(ctx context.Context, entry *schema.ExecutionLogEntry) error
	ListLogs(ctx context.Context, instanceID int64) ([]*schema.ExecutionLogEntry, error)

	// Pending waits
	PutWait(ctx context.Context, wait *schema.PendingWait) error
	GetWait(ctx context.Context, instanceID int64) (*schema.PendingWait, error)
	DeleteWait(ctx context.Context, instanceID int64) error
	ListWaits(ctx context.Context) ([]*schema.PendingWait, error)
	ListExpiredWaits(ctx context.Context, now time.Time) ([]*schema.PendingWait, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}
