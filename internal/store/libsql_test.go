package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowchat/pkg/schema"
)

const sampleDefinition = `{
  "name": "greeter",
  "description": "asks for a name",
  "globalVariables": [{"name": "count", "type": "integer", "initialValue": "0"}],
  "nodes": [
    {"nodeKey": "start", "type": "start"},
    {"nodeKey": "end", "type": "end"}
  ],
  "transitions": [{"fromNodeKey": "start", "toNodeKey": "end"}]
}`

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedDefinition(t *testing.T, s *LibSQLStore) *schema.Definition {
	t.Helper()
	def, err := schema.ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)
	require.NoError(t, s.CreateDefinition(context.Background(), def))
	return def
}

func seedInstance(t *testing.T, s *LibSQLStore, defID int64) *schema.RunInstance {
	t.Helper()
	inst := &schema.RunInstance{
		DefinitionID:     defID,
		Name:             "run",
		InputParams:      map[string]any{"topic": "weather"},
		VariableSnapshot: map[string]any{"count": int64(0)},
	}
	require.NoError(t, s.CreateInstance(context.Background(), inst))
	return inst
}

// --- Definition Tests ---

func TestCreateAndGetDefinition(t *testing.T) {
	s := newTestStore(t)
	def := seedDefinition(t, s)
	assert.NotZero(t, def.ID)

	got, err := s.GetDefinition(context.Background(), def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
	assert.Equal(t, "greeter", got.Name)
	assert.Equal(t, "asks for a name", got.Description)
	require.Len(t, got.Nodes, 2)
	require.Len(t, got.Variables, 1)
	assert.Equal(t, schema.VarInteger, got.Variables[0].Type)
	assert.JSONEq(t, sampleDefinition, string(got.Raw))
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreateDefinition_WithoutRaw(t *testing.T) {
	s := newTestStore(t)
	def := &schema.Definition{
		Name:        "built",
		Nodes:       []schema.Node{{Key: "s", Type: schema.NodeStart}},
		Transitions: []schema.Transition{},
	}
	require.NoError(t, s.CreateDefinition(context.Background(), def))

	got, err := s.GetDefinition(context.Background(), def.ID)
	require.NoError(t, err)
	require.Len(t, got.Nodes, 1)
	assert.Equal(t, "s", got.Nodes[0].Key)
}

func TestGetDefinition_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDefinition(context.Background(), 999)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestDeleteDefinition_Soft(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s)
	seedDefinition(t, s)

	require.NoError(t, s.DeleteDefinition(ctx, def.ID))

	_, err := s.GetDefinition(ctx, def.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	live, err := s.ListDefinitions(ctx, DefinitionFilter{})
	require.NoError(t, err)
	assert.Len(t, live, 1)

	all, err := s.ListDefinitions(ctx, DefinitionFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	err = s.DeleteDefinition(ctx, def.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestListDefinitions_FilterAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		seedDefinition(t, s)
	}
	other := &schema.Definition{Name: "other", Nodes: []schema.Node{}, Transitions: []schema.Transition{}}
	require.NoError(t, s.CreateDefinition(ctx, other))

	named, err := s.ListDefinitions(ctx, DefinitionFilter{Name: "greeter"})
	require.NoError(t, err)
	assert.Len(t, named, 3)

	page, err := s.ListDefinitions(ctx, DefinitionFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, other.ID, page[0].ID, "newest first")
}

// --- Instance Tests ---

func TestCreateAndGetInstance(t *testing.T) {
	s := newTestStore(t)
	def := seedDefinition(t, s)
	inst := seedInstance(t, s, def.ID)

	got, err := s.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.DefinitionID)
	assert.Equal(t, schema.RunPending, got.Status)
	assert.Equal(t, "weather", got.InputParams["topic"])
	assert.Equal(t, int64(0), got.VariableSnapshot["count"])
	assert.Nil(t, got.OutputParams)
	assert.Nil(t, got.StartedAt)
}

func TestUpdateInstance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s)
	inst := seedInstance(t, s, def.ID)

	running := schema.RunRunning
	node := "ask"
	now := time.Now().UTC()
	require.NoError(t, s.UpdateInstance(ctx, inst.ID, InstanceUpdate{
		Status:           &running,
		CurrentNodeKey:   &node,
		StartedAt:        &now,
		VariableSnapshot: map[string]any{"count": int64(3), "ratio": 0.5, "nested": map[string]any{"n": int64(1)}},
	}))

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunRunning, got.Status)
	assert.Equal(t, "ask", got.CurrentNodeKey)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, int64(3), got.VariableSnapshot["count"])
	assert.Equal(t, 0.5, got.VariableSnapshot["ratio"])
	assert.Equal(t, map[string]any{"n": int64(1)}, got.VariableSnapshot["nested"])

	failed := schema.RunFailed
	require.NoError(t, s.UpdateInstance(ctx, inst.ID, InstanceUpdate{
		Status:       &failed,
		FinishedAt:   &now,
		OutputParams: map[string]any{"error": "boom", "nodeKey": "ask"},
	}))
	got, err = s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunFailed, got.Status)
	assert.Equal(t, "boom", got.OutputParams["error"])
	require.NotNil(t, got.FinishedAt)

	require.NoError(t, s.UpdateInstance(ctx, inst.ID, InstanceUpdate{}), "empty update is a no-op")

	err = s.UpdateInstance(ctx, 12345, InstanceUpdate{Status: &running})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestListInstances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s)
	a := seedInstance(t, s, def.ID)
	seedInstance(t, s, def.ID)

	waiting := schema.RunWaiting
	require.NoError(t, s.UpdateInstance(ctx, a.ID, InstanceUpdate{Status: &waiting}))

	all, err := s.ListInstances(ctx, InstanceFilter{DefinitionID: def.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyWaiting, err := s.ListInstances(ctx, InstanceFilter{Status: &waiting})
	require.NoError(t, err)
	require.Len(t, onlyWaiting, 1)
	assert.Equal(t, a.ID, onlyWaiting[0].ID)

	limited, err := s.ListInstances(ctx, InstanceFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// --- Execution Log Tests ---

func TestAppendAndListLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s)
	inst := seedInstance(t, s, def.ID)

	require.NoError(t, s.AppendLog(ctx, &schema.ExecutionLogEntry{
		InstanceID: inst.ID,
		NodeKey:    "start",
		NodeType:   schema.NodeStart,
		Status:     schema.LogSuccess,
		DurationMs: 2,
		InputData:  map[string]any{"count": int64(0)},
		OutputData: map[string]any{},
	}))
	failed := &schema.ExecutionLogEntry{
		InstanceID:   inst.ID,
		NodeKey:      "calc",
		NodeType:     schema.NodeAssign,
		Status:       schema.LogFailed,
		ErrorMessage: "division by zero",
	}
	require.NoError(t, s.AppendLog(ctx, failed))
	assert.NotZero(t, failed.ID)

	logs, err := s.ListLogs(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "start", logs[0].NodeKey)
	assert.Equal(t, schema.LogSuccess, logs[0].Status)
	assert.Equal(t, int64(2), logs[0].DurationMs)
	assert.Equal(t, int64(0), logs[0].InputData["count"])
	assert.Equal(t, "calc", logs[1].NodeKey)
	assert.Equal(t, "division by zero", logs[1].ErrorMessage)
	assert.Nil(t, logs[1].OutputData)

	empty, err := s.ListLogs(ctx, 9999)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// --- Pending Wait Tests ---

func TestPendingWaitLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s)
	inst := seedInstance(t, s, def.ID)

	deadline := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Second)
	ticket := uuid.NewString()
	require.NoError(t, s.PutWait(ctx, &schema.PendingWait{
		InstanceID: inst.ID,
		NodeKey:    "ask",
		Ticket:     ticket,
		Deadline:   deadline,
	}))

	got, err := s.GetWait(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "ask", got.NodeKey)
	assert.Equal(t, ticket, got.Ticket)
	assert.True(t, got.Deadline.Equal(deadline))

	// Replacing keeps a single row per instance.
	require.NoError(t, s.PutWait(ctx, &schema.PendingWait{
		InstanceID: inst.ID, NodeKey: "ask_again", Ticket: "t2", Deadline: deadline,
	}))
	waits, err := s.ListWaits(ctx)
	require.NoError(t, err)
	require.Len(t, waits, 1)
	assert.Equal(t, "ask_again", waits[0].NodeKey)

	require.NoError(t, s.DeleteWait(ctx, inst.ID))
	_, err = s.GetWait(ctx, inst.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(s.DeleteWait(ctx, inst.ID), schema.ErrCodeNotFound))
}

func TestListExpiredWaits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	def := seedDefinition(t, s)
	past := seedInstance(t, s, def.ID)
	future := seedInstance(t, s, def.ID)

	now := time.Now().UTC()
	require.NoError(t, s.PutWait(ctx, &schema.PendingWait{
		InstanceID: past.ID, NodeKey: "ask", Ticket: "a", Deadline: now.Add(-time.Minute),
	}))
	require.NoError(t, s.PutWait(ctx, &schema.PendingWait{
		InstanceID: future.ID, NodeKey: "ask", Ticket: "b", Deadline: now.Add(time.Hour),
	}))

	expired, err := s.ListExpiredWaits(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, past.ID, expired[0].InstanceID)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Vacuum(context.Background()))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- comment only;\nCREATE TABLE a (x INT);\n\n  ;CREATE INDEX i ON a(x)")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Equal(t, "CREATE INDEX i ON a(x)", stmts[1])
}

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations(migrationFS)
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "initial_schema", ms[0].Name)

	ms, err = loadMigrations(fstest.MapFS{
		"migrations/010_b.sql": {Data: []byte("SELECT 2")},
		"migrations/002_a.sql": {Data: []byte("SELECT 1")},
	})
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, []int{2, 10}, []int{ms[0].Version, ms[1].Version})

	_, err = loadMigrations(fstest.MapFS{"migrations/init.sql": {Data: []byte("x")}})
	assert.Error(t, err)
}
