package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowchat/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/flowchat.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

// CreateDefinition persists def and assigns its ID. The stored document is
// def.Raw when present, otherwise def re-encoded.
func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *schema.Definition) error {
	raw := def.Raw
	if len(raw) == 0 {
		b, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		raw = b
	}
	now := time.Now().UTC()
	def.CreatedAt = timeOrNow(def.CreatedAt)
	def.UpdatedAt = now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO definitions (name, description, version, raw_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		def.Name, nullStr(def.Description), nullStr(def.Version), string(raw), def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		return storeError("create definition", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storeError("create definition", err)
	}
	def.ID = id
	def.Raw = raw
	return nil
}

const definitionColumns = "id, name, description, version, raw_json, created_at, updated_at"

func (s *LibSQLStore) GetDefinition(ctx context.Context, id int64) (*schema.Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM definitions WHERE id = ? AND is_deleted = 0`, id)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", id)
	}
	return def, err
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.Definition, error) {
	var where []string
	var args []any

	if !filter.IncludeDeleted {
		where = append(where, "is_deleted = 0")
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := "SELECT " + definitionColumns + " FROM definitions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC" + limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list definitions", err)
	}
	defer rows.Close()

	var defs []*schema.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// DeleteDefinition soft-deletes a definition. Existing instances keep
// referencing it.
func (s *LibSQLStore) DeleteDefinition(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE definitions SET is_deleted = 1, updated_at = ? WHERE id = ? AND is_deleted = 0`,
		time.Now().UTC(), id)
	if err != nil {
		return storeError("delete definition", err)
	}
	return checkRowsAffected(res, "definition", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*schema.Definition, error) {
	var (
		id                   int64
		name, rawJSON        string
		description, version sql.NullString
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&id, &name, &description, &version, &rawJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	def, err := schema.ParseDefinition([]byte(rawJSON))
	if err != nil {
		return nil, fmt.Errorf("decode stored definition %d: %w", id, err)
	}
	def.ID = id
	def.Name = name
	def.Description = description.String
	def.Version = version.String
	def.CreatedAt = createdAt
	def.UpdatedAt = updatedAt
	return def, nil
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *schema.RunInstance) error {
	vars, err := marshalMapOrDefault(inst.VariableSnapshot)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	input, err := marshalMapOrDefault(inst.InputParams)
	if err != nil {
		return fmt.Errorf("marshal input params: %w", err)
	}
	output, err := nullableMap(inst.OutputParams)
	if err != nil {
		return fmt.Errorf("marshal output params: %w", err)
	}
	if inst.Status == "" {
		inst.Status = schema.RunPending
	}
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = inst.CreatedAt

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (definition_id, name, status, current_node_key, variables, input_params, output_params, started_at, finished_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.DefinitionID, nullStr(inst.Name), string(inst.Status), nullStr(inst.CurrentNodeKey),
		string(vars), string(input), output, nullTime(inst.StartedAt), nullTime(inst.FinishedAt),
		inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return storeError("create instance", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storeError("create instance", err)
	}
	inst.ID = id
	return nil
}

const instanceColumns = "id, definition_id, name, status, current_node_key, variables, input_params, output_params, started_at, finished_at, created_at, updated_at"

func (s *LibSQLStore) GetInstance(ctx context.Context, id int64) (*schema.RunInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	return inst, err
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, id int64, update InstanceUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentNodeKey != nil {
		sets = append(sets, "current_node_key = ?")
		args = append(args, nullStr(*update.CurrentNodeKey))
	}
	if update.VariableSnapshot != nil {
		b, err := json.Marshal(update.VariableSnapshot)
		if err != nil {
			return fmt.Errorf("marshal variables: %w", err)
		}
		sets = append(sets, "variables = ?")
		args = append(args, string(b))
	}
	if update.OutputParams != nil {
		b, err := json.Marshal(update.OutputParams)
		if err != nil {
			return fmt.Errorf("marshal output params: %w", err)
		}
		sets = append(sets, "output_params = ?")
		args = append(args, string(b))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, update.StartedAt.UTC())
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, update.FinishedAt.UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE instances SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeError("update instance", err)
	}
	return checkRowsAffected(res, "instance", id)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.RunInstance, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DefinitionID > 0 {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := "SELECT " + instanceColumns + " FROM instances"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC" + limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list instances", err)
	}
	defer rows.Close()

	var out []*schema.RunInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(row rowScanner) (*schema.RunInstance, error) {
	inst := &schema.RunInstance{}
	var (
		name, nodeKey, vars, input, output sql.NullString
		status                             string
		startedAt, finishedAt              sql.NullTime
	)
	if err := row.Scan(&inst.ID, &inst.DefinitionID, &name, &status, &nodeKey, &vars, &input, &output,
		&startedAt, &finishedAt, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.Name = name.String
	inst.Status = schema.RunStatus(status)
	inst.CurrentNodeKey = nodeKey.String
	var err error
	if inst.VariableSnapshot, err = decodeMap(vars); err != nil {
		return nil, fmt.Errorf("instance %d variables: %w", inst.ID, err)
	}
	if inst.InputParams, err = decodeMap(input); err != nil {
		return nil, fmt.Errorf("instance %d input params: %w", inst.ID, err)
	}
	if inst.OutputParams, err = decodeMap(output); err != nil {
		return nil, fmt.Errorf("instance %d output params: %w", inst.ID, err)
	}
	if startedAt.Valid {
		inst.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		inst.FinishedAt = &finishedAt.Time
	}
	return inst, nil
}

// --- Execution log ---

func (s *LibSQLStore) AppendLog(ctx context.Context, entry *schema.ExecutionLogEntry) error {
	input, err := nullableMap(entry.InputData)
	if err != nil {
		return fmt.Errorf("marshal log input: %w", err)
	}
	output, err := nullableMap(entry.OutputData)
	if err != nil {
		return fmt.Errorf("marshal log output: %w", err)
	}
	entry.CreatedAt = timeOrNow(entry.CreatedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (instance_id, node_key, node_type, status, duration_ms, input_data, output_data, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.InstanceID, entry.NodeKey, string(entry.NodeType), string(entry.Status), entry.DurationMs,
		input, output, nullStr(entry.ErrorMessage), entry.CreatedAt,
	)
	if err != nil {
		return storeError("append log", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListLogs returns an instance's log entries in append order.
func (s *LibSQLStore) ListLogs(ctx context.Context, instanceID int64) ([]*schema.ExecutionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, node_key, node_type, status, duration_ms, input_data, output_data, error_message, created_at
		 FROM execution_logs WHERE instance_id = ? ORDER BY id ASC`, instanceID)
	if err != nil {
		return nil, storeError("list logs", err)
	}
	defer rows.Close()

	var entries []*schema.ExecutionLogEntry
	for rows.Next() {
		e := &schema.ExecutionLogEntry{}
		var (
			nodeType, status      string
			input, output, errMsg sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.NodeKey, &nodeType, &status, &e.DurationMs,
			&input, &output, &errMsg, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.NodeType = schema.NodeType(nodeType)
		e.Status = schema.LogStatus(status)
		e.ErrorMessage = errMsg.String
		if e.InputData, err = decodeMap(input); err != nil {
			return nil, fmt.Errorf("log %d input: %w", e.ID, err)
		}
		if e.OutputData, err = decodeMap(output); err != nil {
			return nil, fmt.Errorf("log %d output: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Pending waits ---

// PutWait records or replaces the continuation of a suspended instance.
func (s *LibSQLStore) PutWait(ctx context.Context, wait *schema.PendingWait) error {
	wait.CreatedAt = timeOrNow(wait.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_waits (instance_id, node_key, ticket, deadline, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET
		   node_key=excluded.node_key, ticket=excluded.ticket,
		   deadline=excluded.deadline, created_at=excluded.created_at`,
		wait.InstanceID, wait.NodeKey, wait.Ticket, wait.Deadline.UTC(), wait.CreatedAt,
	)
	return storeError("put wait", err)
}

func (s *LibSQLStore) GetWait(ctx context.Context, instanceID int64) (*schema.PendingWait, error) {
	w := &schema.PendingWait{}
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id, node_key, ticket, deadline, created_at FROM pending_waits WHERE instance_id = ?`,
		instanceID,
	).Scan(&w.InstanceID, &w.NodeKey, &w.Ticket, &w.Deadline, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("pending wait", instanceID)
	}
	if err != nil {
		return nil, storeError("get wait", err)
	}
	return w, nil
}

func (s *LibSQLStore) DeleteWait(ctx context.Context, instanceID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_waits WHERE instance_id = ?`, instanceID)
	if err != nil {
		return storeError("delete wait", err)
	}
	return checkRowsAffected(res, "pending wait", instanceID)
}

func (s *LibSQLStore) ListWaits(ctx context.Context) ([]*schema.PendingWait, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, node_key, ticket, deadline, created_at FROM pending_waits ORDER BY deadline ASC`)
	if err != nil {
		return nil, storeError("list waits", err)
	}
	defer rows.Close()

	var waits []*schema.PendingWait
	for rows.Next() {
		w := &schema.PendingWait{}
		if err := rows.Scan(&w.InstanceID, &w.NodeKey, &w.Ticket, &w.Deadline, &w.CreatedAt); err != nil {
			return nil, err
		}
		waits = append(waits, w)
	}
	return waits, rows.Err()
}

// ListExpiredWaits returns waits whose deadline is at or before now. The
// comparison happens in Go so it does not depend on the driver's timestamp
// text encoding.
func (s *LibSQLStore) ListExpiredWaits(ctx context.Context, now time.Time) ([]*schema.PendingWait, error) {
	waits, err := s.ListWaits(ctx)
	if err != nil {
		return nil, err
	}
	var expired []*schema.PendingWait
	for _, w := range waits {
		if !w.Deadline.After(now) {
			expired = append(expired, w)
		}
	}
	return expired, nil
}

// --- Helpers ---

func storeNotFound(resource string, id int64) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %d not found", resource, id)
}

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	clause := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		clause += fmt.Sprintf(" OFFSET %d", offset)
	}
	return clause
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

// decodeMap reads a JSON object keeping integral numbers as int64 so that
// integer variables survive a round trip through the database.
func decodeMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(ns.String)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	for k, v := range m {
		m[k] = normalizeNumbers(v)
	}
	return m, nil
}

func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		for k, item := range x {
			x[k] = normalizeNumbers(item)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = normalizeNumbers(item)
		}
		return x
	}
	return v
}
