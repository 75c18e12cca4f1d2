package engine

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rendis/flowchat/internal/store"
	"github.com/rendis/flowchat/pkg/schema"
)

// memStore is an in-memory store.Store for engine tests.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	defs      map[int64]*schema.Definition
	deleted   map[int64]bool
	instances map[int64]*schema.RunInstance
	logs      map[int64][]*schema.ExecutionLogEntry
	waits     map[int64]*schema.PendingWait
}

var _ store.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		defs:      make(map[int64]*schema.Definition),
		deleted:   make(map[int64]bool),
		instances: make(map[int64]*schema.RunInstance),
		logs:      make(map[int64][]*schema.ExecutionLogEntry),
		waits:     make(map[int64]*schema.PendingWait),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) CreateDefinition(_ context.Context, def *schema.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def.ID = m.id()
	m.defs[def.ID] = def
	return nil
}

func (m *memStore) GetDefinition(_ context.Context, id int64) (*schema.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id]
	if !ok || m.deleted[id] {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %d not found", id)
	}
	return def, nil
}

func (m *memStore) ListDefinitions(_ context.Context, filter store.DefinitionFilter) ([]*schema.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Definition
	for id, def := range m.defs {
		if m.deleted[id] && !filter.IncludeDeleted {
			continue
		}
		out = append(out, def)
	}
	slices.SortFunc(out, func(a, b *schema.Definition) int { return int(b.ID - a.ID) })
	return out, nil
}

func (m *memStore) DeleteDefinition(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[id]; !ok || m.deleted[id] {
		return schema.NewErrorf(schema.ErrCodeNotFound, "definition %d not found", id)
	}
	m.deleted[id] = true
	return nil
}

func (m *memStore) CreateInstance(_ context.Context, inst *schema.RunInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst.ID = m.id()
	cp := *inst
	m.instances[inst.ID] = &cp
	return nil
}

func (m *memStore) GetInstance(_ context.Context, id int64) (*schema.RunInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "instance %d not found", id)
	}
	cp := *inst
	cp.VariableSnapshot = maps.Clone(inst.VariableSnapshot)
	cp.OutputParams = maps.Clone(inst.OutputParams)
	return &cp, nil
}

func (m *memStore) UpdateInstance(_ context.Context, id int64, u store.InstanceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "instance %d not found", id)
	}
	if u.Status != nil {
		inst.Status = *u.Status
	}
	if u.CurrentNodeKey != nil {
		inst.CurrentNodeKey = *u.CurrentNodeKey
	}
	if u.VariableSnapshot != nil {
		inst.VariableSnapshot = maps.Clone(u.VariableSnapshot)
	}
	if u.OutputParams != nil {
		inst.OutputParams = maps.Clone(u.OutputParams)
	}
	if u.StartedAt != nil {
		inst.StartedAt = u.StartedAt
	}
	if u.FinishedAt != nil {
		inst.FinishedAt = u.FinishedAt
	}
	inst.UpdatedAt = time.Now()
	return nil
}

func (m *memStore) ListInstances(_ context.Context, filter store.InstanceFilter) ([]*schema.RunInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.RunInstance
	for _, inst := range m.instances {
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		if filter.DefinitionID != 0 && inst.DefinitionID != filter.DefinitionID {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *schema.RunInstance) int { return int(a.ID - b.ID) })
	return out, nil
}

func (m *memStore) AppendLog(_ context.Context, entry *schema.ExecutionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = m.id()
	m.logs[entry.InstanceID] = append(m.logs[entry.InstanceID], entry)
	return nil
}

func (m *memStore) ListLogs(_ context.Context, instanceID int64) ([]*schema.ExecutionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.logs[instanceID]), nil
}

func (m *memStore) PutWait(_ context.Context, wait *schema.PendingWait) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wait
	m.waits[wait.InstanceID] = &cp
	return nil
}

func (m *memStore) GetWait(_ context.Context, instanceID int64) (*schema.PendingWait, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waits[instanceID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no wait for instance %d", instanceID)
	}
	cp := *w
	return &cp, nil
}

func (m *memStore) DeleteWait(_ context.Context, instanceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.waits[instanceID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no wait for instance %d", instanceID)
	}
	delete(m.waits, instanceID)
	return nil
}

func (m *memStore) ListWaits(_ context.Context) ([]*schema.PendingWait, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.PendingWait
	for _, w := range m.waits {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ListExpiredWaits(_ context.Context, now time.Time) ([]*schema.PendingWait, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.PendingWait
	for _, w := range m.waits {
		if !w.Deadline.After(now) {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Vacuum(context.Context) error  { return nil }
func (m *memStore) Close() error                  { return nil }

// seedInstance stores inst as given, for recovery tests.
func (m *memStore) seedInstance(inst *schema.RunInstance) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst.ID = m.id()
	cp := *inst
	m.instances[inst.ID] = &cp
	return inst.ID
}

func (m *memStore) hasWait(instanceID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.waits[instanceID]
	return ok
}
