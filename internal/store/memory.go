package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store, grounded on the teacher's
// graph/store/memory.go in-memory implementation: plain maps behind one
// mutex, no persistence across process restarts. Used by unit tests and by
// scenario tests that exercise the scheduler without a live database.
type MemStore struct {
	mu sync.Mutex

	executions   map[string]*Execution
	nodes        map[string]map[string]NodeValue // executionID -> nodeName -> value
	computations map[string][]Computation        // executionID -> attempts, insertion order
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		executions:   make(map[string]*Execution),
		nodes:        make(map[string]map[string]NodeValue),
		computations: make(map[string][]Computation),
	}
}

func (m *MemStore) CreateExecution(_ context.Context, ref GraphRef, nodeNames []string) (Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec := Execution{ID: uuid.NewString(), GraphRef: ref, Revision: 1}
	m.executions[exec.ID] = &exec

	nodes := make(map[string]NodeValue, len(nodeNames))
	for _, name := range nodeNames {
		nodes[name] = NodeValue{NodeName: name}
	}
	m.nodes[exec.ID] = nodes

	return exec, nil
}

func (m *MemStore) LoadExecution(_ context.Context, id string) (ExecutionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[id]
	if !ok {
		return ExecutionSnapshot{}, ErrNotFound
	}

	nodes := make(map[string]NodeValue, len(m.nodes[id]))
	for k, v := range m.nodes[id] {
		nodes[k] = v
	}

	return ExecutionSnapshot{
		Execution:          *exec,
		Nodes:              nodes,
		LatestComputations: m.latestLocked(id),
	}, nil
}

// latestLocked returns the most recent Computation per node. Callers must
// already hold m.mu.
func (m *MemStore) latestLocked(executionID string) map[string]Computation {
	out := make(map[string]Computation)
	for _, c := range m.computations[executionID] {
		out[c.NodeName] = c
	}
	return out
}

func (m *MemStore) WriteValue(_ context.Context, executionID, nodeName string, payload []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return 0, ErrNotFound
	}
	if exec.ArchivedAt != nil {
		return 0, ErrExecutionArchived
	}

	exec.Revision++
	now := time.Now().UTC()
	m.nodes[executionID][nodeName] = NodeValue{
		NodeName: nodeName, Set: true, Payload: payload, SetRevision: exec.Revision, SetTime: now,
	}
	return exec.Revision, nil
}

func (m *MemStore) ClaimComputation(_ context.Context, req ClaimRequest) (Computation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[req.ExecutionID]
	if !ok {
		return Computation{}, ErrNotFound
	}
	if exec.ArchivedAt != nil {
		return Computation{}, ErrExecutionArchived
	}
	if exec.Revision != req.ExRevSeen {
		return Computation{}, ErrConflict
	}
	for _, c := range m.computations[req.ExecutionID] {
		if c.NodeName == req.NodeName && c.State == CompComputing {
			return Computation{}, ErrConflict
		}
	}

	exec.Revision++
	comp := Computation{
		ID:                uuid.NewString(),
		ExecutionID:       req.ExecutionID,
		NodeName:          req.NodeName,
		State:             CompComputing,
		AttemptIndex:      req.AttemptIndex,
		StartedAt:         time.Now().UTC(),
		Deadline:          req.Deadline,
		ExRevisionAtStart: req.ExRevSeen,
		UpstreamRevisions: req.UpstreamRevisions,
	}
	m.computations[req.ExecutionID] = append(m.computations[req.ExecutionID], comp)
	return comp, nil
}

func (m *MemStore) CompleteComputation(_ context.Context, req CompleteRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[req.ExecutionID]
	if !ok {
		return 0, ErrNotFound
	}
	if exec.ArchivedAt != nil {
		return 0, ErrExecutionArchived
	}

	attempts := m.computations[req.ExecutionID]
	idx := -1
	for i, c := range attempts {
		if c.ID == req.ClaimID && c.State == CompComputing {
			idx = i
			break
		}
	}
	if idx == -1 {
		return 0, ErrConflict
	}

	now := time.Now().UTC()
	attempts[idx].State = req.Outcome
	attempts[idx].CompletedAt = &now
	attempts[idx].ResultPayload = req.ResultPayload
	attempts[idx].ErrorPayload = req.ErrorPayload

	exec.Revision++
	if req.Outcome == CompSuccess && !req.SkipValueWrite {
		target := req.NodeName
		if req.MutatesTarget != "" {
			target = req.MutatesTarget
		}
		m.nodes[req.ExecutionID][target] = NodeValue{
			NodeName: target, Set: true, Payload: req.ResultPayload, SetRevision: exec.Revision, SetTime: now,
		}
	}
	return exec.Revision, nil
}

func (m *MemStore) ListLiveExecutions(_ context.Context, cursor string, limit int) ([]Execution, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.executions))
	for id, e := range m.executions {
		if e.ArchivedAt == nil && id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]Execution, 0, len(ids))
	next := cursor
	for _, id := range ids {
		out = append(out, *m.executions[id])
		next = id
	}
	return out, next, nil
}

func (m *MemStore) ListStaleComputations(_ context.Context, threshold time.Time) ([]Computation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Computation
	for _, attempts := range m.computations {
		for _, c := range attempts {
			if c.State == CompComputing && c.Deadline.Before(threshold) {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (m *MemStore) Archive(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	if exec.ArchivedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	exec.ArchivedAt = &now
	return nil
}

func (m *MemStore) Close() error { return nil }
