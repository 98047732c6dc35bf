package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
)

// MemoryStore keeps everything in process memory. It satisfies the same
// interfaces as PostgresStore and backs tests and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]domain.WorkflowState
	payments  map[string]domain.EscrowPayment
	holds     map[string]domain.DisputePaymentHold
	events    []EventRecord
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]domain.WorkflowState),
		payments:  make(map[string]domain.EscrowPayment),
		holds:     make(map[string]domain.DisputePaymentHold),
	}
}

func (m *MemoryStore) SaveWorkflow(_ context.Context, w *domain.WorkflowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[w.AssignmentID] = w.Clone()
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, assignmentID string) (*domain.WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[assignmentID]
	if !ok {
		return nil, nil
	}
	out := w.Clone()
	return &out, nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context) ([]domain.WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.WorkflowState, 0, len(m.workflows))
	for _, w := range m.workflows {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) SavePayment(_ context.Context, p *domain.EscrowPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id string) (*domain.EscrowPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryStore) GetPaymentByAssignment(_ context.Context, assignmentID string) (*domain.EscrowPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.AssignmentID == assignmentID {
			return &p, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListPayments(_ context.Context) ([]domain.EscrowPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.EscrowPayment, 0, len(m.payments))
	for _, p := range m.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SaveHold(_ context.Context, h *domain.DisputePaymentHold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holds[h.DisputeID] = *h
	return nil
}

func (m *MemoryStore) GetHoldByDispute(_ context.Context, disputeID string) (*domain.DisputePaymentHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.holds[disputeID]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (m *MemoryStore) RecordEvent(_ context.Context, e domain.PlatformEvent) error {
	rec, err := newEventRecord(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.events = append(m.events, rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, eventType string, limit int) ([]EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []EventRecord{}
	for i := len(m.events) - 1; i >= 0; i-- {
		if eventType != "" && string(m.events[i].Type) != eventType {
			continue
		}
		out = append(out, m.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
