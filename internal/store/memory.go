package store

import (
	"context"
	"sync"

	"github.com/MEKXH/tollgate/internal/approval"
	"github.com/MEKXH/tollgate/internal/delegation"
)

// table is a keyed in-memory collection that copies values on the way in and
// out so callers never share state with the store.
type table[K comparable, T any] struct {
	records map[K]T
	clone   func(T) T
}

func newTable[K comparable, T any](clone func(T) T) *table[K, T] {
	return &table[K, T]{records: make(map[K]T), clone: clone}
}

func (t *table[K, T]) put(key K, v T) {
	t.records[key] = t.clone(v)
}

func (t *table[K, T]) get(key K) (T, bool) {
	v, ok := t.records[key]
	if !ok {
		var zero T
		return zero, false
	}
	return t.clone(v), true
}

func (t *table[K, T]) all() []T {
	out := make([]T, 0, len(t.records))
	for _, v := range t.records {
		out = append(out, t.clone(v))
	}
	return out
}

// Memory is a process-local repository.
type Memory struct {
	mu          sync.RWMutex
	cases       *table[string, *approval.Case]
	byTx        map[string]string
	delegations *table[string, delegation.Delegation]
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		cases:       newTable[string](func(c *approval.Case) *approval.Case { return c.Clone() }),
		byTx:        make(map[string]string),
		delegations: newTable[string](cloneDelegation),
	}
}

func (m *Memory) CreateCase(_ context.Context, c *approval.Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCaseLocked(c)
}

func (m *Memory) createCaseLocked(c *approval.Case) error {
	if _, ok := m.cases.records[c.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.byTx[c.Transaction.ID]; ok {
		return ErrDuplicate
	}
	m.cases.put(c.ID, c)
	m.byTx[c.Transaction.ID] = c.ID
	return nil
}

func (m *Memory) GetCase(_ context.Context, id string) (*approval.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases.get(id)
	if !ok {
		return nil, approval.ErrNotFound
	}
	return c, nil
}

func (m *Memory) GetCaseByTransaction(ctx context.Context, transactionID string) (*approval.Case, error) {
	m.mu.RLock()
	id, ok := m.byTx[transactionID]
	m.mu.RUnlock()
	if !ok {
		return nil, approval.ErrNotFound
	}
	return m.GetCase(ctx, id)
}

func (m *Memory) UpdateCase(_ context.Context, c *approval.Case, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCaseLocked(c, expectedVersion)
}

func (m *Memory) updateCaseLocked(c *approval.Case, expectedVersion int) error {
	stored, ok := m.cases.records[c.ID]
	if !ok {
		return approval.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	if err := checkAppendOnly(stored, c); err != nil {
		return err
	}
	m.cases.put(c.ID, c)
	return nil
}

func (m *Memory) ListCases(_ context.Context, q approval.Query) ([]*approval.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*approval.Case, 0)
	for _, c := range m.cases.records {
		if q.Matches(c) {
			out = append(out, c.Clone())
		}
	}
	sortCases(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) CreateDelegation(_ context.Context, d delegation.Delegation, check DelegationCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createDelegationLocked(d, check)
}

func (m *Memory) createDelegationLocked(d delegation.Delegation, check DelegationCheck) error {
	if _, ok := m.delegations.records[d.ID]; ok {
		return ErrDuplicate
	}
	if check != nil {
		existing := m.delegations.all()
		sortDelegations(existing)
		if err := check(existing); err != nil {
			return err
		}
	}
	m.delegations.put(d.ID, d)
	return nil
}

func (m *Memory) GetDelegation(_ context.Context, id string) (delegation.Delegation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.delegations.get(id)
	if !ok {
		return delegation.Delegation{}, approval.ErrNotFound
	}
	return d, nil
}

func (m *Memory) UpdateDelegation(_ context.Context, d delegation.Delegation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateDelegationLocked(d)
}

func (m *Memory) updateDelegationLocked(d delegation.Delegation) error {
	if _, ok := m.delegations.records[d.ID]; !ok {
		return approval.ErrNotFound
	}
	m.delegations.put(d.ID, d)
	return nil
}

func (m *Memory) ListDelegations(_ context.Context, q delegation.Query) ([]delegation.Delegation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]delegation.Delegation, 0)
	for _, d := range m.delegations.all() {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	sortDelegations(out)
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// snapshot returns deep copies of everything stored, ordered for stable output.
func (m *Memory) snapshot() ([]*approval.Case, []delegation.Delegation) {
	cases := m.cases.all()
	sortCases(cases)
	dels := m.delegations.all()
	sortDelegations(dels)
	return cases, dels
}

func (m *Memory) restore(cases []*approval.Case, dels []delegation.Delegation) {
	m.cases = newTable[string](func(c *approval.Case) *approval.Case { return c.Clone() })
	m.byTx = make(map[string]string, len(cases))
	m.delegations = newTable[string](cloneDelegation)
	for _, c := range cases {
		m.cases.put(c.ID, c)
		m.byTx[c.Transaction.ID] = c.ID
	}
	for _, d := range dels {
		m.delegations.put(d.ID, d)
	}
}
