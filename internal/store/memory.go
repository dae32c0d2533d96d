package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaoschain/gateway/internal/guard"
	"github.com/chaoschain/gateway/internal/models"
)

// MemoryStore is an in-memory WorkflowStore with the same transition and
// lease semantics as the PostgreSQL store. Used for tests and local
// development.
type MemoryStore struct {
	mu        sync.Mutex
	workflows map[uuid.UUID]*models.Workflow
	steps     map[uuid.UUID]map[string]*models.Step
	order     []uuid.UUID

	failNext int
	now      func() time.Time
}

// NewMemoryStore creates an in-memory WorkflowStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[uuid.UUID]*models.Workflow),
		steps:     make(map[uuid.UUID]map[string]*models.Step),
		now:       time.Now,
	}
}

// FailNext makes the next n mutations return an unavailability error.
// Test hook for storage-outage scenarios.
func (s *MemoryStore) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *MemoryStore) checkFail() error {
	if s.failNext > 0 {
		s.failNext--
		return fmt.Errorf("storage unavailable")
	}
	return nil
}

func (s *MemoryStore) Create(_ context.Context, w *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFail(); err != nil {
		return err
	}

	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.State == "" {
		w.State = models.WorkflowCreated
	}
	now := s.now()
	w.CreatedAt = now
	w.UpdatedAt = now

	cp := *w
	s.workflows[w.ID] = &cp
	s.order = append(s.order, w.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) UpdateState(_ context.Context, id uuid.UUID, newState models.WorkflowState, upd Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFail(); err != nil {
		return err
	}

	w, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	if w.State.Terminal() {
		return ErrTerminal
	}
	if !validTransition(w.State, newState) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.State, newState)
	}

	w.State = newState
	if upd.CurrentStep != nil {
		w.CurrentStep = *upd.CurrentStep
	}
	if upd.AttemptCount != nil {
		w.AttemptCount = *upd.AttemptCount
	}
	if upd.ErrorCode != nil {
		w.ErrorCode = *upd.ErrorCode
	}
	if upd.StallReason != nil {
		w.StallReason = *upd.StallReason
	}
	if upd.Result != nil {
		cp := *upd.Result
		w.Result = &cp
	}
	if upd.PendingTxHash != nil {
		w.PendingTxHash = *upd.PendingTxHash
	}
	if upd.LastReconciledAt != nil {
		ts := *upd.LastReconciledAt
		w.LastReconciledAt = &ts
	}
	w.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ListByState(_ context.Context, state models.WorkflowState) ([]*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*models.Workflow
	for _, id := range s.order {
		if w := s.workflows[id]; w.State == state {
			cp := *w
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]*models.Workflow, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Workflow
	for _, id := range s.order {
		w := s.workflows[id]
		if f.State != nil && w.State != *f.State {
			continue
		}
		if f.Type != nil && w.Type != *f.Type {
			continue
		}
		if f.Signer != nil && w.SignerAddress != *f.Signer {
			continue
		}
		cp := *w
		matched = append(matched, &cp)
	}
	// Newest first, matching the SQL ordering.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	page := f.Page
	if page < 1 {
		page = 1
	}
	perPage := f.PerPage
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	start := (page - 1) * perPage
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + perPage
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) ListStuck(_ context.Context, olderThan time.Time) ([]*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*models.Workflow
	for _, id := range s.order {
		w := s.workflows[id]
		if !w.State.Terminal() && w.UpdatedAt.Before(olderThan) {
			cp := *w
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (s *MemoryStore) CountActive(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, w := range s.workflows {
		if !w.State.Terminal() {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CountActiveByType(_ context.Context, t guard.WorkflowType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, w := range s.workflows {
		if !w.State.Terminal() && w.Type == t {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CountActiveBySigner(_ context.Context, signer guard.SignerAddress) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, w := range s.workflows {
		if !w.State.Terminal() && w.SignerAddress == signer {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) SaveStep(_ context.Context, st *models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFail(); err != nil {
		return err
	}

	m, ok := s.steps[st.WorkflowID]
	if !ok {
		m = make(map[string]*models.Step)
		s.steps[st.WorkflowID] = m
	}
	cp := *st
	if prev, ok := m[st.Name]; ok && prev.StartedAt != nil {
		cp.StartedAt = prev.StartedAt
	}
	m[st.Name] = &cp
	return nil
}

func (s *MemoryStore) GetSteps(_ context.Context, workflowID uuid.UUID) ([]*models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var steps []*models.Step
	for _, st := range s.steps[workflowID] {
		cp := *st
		steps = append(steps, &cp)
	}
	sort.SliceStable(steps, func(i, j int) bool {
		a, b := steps[i].StartedAt, steps[j].StartedAt
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.Before(*b)
	})
	return steps, nil
}

func (s *MemoryStore) StampReconciled(_ context.Context, id uuid.UUID, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFail(); err != nil {
		return err
	}
	w, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	if w.State.Terminal() {
		return ErrTerminal
	}
	t := ts
	w.LastReconciledAt = &t
	w.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ClaimRunnable(_ context.Context, owner string, leaseTTL time.Duration, limit int) ([]*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var claimed []*models.Workflow
	for _, id := range s.order {
		if len(claimed) >= limit {
			break
		}
		w := s.workflows[id]
		if w.State != models.WorkflowCreated && w.State != models.WorkflowRunning {
			continue
		}
		leased := w.LeasedBy != "" && w.LeaseExpiresAt != nil && w.LeaseExpiresAt.After(now)
		if leased {
			continue
		}
		w.LeasedBy = owner
		exp := now.Add(leaseTTL)
		w.LeaseExpiresAt = &exp
		w.UpdatedAt = now
		cp := *w
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (s *MemoryStore) ExtendLease(_ context.Context, id uuid.UUID, owner string, leaseTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok || w.LeasedBy != owner {
		return ErrLeaseHeld
	}
	exp := s.now().Add(leaseTTL)
	w.LeaseExpiresAt = &exp
	return nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok || w.LeasedBy != owner {
		return nil
	}
	w.LeasedBy = ""
	w.LeaseExpiresAt = nil
	return nil
}
