package records

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local development.
// It enforces the same uniqueness and transition rules as the Postgres store.
type MemoryStore struct {
	mu sync.Mutex

	byID       map[string]CallRecord
	byExternal map[string]string // external_call_id -> id

	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       map[string]CallRecord{},
		byExternal: map[string]string{},
		clock:      time.Now,
	}
}

// SetClock overrides the timestamp source for deterministic tests.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

func (s *MemoryStore) Create(ctx context.Context, rec CallRecord) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byExternal[rec.ExternalCallID]; exists {
		return CallRecord{}, ErrDuplicate
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	now := s.clock().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.byID[rec.ID] = rec
	s.byExternal[rec.ExternalCallID] = rec.ID
	return rec, nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) FindByExternalID(ctx context.Context, externalCallID string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byExternal[externalCallID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return s.byID[id], nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, patch Patch) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	if status != rec.Status && !CanTransition(rec.Status, status) {
		return CallRecord{}, ErrInvalidTransition
	}

	rec.Status = status
	applyPatch(&rec, patch)
	rec.UpdatedAt = s.clock().UTC()

	s.byID[id] = rec
	return rec, nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter, offset, limit int) ([]CallRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]CallRecord, 0)
	for _, rec := range s.byID {
		if filterMatches(rec, filter) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []CallRecord{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context, filter ListFilter) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[Status]int{}
	for _, rec := range s.byID {
		if filterMatches(rec, filter) {
			out[rec.Status]++
		}
	}
	return out, nil
}

func filterMatches(rec CallRecord, f ListFilter) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Disposition != "" && rec.Disposition != f.Disposition {
		return false
	}
	if f.Campaign != "" && rec.CampaignName != f.Campaign {
		return false
	}
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

func applyPatch(rec *CallRecord, p Patch) {
	if p.Transcript != nil {
		rec.Transcript = *p.Transcript
	}
	if p.LabeledTranscript != nil {
		rec.LabeledTranscript = *p.LabeledTranscript
	}
	if p.QC != nil {
		rec.QC = p.QC
	}
	if p.Disposition != nil {
		rec.Disposition = *p.Disposition
	}
	if p.Error != nil {
		rec.Error = *p.Error
	}
	if p.EstimatedCost != nil {
		rec.EstimatedCost = *p.EstimatedCost
	}
	if p.ProcessingStartedAt != nil {
		rec.ProcessingStartedAt = p.ProcessingStartedAt
	}
	if p.ProcessingEndedAt != nil {
		rec.ProcessingEndedAt = p.ProcessingEndedAt
	}
}
