package records

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record matches the lookup key.
	ErrNotFound = errors.New("records: not found")

	// ErrDuplicate is returned by Create when external_call_id already exists.
	ErrDuplicate = errors.New("records: duplicate external_call_id")

	// ErrInvalidTransition is returned by UpdateStatus for a backward move.
	ErrInvalidTransition = errors.New("records: invalid status transition")
)

// Patch carries the optional fields written alongside a status transition.
// Nil pointers leave the stored value untouched (last-write-wins, no
// optimistic concurrency token).
type Patch struct {
	Transcript        *string
	LabeledTranscript *string
	QC                *QCResult
	Disposition       *string
	Error             *string
	EstimatedCost     *float64

	ProcessingStartedAt *time.Time
	ProcessingEndedAt   *time.Time
}

// ListFilter narrows List and Count queries. Zero values mean "no filter".
type ListFilter struct {
	Status      Status
	Disposition string
	Campaign    string
	From        time.Time
	To          time.Time
}

// Store persists call records.
//
// Concurrency note: the queue's per-job exclusivity means a record has at most
// one writer at a time in normal operation; the store itself does no locking.
type Store interface {
	Create(ctx context.Context, rec CallRecord) (CallRecord, error)
	FindByID(ctx context.Context, id string) (CallRecord, error)
	FindByExternalID(ctx context.Context, externalCallID string) (CallRecord, error)

	// UpdateStatus applies the transition and patch. Passing the current
	// status is a patch-only write (used to record a retryable stage error
	// without moving the state machine).
	UpdateStatus(ctx context.Context, id string, status Status, patch Patch) (CallRecord, error)

	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter ListFilter, offset, limit int) ([]CallRecord, int, error)

	// CountByStatus aggregates record counts keyed by status.
	CountByStatus(ctx context.Context, filter ListFilter) (map[Status]int, error)
}

func stringPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func timePtr(t time.Time) *time.Time { return &t }

// Patch helpers keep worker call sites terse.

func (p Patch) WithError(msg string) Patch { p.Error = stringPtr(msg); return p }

func (p Patch) WithTranscript(t string) Patch { p.Transcript = stringPtr(t); return p }

func (p Patch) WithLabeled(t string) Patch { p.LabeledTranscript = stringPtr(t); return p }

func (p Patch) WithQC(qc *QCResult) Patch {
	p.QC = qc
	if qc != nil {
		p.Disposition = stringPtr(qc.Disposition)
	}
	return p
}

func (p Patch) WithCost(c float64) Patch { p.EstimatedCost = floatPtr(c); return p }

func (p Patch) WithStartedAt(t time.Time) Patch { p.ProcessingStartedAt = timePtr(t); return p }

func (p Patch) WithEndedAt(t time.Time) Patch { p.ProcessingEndedAt = timePtr(t); return p }
