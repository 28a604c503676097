package records

import "time"

// CallRecord is the persisted QC record for one recorded call.
//
// Identity invariant: ExternalCallID is the caller-supplied business key and is
// globally unique; ID is assigned at creation and doubles as the queue job ID,
// which gives at-most-one-outstanding-job-per-record via the queue's own
// duplicate-id rejection.
//
// Status invariant: status only moves forward along the transition graph below.
// The worker is the only writer after creation.
type CallRecord struct {
	ID             string `json:"id" db:"id"`
	ExternalCallID string `json:"external_call_id" db:"external_call_id"`

	// RawPayload is the normalized webhook body, retained for audit/replay.
	RawPayload string `json:"raw_payload,omitempty" db:"raw_payload"`

	RecordingURL string `json:"recording_url" db:"recording_url"`
	CampaignName string `json:"campaign_name,omitempty" db:"campaign_name"`
	CallerID     string `json:"caller_id,omitempty" db:"caller_id"`
	PublisherID  string `json:"publisher_id,omitempty" db:"publisher_id"`
	BuyerID      string `json:"buyer_id,omitempty" db:"buyer_id"`

	Status Status `json:"status" db:"status"`

	// Disposition mirrors QC.Disposition once the pipeline completes, kept
	// top-level so reporting can filter without unpacking the QC object.
	Disposition string `json:"disposition,omitempty" db:"disposition"`

	Transcript        string    `json:"transcript,omitempty" db:"transcript"`
	LabeledTranscript string    `json:"labeled_transcript,omitempty" db:"labeled_transcript"`
	QC                *QCResult `json:"qc,omitempty" db:"qc"`

	// Error holds the last stage failure message for operator remediation.
	Error string `json:"error,omitempty" db:"error"`

	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty" db:"processing_started_at"`
	ProcessingEndedAt   *time.Time `json:"processing_ended_at,omitempty" db:"processing_ended_at"`

	// EstimatedCost is the transcription provider's cost estimate in USD.
	EstimatedCost float64 `json:"estimated_cost,omitempty" db:"estimated_cost"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// QCResult is the structured classification produced by the disposition stage.
//
// Downstream readers (reporting, export) depend on Disposition remaining a
// stable field name; do not rename without a migration.
type QCResult struct {
	Disposition        string   `json:"disposition"`
	SubDisposition     string   `json:"sub_disposition,omitempty"`
	Reason             string   `json:"reason,omitempty"`
	Summary            string   `json:"summary,omitempty"`
	Sentiment          string   `json:"sentiment,omitempty"`
	ConfidenceLevel    string   `json:"confidence_level,omitempty"`
	KeyMoments         []string `json:"key_moments,omitempty"`
	ObjectionsRaised   []string `json:"objections_raised,omitempty"`
	ObjectionsOvercome bool     `json:"objections_overcome,omitempty"`
}

// DispositionNotClassified is the placeholder disposition recorded when the
// classifier output could not be parsed and lenient mode is active.
const DispositionNotClassified = "Not Classified"

// NotClassified returns the fallback QC result for unparsable classifier output.
func NotClassified(reason string) *QCResult {
	return &QCResult{
		Disposition: DispositionNotClassified,
		Reason:      reason,
	}
}

type Status string

const (
	StatusQueued               Status = "queued"
	StatusProcessing           Status = "processing"
	StatusTranscribing         Status = "transcribing"
	StatusLabelingSpeakers     Status = "labeling_speakers"
	StatusAnalyzingDisposition Status = "analyzing_disposition"
	StatusCompleted            Status = "completed"
	StatusTranscriptionFailed  Status = "transcription_failed"
	StatusLabelingFailed       Status = "labeling_failed"
	StatusAnalysisFailed       Status = "analysis_failed"
	StatusFailed               Status = "failed"
)

// statusRank orders the happy path; terminal failure states share the top rank
// so they are reachable from any non-terminal state but never leave it.
var statusRank = map[Status]int{
	StatusQueued:               0,
	StatusProcessing:           1,
	StatusTranscribing:         2,
	StatusLabelingSpeakers:     3,
	StatusAnalyzingDisposition: 4,
	StatusCompleted:            5,
	StatusTranscriptionFailed:  5,
	StatusLabelingFailed:       5,
	StatusAnalysisFailed:       5,
	StatusFailed:               5,
}

// AllStatuses returns every known status, happy path first.
func AllStatuses() []Status {
	return []Status{
		StatusQueued,
		StatusProcessing,
		StatusTranscribing,
		StatusLabelingSpeakers,
		StatusAnalyzingDisposition,
		StatusCompleted,
		StatusTranscriptionFailed,
		StatusLabelingFailed,
		StatusAnalysisFailed,
		StatusFailed,
	}
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	_, ok := statusRank[s]
	return ok
}

// IsTerminal reports whether no further automatic transition occurs from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusTranscriptionFailed, StatusLabelingFailed, StatusAnalysisFailed, StatusFailed:
		return true
	default:
		return false
	}
}

// IsFailure reports whether s is one of the failure terminals.
func (s Status) IsFailure() bool {
	return s.IsTerminal() && s != StatusCompleted
}

// CanTransition reports whether moving from -> to respects the forward-only
// progression. Two deliberate exceptions to strict forward movement:
// re-entering Processing from a mid-pipeline state (a retried job restarts
// from the processing stage), and Terminal -> Queued (explicit reprocessing of
// a settled record, gated by configuration at the gateway).
func CanTransition(from, to Status) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	if from.IsTerminal() {
		return to == StatusQueued
	}
	if to == StatusProcessing {
		return true
	}
	return tr > fr
}
