// Package analysis holds the contracts for the three external call-analysis
// services and their HTTP-backed clients. Stage failures carry a typed Stage
// tag so the pipeline attributes them structurally instead of matching error
// message substrings.
package analysis

import (
	"context"
	"errors"
	"fmt"

	"callqc-platform/internal/records"
)

// Stage identifies one unit of pipeline work.
type Stage string

const (
	StageTranscription Stage = "transcription"
	StageLabeling      Stage = "labeling"
	StageAnalysis      Stage = "analysis"
)

// StageError wraps an adapter failure with the stage it belongs to.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError tags err with a stage. Returns nil when err is nil.
func NewStageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf extracts the stage tag from err. ok is false for untagged errors,
// which the pipeline classifies as generic failures.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// Transcription is the transcription adapter's result.
type Transcription struct {
	Text            string
	DurationSeconds float64
	EstimatedCost   float64
}

// Transcriber converts a call recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, recordingURL string) (Transcription, error)
}

// SpeakerLabeler annotates a raw transcript with speaker turns.
// Implementations must be deterministic for a given transcript.
type SpeakerLabeler interface {
	LabelSpeakers(ctx context.Context, transcript string) (string, error)
}

// DispositionClassifier classifies a labeled transcript into a QC outcome.
type DispositionClassifier interface {
	Classify(ctx context.Context, labeledTranscript, campaignName string) (records.QCResult, error)
}
