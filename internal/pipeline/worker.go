// Package pipeline drives the per-call state machine: claim the job, run the
// three analysis stages in order, and persist the record status after every
// transition so progress is observable mid-run.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"callqc-platform/internal/analysis"
	"callqc-platform/internal/queue"
	"callqc-platform/internal/records"
)

// Worker processes one queue delivery per call. It is safe for concurrent use;
// the queue guarantees no two deliveries carry the same record at once.
type Worker struct {
	store       records.Store
	transcriber analysis.Transcriber
	labeler     analysis.SpeakerLabeler
	classifier  analysis.DispositionClassifier

	// stageTimeout bounds each adapter call so a stalled upstream cannot hold
	// a worker forever.
	stageTimeout time.Duration

	clock func() time.Time
	log   *slog.Logger
}

func NewWorker(store records.Store, transcriber analysis.Transcriber, labeler analysis.SpeakerLabeler, classifier analysis.DispositionClassifier, stageTimeout time.Duration, log *slog.Logger) *Worker {
	if stageTimeout <= 0 {
		stageTimeout = 2 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		store:        store,
		transcriber:  transcriber,
		labeler:      labeler,
		classifier:   classifier,
		stageTimeout: stageTimeout,
		clock:        time.Now,
		log:          log,
	}
}

// Handle is the queue.Handler for pipeline jobs. Delivery ID is the record ID.
//
// Retry contract: a retryable stage failure records the error on the record,
// leaves the status at the failed stage, and returns the error so the queue
// reschedules; the retry re-runs the whole job from processing. Only when the
// delivery is the final attempt does the record move to its terminal *_failed
// state.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) error {
	log := w.log.With("record_id", d.ID, "attempt", d.Attempt)

	rec, err := w.store.FindByID(ctx, d.ID)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			// Record was never created or was purged externally; nothing to
			// retry against.
			log.Warn("job references missing record, dropping")
			return nil
		}
		return err
	}
	if rec.Status.IsTerminal() {
		log.Warn("record already terminal, dropping duplicate delivery", "status", rec.Status)
		return nil
	}

	rec, err = w.store.UpdateStatus(ctx, d.ID, records.StatusProcessing,
		records.Patch{}.WithStartedAt(w.clock().UTC()))
	if err != nil {
		return err
	}

	// Stage 1: transcription.
	if _, err := w.store.UpdateStatus(ctx, d.ID, records.StatusTranscribing, records.Patch{}); err != nil {
		return err
	}
	tr, err := w.runTranscription(ctx, rec.RecordingURL)
	if err != nil {
		return w.stageFailure(ctx, log, d, err)
	}
	if _, err := w.store.UpdateStatus(ctx, d.ID, records.StatusLabelingSpeakers,
		records.Patch{}.WithTranscript(tr.Text).WithCost(tr.EstimatedCost)); err != nil {
		return err
	}

	// Stage 2: speaker labeling.
	labeled, err := w.runLabeling(ctx, tr.Text)
	if err != nil {
		return w.stageFailure(ctx, log, d, err)
	}
	if _, err := w.store.UpdateStatus(ctx, d.ID, records.StatusAnalyzingDisposition,
		records.Patch{}.WithLabeled(labeled)); err != nil {
		return err
	}

	// Stage 3: disposition classification.
	qc, err := w.runClassification(ctx, labeled, rec.CampaignName)
	if err != nil {
		return w.stageFailure(ctx, log, d, err)
	}

	if _, err := w.store.UpdateStatus(ctx, d.ID, records.StatusCompleted,
		records.Patch{}.WithQC(&qc).WithEndedAt(w.clock().UTC())); err != nil {
		return err
	}
	log.Info("call processed", "disposition", qc.Disposition)
	return nil
}

func (w *Worker) runTranscription(ctx context.Context, recordingURL string) (analysis.Transcription, error) {
	stageCtx, cancel := context.WithTimeout(ctx, w.stageTimeout)
	defer cancel()
	return w.transcriber.Transcribe(stageCtx, recordingURL)
}

func (w *Worker) runLabeling(ctx context.Context, transcript string) (string, error) {
	stageCtx, cancel := context.WithTimeout(ctx, w.stageTimeout)
	defer cancel()
	return w.labeler.LabelSpeakers(stageCtx, transcript)
}

func (w *Worker) runClassification(ctx context.Context, labeled, campaign string) (records.QCResult, error) {
	stageCtx, cancel := context.WithTimeout(ctx, w.stageTimeout)
	defer cancel()
	return w.classifier.Classify(stageCtx, labeled, campaign)
}

// stageFailure records a stage error. The returned error always propagates so
// the queue handles scheduling; the terminal *_failed write happens only on
// the last attempt.
func (w *Worker) stageFailure(ctx context.Context, log *slog.Logger, d queue.Delivery, stageErr error) error {
	// Shutdown cancellation is not an adapter failure: leave the record where
	// it is so the redelivered job re-runs the stage, with all attempts intact.
	if ctx.Err() != nil && errors.Is(stageErr, context.Canceled) {
		log.Info("stage interrupted by shutdown, leaving record for redelivery")
		return stageErr
	}

	failState := records.StatusFailed
	if stage, ok := analysis.StageOf(stageErr); ok {
		switch stage {
		case analysis.StageTranscription:
			failState = records.StatusTranscriptionFailed
		case analysis.StageLabeling:
			failState = records.StatusLabelingFailed
		case analysis.StageAnalysis:
			failState = records.StatusAnalysisFailed
		}
	}

	// Persist on a fresh context: a stage-deadline failure arrives with its
	// own context already expired, and the record must not lose its error
	// trail to that.
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if !d.Final() {
		rec, err := w.store.FindByID(writeCtx, d.ID)
		if err != nil {
			log.Error("record lookup for retryable stage error failed", "err", err)
			return stageErr
		}
		if _, err := w.store.UpdateStatus(writeCtx, d.ID, rec.Status,
			records.Patch{}.WithError(stageErr.Error())); err != nil {
			log.Error("recording retryable stage error failed", "err", err)
		}
		return stageErr
	}

	if _, err := w.store.UpdateStatus(writeCtx, d.ID, failState,
		records.Patch{}.WithError(stageErr.Error()).WithEndedAt(w.clock().UTC())); err != nil {
		log.Error("recording terminal failure failed", "state", failState, "err", err)
	}
	log.Warn("record failed terminally", "state", failState, "err", stageErr)
	return stageErr
}
