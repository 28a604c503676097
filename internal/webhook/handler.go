// Package webhook is the ingestion gateway: it validates call-completion
// notifications, acknowledges the sender before the pipeline runs, and hands
// accepted calls to the record store and work queue.
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"callqc-platform/internal/queue"
	"callqc-platform/internal/records"
	"callqc-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	msgQueued        = "Webhook received and queued for processing"
	msgMissingFields = "Missing required fields: recording_url and system_call_id"
)

// Handler ingests call-completion webhooks.
//
// Acknowledgment is decoupled from processing: the 200 goes out as soon as the
// payload validates, and record creation plus enqueue run afterwards. A
// failure in that later step is logged, never surfaced to the sender - the
// accepted data-loss window callers must cover with reconciliation if they
// need a processing guarantee.
type Handler struct {
	Store records.Store
	Queue queue.Enqueuer

	// ReprocessTerminal re-queues a notification whose record already settled
	// (completed or *_failed). Default false: late duplicates are ignored.
	ReprocessTerminal bool

	// done, when set, is signalled after the post-ack hand-off finishes.
	// Tests use it to wait for the async step.
	done func()
}

// HandleCall is the gin handler for POST /webhooks/calls.
func (h *Handler) HandleCall(c *gin.Context) {
	log := logger.FromGin(c)

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "unreadable body"})
		return
	}

	payload, normalized, err := ParsePayload(body)
	if err != nil || !payload.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": msgMissingFields})
		return
	}

	// Ack now; the sender must not wait on pipeline latency.
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msgQueued})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		h.accept(logger.With(ctx, log), payload, normalized)
		if h.done != nil {
			h.done()
		}
	}()
}

// accept performs the post-ack hand-off: dedup, record creation, enqueue.
func (h *Handler) accept(ctx context.Context, payload Payload, normalized map[string]string) {
	log := logger.From(ctx).With("external_call_id", payload.SystemCallID)

	existing, err := h.Store.FindByExternalID(ctx, payload.SystemCallID)
	switch {
	case err == nil:
		h.acceptExisting(ctx, existing)
		return
	case !errors.Is(err, records.ErrNotFound):
		log.Error("webhook dedup lookup failed", "err", err)
		return
	}

	rec, err := h.Store.Create(ctx, records.CallRecord{
		ExternalCallID: payload.SystemCallID,
		RawPayload:     Raw(normalized),
		RecordingURL:   payload.RecordingURL,
		CampaignName:   payload.CampaignName,
		CallerID:       payload.CallerNumber,
		PublisherID:    payload.PublisherID,
		BuyerID:        payload.BuyerID,
		Status:         records.StatusQueued,
	})
	if err != nil {
		if errors.Is(err, records.ErrDuplicate) {
			// Lost a race with a concurrent duplicate notification.
			log.Info("duplicate webhook, record already created")
			return
		}
		log.Error("record creation failed after ack", "err", err)
		return
	}

	if err := h.Queue.Enqueue(ctx, queue.Job{ID: rec.ID}); err != nil {
		if errors.Is(err, queue.ErrDuplicateJob) {
			log.Info("job already queued", "record_id", rec.ID)
			return
		}
		log.Error("enqueue failed after ack", "record_id", rec.ID, "err", err)
		return
	}
	log.Info("call queued for processing", "record_id", rec.ID)
}

func (h *Handler) acceptExisting(ctx context.Context, rec records.CallRecord) {
	log := logger.From(ctx).With("external_call_id", rec.ExternalCallID, "record_id", rec.ID)

	if !rec.Status.IsTerminal() {
		log.Info("duplicate webhook for in-flight call, ignoring", "status", rec.Status)
		return
	}
	if !h.ReprocessTerminal {
		log.Info("duplicate webhook for settled call, ignoring", "status", rec.Status)
		return
	}

	if _, err := h.Store.UpdateStatus(ctx, rec.ID, records.StatusQueued,
		records.Patch{}.WithError("")); err != nil {
		log.Error("reprocess requeue failed", "err", err)
		return
	}
	if err := h.Queue.Enqueue(ctx, queue.Job{ID: rec.ID}); err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		log.Error("reprocess enqueue failed", "err", err)
		return
	}
	log.Info("settled call re-queued for reprocessing", "previous_status", rec.Status)
}
