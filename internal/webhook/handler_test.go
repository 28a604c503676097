package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"callqc-platform/internal/queue"
	"callqc-platform/internal/records"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.POST("/webhooks/calls", h.HandleCall)
	return r
}

func postJSON(t *testing.T, r *gin.Engine, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/calls", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) response {
	t.Helper()
	var resp response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestHandleCall_MissingRequiredFields(t *testing.T) {
	store := records.NewMemoryStore()
	q := queue.NewMemoryQueue(queue.Options{})
	h := &Handler{Store: store, Queue: q}
	r := newTestRouter(h)

	bodies := []string{
		`{}`,
		`{"recording_url": "https://cdn.example/x.mp3"}`,
		`{"system_call_id": "SC1"}`,
		`not json`,
	}
	for _, body := range bodies {
		w := postJSON(t, r, body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, w.Code)
		}
		resp := decodeResponse(t, w)
		if resp.Success || resp.Message != msgMissingFields {
			t.Fatalf("body %q: unexpected response %+v", body, resp)
		}
	}

	// no side effects
	if _, total, err := store.List(context.Background(), records.ListFilter{}, 0, 10); err != nil || total != 0 {
		t.Fatalf("expected no records, total=%d err=%v", total, err)
	}
	if pending, scheduled, active, _, _ := q.Depths(); pending+scheduled+active != 0 {
		t.Fatalf("expected no jobs")
	}
}

func TestHandleCall_ValidPayloadCreatesRecordAndJob(t *testing.T) {
	store := records.NewMemoryStore()
	q := queue.NewMemoryQueue(queue.Options{})

	var wg sync.WaitGroup
	wg.Add(1)
	h := &Handler{Store: store, Queue: q, done: wg.Done}
	r := newTestRouter(h)

	w := postJSON(t, r, `{"system_call_id": "SC100", "recording_url ": "https://cdn.example/x.mp3", "campaign_name": "Solar-A", "caller_number": "+15550001111"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeResponse(t, w)
	if !resp.Success || resp.Message != msgQueued {
		t.Fatalf("unexpected response: %+v", resp)
	}

	waitDone(t, &wg)

	rec, err := store.FindByExternalID(context.Background(), "SC100")
	if err != nil {
		t.Fatalf("record not created: %v", err)
	}
	if rec.Status != records.StatusQueued {
		t.Fatalf("expected queued, got %s", rec.Status)
	}
	if rec.RecordingURL != "https://cdn.example/x.mp3" || rec.CampaignName != "Solar-A" || rec.CallerID != "+15550001111" {
		t.Fatalf("payload fields not copied: %+v", rec)
	}
	if rec.RawPayload == "" || !strings.Contains(rec.RawPayload, "SC100") {
		t.Fatalf("raw payload not retained: %q", rec.RawPayload)
	}

	pending, _, _, _, _ := q.Depths()
	if pending != 1 {
		t.Fatalf("expected 1 pending job, got %d", pending)
	}
}

func TestHandleCall_DuplicateWhileInFlight(t *testing.T) {
	store := records.NewMemoryStore()
	q := queue.NewMemoryQueue(queue.Options{})

	var wg sync.WaitGroup
	wg.Add(2)
	h := &Handler{Store: store, Queue: q, done: wg.Done}
	r := newTestRouter(h)

	body := `{"system_call_id": "SC1", "recording_url": "https://cdn.example/x.mp3"}`
	if w := postJSON(t, r, body); w.Code != http.StatusOK {
		t.Fatalf("first post: %d", w.Code)
	}
	if w := postJSON(t, r, body); w.Code != http.StatusOK {
		t.Fatalf("second post: %d", w.Code)
	}
	waitDone(t, &wg)

	_, total, err := store.List(context.Background(), records.ListFilter{}, 0, 10)
	if err != nil || total != 1 {
		t.Fatalf("expected exactly one record, total=%d err=%v", total, err)
	}
	pending, scheduled, active, _, _ := q.Depths()
	if pending+scheduled+active != 1 {
		t.Fatalf("expected exactly one outstanding job, got pending=%d scheduled=%d active=%d", pending, scheduled, active)
	}
}

func TestHandleCall_TerminalDuplicateIgnoredByDefault(t *testing.T) {
	store := records.NewMemoryStore()
	q := queue.NewMemoryQueue(queue.Options{})

	rec := createSettledRecord(t, store, "SC9")

	var wg sync.WaitGroup
	wg.Add(1)
	h := &Handler{Store: store, Queue: q, done: wg.Done}
	r := newTestRouter(h)

	if w := postJSON(t, r, `{"system_call_id": "SC9", "recording_url": "https://cdn.example/x.mp3"}`); w.Code != http.StatusOK {
		t.Fatalf("post: %d", w.Code)
	}
	waitDone(t, &wg)

	got, err := store.FindByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != records.StatusCompleted {
		t.Fatalf("settled record must stay settled, got %s", got.Status)
	}
	if pending, scheduled, active, _, _ := q.Depths(); pending+scheduled+active != 0 {
		t.Fatalf("expected no job for ignored duplicate")
	}
}

func TestHandleCall_TerminalDuplicateReprocessedWhenEnabled(t *testing.T) {
	store := records.NewMemoryStore()
	q := queue.NewMemoryQueue(queue.Options{})

	rec := createSettledRecord(t, store, "SC9")

	var wg sync.WaitGroup
	wg.Add(1)
	h := &Handler{Store: store, Queue: q, ReprocessTerminal: true, done: wg.Done}
	r := newTestRouter(h)

	if w := postJSON(t, r, `{"system_call_id": "SC9", "recording_url": "https://cdn.example/x.mp3"}`); w.Code != http.StatusOK {
		t.Fatalf("post: %d", w.Code)
	}
	waitDone(t, &wg)

	got, err := store.FindByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != records.StatusQueued {
		t.Fatalf("expected requeued record, got %s", got.Status)
	}
	if pending, _, _, _, _ := q.Depths(); pending != 1 {
		t.Fatalf("expected 1 pending job")
	}
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(ctx context.Context, job queue.Job) error {
	return errors.New("broker unavailable")
}

func TestHandleCall_EnqueueFailureIsSilentToCaller(t *testing.T) {
	store := records.NewMemoryStore()

	var wg sync.WaitGroup
	wg.Add(1)
	h := &Handler{Store: store, Queue: failingEnqueuer{}, done: wg.Done}
	r := newTestRouter(h)

	w := postJSON(t, r, `{"system_call_id": "SC2", "recording_url": "https://cdn.example/x.mp3"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("ack must not depend on enqueue, got %d", w.Code)
	}
	waitDone(t, &wg)

	// the record exists even though the job was lost
	if _, err := store.FindByExternalID(context.Background(), "SC2"); err != nil {
		t.Fatalf("record should exist: %v", err)
	}
}

func createSettledRecord(t *testing.T, store *records.MemoryStore, ext string) records.CallRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := store.Create(ctx, records.CallRecord{ExternalCallID: ext, RecordingURL: "u"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, st := range []records.Status{
		records.StatusProcessing, records.StatusTranscribing, records.StatusLabelingSpeakers,
		records.StatusAnalyzingDisposition, records.StatusCompleted,
	} {
		if _, err := store.UpdateStatus(ctx, rec.ID, st, records.Patch{}); err != nil {
			t.Fatalf("advance to %s: %v", st, err)
		}
	}
	return rec
}

func waitDone(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("async hand-off did not finish")
	}
}
