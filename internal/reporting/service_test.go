package reporting

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"callqc-platform/internal/records"
)

func seedStore(t *testing.T) *records.MemoryStore {
	t.Helper()
	store := records.NewMemoryStore()
	base := time.Unix(1700000000, 0).UTC()
	tick := 0
	store.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	ctx := context.Background()

	mk := func(ext, campaign string) records.CallRecord {
		rec, err := store.Create(ctx, records.CallRecord{
			ExternalCallID: ext,
			RecordingURL:   "https://cdn.example.com/" + ext + ".mp3",
			CampaignName:   campaign,
		})
		if err != nil {
			t.Fatalf("create %s: %v", ext, err)
		}
		return rec
	}

	complete := func(rec records.CallRecord, disposition string, cost float64, seconds int) {
		started := base
		ended := base.Add(time.Duration(seconds) * time.Second)
		_, err := store.UpdateStatus(ctx, rec.ID, records.StatusCompleted,
			records.Patch{}.
				WithQC(&records.QCResult{Disposition: disposition, Sentiment: "neutral"}).
				WithCost(cost).
				WithStartedAt(started).
				WithEndedAt(ended))
		if err != nil {
			t.Fatalf("complete %s: %v", rec.ExternalCallID, err)
		}
	}

	complete(mk("ext-1", "solar"), "Sale", 0.50, 60)
	complete(mk("ext-2", "solar"), "Not Interested", 0.30, 120)
	complete(mk("ext-3", "medicare"), "Sale", 0.20, 30)

	failed := mk("ext-4", "solar")
	if _, err := store.UpdateStatus(ctx, failed.ID, records.StatusTranscriptionFailed,
		records.Patch{}.WithError("transcription: upstream 500")); err != nil {
		t.Fatalf("fail ext-4: %v", err)
	}

	mk("ext-5", "solar") // stays queued

	return store
}

func TestSummaryAggregates(t *testing.T) {
	svc := NewService(seedStore(t))

	out, err := svc.Summary(context.Background(), SummaryRequest{})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if out.TotalCalls != 5 || out.CompletedCalls != 3 || out.FailedCalls != 1 || out.InFlightCalls != 1 {
		t.Fatalf("unexpected totals: %+v", out)
	}
	if out.ByStatus["completed"] != 3 || out.ByStatus["transcription_failed"] != 1 || out.ByStatus["queued"] != 1 {
		t.Fatalf("unexpected by_status: %+v", out.ByStatus)
	}
	if out.ByDisposition["Sale"] != 2 || out.ByDisposition["Not Interested"] != 1 {
		t.Fatalf("unexpected by_disposition: %+v", out.ByDisposition)
	}
	if got, want := out.TotalEstimatedCost, 1.0; got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("unexpected total cost: %v", got)
	}
	if got, want := out.AverageProcessingSeconds, 70.0; got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("unexpected avg processing seconds: %v", got)
	}
}

func TestSummaryFiltersByCampaign(t *testing.T) {
	svc := NewService(seedStore(t))

	out, err := svc.Summary(context.Background(), SummaryRequest{Campaign: "medicare"})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if out.TotalCalls != 1 || out.CompletedCalls != 1 {
		t.Fatalf("unexpected campaign totals: %+v", out)
	}
	if out.ByDisposition["Sale"] != 1 {
		t.Fatalf("unexpected by_disposition: %+v", out.ByDisposition)
	}
}

func TestSummaryRejectsBackwardRange(t *testing.T) {
	svc := NewService(seedStore(t))
	base := time.Unix(1700000000, 0).UTC()
	_, err := svc.Summary(context.Background(), SummaryRequest{
		Range: TimeRange{From: base, To: base.Add(-time.Hour)},
	})
	if err == nil {
		t.Fatalf("expected invalid range error")
	}
}

func TestListRecordsPaginatesAndFilters(t *testing.T) {
	svc := NewService(seedStore(t))

	rows, total, err := svc.ListRecords(context.Background(), ListRequest{Status: "completed", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(rows) != 2 {
		t.Fatalf("expected 3 total / 2 rows, got %d / %d", total, len(rows))
	}

	if _, _, err := svc.ListRecords(context.Background(), ListRequest{Status: "bogus"}); err == nil {
		t.Fatalf("expected unknown status error")
	}
}

func TestExportCSV(t *testing.T) {
	svc := NewService(seedStore(t))

	var buf bytes.Buffer
	if err := svc.ExportCSV(context.Background(), &buf, ExportRequest{Status: "completed"}); err != nil {
		t.Fatalf("export: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header + 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "id" || rows[0][7] != "disposition" {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	var sales int
	for _, r := range rows[1:] {
		if r[7] == "Sale" {
			sales++
		}
	}
	if sales != 2 {
		t.Fatalf("expected 2 Sale rows, got %d", sales)
	}
}

func TestExportXLSXWritesWorkbook(t *testing.T) {
	svc := NewService(seedStore(t))

	var buf bytes.Buffer
	if err := svc.ExportXLSX(context.Background(), &buf, ExportRequest{}); err != nil {
		t.Fatalf("export: %v", err)
	}
	// xlsx files are zip archives; check the magic bytes.
	if !strings.HasPrefix(buf.String(), "PK") {
		t.Fatalf("expected zip container, got %q", buf.String()[:4])
	}
}
