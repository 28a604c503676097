package reporting

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"callqc-platform/internal/records"

	"github.com/xuri/excelize/v2"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxExportRows   = 10000
)

// exportColumns is the shared column layout for CSV and XLSX exports.
var exportColumns = []string{
	"id",
	"external_call_id",
	"campaign_name",
	"caller_id",
	"publisher_id",
	"buyer_id",
	"status",
	"disposition",
	"sub_disposition",
	"sentiment",
	"confidence_level",
	"summary",
	"error",
	"estimated_cost",
	"created_at",
	"updated_at",
}

type Service struct {
	store records.Store
}

func NewService(store records.Store) *Service { return &Service{store: store} }

func (s *Service) Summary(ctx context.Context, req SummaryRequest) (Summary, error) {
	if s.store == nil {
		return Summary{}, errors.New("reporting: store not configured")
	}
	if err := validateRange(req.Range); err != nil {
		return Summary{}, err
	}

	filter := records.ListFilter{
		Campaign: req.Campaign,
		From:     req.Range.From,
		To:       req.Range.To,
	}

	out := Summary{
		Campaign:      req.Campaign,
		ByStatus:      map[string]int{},
		ByDisposition: map[string]int{},
	}

	counts, err := s.store.CountByStatus(ctx, filter)
	if err != nil {
		return Summary{}, err
	}
	for st, n := range counts {
		out.ByStatus[string(st)] = n
		out.TotalCalls += n
		switch {
		case st == records.StatusCompleted:
			out.CompletedCalls += n
		case st.IsFailure():
			out.FailedCalls += n
		default:
			out.InFlightCalls += n
		}
	}

	// Disposition and cost aggregates need row data; walk the matching
	// records page by page.
	var costCount, procCount, offset int
	var procSeconds float64
	pageSize := maxPageSize
	for {
		rows, total, err := s.store.List(ctx, filter, offset, pageSize)
		if err != nil {
			return Summary{}, err
		}
		for _, r := range rows {
			if r.Disposition != "" {
				out.ByDisposition[r.Disposition]++
			}
			if r.EstimatedCost > 0 {
				out.TotalEstimatedCost += r.EstimatedCost
				costCount++
			}
			if r.Status == records.StatusCompleted && r.ProcessingStartedAt != nil && r.ProcessingEndedAt != nil {
				procSeconds += r.ProcessingEndedAt.Sub(*r.ProcessingStartedAt).Seconds()
				procCount++
			}
		}
		offset += len(rows)
		if len(rows) == 0 || offset >= total {
			break
		}
	}
	if costCount > 0 {
		out.AverageEstimatedCost = out.TotalEstimatedCost / float64(costCount)
	}
	if procCount > 0 {
		out.AverageProcessingSeconds = procSeconds / float64(procCount)
	}
	return out, nil
}

// ListRecords returns one page of records plus the total match count.
func (s *Service) ListRecords(ctx context.Context, req ListRequest) ([]records.CallRecord, int, error) {
	if s.store == nil {
		return nil, 0, errors.New("reporting: store not configured")
	}
	if err := validateRange(req.Range); err != nil {
		return nil, 0, err
	}
	if req.Offset < 0 || req.Limit < 0 {
		return nil, 0, ErrInvalidRequest
	}
	filter, err := buildFilter(req.Range, req.Campaign, req.Status, req.Disposition)
	if err != nil {
		return nil, 0, err
	}

	limit := req.Limit
	if limit == 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return s.store.List(ctx, filter, req.Offset, limit)
}

// ExportCSV streams matching records as CSV.
func (s *Service) ExportCSV(ctx context.Context, w io.Writer, req ExportRequest) error {
	rows, err := s.exportRows(ctx, req)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportColumns); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(exportRow(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportXLSX writes matching records as a single-sheet workbook.
func (s *Service) ExportXLSX(ctx context.Context, w io.Writer, req ExportRequest) error {
	rows, err := s.exportRows(ctx, req)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Calls"
	f.SetSheetName("Sheet1", sheet)

	for col, name := range exportColumns {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, name); err != nil {
			return err
		}
	}
	for i, r := range rows {
		for col, v := range exportRow(r) {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}

	_, err = f.WriteTo(w)
	return err
}

func (s *Service) exportRows(ctx context.Context, req ExportRequest) ([]records.CallRecord, error) {
	if s.store == nil {
		return nil, errors.New("reporting: store not configured")
	}
	if err := validateRange(req.Range); err != nil {
		return nil, err
	}
	filter, err := buildFilter(req.Range, req.Campaign, req.Status, req.Disposition)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 || limit > maxExportRows {
		limit = maxExportRows
	}

	var out []records.CallRecord
	offset := 0
	for len(out) < limit {
		page := maxPageSize
		if remaining := limit - len(out); remaining < page {
			page = remaining
		}
		rows, total, err := s.store.List(ctx, filter, offset, page)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
		offset += len(rows)
		if len(rows) == 0 || offset >= total {
			break
		}
	}
	return out, nil
}

func buildFilter(r TimeRange, campaign, status, disposition string) (records.ListFilter, error) {
	filter := records.ListFilter{
		Campaign:    campaign,
		Disposition: disposition,
		From:        r.From,
		To:          r.To,
	}
	if status != "" {
		st := records.Status(strings.TrimSpace(status))
		if !st.IsValid() {
			return records.ListFilter{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
		}
		filter.Status = st
	}
	return filter, nil
}

func validateRange(r TimeRange) error {
	if r.From.IsZero() && r.To.IsZero() {
		return nil
	}
	if r.From.IsZero() || r.To.IsZero() || !r.To.After(r.From) {
		return ErrInvalidRequest
	}
	return nil
}

func exportRow(r records.CallRecord) []string {
	var sub, sentiment, confidence, summary string
	if r.QC != nil {
		sub = r.QC.SubDisposition
		sentiment = r.QC.Sentiment
		confidence = r.QC.ConfidenceLevel
		summary = r.QC.Summary
	}
	cost := ""
	if r.EstimatedCost > 0 {
		cost = strconv.FormatFloat(r.EstimatedCost, 'f', 4, 64)
	}
	return []string{
		r.ID,
		r.ExternalCallID,
		r.CampaignName,
		r.CallerID,
		r.PublisherID,
		r.BuyerID,
		string(r.Status),
		r.Disposition,
		sub,
		sentiment,
		confidence,
		summary,
		r.Error,
		cost,
		r.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		r.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}
