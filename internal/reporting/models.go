package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SummaryRequest requests aggregated QC metrics over call records.
// Range is optional; a zero range means all time.
type SummaryRequest struct {
	Range    TimeRange `json:"range"`
	Campaign string    `json:"campaign,omitempty"`
}

type Summary struct {
	Campaign string `json:"campaign,omitempty"`

	TotalCalls     int `json:"total_calls"`
	CompletedCalls int `json:"completed_calls"`
	FailedCalls    int `json:"failed_calls"`
	InFlightCalls  int `json:"in_flight_calls"`

	ByStatus      map[string]int `json:"by_status"`
	ByDisposition map[string]int `json:"by_disposition"`

	TotalEstimatedCost   float64 `json:"total_estimated_cost"`
	AverageEstimatedCost float64 `json:"average_estimated_cost"`

	// Processing time is measured from processing_started_at to
	// processing_ended_at, completed calls only.
	AverageProcessingSeconds float64 `json:"average_processing_seconds"`
}

// ListRequest requests a page of call records for review.
type ListRequest struct {
	Range       TimeRange `json:"range"`
	Campaign    string    `json:"campaign,omitempty"`
	Status      string    `json:"status,omitempty"`
	Disposition string    `json:"disposition,omitempty"`
	Offset      int       `json:"offset"`
	Limit       int       `json:"limit"`
}

// ExportRequest selects records for CSV/XLSX export.
// Exports are bounded; Limit caps the row count and defaults to maxExportRows.
type ExportRequest struct {
	Range       TimeRange `json:"range"`
	Campaign    string    `json:"campaign,omitempty"`
	Status      string    `json:"status,omitempty"`
	Disposition string    `json:"disposition,omitempty"`
	Limit       int       `json:"limit,omitempty"`
}
