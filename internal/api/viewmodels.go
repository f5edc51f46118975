package api

import (
	"time"

	"github.com/lox/skiverify/internal/season"
)

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status           string         `json:"status"`
	Sources          []SourceHealth `json:"sources"`
	LastVerification string         `json:"last_verification,omitempty"`
	RawPayloads      int            `json:"raw_payloads"`
	RawPayloadBytes  int64          `json:"raw_payload_bytes"`
	RecordErrors     []string       `json:"record_errors,omitempty"`
	Errors           []string       `json:"errors,omitempty"`
}

// SourceHealth summarizes one collector's runs over the last day.
type SourceHealth struct {
	Source  string `json:"source"`
	Runs    int    `json:"runs"`
	Success int    `json:"success"`
	Failed  int    `json:"failed"`
	Records int64  `json:"records"`
	Stale   bool   `json:"stale"`
}

// RunSummary is one archived verification run in the API listing.
type RunSummary struct {
	PostDate           string    `json:"post_date"`
	ValidDates         []string  `json:"valid_dates"`
	GeneratedAt        time.Time `json:"generated_at"`
	Rows               int       `json:"rows"`
	UnmatchedAreas     int       `json:"unmatched_areas"`
	OutOfWindowEntries int       `json:"out_of_window_entries"`
	UnmatchedMetrics   int       `json:"unmatched_metrics"`
	SupersededEntries  int       `json:"superseded_entries"`
}

// AccuracyData contains everything rendered on the accuracy page.
type AccuracyData struct {
	Areas     []season.AreaSummary
	Runs      []RunRow
	HasData   bool
	UpdatedAt string
}

type RunRow struct {
	PostDate   string
	ValidDates string
	Rows       int
	Unmatched  int
	CardURL    string
}
