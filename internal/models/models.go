package models

import (
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

// Date is a calendar date with no time of day, stored as UTC midnight.
type Date struct {
	time.Time
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return Date{t}, nil
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar date in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, m, d)
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

func (d Date) AddDays(n int) Date {
	return Date{d.AddDate(0, 0, n)}
}

// MonthKey returns the YYYY-MM key used by observation file names.
func (d Date) MonthKey() string {
	return d.Format("2006-01")
}

// DayLabel is the weekday label used as a day key, e.g. "sat".
func (d Date) DayLabel() string {
	return [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}[d.Weekday()]
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", d.String())), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("date must be a string: %s", b)
	}
	parsed, err := ParseDate(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

type ForecastRecord struct {
	PostDate   Date
	ValidDates []Date
	Areas      map[string]AreaForecast
	CreatedAt  time.Time
}

// InWindow reports whether d is one of the forecast's valid dates.
func (f *ForecastRecord) InWindow(d Date) bool {
	for _, v := range f.ValidDates {
		if v.Equal(d.Time) {
			return true
		}
	}
	return false
}

// AreaForecast maps metric name (e.g. "snowfall_total") to its forecast.
type AreaForecast map[string]MetricForecast

type MetricForecast struct {
	Forecast *float64   // flat point estimate
	Days     []DayValue // per-day values, in file order
	Range    *Range
	Units    string
}

type DayValue struct {
	Label string
	Value float64
}

type Range struct {
	Low  float64
	High float64
}

// Contains is inclusive on both ends.
func (r Range) Contains(v float64) bool {
	return r.Low <= v && v <= r.High
}

type ObservationSet struct {
	Area         string
	Observations []ObservationEntry
}

type ObservationEntry struct {
	Date        Date
	Data        map[string]float64
	Notes       map[string]string // non-numeric annotations such as "source"
	CollectedAt time.Time
}

type VerificationRow struct {
	Area          string   `json:"area"`
	Metric        string   `json:"metric"`
	Day           string   `json:"day,omitempty"`
	Date          Date     `json:"date"`
	Units         string   `json:"units,omitempty"`
	ObservedField string   `json:"observed_field"`
	ForecastValue float64  `json:"forecast_value"`
	ObservedValue float64  `json:"observed_value"`
	AbsoluteError float64  `json:"absolute_error"`
	SignedError   float64  `json:"signed_error"`
	PercentError  *float64 `json:"percent_error,omitempty"`
	WithinRange   *bool    `json:"within_range,omitempty"`
}

type MetricSummary struct {
	Area                  string   `json:"area,omitempty"`
	Metric                string   `json:"metric"`
	Units                 string   `json:"units,omitempty"`
	Count                 int      `json:"count"`
	MeanAbsoluteError     float64  `json:"mean_absolute_error"`
	MeanSignedError       float64  `json:"mean_signed_error"`
	WithinRangeCount      int      `json:"within_range_count"`
	RangedCount           int      `json:"ranged_count"`
	WithinRangePercentage *float64 `json:"within_range_percentage,omitempty"`
}

type Diagnostics struct {
	UnmatchedAreas           int      `json:"unmatched_areas"`
	UnmatchedAreaIDs         []string `json:"unmatched_area_ids,omitempty"`
	OutOfWindowEntries       int      `json:"out_of_window_entries"`
	UnmatchedMetrics         int      `json:"unmatched_metrics"`
	UnmatchedMetricKeys      []string `json:"unmatched_metric_keys,omitempty"`
	SupersededEntries        int      `json:"superseded_entries"`
	AreasWithoutObservations []string `json:"areas_without_observations,omitempty"`
}

type VerificationReport struct {
	PostDate    Date              `json:"post_date"`
	ValidDates  []Date            `json:"valid_dates"`
	GeneratedAt time.Time         `json:"generated_at,omitzero"`
	Rows        []VerificationRow `json:"rows"`
	Metrics     []MetricSummary   `json:"metrics"`
	Areas       []MetricSummary   `json:"areas"`
	Diagnostics Diagnostics       `json:"diagnostics"`
}
