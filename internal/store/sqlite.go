package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/skiverify/internal/models"
)

type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

func New(db *sql.DB) *Store {
	return &Store{db: db, clock: clockwork.NewRealClock()}
}

// WithClock replaces the clock used for audit timestamps.
func (s *Store) WithClock(c clockwork.Clock) *Store {
	s.clock = c
	return s
}

// VerificationRun is the archived summary of one verification run.
type VerificationRun struct {
	PostDate           string
	ValidDates         []string
	GeneratedAt        time.Time
	RowCount           int
	UnmatchedAreas     int
	OutOfWindowEntries int
	UnmatchedMetrics   int
	SupersededEntries  int
}

// SaveVerification archives a report, replacing any earlier run for the same
// post date.
func (s *Store) SaveVerification(r *models.VerificationReport) error {
	reportJSON, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	postDate := r.PostDate.String()
	dates := make([]string, len(r.ValidDates))
	for i, d := range r.ValidDates {
		dates[i] = d.String()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM verification_rows WHERE post_date = ?`, postDate); err != nil {
		return fmt.Errorf("clear rows: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM verification_runs WHERE post_date = ?`, postDate); err != nil {
		return fmt.Errorf("clear run: %w", err)
	}

	d := r.Diagnostics
	if _, err := tx.Exec(`
		INSERT INTO verification_runs (post_date, valid_dates, generated_at, row_count,
			unmatched_areas, out_of_window_entries, unmatched_metrics, superseded_entries, report_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, postDate, strings.Join(dates, ","), r.GeneratedAt.UTC(), len(r.Rows),
		d.UnmatchedAreas, d.OutOfWindowEntries, d.UnmatchedMetrics, d.SupersededEntries, string(reportJSON)); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO verification_rows (post_date, area, metric, day, valid_date, units, observed_field,
			forecast_value, observed_value, absolute_error, signed_error, percent_error, within_range)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare rows: %w", err)
	}
	defer stmt.Close()

	for _, row := range r.Rows {
		var pct sql.NullFloat64
		if row.PercentError != nil {
			pct = sql.NullFloat64{Float64: *row.PercentError, Valid: true}
		}
		var within sql.NullBool
		if row.WithinRange != nil {
			within = sql.NullBool{Bool: *row.WithinRange, Valid: true}
		}
		if _, err := stmt.Exec(postDate, row.Area, row.Metric, row.Day, row.Date.String(), row.Units,
			row.ObservedField, row.ForecastValue, row.ObservedValue, row.AbsoluteError, row.SignedError,
			pct, within); err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) HasVerification(postDate models.Date) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM verification_runs WHERE post_date = ?`, postDate.String()).Scan(&count)
	return count > 0, err
}

// GetVerification returns the archived report for a post date, or nil if the
// forecast has not been verified.
func (s *Store) GetVerification(postDate models.Date) (*models.VerificationReport, error) {
	var reportJSON string
	err := s.db.QueryRow(`SELECT report_json FROM verification_runs WHERE post_date = ?`, postDate.String()).Scan(&reportJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r models.VerificationReport
	if err := json.Unmarshal([]byte(reportJSON), &r); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", postDate, err)
	}
	return &r, nil
}

// ListVerificationRuns returns the most recent runs, newest post date first.
func (s *Store) ListVerificationRuns(limit int) ([]VerificationRun, error) {
	rows, err := s.db.Query(`
		SELECT post_date, valid_dates, generated_at, row_count,
			unmatched_areas, out_of_window_entries, unmatched_metrics, superseded_entries
		FROM verification_runs
		ORDER BY post_date DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []VerificationRun
	for rows.Next() {
		var r VerificationRun
		var dates string
		if err := rows.Scan(&r.PostDate, &dates, &r.GeneratedAt, &r.RowCount,
			&r.UnmatchedAreas, &r.OutOfWindowEntries, &r.UnmatchedMetrics, &r.SupersededEntries); err != nil {
			return nil, err
		}
		if dates != "" {
			r.ValidDates = strings.Split(dates, ",")
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SeasonStat aggregates every archived row for one area and metric.
type SeasonStat struct {
	Area             string
	Metric           string
	Units            string
	Forecasts        int
	Comparisons      int
	MAE              float64
	Bias             float64
	WithinRangeCount int
	RangedCount      int
}

func (s *Store) GetSeasonStats() ([]SeasonStat, error) {
	rows, err := s.db.Query(`
		SELECT
			area,
			metric,
			COALESCE(MAX(units), '') as units,
			COUNT(DISTINCT post_date) as forecasts,
			COUNT(*) as comparisons,
			AVG(absolute_error) as mae,
			AVG(signed_error) as bias,
			COALESCE(SUM(CASE WHEN within_range THEN 1 ELSE 0 END), 0) as within_count,
			COUNT(within_range) as ranged_count
		FROM verification_rows
		GROUP BY area, metric
		ORDER BY area, metric
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []SeasonStat
	for rows.Next() {
		var st SeasonStat
		if err := rows.Scan(&st.Area, &st.Metric, &st.Units, &st.Forecasts, &st.Comparisons,
			&st.MAE, &st.Bias, &st.WithinRangeCount, &st.RangedCount); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// GetRunRows returns the archived rows of one run in report order.
func (s *Store) GetRunRows(postDate models.Date) ([]models.VerificationRow, error) {
	rows, err := s.db.Query(`
		SELECT area, metric, day, valid_date, units, observed_field,
			forecast_value, observed_value, absolute_error, signed_error, percent_error, within_range
		FROM verification_rows
		WHERE post_date = ?
		ORDER BY id
	`, postDate.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.VerificationRow
	for rows.Next() {
		var r models.VerificationRow
		var date string
		var pct sql.NullFloat64
		var within sql.NullBool
		if err := rows.Scan(&r.Area, &r.Metric, &r.Day, &date, &r.Units, &r.ObservedField,
			&r.ForecastValue, &r.ObservedValue, &r.AbsoluteError, &r.SignedError, &pct, &within); err != nil {
			return nil, err
		}
		if r.Date, err = models.ParseDate(date); err != nil {
			return nil, fmt.Errorf("parse row date %q: %w", date, err)
		}
		if pct.Valid {
			r.PercentError = &pct.Float64
		}
		if within.Valid {
			r.WithinRange = &within.Bool
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
