package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/skiverify/internal/metrics"
	"github.com/lox/skiverify/internal/models"
	"github.com/lox/skiverify/internal/records"
	"github.com/lox/skiverify/internal/store"
	"github.com/lox/skiverify/internal/verify"
)

// Jobs runs verification against the files under a data directory and
// archives the results.
type Jobs struct {
	layout records.Layout
	store  *store.Store
	clock  clockwork.Clock
	engine *verify.Engine
}

func New(layout records.Layout, st *store.Store, clock clockwork.Clock) *Jobs {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Jobs{
		layout: layout,
		store:  st,
		clock:  clock,
		engine: verify.NewEngine(verify.DefaultFieldMap),
	}
}

// WithFieldMap overrides the metric to observation field mapping.
func (j *Jobs) WithFieldMap(fields verify.FieldMap) *Jobs {
	j.engine = verify.NewEngine(fields)
	return j
}

// VerifyForecast verifies one forecast against every observation file for
// the months it covers. Observation files that fail validation are skipped
// and recorded; a forecast that fails validation fails the run.
func (j *Jobs) VerifyForecast(ctx context.Context, postDate models.Date) (*models.VerificationReport, error) {
	start := j.clock.Now()

	fc, err := records.LoadForecast(j.layout.ForecastPath(postDate))
	if err != nil {
		j.recordError(postDate, j.layout.ForecastPath(postDate), err)
		metrics.VerificationRunsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("load forecast %s: %w", postDate, err)
	}

	sets, err := j.loadObservations(ctx, fc)
	if err != nil {
		metrics.VerificationRunsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	report := j.engine.Verify(fc, sets)
	report.GeneratedAt = j.clock.Now().UTC()

	// Reports go to disk first so a run is only archived once it serialized.
	if err := records.WriteReport(j.layout, report, verify.RenderText(report)); err != nil {
		metrics.VerificationRunsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("write report %s: %w", postDate, err)
	}
	if err := j.store.SaveVerification(report); err != nil {
		metrics.VerificationRunsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("archive verification %s: %w", postDate, err)
	}

	metrics.VerificationRunsTotal.WithLabelValues("success").Inc()
	metrics.VerificationRows.Add(float64(len(report.Rows)))
	metrics.VerificationDuration.Observe(j.clock.Since(start).Seconds())

	d := report.Diagnostics
	log.Printf("jobs: verified %s: %d rows, %d unmatched metrics, %d out-of-window, %d unmatched areas",
		postDate, len(report.Rows), d.UnmatchedMetrics, d.OutOfWindowEntries, d.UnmatchedAreas)
	return report, nil
}

func (j *Jobs) loadObservations(ctx context.Context, fc *models.ForecastRecord) ([]models.ObservationSet, error) {
	files, err := j.layout.ObservationFiles(records.ObservationMonths(fc))
	if err != nil {
		return nil, fmt.Errorf("list observation files: %w", err)
	}

	var sets []models.ObservationSet
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		set, err := records.LoadObservationSet(path)
		if err != nil {
			log.Printf("jobs: skipping %s: %v", path, err)
			j.recordError(fc.PostDate, path, err)
			continue
		}
		sets = append(sets, *set)
	}
	return sets, nil
}

func (j *Jobs) recordError(postDate models.Date, path string, err error) {
	kind := records.KindName(err)
	metrics.RecordsSkipped.WithLabelValues(kind).Inc()

	field, reason := "", err.Error()
	var recErr *records.RecordError
	if errors.As(err, &recErr) {
		field, reason = recErr.Field, recErr.Reason
	}
	if err := j.store.InsertRecordError(postDate, path, field, kind, reason); err != nil {
		log.Printf("jobs: failed to record error for %s: %v", path, err)
	}
}

// SeasonRun lists the outcome of a season-wide verification.
type SeasonRun struct {
	Verified []models.Date
	Failed   []models.Date
}

// VerifySeason re-verifies every forecast file. A failing forecast is logged
// and the run moves on to the next one.
func (j *Jobs) VerifySeason(ctx context.Context) (*SeasonRun, error) {
	dates, err := j.layout.Forecasts()
	if err != nil {
		return nil, fmt.Errorf("list forecasts: %w", err)
	}

	run := &SeasonRun{}
	for _, d := range dates {
		if err := ctx.Err(); err != nil {
			return run, err
		}
		if _, err := j.VerifyForecast(ctx, d); err != nil {
			log.Printf("jobs: season: %v", err)
			run.Failed = append(run.Failed, d)
			continue
		}
		run.Verified = append(run.Verified, d)
	}

	log.Printf("jobs: season: verified %d forecasts, %d failed", len(run.Verified), len(run.Failed))
	return run, nil
}

// VerifyEnded verifies forecasts whose window closed before today and that
// have not been archived yet. Returns the post dates it verified.
func (j *Jobs) VerifyEnded(ctx context.Context, today models.Date) ([]models.Date, error) {
	dates, err := j.layout.Forecasts()
	if err != nil {
		return nil, fmt.Errorf("list forecasts: %w", err)
	}

	var verified []models.Date
	for _, d := range dates {
		if err := ctx.Err(); err != nil {
			return verified, err
		}

		has, err := j.store.HasVerification(d)
		if err != nil {
			return verified, fmt.Errorf("check verification %s: %w", d, err)
		}
		if has {
			continue
		}

		fc, err := records.LoadForecast(j.layout.ForecastPath(d))
		if err != nil {
			log.Printf("jobs: skipping %s: %v", d, err)
			j.recordError(d, j.layout.ForecastPath(d), err)
			continue
		}
		if !windowClosed(fc, today) {
			continue
		}

		if _, err := j.VerifyForecast(ctx, d); err != nil {
			log.Printf("jobs: verify %s: %v", d, err)
			continue
		}
		verified = append(verified, d)
	}
	return verified, nil
}

// Today returns the current date in loc.
func (j *Jobs) Today(loc *time.Location) models.Date {
	return models.DateOf(j.clock.Now().In(loc))
}

func windowClosed(fc *models.ForecastRecord, today models.Date) bool {
	for _, d := range fc.ValidDates {
		if !d.Before(today.Time) {
			return false
		}
	}
	return true
}
