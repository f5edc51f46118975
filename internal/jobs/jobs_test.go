package jobs

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/lox/skiverify/internal/models"
	"github.com/lox/skiverify/internal/records"
	"github.com/lox/skiverify/internal/store"
)

var now = time.Date(2025, 1, 21, 16, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Jobs, records.Layout, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(now)
	st := store.New(db).WithClock(clock)
	require.NoError(t, st.Migrate())

	layout := records.Layout{Root: t.TempDir()}
	return New(layout, st, clock), layout, st
}

func saveForecast(t *testing.T, l records.Layout, postDate models.Date, validDates ...models.Date) {
	t.Helper()
	snow := 20.0
	_, err := records.SaveForecast(l, &models.ForecastRecord{
		PostDate:   postDate,
		ValidDates: validDates,
		Areas: map[string]models.AreaForecast{
			"baker": {"snowfall_total": {Forecast: &snow, Range: &models.Range{Low: 14, High: 24}, Units: "inches"}},
		},
	})
	require.NoError(t, err)
}

func observe(t *testing.T, l records.Layout, area string, date models.Date, value float64) {
	t.Helper()
	_, err := records.AppendObservation(l, area, models.ObservationEntry{
		Date:        date,
		Data:        map[string]float64{"snowfall_measured": value},
		CollectedAt: now,
	})
	require.NoError(t, err)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestVerifyForecast(t *testing.T) {
	j, l, st := setup(t)
	postDate := models.NewDate(2025, 1, 15)
	saveForecast(t, l, postDate, models.NewDate(2025, 1, 16), models.NewDate(2025, 1, 17))
	observe(t, l, "baker", models.NewDate(2025, 1, 17), 18)
	observe(t, l, "baker", models.NewDate(2025, 1, 20), 4)

	report, err := j.VerifyForecast(context.Background(), postDate)
	require.NoError(t, err)

	require.Len(t, report.Rows, 1)
	assert.Equal(t, "snowfall_measured", report.Rows[0].ObservedField)
	assert.Equal(t, 1, report.Diagnostics.OutOfWindowEntries)
	assert.WithinDuration(t, now, report.GeneratedAt, 0)

	archived, err := st.GetVerification(postDate)
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.Len(t, archived.Rows, 1)

	assert.FileExists(t, l.ReportPath(postDate, "json"))
	text, err := os.ReadFile(l.ReportPath(postDate, "txt"))
	require.NoError(t, err)
	assert.Contains(t, string(text), "BAKER")
}

func TestVerifyForecast_SkipsBadObservationFile(t *testing.T) {
	j, l, st := setup(t)
	postDate := models.NewDate(2025, 1, 15)
	saveForecast(t, l, postDate, models.NewDate(2025, 1, 17))
	observe(t, l, "baker", models.NewDate(2025, 1, 17), 18)
	writeFile(t, l.ObservationPath("stevens", "2025-01"), `{"area":"stevens","observations":[{"data":{}}]}`)

	report, err := j.VerifyForecast(context.Background(), postDate)
	require.NoError(t, err)
	assert.Len(t, report.Rows, 1)

	errs, err := st.GetRecentRecordErrors(10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "malformed_record", errs[0].Kind)
	assert.Equal(t, "observations[0].date", errs[0].Field)
	assert.Equal(t, l.ObservationPath("stevens", "2025-01"), errs[0].Path)
	assert.Equal(t, "2025-01-15", errs[0].PostDate.String)
}

func TestVerifyForecast_OverflowingForecastFails(t *testing.T) {
	j, l, st := setup(t)
	postDate := models.NewDate(2025, 1, 15)
	writeFile(t, l.ForecastPath(postDate),
		`{"valid_dates":["2025-01-17"],"areas":{"baker":{"snowfall_total":{"forecast":1e400}}}}`)

	_, err := j.VerifyForecast(context.Background(), postDate)
	require.ErrorIs(t, err, records.ErrMalformedRecord)

	has, err := st.HasVerification(postDate)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestVerifyForecast_ReportWriteFailureArchivesNothing(t *testing.T) {
	j, l, st := setup(t)
	postDate := models.NewDate(2025, 1, 15)
	saveForecast(t, l, postDate, models.NewDate(2025, 1, 17))
	observe(t, l, "baker", models.NewDate(2025, 1, 17), 18)
	writeFile(t, l.ReportDir(), "not a directory")

	_, err := j.VerifyForecast(context.Background(), postDate)
	require.Error(t, err)

	has, err := st.HasVerification(postDate)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestVerifyForecast_BadForecastFails(t *testing.T) {
	j, l, st := setup(t)
	postDate := models.NewDate(2025, 1, 15)
	writeFile(t, l.ForecastPath(postDate),
		`{"valid_dates":["2025-01-17"],"areas":{"baker":{"snowfall_total":{"forecast":20,"range":[24,14]}}}}`)

	_, err := j.VerifyForecast(context.Background(), postDate)
	require.ErrorIs(t, err, records.ErrInvalidRange)

	has, err := st.HasVerification(postDate)
	require.NoError(t, err)
	assert.False(t, has)

	errs, err := st.GetRecentRecordErrors(10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "invalid_range", errs[0].Kind)
}

func TestVerifyForecast_ReadsEveryWindowMonth(t *testing.T) {
	j, l, _ := setup(t)
	postDate := models.NewDate(2025, 1, 30)
	saveForecast(t, l, postDate, models.NewDate(2025, 2, 1))
	observe(t, l, "baker", models.NewDate(2025, 2, 1), 22)

	report, err := j.VerifyForecast(context.Background(), postDate)
	require.NoError(t, err)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, 22.0, report.Rows[0].ObservedValue)
}

func TestVerifySeason_ContinuesPastFailures(t *testing.T) {
	j, l, _ := setup(t)
	good := models.NewDate(2025, 1, 8)
	bad := models.NewDate(2025, 1, 15)
	saveForecast(t, l, good, models.NewDate(2025, 1, 10))
	writeFile(t, l.ForecastPath(bad), `{"valid_dates":["2025-01-17"],"areas":{"baker":{"temp_base":{"forecast":25,"sat":24}}}}`)
	observe(t, l, "baker", models.NewDate(2025, 1, 10), 12)

	run, err := j.VerifySeason(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.Date{good}, run.Verified)
	assert.Equal(t, []models.Date{bad}, run.Failed)
}

func TestVerifyEnded(t *testing.T) {
	j, l, st := setup(t)
	ended := models.NewDate(2025, 1, 15)
	open := models.NewDate(2025, 1, 20)
	already := models.NewDate(2025, 1, 8)
	saveForecast(t, l, ended, models.NewDate(2025, 1, 17), models.NewDate(2025, 1, 18))
	saveForecast(t, l, open, models.NewDate(2025, 1, 21), models.NewDate(2025, 1, 22))
	saveForecast(t, l, already, models.NewDate(2025, 1, 10))

	_, err := j.VerifyForecast(context.Background(), already)
	require.NoError(t, err)

	verified, err := j.VerifyEnded(context.Background(), models.NewDate(2025, 1, 21))
	require.NoError(t, err)
	assert.Equal(t, []models.Date{ended}, verified)

	has, err := st.HasVerification(open)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestToday(t *testing.T) {
	j, _, _ := setup(t)
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	assert.Equal(t, "2025-01-21", j.Today(loc).String())
	assert.Equal(t, "2025-01-21", j.Today(time.UTC).String())
}
