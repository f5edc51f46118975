package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/lox/skiverify/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 20, 15, 0, 0, 0, time.UTC))
	store := New(db).WithClock(clock)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func ptr[T any](v T) *T {
	return &v
}

func testReport(postDate models.Date) *models.VerificationReport {
	return &models.VerificationReport{
		PostDate:    postDate,
		ValidDates:  []models.Date{postDate.AddDays(2), postDate.AddDays(3)},
		GeneratedAt: time.Date(2025, 1, 20, 15, 0, 0, 0, time.UTC),
		Rows: []models.VerificationRow{
			{
				Area: "baker", Metric: "snowfall_total", Date: postDate.AddDays(2), Units: "inches",
				ObservedField: "snowfall_measured", ForecastValue: 20, ObservedValue: 18,
				AbsoluteError: 2, SignedError: 2, PercentError: ptr(11.11), WithinRange: ptr(true),
			},
			{
				Area: "baker", Metric: "temp_base", Day: "sat", Date: postDate.AddDays(3), Units: "F",
				ObservedField: "temp_base_sat", ForecastValue: 25, ObservedValue: 0,
				AbsoluteError: 25, SignedError: 25,
			},
		},
		Diagnostics: models.Diagnostics{OutOfWindowEntries: 3, UnmatchedMetrics: 1},
	}
}

func TestSaveAndGetVerification(t *testing.T) {
	store := setupTestStore(t)
	postDate := models.NewDate(2025, 1, 15)

	has, err := store.HasVerification(postDate)
	if err != nil {
		t.Fatalf("HasVerification: %v", err)
	}
	if has {
		t.Error("HasVerification = true before save")
	}

	if err := store.SaveVerification(testReport(postDate)); err != nil {
		t.Fatalf("SaveVerification: %v", err)
	}

	has, err = store.HasVerification(postDate)
	if err != nil {
		t.Fatalf("HasVerification: %v", err)
	}
	if !has {
		t.Error("HasVerification = false after save")
	}

	report, err := store.GetVerification(postDate)
	if err != nil {
		t.Fatalf("GetVerification: %v", err)
	}
	if report == nil {
		t.Fatal("GetVerification returned nil")
	}
	if len(report.Rows) != 2 {
		t.Fatalf("len(Rows) = %d, want 2", len(report.Rows))
	}
	if report.Diagnostics.OutOfWindowEntries != 3 {
		t.Errorf("OutOfWindowEntries = %d, want 3", report.Diagnostics.OutOfWindowEntries)
	}

	rows, err := store.GetRunRows(postDate)
	if err != nil {
		t.Fatalf("GetRunRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].PercentError == nil || *rows[0].PercentError != 11.11 {
		t.Errorf("rows[0].PercentError = %v, want 11.11", rows[0].PercentError)
	}
	if rows[0].WithinRange == nil || !*rows[0].WithinRange {
		t.Errorf("rows[0].WithinRange = %v, want true", rows[0].WithinRange)
	}
	if rows[1].PercentError != nil {
		t.Errorf("rows[1].PercentError = %v, want nil", *rows[1].PercentError)
	}
	if rows[1].WithinRange != nil {
		t.Errorf("rows[1].WithinRange = %v, want nil", *rows[1].WithinRange)
	}
	if rows[1].Day != "sat" {
		t.Errorf("rows[1].Day = %q, want sat", rows[1].Day)
	}
}

func TestGetVerification_NotFound(t *testing.T) {
	store := setupTestStore(t)

	report, err := store.GetVerification(models.NewDate(2025, 1, 15))
	if err != nil {
		t.Fatalf("GetVerification: %v", err)
	}
	if report != nil {
		t.Errorf("GetVerification = %+v, want nil", report)
	}
}

func TestSaveVerification_ReplacesPriorRun(t *testing.T) {
	store := setupTestStore(t)
	postDate := models.NewDate(2025, 1, 15)

	if err := store.SaveVerification(testReport(postDate)); err != nil {
		t.Fatalf("SaveVerification: %v", err)
	}

	rerun := testReport(postDate)
	rerun.Rows = rerun.Rows[:1]
	if err := store.SaveVerification(rerun); err != nil {
		t.Fatalf("SaveVerification rerun: %v", err)
	}

	rows, err := store.GetRunRows(postDate)
	if err != nil {
		t.Fatalf("GetRunRows: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("len(rows) = %d, want 1", len(rows))
	}

	runs, err := store.ListVerificationRuns(10)
	if err != nil {
		t.Fatalf("ListVerificationRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	if runs[0].RowCount != 1 {
		t.Errorf("RowCount = %d, want 1", runs[0].RowCount)
	}
}

func TestListVerificationRuns_NewestFirst(t *testing.T) {
	store := setupTestStore(t)

	for _, d := range []models.Date{models.NewDate(2025, 1, 8), models.NewDate(2025, 1, 15), models.NewDate(2025, 1, 1)} {
		if err := store.SaveVerification(testReport(d)); err != nil {
			t.Fatalf("SaveVerification %s: %v", d, err)
		}
	}

	runs, err := store.ListVerificationRuns(2)
	if err != nil {
		t.Fatalf("ListVerificationRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if runs[0].PostDate != "2025-01-15" {
		t.Errorf("runs[0].PostDate = %q, want 2025-01-15", runs[0].PostDate)
	}
	if runs[1].PostDate != "2025-01-08" {
		t.Errorf("runs[1].PostDate = %q, want 2025-01-08", runs[1].PostDate)
	}
	if len(runs[0].ValidDates) != 2 || runs[0].ValidDates[0] != "2025-01-17" {
		t.Errorf("runs[0].ValidDates = %v, want [2025-01-17 2025-01-18]", runs[0].ValidDates)
	}
	if runs[0].OutOfWindowEntries != 3 {
		t.Errorf("OutOfWindowEntries = %d, want 3", runs[0].OutOfWindowEntries)
	}
	if !runs[0].GeneratedAt.Equal(time.Date(2025, 1, 20, 15, 0, 0, 0, time.UTC)) {
		t.Errorf("GeneratedAt = %v", runs[0].GeneratedAt)
	}
}

func TestGetSeasonStats(t *testing.T) {
	store := setupTestStore(t)

	first := testReport(models.NewDate(2025, 1, 8))
	second := testReport(models.NewDate(2025, 1, 15))
	second.Rows[0].ObservedValue = 30
	second.Rows[0].AbsoluteError = 10
	second.Rows[0].SignedError = -10
	second.Rows[0].WithinRange = ptr(false)

	for _, r := range []*models.VerificationReport{first, second} {
		if err := store.SaveVerification(r); err != nil {
			t.Fatalf("SaveVerification: %v", err)
		}
	}

	stats, err := store.GetSeasonStats()
	if err != nil {
		t.Fatalf("GetSeasonStats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("len(stats) = %d, want 2", len(stats))
	}

	snow := stats[0]
	if snow.Area != "baker" || snow.Metric != "snowfall_total" {
		t.Fatalf("stats[0] = %s/%s, want baker/snowfall_total", snow.Area, snow.Metric)
	}
	if snow.Forecasts != 2 {
		t.Errorf("Forecasts = %d, want 2", snow.Forecasts)
	}
	if snow.MAE != 6 {
		t.Errorf("MAE = %v, want 6", snow.MAE)
	}
	if snow.Bias != -4 {
		t.Errorf("Bias = %v, want -4", snow.Bias)
	}
	if snow.WithinRangeCount != 1 || snow.RangedCount != 2 {
		t.Errorf("within = %d/%d, want 1/2", snow.WithinRangeCount, snow.RangedCount)
	}
	if snow.Units != "inches" {
		t.Errorf("Units = %q, want inches", snow.Units)
	}

	temp := stats[1]
	if temp.RangedCount != 0 {
		t.Errorf("temp RangedCount = %d, want 0", temp.RangedCount)
	}
}

func TestRecordErrors(t *testing.T) {
	store := setupTestStore(t)

	if err := store.InsertRecordError(models.NewDate(2025, 1, 15), "observations/baker_2025-01.json",
		"observations[2].date", "malformed_record", "required field missing"); err != nil {
		t.Fatalf("InsertRecordError: %v", err)
	}
	if err := store.InsertRecordError(models.Date{}, "forecasts/forecast_2025-01-16.json",
		"areas.baker.snowfall_total.range", "invalid_range", "low 24 > high 14"); err != nil {
		t.Fatalf("InsertRecordError: %v", err)
	}

	errs, err := store.GetRecentRecordErrors(10)
	if err != nil {
		t.Fatalf("GetRecentRecordErrors: %v", err)
	}
	if len(errs) != 2 {
		t.Fatalf("len(errs) = %d, want 2", len(errs))
	}
	if errs[0].Kind != "invalid_range" {
		t.Errorf("errs[0].Kind = %q, want invalid_range", errs[0].Kind)
	}
	if errs[0].PostDate.Valid {
		t.Errorf("errs[0].PostDate = %q, want NULL", errs[0].PostDate.String)
	}
	if errs[1].PostDate.String != "2025-01-15" {
		t.Errorf("errs[1].PostDate = %q, want 2025-01-15", errs[1].PostDate.String)
	}
}

func TestIngestRun_StartAndComplete(t *testing.T) {
	store := setupTestStore(t)

	run, err := store.StartIngestRun("snotel", "reportGenerator/daily", "909:WA:SNTL", "baker")
	if err != nil {
		t.Fatalf("StartIngestRun: %v", err)
	}
	if run.ID == 0 {
		t.Error("run.ID should be set")
	}
	if run.Source != "snotel" {
		t.Errorf("run.Source = %q, want 'snotel'", run.Source)
	}

	run.HTTPStatus = sql.NullInt64{Int64: 200, Valid: true}
	run.ResponseBytes = sql.NullInt64{Int64: 1024, Valid: true}
	run.Succeed(3)

	if err := store.CompleteIngestRun(run); err != nil {
		t.Fatalf("CompleteIngestRun: %v", err)
	}

	health, err := store.GetIngestHealth(1)
	if err != nil {
		t.Fatalf("GetIngestHealth: %v", err)
	}
	if len(health) != 1 {
		t.Fatalf("len(health) = %d, want 1", len(health))
	}
	if health[0].Source != "snotel" || health[0].Runs != 1 || health[0].Succeeded != 1 || health[0].Failed != 0 {
		t.Errorf("health = %+v, want one successful snotel run", health[0])
	}
	if health[0].Records != 3 {
		t.Errorf("Records = %d, want 3", health[0].Records)
	}
}

func TestGetIngestHealth_PerSource(t *testing.T) {
	store := setupTestStore(t)

	for _, ok := range []bool{true, true, false} {
		run, err := store.StartIngestRun("snotel", "reportGenerator/daily", "909:WA:SNTL", "baker")
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			run.Succeed(2)
		} else {
			run.Fail(errFake("status 503"))
		}
		if err := store.CompleteIngestRun(run); err != nil {
			t.Fatal(err)
		}
	}
	run, err := store.StartIngestRun("metar", "metar/stations", "KBLI", "baker")
	if err != nil {
		t.Fatal(err)
	}
	run.Fail(errFake("550 file unavailable"))
	if err := store.CompleteIngestRun(run); err != nil {
		t.Fatal(err)
	}

	health, err := store.GetIngestHealth(1)
	if err != nil {
		t.Fatalf("GetIngestHealth: %v", err)
	}
	want := []IngestHealth{
		{Source: "metar", Runs: 1, Succeeded: 0, Failed: 1, Records: 0},
		{Source: "snotel", Runs: 3, Succeeded: 2, Failed: 1, Records: 4},
	}
	if len(health) != len(want) {
		t.Fatalf("health = %+v, want %+v", health, want)
	}
	for i := range want {
		if health[i] != want[i] {
			t.Errorf("health[%d] = %+v, want %+v", i, health[i], want[i])
		}
	}
}

func TestIngestRun_GetRecentErrors(t *testing.T) {
	store := setupTestStore(t)

	run, err := store.StartIngestRun("metar", "metar/stations", "KBLI", "")
	if err != nil {
		t.Fatal(err)
	}
	run.Fail(errFake("550 file unavailable"))
	if err := store.CompleteIngestRun(run); err != nil {
		t.Fatal(err)
	}

	errors, err := store.GetRecentIngestErrors(10)
	if err != nil {
		t.Fatalf("GetRecentIngestErrors: %v", err)
	}
	if len(errors) != 1 {
		t.Fatalf("len(errors) = %d, want 1", len(errors))
	}
	if errors[0].ErrorMessage.String != "550 file unavailable" {
		t.Errorf("ErrorMessage = %q, want '550 file unavailable'", errors[0].ErrorMessage.String)
	}
	if errors[0].Area.Valid {
		t.Errorf("Area = %q, want NULL", errors[0].Area.String)
	}
}

type errFake string

func (e errFake) Error() string { return string(e) }

func TestRawPayload_RoundTripAndDedup(t *testing.T) {
	store := setupTestStore(t)

	run, err := store.StartIngestRun("snotel", "reportGenerator/daily", "909:WA:SNTL", "baker")
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("Date,Snow Depth (in)\n2025-01-17,96\n")

	id, err := store.StoreRawPayload(run, payload)
	if err != nil {
		t.Fatalf("StoreRawPayload: %v", err)
	}
	if id == 0 {
		t.Fatal("StoreRawPayload returned 0 for a new payload")
	}

	dup, err := store.StoreRawPayload(run, payload)
	if err != nil {
		t.Fatalf("StoreRawPayload duplicate: %v", err)
	}
	if dup != 0 {
		t.Errorf("duplicate id = %d, want 0", dup)
	}

	got, err := store.GetRawPayload(id)
	if err != nil {
		t.Fatalf("GetRawPayload: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("GetRawPayload = %q, want %q", got, payload)
	}

	stats, err := store.GetRawPayloadStats()
	if err != nil {
		t.Fatalf("GetRawPayloadStats: %v", err)
	}
	if stats.TotalCount != 1 || stats.CountBySource["snotel"] != 1 {
		t.Errorf("stats = %+v, want one snotel payload", stats)
	}
}

func TestCleanupOldRawPayloads(t *testing.T) {
	store := setupTestStore(t)
	clock := store.clock.(interface{ Advance(time.Duration) })

	if _, err := store.StoreRawPayload(nil, []byte("old")); err != nil {
		t.Fatal(err)
	}
	clock.Advance(40 * 24 * time.Hour)
	if _, err := store.StoreRawPayload(nil, []byte("new")); err != nil {
		t.Fatal(err)
	}

	deleted, err := store.CleanupOldRawPayloads(30)
	if err != nil {
		t.Fatalf("CleanupOldRawPayloads: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}

func TestMigrationVersion(t *testing.T) {
	store := setupTestStore(t)

	version, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("MigrationVersion = %d, want %d", version, len(migrations))
	}

	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}
