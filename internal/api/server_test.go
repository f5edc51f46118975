package api_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"image/png"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lox/skiverify/internal/api"
	"github.com/lox/skiverify/internal/imagegen"
	"github.com/lox/skiverify/internal/models"
	"github.com/lox/skiverify/internal/store"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) (*store.Store, *time.Location) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db)
	if err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	return s, time.UTC
}

func fp(v float64) *float64 { return &v }
func bp(v bool) *bool       { return &v }

func seedReport(t *testing.T, s *store.Store) *models.VerificationReport {
	t.Helper()
	r := &models.VerificationReport{
		PostDate:    models.NewDate(2025, 1, 15),
		ValidDates:  []models.Date{models.NewDate(2025, 1, 17), models.NewDate(2025, 1, 18)},
		GeneratedAt: time.Date(2025, 1, 19, 14, 0, 0, 0, time.UTC),
		Rows: []models.VerificationRow{
			{Area: "baker", Metric: "snowfall_total", Date: models.NewDate(2025, 1, 17), Units: "inches",
				ObservedField: "snowfall_total", ForecastValue: 12, ObservedValue: 8,
				AbsoluteError: 4, SignedError: 4, PercentError: fp(50), WithinRange: bp(true)},
		},
		Metrics: []models.MetricSummary{
			{Metric: "snowfall_total", Units: "inches", Count: 1, MeanAbsoluteError: 4, MeanSignedError: 4,
				WithinRangeCount: 1, RangedCount: 1, WithinRangePercentage: fp(100)},
		},
		Areas: []models.MetricSummary{
			{Area: "baker", Metric: "snowfall_total", Units: "inches", Count: 1, MeanAbsoluteError: 4, MeanSignedError: 4,
				WithinRangeCount: 1, RangedCount: 1, WithinRangePercentage: fp(100)},
		},
		Diagnostics: models.Diagnostics{UnmatchedAreas: 1, UnmatchedAreaIDs: []string{"alpental"}},
	}
	if err := s.SaveVerification(r); err != nil {
		t.Fatal(err)
	}
	return r
}

func get(t *testing.T, srv *api.Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	s, loc := setupTestStore(t)
	srv := api.NewServer(s, "8080", loc, nil)

	w := get(t, srv, "/health")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var health api.HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" {
		t.Errorf("Status = %q, want ok", health.Status)
	}
}

func TestHealthEndpoint_DegradedSource(t *testing.T) {
	t.Parallel()
	s, loc := setupTestStore(t)
	srv := api.NewServer(s, "8080", loc, nil)

	run, err := s.StartIngestRun("snotel", "reportGenerator/daily", "909:WA:SNTL", "baker")
	if err != nil {
		t.Fatal(err)
	}
	run.Fail(errors.New("status 503"))
	if err := s.CompleteIngestRun(run); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertRecordError(models.NewDate(2025, 1, 15), "observations/baker_2025-01.json", "observations[0].date", "malformed_record", "bad date"); err != nil {
		t.Fatal(err)
	}
	seedReport(t, s)

	w := get(t, srv, "/health")
	if w.Code != 503 {
		t.Fatalf("expected 503, got %d", w.Code)
	}

	var health api.HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "degraded" {
		t.Errorf("Status = %q, want degraded", health.Status)
	}
	if len(health.Sources) != 1 || !health.Sources[0].Stale || health.Sources[0].Failed != 1 {
		t.Errorf("Sources = %+v, want one stale snotel source", health.Sources)
	}
	if health.LastVerification != "2025-01-15" {
		t.Errorf("LastVerification = %q, want 2025-01-15", health.LastVerification)
	}
	if len(health.RecordErrors) != 1 || !strings.Contains(health.RecordErrors[0], "bad date") {
		t.Errorf("RecordErrors = %v", health.RecordErrors)
	}
}

func TestVerificationRunsEndpoint(t *testing.T) {
	t.Parallel()
	s, loc := setupTestStore(t)
	seedReport(t, s)
	srv := api.NewServer(s, "8080", loc, nil)

	w := get(t, srv, "/api/verification")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var runs []api.RunSummary
	if err := json.Unmarshal(w.Body.Bytes(), &runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].PostDate != "2025-01-15" || runs[0].Rows != 1 || runs[0].UnmatchedAreas != 1 {
		t.Errorf("run = %+v", runs[0])
	}

	if w := get(t, srv, "/api/verification?limit=abc"); w.Code != 400 {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
}

func TestVerificationEndpoint(t *testing.T) {
	t.Parallel()
	s, loc := setupTestStore(t)
	seedReport(t, s)
	srv := api.NewServer(s, "8080", loc, nil)

	w := get(t, srv, "/api/verification/2025-01-15")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{`"post_date":"2025-01-15"`, `"within_range":true`, `"percent_error":50`} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in response", want)
		}
	}

	if w := get(t, srv, "/api/verification/2025-02-01"); w.Code != 404 {
		t.Errorf("missing run: expected 404, got %d", w.Code)
	}
	if w := get(t, srv, "/api/verification/last-week"); w.Code != 400 {
		t.Errorf("bad date: expected 400, got %d", w.Code)
	}
}

func TestSeasonEndpoint(t *testing.T) {
	t.Parallel()
	s, loc := setupTestStore(t)
	seedReport(t, s)
	srv := api.NewServer(s, "8080", loc, nil)

	w := get(t, srv, "/api/season")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"area":"baker"`) {
		t.Error("expected baker in season summary")
	}
	if !strings.Contains(body, `"mean_absolute_error":4`) {
		t.Error("expected mean_absolute_error 4")
	}
}

func TestAccuracyPage_NoData(t *testing.T) {
	t.Parallel()
	s, loc := setupTestStore(t)
	srv := api.NewServer(s, "8080", loc, nil)

	w := get(t, srv, "/accuracy")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	if !strings.Contains(body, "<h1>Forecast Accuracy</h1>") {
		t.Error("expected h1 'Forecast Accuracy'")
	}
	if !strings.Contains(body, "No verified forecasts yet.") {
		t.Error("expected empty state")
	}
	if strings.Contains(body, `id="runs"`) {
		t.Error("expected no runs table when no data")
	}
}

func TestAccuracyPage_WithData(t *testing.T) {
	t.Parallel()
	s, loc := setupTestStore(t)
	seedReport(t, s)
	srv := api.NewServer(s, "8080", loc, nil)

	w := get(t, srv, "/accuracy")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, want := range []string{
		"<h2>BAKER</h2>",
		"snowfall total",
		"4.0 inches",
		`class="bad">+4.0`,
		"1/1 (100%)",
		`href="/card/2025-01-15.png"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in page", want)
		}
	}
	if strings.Contains(body, "&#43;") {
		t.Error("signed bias should render a literal plus sign")
	}
}

func TestCardEndpoint(t *testing.T) {
	t.Parallel()
	s, loc := setupTestStore(t)
	seedReport(t, s)
	cards := imagegen.NewCardCache(filepath.Join(t.TempDir(), "cards"))
	srv := api.NewServer(s, "8080", loc, cards)

	w := get(t, srv, "/card/2025-01-15.png")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != imagegen.CardWidth {
		t.Errorf("width = %d, want %d", img.Bounds().Dx(), imagegen.CardWidth)
	}

	if got := cards.List(); len(got) != 1 || got[0].String() != "2025-01-15" {
		t.Errorf("cached cards = %v", got)
	}

	if w := get(t, srv, "/card/2025-02-01.png"); w.Code != 404 {
		t.Errorf("missing run: expected 404, got %d", w.Code)
	}
	if w := get(t, srv, "/card/2025-01-15.jpg"); w.Code != 404 {
		t.Errorf("wrong extension: expected 404, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s, loc := setupTestStore(t)
	srv := api.NewServer(s, "8080", loc, nil)

	w := get(t, srv, "/metrics")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Error("expected Go runtime metrics")
	}
}
