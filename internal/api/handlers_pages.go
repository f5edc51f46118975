package api

import (
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/lox/skiverify/internal/imagegen"
	"github.com/lox/skiverify/internal/models"
	"github.com/lox/skiverify/internal/season"
)

// Number of recent runs listed on the accuracy page.
const accuracyRunLimit = 20

func (s *Server) handleAccuracy(w http.ResponseWriter, r *http.Request) {
	data := &AccuracyData{
		UpdatedAt: s.clock.Now().In(s.loc).Format("Jan 2, 2006 3:04 PM"),
	}

	summary, err := season.Summarize(s.store)
	if err != nil {
		log.Printf("accuracy: season summary: %v", err)
	} else {
		data.Areas = summary.Areas
	}

	runs, err := s.store.ListVerificationRuns(accuracyRunLimit)
	if err != nil {
		log.Printf("accuracy: list runs: %v", err)
	}
	for _, run := range runs {
		data.Runs = append(data.Runs, RunRow{
			PostDate:   run.PostDate,
			ValidDates: strings.Join(run.ValidDates, ", "),
			Rows:       run.RowCount,
			Unmatched:  run.UnmatchedAreas + run.UnmatchedMetrics,
			CardURL:    "/card/" + run.PostDate + ".png",
		})
	}
	data.HasData = len(data.Areas) > 0

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, "accuracy.html", data); err != nil {
		log.Printf("accuracy: render: %v", err)
		http.Error(w, "render failed", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ingest, err := s.store.GetIngestHealth(1)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	health := HealthStatus{
		Status:  "ok",
		Sources: []SourceHealth{},
	}

	for _, h := range ingest {
		sh := SourceHealth{
			Source:  h.Source,
			Runs:    h.Runs,
			Success: h.Succeeded,
			Failed:  h.Failed,
			Records: h.Records,
			Stale:   h.Runs > 0 && h.Succeeded == 0,
		}
		if sh.Stale {
			health.Status = "degraded"
		}
		health.Sources = append(health.Sources, sh)
	}

	runs, err := s.store.ListVerificationRuns(1)
	if err != nil {
		health.Errors = append(health.Errors, "verification runs: "+err.Error())
	} else if len(runs) > 0 {
		health.LastVerification = runs[0].PostDate
	}

	stats, err := s.store.GetRawPayloadStats()
	if err != nil {
		health.Errors = append(health.Errors, "raw payloads: "+err.Error())
	} else {
		health.RawPayloads = stats.TotalCount
		health.RawPayloadBytes = stats.TotalSizeBytes
	}

	recErrs, err := s.store.GetRecentRecordErrors(5)
	if err != nil {
		health.Errors = append(health.Errors, "record errors: "+err.Error())
	}
	for _, e := range recErrs {
		health.RecordErrors = append(health.RecordErrors, e.Path+": "+e.Reason)
	}

	if len(health.Errors) > 0 {
		health.Status = "error"
	}

	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// handleCard serves /card/<post-date>.png, rendering it on a cache miss.
// ?area=<id> uses that area's saved meteogram as the background.
func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	name, ok := strings.CutSuffix(r.PathValue("file"), ".png")
	if !ok {
		http.NotFound(w, r)
		return
	}
	postDate, err := models.ParseDate(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	report, err := s.store.GetVerification(postDate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if report == nil {
		http.NotFound(w, r)
		return
	}

	area := r.URL.Query().Get("area")
	useCache := s.cards != nil && area == ""
	if useCache {
		if data, ok := s.cards.Get(postDate, report.GeneratedAt); ok {
			serveCard(w, data)
			return
		}
	}

	s.cardMu.Lock()
	defer s.cardMu.Unlock()

	if useCache {
		if data, ok := s.cards.Get(postDate, report.GeneratedAt); ok {
			serveCard(w, data)
			return
		}
	}

	card := imagegen.CardFromReport(report)
	if area != "" {
		card.Background = s.meteogram(area)
	}
	data, err := imagegen.RenderCard(card)
	if err != nil {
		log.Printf("card: render %s: %v", postDate, err)
		http.Error(w, "card rendering failed", http.StatusInternalServerError)
		return
	}
	if useCache {
		if err := s.cards.Set(postDate, data); err != nil {
			log.Printf("card: cache %s: %v", postDate, err)
		}
	}
	serveCard(w, data)
}

// meteogram returns the saved panel for area, or nil.
func (s *Server) meteogram(area string) []byte {
	if s.assetsDir == "" || strings.ContainsAny(area, `/\.`) {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(s.assetsDir, "images", area+"_meteogram.png"))
	if err != nil {
		return nil
	}
	return data
}

func serveCard(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

// Helper functions for the accuracy page

func biasClass(bias float64) string {
	abs := bias
	if abs < 0 {
		abs = -abs
	}
	if abs <= 1 {
		return "good"
	}
	if abs <= 3 {
		return "ok"
	}
	return "bad"
}
