package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/lox/skiverify/internal/models"
	"github.com/lox/skiverify/internal/season"
)

const defaultRunLimit = 50

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleAPIVerificationRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.store.ListVerificationRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, RunSummary{
			PostDate:           run.PostDate,
			ValidDates:         run.ValidDates,
			GeneratedAt:        run.GeneratedAt,
			Rows:               run.RowCount,
			UnmatchedAreas:     run.UnmatchedAreas,
			OutOfWindowEntries: run.OutOfWindowEntries,
			UnmatchedMetrics:   run.UnmatchedMetrics,
			SupersededEntries:  run.SupersededEntries,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAPIVerification(w http.ResponseWriter, r *http.Request) {
	postDate, err := models.ParseDate(r.PathValue("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	report, err := s.store.GetVerification(postDate)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if report == nil {
		writeError(w, http.StatusNotFound, "no verification for "+postDate.String())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAPISeason(w http.ResponseWriter, r *http.Request) {
	summary, err := season.Summarize(s.store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
