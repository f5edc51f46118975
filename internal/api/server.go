package api

import (
	"context"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/skiverify/internal/imagegen"
	"github.com/lox/skiverify/internal/store"
)

type Server struct {
	store     *store.Store
	port      string
	loc       *time.Location
	assetsDir string
	tmpl      *template.Template
	cards     *imagegen.CardCache
	clock     clockwork.Clock
	cardMu    sync.Mutex // serializes card rendering so a cold cache renders once
}

func NewServer(st *store.Store, port string, loc *time.Location, cards *imagegen.CardCache) *Server {
	return &Server{
		store: st,
		port:  port,
		loc:   loc,
		tmpl:  newTemplates(),
		cards: cards,
		clock: clockwork.NewRealClock(),
	}
}

// WithAssetsDir lets card requests use saved meteograms as backgrounds.
func (s *Server) WithAssetsDir(dir string) *Server {
	s.assetsDir = dir
	return s
}

func (s *Server) WithClock(c clockwork.Clock) *Server {
	s.clock = c
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /accuracy", s.handleAccuracy)
	mux.HandleFunc("GET /api/verification", s.handleAPIVerificationRuns)
	mux.HandleFunc("GET /api/verification/{date}", s.handleAPIVerification)
	mux.HandleFunc("GET /api/season", s.handleAPISeason)
	mux.HandleFunc("GET /card/{file}", s.handleCard)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
