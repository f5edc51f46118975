package ingest

import (
	"context"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/skiverify/internal/jobs"
	"github.com/lox/skiverify/internal/models"
	"github.com/lox/skiverify/internal/store"
)

// Raw payloads older than this are pruned by the daily job.
const rawPayloadRetentionDays = 90

type MeteogramFetcher interface {
	FetchAll(ctx context.Context) ([]string, error)
}

type Scheduler struct {
	store      *store.Store
	collector  *Collector
	jobs       *jobs.Jobs
	meteograms MeteogramFetcher
	loc        *time.Location
	clock      clockwork.Clock

	snotelInterval    time.Duration
	metarInterval     time.Duration
	meteogramInterval time.Duration
	dailyHour         int
	lastDaily         models.Date
}

func NewScheduler(st *store.Store, collector *Collector, j *jobs.Jobs, loc *time.Location, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		store:             st,
		collector:         collector,
		jobs:              j,
		loc:               loc,
		clock:             clock,
		snotelInterval:    6 * time.Hour,
		metarInterval:     1 * time.Hour,
		meteogramInterval: 12 * time.Hour,
		dailyHour:         6,
	}
}

// SetMeteogramFetcher configures the scheduler to refresh CW3E meteograms.
func (s *Scheduler) SetMeteogramFetcher(f MeteogramFetcher) {
	s.meteograms = f
}

func (s *Scheduler) Run(ctx context.Context) {
	s.collectSnotel(ctx)
	s.collectMETAR(ctx)
	s.fetchMeteograms(ctx)
	s.runDailyJobsIfNeeded(ctx)

	snotelTicker := s.clock.NewTicker(s.snotelInterval)
	metarTicker := s.clock.NewTicker(s.metarInterval)
	meteogramTicker := s.clock.NewTicker(s.meteogramInterval)
	dailyTicker := s.clock.NewTicker(1 * time.Hour)
	defer snotelTicker.Stop()
	defer metarTicker.Stop()
	defer meteogramTicker.Stop()
	defer dailyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("scheduler: shutting down")
			return
		case <-snotelTicker.Chan():
			s.collectSnotel(ctx)
		case <-metarTicker.Chan():
			s.collectMETAR(ctx)
		case <-meteogramTicker.Chan():
			s.fetchMeteograms(ctx)
		case <-dailyTicker.Chan():
			s.runDailyJobsIfNeeded(ctx)
		}
	}
}

func (s *Scheduler) collectSnotel(ctx context.Context) {
	if s.collector == nil {
		return
	}
	n, err := s.collector.CollectSnotel(ctx)
	if err != nil {
		log.Printf("scheduler: snotel: %v", err)
	}
	log.Printf("scheduler: appended %d snotel observations", n)
}

func (s *Scheduler) collectMETAR(ctx context.Context) {
	if s.collector == nil {
		return
	}
	n, err := s.collector.CollectMETAR(ctx)
	if err != nil {
		log.Printf("scheduler: metar: %v", err)
	}
	log.Printf("scheduler: appended %d metar observations", n)
}

func (s *Scheduler) fetchMeteograms(ctx context.Context) {
	if s.meteograms == nil {
		return
	}
	paths, err := s.meteograms.FetchAll(ctx)
	if err != nil {
		log.Printf("scheduler: meteograms: %v", err)
	}
	log.Printf("scheduler: refreshed %d meteograms", len(paths))
}

// runDailyJobsIfNeeded verifies forecasts whose window has closed, once per
// local day after dailyHour.
func (s *Scheduler) runDailyJobsIfNeeded(ctx context.Context) bool {
	localNow := s.clock.Now().In(s.loc)
	today := models.DateOf(localNow)
	if localNow.Hour() < s.dailyHour || s.lastDaily.Equal(today.Time) {
		return false
	}
	s.lastDaily = today

	log.Printf("scheduler: running daily jobs for %s", today)
	verified, err := s.jobs.VerifyEnded(ctx, today)
	if err != nil {
		log.Printf("scheduler: verify ended: %v", err)
	}
	log.Printf("scheduler: verified %d ended forecasts", len(verified))

	if s.store != nil {
		deleted, err := s.store.CleanupOldRawPayloads(rawPayloadRetentionDays)
		if err != nil {
			log.Printf("scheduler: cleanup raw payloads: %v", err)
		} else if deleted > 0 {
			log.Printf("scheduler: pruned %d raw payloads", deleted)
		}
	}
	return true
}
