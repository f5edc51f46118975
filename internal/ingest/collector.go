package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/skiverify/internal/metrics"
	"github.com/lox/skiverify/internal/models"
	"github.com/lox/skiverify/internal/records"
)

// AreaSource names the upstream stations observed for a ski area.
type AreaSource struct {
	Area         string
	SnotelSite   string // NRCS station number, e.g. "909"
	METARStation string // ICAO id of the nearest base-elevation station
}

type SnotelFetcher interface {
	FetchDaily(ctx context.Context, site string, start, end models.Date) ([]SnotelDay, error)
}

type METARFetcher interface {
	FetchLatest(ctx context.Context, station string) (*METARReading, error)
}

// Collector appends upstream observations to the per-area observation files.
type Collector struct {
	layout  records.Layout
	snotel  SnotelFetcher
	metar   METARFetcher
	sources []AreaSource
	clock   clockwork.Clock
	loc     *time.Location
}

func NewCollector(layout records.Layout, snotel SnotelFetcher, metar METARFetcher, sources []AreaSource, clock clockwork.Clock, loc *time.Location) *Collector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Collector{
		layout:  layout,
		snotel:  snotel,
		metar:   metar,
		sources: sources,
		clock:   clock,
		loc:     loc,
	}
}

func (c *Collector) today() models.Date {
	return models.DateOf(c.clock.Now().In(c.loc))
}

// CollectSnotel appends today's SNOTEL values for every area with a site.
// snowfall_24h is the day-over-day gain in snow depth, with settling counted
// as zero. On the last valid date of a forecast window for the area,
// snowfall_measured holds the gain summed over the whole window.
func (c *Collector) CollectSnotel(ctx context.Context) (int, error) {
	today := c.today()
	windows := c.windowsEnding(today)
	appended := 0
	var firstErr error

	for _, src := range c.sources {
		if src.SnotelSite == "" || c.snotel == nil {
			continue
		}
		start := today.AddDays(-1)
		windowStart, inWindow := windows[src.Area]
		if inWindow && windowStart.AddDays(-1).Before(start.Time) {
			start = windowStart.AddDays(-1)
		}
		days, err := c.snotel.FetchDaily(ctx, src.SnotelSite, start, today)
		if err != nil {
			log.Printf("ingest: snotel %s (%s): %v", src.SnotelSite, src.Area, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		var flags []string
		for i := range days {
			if f := ValidateSnotelDay(&days[i]); len(f) > 0 && days[i].Date.Equal(today.Time) {
				flags = f
			}
		}

		entry, ok := snotelEntry(days, today)
		if !ok {
			log.Printf("ingest: snotel %s has no values for %s yet", src.SnotelSite, today)
			continue
		}
		if inWindow {
			if total, ok := snowfallSince(days, windowStart, today); ok {
				entry.Data["snowfall_measured"] = total
			}
		}
		entry.Notes = map[string]string{"source": fmt.Sprintf("SNOTEL Site %s", src.SnotelSite)}
		if len(flags) > 0 {
			log.Printf("ingest: snotel %s %s: dropped values %v", src.SnotelSite, today, flags)
			entry.Notes["qc_flags"] = QualityFlagsToJSON(flags)
		}
		entry.CollectedAt = c.clock.Now().UTC()

		path, err := records.AppendObservation(c.layout, src.Area, entry)
		if err != nil {
			log.Printf("ingest: append %s: %v", src.Area, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.ObservationsAppended.WithLabelValues(src.Area, "snotel").Inc()
		log.Printf("ingest: snotel %s -> %s (%d values)", src.SnotelSite, path, len(entry.Data))
		appended++
	}
	return appended, firstErr
}

// windowsEnding maps each area to the first valid date of the most recently
// posted forecast whose window ends on date.
func (c *Collector) windowsEnding(date models.Date) map[string]models.Date {
	out := make(map[string]models.Date)
	postDates, err := c.layout.Forecasts()
	if err != nil {
		log.Printf("ingest: list forecasts: %v", err)
		return out
	}
	for _, pd := range postDates {
		fc, err := records.LoadForecast(c.layout.ForecastPath(pd))
		if err != nil {
			log.Printf("ingest: skipping forecast %s: %v", pd, err)
			continue
		}
		first, last := fc.ValidDates[0], fc.ValidDates[0]
		for _, d := range fc.ValidDates[1:] {
			if d.Before(first.Time) {
				first = d
			}
			if d.After(last.Time) {
				last = d
			}
		}
		if !last.Equal(date.Time) {
			continue
		}
		for area := range fc.Areas {
			out[area] = first
		}
	}
	return out
}

func depthsByDate(days []SnotelDay) map[string]float64 {
	out := make(map[string]float64, len(days))
	for _, d := range days {
		if d.SnowDepth != nil {
			out[d.Date.String()] = *d.SnowDepth
		}
	}
	return out
}

func snotelEntry(days []SnotelDay, date models.Date) (models.ObservationEntry, bool) {
	var cur *SnotelDay
	for i := range days {
		if days[i].Date.Equal(date.Time) {
			cur = &days[i]
		}
	}
	if cur == nil {
		return models.ObservationEntry{}, false
	}

	data := make(map[string]float64)
	set := func(key string, v *float64) {
		if v != nil {
			data[key] = *v
		}
	}
	set("snow_depth", cur.SnowDepth)
	set("temp_obs", cur.TempObserved)
	set("temp_max", cur.TempMax)
	set("temp_min", cur.TempMin)
	set("precip_accum", cur.PrecipAccum)
	if gain, ok := snowfallSince(days, date, date); ok {
		data["snowfall_24h"] = gain
	}
	if len(data) == 0 {
		return models.ObservationEntry{}, false
	}
	return models.ObservationEntry{Date: date, Data: data}, true
}

// snowfallSince sums the positive depth gains for each day from first to
// last, each measured against the day before. Days without a depth on both
// sides are skipped; ok is false when no day could be measured.
func snowfallSince(days []SnotelDay, first, last models.Date) (float64, bool) {
	depths := depthsByDate(days)
	total, measured := 0.0, false
	for d := first; !d.After(last.Time); d = d.AddDays(1) {
		cur, ok1 := depths[d.String()]
		prev, ok2 := depths[d.AddDays(-1).String()]
		if !ok1 || !ok2 {
			continue
		}
		total += max(0, cur-prev)
		measured = true
	}
	return total, measured
}

// CollectMETAR appends the latest base temperature for every area with a
// METAR station, keyed by the local weekday of the report.
func (c *Collector) CollectMETAR(ctx context.Context) (int, error) {
	appended := 0
	var firstErr error

	for _, src := range c.sources {
		if src.METARStation == "" || c.metar == nil {
			continue
		}
		reading, err := c.metar.FetchLatest(ctx, src.METARStation)
		if err != nil {
			log.Printf("ingest: metar %s (%s): %v", src.METARStation, src.Area, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		date := models.DateOf(reading.ObservedAt.In(c.loc))
		entry := models.ObservationEntry{
			Date:        date,
			Data:        map[string]float64{"temp_base_" + date.DayLabel(): reading.TempF},
			Notes:       map[string]string{"source": "METAR " + reading.Station},
			CollectedAt: c.clock.Now().UTC(),
		}
		if _, err := records.AppendObservation(c.layout, src.Area, entry); err != nil {
			log.Printf("ingest: append %s: %v", src.Area, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.ObservationsAppended.WithLabelValues(src.Area, "metar").Inc()
		appended++
	}
	return appended, firstErr
}

// CollectAll runs every collector once.
func (c *Collector) CollectAll(ctx context.Context) error {
	n, snotelErr := c.CollectSnotel(ctx)
	m, metarErr := c.CollectMETAR(ctx)
	log.Printf("ingest: collected %d snotel and %d metar observations", n, m)
	if snotelErr != nil {
		return snotelErr
	}
	return metarErr
}
