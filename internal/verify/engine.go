package verify

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/skiverify/internal/models"
)

// Engine compares forecast records against observations. It holds no state
// between calls and is safe for concurrent use.
type Engine struct {
	fields FieldMap
}

func NewEngine(fields FieldMap) *Engine {
	if fields == nil {
		fields = DefaultFieldMap
	}
	return &Engine{fields: fields}
}

// Verify runs the default engine.
func Verify(fc *models.ForecastRecord, sets []models.ObservationSet) *models.VerificationReport {
	return NewEngine(DefaultFieldMap).Verify(fc, sets)
}

// Normalize flattens a metric into (day label, value) pairs. A flat forecast
// yields one pair with an empty label.
func Normalize(m models.MetricForecast) []models.DayValue {
	if m.Forecast != nil {
		return []models.DayValue{{Value: *m.Forecast}}
	}
	out := make([]models.DayValue, len(m.Days))
	copy(out, m.Days)
	return out
}

// Verify produces one row per (area, metric value, valid date) that has a
// matching observation. Missing matches only show up in the diagnostics.
// fc must have passed load-time validation.
func (e *Engine) Verify(fc *models.ForecastRecord, sets []models.ObservationSet) *models.VerificationReport {
	report := &models.VerificationReport{
		PostDate:   fc.PostDate,
		ValidDates: append([]models.Date(nil), fc.ValidDates...),
		Rows:       []models.VerificationRow{},
	}
	diag := &report.Diagnostics

	byArea := make(map[string][]models.ObservationEntry)
	unmatchedIDs := make(map[string]bool)
	for _, set := range sets {
		if _, ok := fc.Areas[set.Area]; !ok {
			diag.UnmatchedAreas++
			unmatchedIDs[set.Area] = true
			continue
		}
		byArea[set.Area] = append(byArea[set.Area], set.Observations...)
	}
	diag.UnmatchedAreaIDs = sortedKeys(unmatchedIDs)

	for _, areaID := range sortedKeys(fc.Areas) {
		entries, ok := byArea[areaID]
		if !ok {
			diag.AreasWithoutObservations = append(diag.AreasWithoutObservations, areaID)
			continue
		}
		latest := latestByDate(fc, entries, diag)

		area := fc.Areas[areaID]
		for _, metric := range sortedKeys(area) {
			m := area[metric]
			for _, v := range Normalize(m) {
				matched := false
				for _, date := range fc.ValidDates {
					entry, ok := latest[date.String()]
					if !ok {
						continue
					}
					field, observed, ok := e.lookup(entry, metric, v.Label)
					if !ok {
						continue
					}
					report.Rows = append(report.Rows, newRow(areaID, metric, m, v, date, field, observed))
					matched = true
				}
				if !matched {
					diag.UnmatchedMetrics++
					diag.UnmatchedMetricKeys = append(diag.UnmatchedMetricKeys, metricKey(areaID, metric, v.Label))
				}
			}
		}
	}

	report.Metrics = summarize(report.Rows, false)
	report.Areas = summarize(report.Rows, true)
	return report
}

// latestByDate keeps, per valid date, the entry collected last. Ties go to
// the entry that comes later in the input.
func latestByDate(fc *models.ForecastRecord, entries []models.ObservationEntry, diag *models.Diagnostics) map[string]models.ObservationEntry {
	latest := make(map[string]models.ObservationEntry)
	for _, entry := range entries {
		if !fc.InWindow(entry.Date) {
			diag.OutOfWindowEntries++
			continue
		}
		key := entry.Date.String()
		prev, seen := latest[key]
		if seen {
			diag.SupersededEntries++
			if entry.CollectedAt.Before(prev.CollectedAt) {
				continue
			}
		}
		latest[key] = entry
	}
	return latest
}

func (e *Engine) lookup(entry models.ObservationEntry, metric, day string) (string, float64, bool) {
	for _, key := range e.fields.Candidates(metric, day) {
		if v, ok := entry.Data[key]; ok {
			return key, v, true
		}
	}
	return "", 0, false
}

func newRow(area, metric string, m models.MetricForecast, v models.DayValue, date models.Date, field string, observed float64) models.VerificationRow {
	signed := v.Value - observed
	row := models.VerificationRow{
		Area:          area,
		Metric:        metric,
		Day:           v.Label,
		Date:          date,
		Units:         m.Units,
		ObservedField: field,
		ForecastValue: v.Value,
		ObservedValue: observed,
		SignedError:   signed,
		AbsoluteError: math.Abs(signed),
	}
	if observed != 0 {
		pct := row.AbsoluteError / math.Abs(observed) * 100
		row.PercentError = &pct
	}
	if m.Range != nil {
		within := m.Range.Contains(observed)
		row.WithinRange = &within
	}
	return row
}

type summaryKey struct {
	area   string
	metric string
}

// summarize aggregates rows per metric, or per (area, metric) when byArea.
func summarize(rows []models.VerificationRow, byArea bool) []models.MetricSummary {
	type acc struct {
		summary  models.MetricSummary
		absolute []float64
		signed   []float64
	}
	groups := make(map[summaryKey]*acc)
	var keys []summaryKey

	for _, r := range rows {
		k := summaryKey{metric: r.Metric}
		if byArea {
			k.area = r.Area
		}
		a, ok := groups[k]
		if !ok {
			a = &acc{summary: models.MetricSummary{Area: k.area, Metric: r.Metric, Units: r.Units}}
			groups[k] = a
			keys = append(keys, k)
		}
		a.summary.Count++
		a.absolute = append(a.absolute, r.AbsoluteError)
		a.signed = append(a.signed, r.SignedError)
		if r.WithinRange != nil {
			a.summary.RangedCount++
			if *r.WithinRange {
				a.summary.WithinRangeCount++
			}
		}
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].area != keys[j].area {
			return keys[i].area < keys[j].area
		}
		return keys[i].metric < keys[j].metric
	})

	out := make([]models.MetricSummary, 0, len(keys))
	for _, k := range keys {
		a := groups[k]
		s := a.summary
		s.MeanAbsoluteError = stat.Mean(a.absolute, nil)
		s.MeanSignedError = stat.Mean(a.signed, nil)
		if s.RangedCount > 0 {
			pct := float64(s.WithinRangeCount) / float64(s.RangedCount) * 100
			s.WithinRangePercentage = &pct
		}
		out = append(out, s)
	}
	return out
}

func metricKey(area, metric, day string) string {
	if day == "" {
		return area + "/" + metric
	}
	return area + "/" + metric + "/" + day
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
