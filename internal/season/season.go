package season

import (
	"fmt"
	"strings"

	"github.com/lox/skiverify/internal/store"
)

// StatsSource provides per area and metric aggregates over archived runs.
type StatsSource interface {
	GetSeasonStats() ([]store.SeasonStat, error)
}

type Summary struct {
	Areas []AreaSummary `json:"areas"`
}

type AreaSummary struct {
	Area    string          `json:"area"`
	Metrics []MetricSummary `json:"metrics"`
}

type MetricSummary struct {
	Metric                string   `json:"metric"`
	Units                 string   `json:"units,omitempty"`
	Forecasts             int      `json:"forecasts"`
	Comparisons           int      `json:"comparisons"`
	MeanAbsoluteError     float64  `json:"mean_absolute_error"`
	MeanSignedError       float64  `json:"mean_signed_error"`
	WithinRangeCount      int      `json:"within_range_count"`
	RangedCount           int      `json:"ranged_count"`
	WithinRangePercentage *float64 `json:"within_range_percentage,omitempty"`
}

// Summarize builds the season summary from every archived verification row.
func Summarize(src StatsSource) (*Summary, error) {
	stats, err := src.GetSeasonStats()
	if err != nil {
		return nil, fmt.Errorf("season stats: %w", err)
	}

	summary := &Summary{Areas: []AreaSummary{}}
	for _, st := range stats {
		n := len(summary.Areas)
		if n == 0 || summary.Areas[n-1].Area != st.Area {
			summary.Areas = append(summary.Areas, AreaSummary{Area: st.Area})
			n++
		}
		m := MetricSummary{
			Metric:            st.Metric,
			Units:             st.Units,
			Forecasts:         st.Forecasts,
			Comparisons:       st.Comparisons,
			MeanAbsoluteError: st.MAE,
			MeanSignedError:   st.Bias,
			WithinRangeCount:  st.WithinRangeCount,
			RangedCount:       st.RangedCount,
		}
		if st.RangedCount > 0 {
			pct := float64(st.WithinRangeCount) / float64(st.RangedCount) * 100
			m.WithinRangePercentage = &pct
		}
		summary.Areas[n-1].Metrics = append(summary.Areas[n-1].Metrics, m)
	}
	return summary, nil
}

func RenderText(s *Summary) string {
	var sb strings.Builder
	sb.WriteString("Season Forecast Verification Summary\n")
	sb.WriteString(strings.Repeat("=", 60) + "\n")

	if len(s.Areas) == 0 {
		sb.WriteString("\nNo verified forecasts yet.\n")
		return sb.String()
	}

	for _, area := range s.Areas {
		sb.WriteString("\n" + strings.ToUpper(area.Area) + "\n")
		for _, m := range area.Metrics {
			units := ""
			if m.Units != "" {
				units = " " + m.Units
			}
			sb.WriteString(fmt.Sprintf("  %s\n", m.Metric))
			sb.WriteString(fmt.Sprintf("    Forecasts: %d (%d comparisons)\n", m.Forecasts, m.Comparisons))
			sb.WriteString(fmt.Sprintf("    Mean Absolute Error: %.1f%s\n", m.MeanAbsoluteError, units))
			sb.WriteString(fmt.Sprintf("    Bias: %+.1f%s\n", m.MeanSignedError, units))
			if m.WithinRangePercentage != nil {
				sb.WriteString(fmt.Sprintf("    Within Range: %d/%d (%.1f%%)\n", m.WithinRangeCount, m.RangedCount, *m.WithinRangePercentage))
			}
		}
	}
	return sb.String()
}
