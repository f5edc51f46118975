package verify

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lox/skiverify/internal/models"
)

// RenderText renders a report for pasting into the results page. Values are
// rounded here and nowhere else.
func RenderText(r *models.VerificationReport) string {
	var sb strings.Builder

	sb.WriteString("Forecast Verification Report\n")
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	sb.WriteString(fmt.Sprintf("Forecast Date: %s\n", r.PostDate))
	dates := make([]string, len(r.ValidDates))
	for i, d := range r.ValidDates {
		dates[i] = d.String()
	}
	sb.WriteString(fmt.Sprintf("Valid For: %s\n", strings.Join(dates, ", ")))
	if !r.GeneratedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("Generated: %s\n", r.GeneratedAt.Format(time.RFC3339)))
	}
	sb.WriteString("\n")

	if len(r.Rows) == 0 {
		sb.WriteString("No forecast values could be matched to observations.\n\n")
	}

	area := ""
	for _, row := range r.Rows {
		if row.Area != area {
			area = row.Area
			sb.WriteString(strings.ToUpper(area) + "\n")
			sb.WriteString(strings.Repeat("-", 40) + "\n")
		}
		label := row.Metric
		if row.Day != "" {
			label += " " + row.Day
		}
		sb.WriteString(fmt.Sprintf("  %s (%s):\n", label, row.Date))
		sb.WriteString(fmt.Sprintf("    Forecast: %s%s\n", formatValue(row.ForecastValue), unitSuffix(row.Units)))
		sb.WriteString(fmt.Sprintf("    Actual:   %s%s [%s]\n", formatValue(row.ObservedValue), unitSuffix(row.Units), row.ObservedField))
		pct := "n/a"
		if row.PercentError != nil {
			pct = fmt.Sprintf("%.1f%%", *row.PercentError)
		}
		sb.WriteString(fmt.Sprintf("    Error:    %+.1f%s (%s)\n", row.SignedError, unitSuffix(row.Units), pct))
		if row.WithinRange != nil {
			mark := "✗ No"
			if *row.WithinRange {
				mark = "✓ Yes"
			}
			sb.WriteString(fmt.Sprintf("    Within forecast range: %s\n", mark))
		}
		sb.WriteString("\n")
	}

	if len(r.Metrics) > 0 {
		sb.WriteString("Summary\n")
		sb.WriteString(strings.Repeat("-", 40) + "\n")
		for _, m := range r.Metrics {
			sb.WriteString(fmt.Sprintf("  %s: %d compared, MAE %.1f%s, bias %+.1f", m.Metric, m.Count,
				m.MeanAbsoluteError, unitSuffix(m.Units), m.MeanSignedError))
			if m.WithinRangePercentage != nil {
				sb.WriteString(fmt.Sprintf(", within range %d/%d (%.1f%%)", m.WithinRangeCount, m.RangedCount, *m.WithinRangePercentage))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	d := r.Diagnostics
	sb.WriteString("Diagnostics\n")
	sb.WriteString(strings.Repeat("-", 40) + "\n")
	sb.WriteString(fmt.Sprintf("  Unmatched areas:       %d%s\n", d.UnmatchedAreas, listSuffix(d.UnmatchedAreaIDs)))
	sb.WriteString(fmt.Sprintf("  Out-of-window entries: %d\n", d.OutOfWindowEntries))
	sb.WriteString(fmt.Sprintf("  Unmatched metrics:     %d%s\n", d.UnmatchedMetrics, listSuffix(d.UnmatchedMetricKeys)))
	sb.WriteString(fmt.Sprintf("  Superseded entries:    %d\n", d.SupersededEntries))
	if len(d.AreasWithoutObservations) > 0 {
		sb.WriteString(fmt.Sprintf("  No observations for:   %s\n", strings.Join(d.AreasWithoutObservations, ", ")))
	}

	return sb.String()
}

// RenderCSV renders the report rows as a flat table.
func RenderCSV(r *models.VerificationReport) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"post_date", "area", "metric", "day", "date", "units", "observed_field",
		"forecast_value", "observed_value", "absolute_error", "signed_error", "percent_error", "within_range"}
	if err := w.Write(header); err != nil {
		return "", err
	}
	for _, row := range r.Rows {
		pct := ""
		if row.PercentError != nil {
			pct = strconv.FormatFloat(*row.PercentError, 'f', 2, 64)
		}
		within := ""
		if row.WithinRange != nil {
			within = strconv.FormatBool(*row.WithinRange)
		}
		record := []string{
			r.PostDate.String(),
			row.Area,
			row.Metric,
			row.Day,
			row.Date.String(),
			row.Units,
			row.ObservedField,
			formatValue(row.ForecastValue),
			formatValue(row.ObservedValue),
			strconv.FormatFloat(row.AbsoluteError, 'f', 2, 64),
			strconv.FormatFloat(row.SignedError, 'f', 2, 64),
			pct,
			within,
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func unitSuffix(units string) string {
	if units == "" {
		return ""
	}
	return " " + units
}

func listSuffix(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return " (" + strings.Join(items, ", ") + ")"
}
