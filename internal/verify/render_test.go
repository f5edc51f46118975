package verify

import (
	"encoding/csv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/skiverify/internal/models"
)

func TestRenderText(t *testing.T) {
	fc := mustForecast(t, bakerForecast)
	report := Verify(fc, []models.ObservationSet{singleObservation(t, "2025-01-17", 18)})

	text := RenderText(report)

	assert.Contains(t, text, "Forecast Date: 2025-01-15")
	assert.Contains(t, text, "Valid For: 2025-01-16, 2025-01-17")
	assert.Contains(t, text, "BAKER\n")
	assert.Contains(t, text, "Forecast: 20 inches")
	assert.Contains(t, text, "Actual:   18 inches [snowfall_total]")
	assert.Contains(t, text, "Error:    +2.0 inches (11.1%)")
	assert.Contains(t, text, "Within forecast range: ✓ Yes")
	assert.Contains(t, text, "snowfall_total: 1 compared, MAE 2.0 inches, bias +2.0, within range 1/1 (100.0%)")
	assert.NotContains(t, text, "Generated:")
}

func TestRenderText_NoRows(t *testing.T) {
	fc := mustForecast(t, bakerForecast)
	stevens := singleObservation(t, "2025-01-17", 9)
	stevens.Area = "stevens"

	text := RenderText(Verify(fc, []models.ObservationSet{stevens}))

	assert.Contains(t, text, "No forecast values could be matched")
	assert.Contains(t, text, "Unmatched areas:       1 (stevens)")
	assert.Contains(t, text, "No observations for:   baker")
	assert.NotContains(t, text, "Summary\n")
}

func TestRenderCSV(t *testing.T) {
	fc := mustForecast(t, bakerForecast)
	report := Verify(fc, []models.ObservationSet{singleObservation(t, "2025-01-17", 0)})

	out, err := RenderCSV(report)
	require.NoError(t, err)

	rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "post_date", rows[0][0])
	assert.Equal(t, []string{
		"2025-01-15", "baker", "snowfall_total", "", "2025-01-17", "inches", "snowfall_total",
		"20", "0", "20.00", "20.00", "", "false",
	}, rows[1])
}
