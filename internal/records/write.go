package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/lox/skiverify/internal/models"
)

// AppendObservation adds entry to the area's observation file for the entry's
// month, creating the file if needed. Unknown fields already in the file are
// kept as-is. Returns the file path.
func AppendObservation(l Layout, area string, entry models.ObservationEntry) (string, error) {
	path := l.ObservationPath(area, entry.Date.MonthKey())

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		data, err = sjson.SetBytes([]byte(`{}`), "area", area)
		if err != nil {
			return "", fmt.Errorf("init observation file: %w", err)
		}
		data, err = sjson.SetRawBytes(data, "observations", []byte(`[]`))
		if err != nil {
			return "", fmt.Errorf("init observation file: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("read observations: %w", err)
	default:
		set, err := ParseObservationSet(path, data)
		if err != nil {
			return "", err
		}
		if set.Area != area {
			return "", malformed(path, "area", fmt.Sprintf("file belongs to %q, not %q", set.Area, area))
		}
	}

	raw, err := json.Marshal(entryDocument(entry))
	if err != nil {
		return "", fmt.Errorf("marshal entry: %w", err)
	}
	data, err = sjson.SetRawBytes(data, "observations.-1", raw)
	if err != nil {
		return "", fmt.Errorf("append entry: %w", err)
	}

	if err := writeFile(path, pretty.Pretty(data)); err != nil {
		return "", err
	}
	return path, nil
}

type entryDoc struct {
	Date        string         `json:"date"`
	Data        map[string]any `json:"data"`
	CollectedAt string         `json:"collected_at,omitempty"`
}

func entryDocument(e models.ObservationEntry) entryDoc {
	doc := entryDoc{Date: e.Date.String(), Data: make(map[string]any, len(e.Data)+len(e.Notes))}
	for k, v := range e.Notes {
		doc.Data[k] = v
	}
	for k, v := range e.Data {
		doc.Data[k] = v
	}
	if !e.CollectedAt.IsZero() {
		doc.CollectedAt = e.CollectedAt.UTC().Format(time.RFC3339)
	}
	return doc
}

// SaveForecast writes fc to its conventional path. Day labels keep their
// order; areas and metrics are written sorted.
func SaveForecast(l Layout, fc *models.ForecastRecord) (string, error) {
	data := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			data, err = sjson.SetBytes(data, path, v)
		}
	}

	set("post_date", fc.PostDate.String())
	dates := make([]string, len(fc.ValidDates))
	for i, d := range fc.ValidDates {
		dates[i] = d.String()
	}
	set("valid_dates", dates)

	areaIDs := sortedKeys(fc.Areas)
	for _, areaID := range areaIDs {
		area := fc.Areas[areaID]
		for _, name := range sortedKeys(area) {
			m := area[name]
			prefix := "areas." + escapeKey(areaID) + "." + escapeKey(name) + "."
			if m.Forecast != nil {
				set(prefix+"forecast", *m.Forecast)
			}
			for _, day := range m.Days {
				set(prefix+escapeKey(day.Label), day.Value)
			}
			if m.Range != nil {
				set(prefix+"range", []float64{m.Range.Low, m.Range.High})
			}
			if m.Units != "" {
				set(prefix+"units", m.Units)
			}
		}
	}
	if !fc.CreatedAt.IsZero() {
		set("created_at", fc.CreatedAt.UTC().Format(time.RFC3339))
	}
	if err != nil {
		return "", fmt.Errorf("build forecast document: %w", err)
	}

	path := l.ForecastPath(fc.PostDate)
	if err := writeFile(path, pretty.Pretty(data)); err != nil {
		return "", err
	}
	return path, nil
}

// WriteReport saves the JSON report and, when text is non-empty, its
// human-readable rendering next to it.
func WriteReport(l Layout, report *models.VerificationReport, text string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := writeFile(l.ReportPath(report.PostDate, "json"), append(data, '\n')); err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	return writeFile(l.ReportPath(report.PostDate, "txt"), []byte(text))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

// escapeKey makes an object key safe to use as a single sjson path component.
func escapeKey(k string) string {
	return keyEscaper.Replace(k)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
