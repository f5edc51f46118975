package records

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lox/skiverify/internal/models"
)

// Layout resolves the conventional file locations under a data directory:
//
//	forecasts/forecast_<post_date>.json
//	observations/<area>_<YYYY-MM>.json
//	verification_reports/verification_<post_date>.{json,txt}
type Layout struct {
	Root string
}

func (l Layout) ForecastDir() string {
	return filepath.Join(l.Root, "forecasts")
}

func (l Layout) ObservationDir() string {
	return filepath.Join(l.Root, "observations")
}

func (l Layout) ReportDir() string {
	return filepath.Join(l.Root, "verification_reports")
}

func (l Layout) ForecastPath(postDate models.Date) string {
	return filepath.Join(l.ForecastDir(), fmt.Sprintf("forecast_%s.json", postDate))
}

func (l Layout) ObservationPath(area, month string) string {
	return filepath.Join(l.ObservationDir(), fmt.Sprintf("%s_%s.json", area, month))
}

func (l Layout) ReportPath(postDate models.Date, ext string) string {
	return filepath.Join(l.ReportDir(), fmt.Sprintf("verification_%s.%s", postDate, ext))
}

// Forecasts returns the post dates of all forecast files, oldest first.
// Files whose names do not carry a valid date are ignored.
func (l Layout) Forecasts() ([]models.Date, error) {
	matches, err := filepath.Glob(filepath.Join(l.ForecastDir(), "forecast_*.json"))
	if err != nil {
		return nil, err
	}
	var dates []models.Date
	for _, m := range matches {
		if d, ok := postDateFromName(m); ok {
			dates = append(dates, d)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j].Time) })
	return dates, nil
}

// ObservationFiles returns every observation file for the given months, for
// all areas, sorted by path.
func (l Layout) ObservationFiles(months []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, month := range months {
		matches, err := filepath.Glob(filepath.Join(l.ObservationDir(), "*_"+month+".json"))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				files = append(files, m)
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// ObservationMonths lists the YYYY-MM months covered by a forecast's post date
// and valid dates, in order.
func ObservationMonths(fc *models.ForecastRecord) []string {
	seen := make(map[string]bool)
	var months []string
	add := func(d models.Date) {
		if d.IsZero() {
			return
		}
		key := d.MonthKey()
		if !seen[key] {
			seen[key] = true
			months = append(months, key)
		}
	}
	add(fc.PostDate)
	for _, d := range fc.ValidDates {
		add(d)
	}
	sort.Strings(months)
	return months
}

// SplitObservationName extracts area and month from an observation file name.
func SplitObservationName(path string) (area, month string, ok bool) {
	name := strings.TrimSuffix(filepath.Base(path), ".json")
	i := strings.LastIndex(name, "_")
	if i <= 0 || len(name)-i-1 != len("2006-01") {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}
