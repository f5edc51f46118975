package records

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lox/skiverify/internal/models"
)

// Timestamps written by the collection scripts are naive isoformat strings;
// those are read as UTC.
var collectedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

func LoadForecast(path string) (*models.ForecastRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read forecast: %w", err)
	}
	return ParseForecast(path, data)
}

func LoadObservationSet(path string) (*models.ObservationSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read observations: %w", err)
	}
	return ParseObservationSet(path, data)
}

// ParseForecast validates a forecast file into a ForecastRecord. path is only
// used for error reporting and as a fallback source of the post date.
func ParseForecast(path string, data []byte) (*models.ForecastRecord, error) {
	root, err := parseObject(path, data)
	if err != nil {
		return nil, err
	}

	fc := &models.ForecastRecord{Areas: make(map[string]models.AreaForecast)}

	fc.ValidDates, err = parseValidDates(path, root.Get("valid_dates"))
	if err != nil {
		return nil, err
	}

	if pd := root.Get("post_date"); pd.Exists() {
		if pd.Type != gjson.String {
			return nil, malformed(path, "post_date", "must be a YYYY-MM-DD string")
		}
		fc.PostDate, err = models.ParseDate(pd.Str)
		if err != nil {
			return nil, malformed(path, "post_date", fmt.Sprintf("bad date %q", pd.Str))
		}
	} else if d, ok := postDateFromName(path); ok {
		fc.PostDate = d
	} else {
		return nil, malformed(path, "post_date", "missing and not derivable from file name")
	}

	if ca := root.Get("created_at"); ca.Exists() && ca.Type != gjson.Null {
		fc.CreatedAt, err = parseTimestamp(path, "created_at", ca)
		if err != nil {
			return nil, err
		}
	}

	areas := root.Get("areas")
	if !areas.Exists() {
		return nil, malformed(path, "areas", "required field missing")
	}
	if !areas.IsObject() {
		return nil, malformed(path, "areas", "must be an object")
	}

	areas.ForEach(func(key, value gjson.Result) bool {
		areaID := key.String()
		field := "areas." + areaID
		if areaID == "" {
			err = malformed(path, field, "empty area identifier")
			return false
		}
		if _, dup := fc.Areas[areaID]; dup {
			err = malformed(path, field, "duplicate area")
			return false
		}
		if !value.IsObject() {
			err = malformed(path, field, "must be an object of metrics")
			return false
		}
		area := make(models.AreaForecast)
		value.ForEach(func(mk, mv gjson.Result) bool {
			if _, dup := area[mk.String()]; dup {
				err = malformed(path, field+"."+mk.String(), "duplicate metric")
				return false
			}
			var m models.MetricForecast
			m, err = parseMetric(path, field+"."+mk.String(), mv)
			if err != nil {
				return false
			}
			area[mk.String()] = m
			return true
		})
		if err != nil {
			return false
		}
		fc.Areas[areaID] = area
		return true
	})
	if err != nil {
		return nil, err
	}

	return fc, nil
}

func parseValidDates(path string, v gjson.Result) ([]models.Date, error) {
	if !v.Exists() {
		return nil, malformed(path, "valid_dates", "required field missing")
	}
	if !v.IsArray() {
		return nil, malformed(path, "valid_dates", "must be an array of dates")
	}
	items := v.Array()
	if len(items) == 0 {
		return nil, malformed(path, "valid_dates", "must not be empty")
	}

	seen := make(map[string]bool, len(items))
	dates := make([]models.Date, 0, len(items))
	for i, item := range items {
		field := fmt.Sprintf("valid_dates[%d]", i)
		if item.Type != gjson.String {
			return nil, malformed(path, field, "must be a YYYY-MM-DD string")
		}
		d, err := models.ParseDate(item.Str)
		if err != nil {
			return nil, malformed(path, field, fmt.Sprintf("bad date %q", item.Str))
		}
		if seen[item.Str] {
			return nil, malformed(path, field, fmt.Sprintf("duplicate date %s", item.Str))
		}
		seen[item.Str] = true
		dates = append(dates, d)
	}
	return dates, nil
}

// parseMetric accepts "forecast", "range" and "units"; every other key is a
// day label carrying a numeric value.
func parseMetric(path, field string, v gjson.Result) (models.MetricForecast, error) {
	var m models.MetricForecast
	if !v.IsObject() {
		return m, malformed(path, field, "metric must be an object")
	}

	var err error
	seen := make(map[string]bool)
	v.ForEach(func(k, val gjson.Result) bool {
		key := k.String()
		if seen[key] {
			err = malformed(path, field+"."+key, "duplicate key")
			return false
		}
		seen[key] = true
		switch key {
		case "forecast":
			var f float64
			if f, err = number(path, field+".forecast", val); err != nil {
				return false
			}
			m.Forecast = &f
		case "range":
			if val.Type == gjson.Null {
				return true
			}
			m.Range, err = parseRange(path, field+".range", val)
			if err != nil {
				return false
			}
		case "units":
			if val.Type != gjson.String {
				err = malformed(path, field+".units", "must be a string")
				return false
			}
			m.Units = val.Str
		default:
			if key == "" {
				err = malformed(path, field, "empty day label")
				return false
			}
			var f float64
			if f, err = number(path, field+"."+key, val); err != nil {
				return false
			}
			m.Days = append(m.Days, models.DayValue{Label: key, Value: f})
		}
		return true
	})
	if err != nil {
		return models.MetricForecast{}, err
	}

	if m.Forecast != nil && len(m.Days) > 0 {
		return models.MetricForecast{}, &RecordError{
			Path:   path,
			Field:  field,
			Kind:   ErrAmbiguousMetric,
			Reason: "both a flat forecast and day-keyed values",
		}
	}
	if m.Forecast == nil && len(m.Days) == 0 {
		return models.MetricForecast{}, malformed(path, field, "no forecast value")
	}
	return m, nil
}

func parseRange(path, field string, v gjson.Result) (*models.Range, error) {
	if !v.IsArray() {
		return nil, malformed(path, field, "must be a [low, high] array")
	}
	bounds := v.Array()
	if len(bounds) != 2 {
		return nil, malformed(path, field, fmt.Sprintf("must have 2 elements, got %d", len(bounds)))
	}
	low, err := number(path, field+"[0]", bounds[0])
	if err != nil {
		return nil, err
	}
	high, err := number(path, field+"[1]", bounds[1])
	if err != nil {
		return nil, err
	}
	r := models.Range{Low: low, High: high}
	if r.Low > r.High {
		return nil, &RecordError{
			Path:   path,
			Field:  field,
			Kind:   ErrInvalidRange,
			Reason: fmt.Sprintf("low %g > high %g", r.Low, r.High),
		}
	}
	return &r, nil
}

// ParseObservationSet validates an observation file into an ObservationSet.
func ParseObservationSet(path string, data []byte) (*models.ObservationSet, error) {
	root, err := parseObject(path, data)
	if err != nil {
		return nil, err
	}

	area := root.Get("area")
	if !area.Exists() {
		return nil, malformed(path, "area", "required field missing")
	}
	if area.Type != gjson.String || area.Str == "" {
		return nil, malformed(path, "area", "must be a non-empty string")
	}

	obs := root.Get("observations")
	if !obs.Exists() {
		return nil, malformed(path, "observations", "required field missing")
	}
	if !obs.IsArray() {
		return nil, malformed(path, "observations", "must be an array")
	}

	set := &models.ObservationSet{Area: area.Str}
	for i, item := range obs.Array() {
		entry, err := parseEntry(path, fmt.Sprintf("observations[%d]", i), item)
		if err != nil {
			return nil, err
		}
		set.Observations = append(set.Observations, entry)
	}
	return set, nil
}

func parseEntry(path, field string, v gjson.Result) (models.ObservationEntry, error) {
	var e models.ObservationEntry
	if !v.IsObject() {
		return e, malformed(path, field, "entry must be an object")
	}

	date := v.Get("date")
	if !date.Exists() {
		return e, malformed(path, field+".date", "required field missing")
	}
	d, err := models.ParseDate(date.String())
	if date.Type != gjson.String || err != nil {
		return e, malformed(path, field+".date", fmt.Sprintf("bad date %q", date.String()))
	}
	e.Date = d

	data := v.Get("data")
	if !data.Exists() {
		return e, malformed(path, field+".data", "required field missing")
	}
	if !data.IsObject() {
		return e, malformed(path, field+".data", "must be an object")
	}
	e.Data = make(map[string]float64)
	data.ForEach(func(k, val gjson.Result) bool {
		switch val.Type {
		case gjson.Number:
			var f float64
			if f, err = number(path, field+".data."+k.String(), val); err != nil {
				return false
			}
			e.Data[k.String()] = f
		case gjson.String:
			if e.Notes == nil {
				e.Notes = make(map[string]string)
			}
			e.Notes[k.String()] = val.Str
		case gjson.Null:
		default:
			err = malformed(path, field+".data."+k.String(), "must be a number or a string note")
			return false
		}
		return true
	})
	if err != nil {
		return models.ObservationEntry{}, err
	}

	if ca := v.Get("collected_at"); ca.Exists() && ca.Type != gjson.Null {
		e.CollectedAt, err = parseTimestamp(path, field+".collected_at", ca)
		if err != nil {
			return models.ObservationEntry{}, err
		}
	}
	return e, nil
}

// number reads a JSON number, rejecting literals that overflow float64.
func number(path, field string, v gjson.Result) (float64, error) {
	if v.Type != gjson.Number {
		return 0, malformed(path, field, "must be a number")
	}
	if math.IsInf(v.Num, 0) || math.IsNaN(v.Num) {
		return 0, malformed(path, field, fmt.Sprintf("number %s out of range", v.Raw))
	}
	return v.Num, nil
}

func parseObject(path string, data []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, malformed(path, "", "not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return gjson.Result{}, malformed(path, "", "top level must be an object")
	}
	return root, nil
}

func parseTimestamp(path, field string, v gjson.Result) (time.Time, error) {
	if v.Type != gjson.String {
		return time.Time{}, malformed(path, field, "must be a timestamp string")
	}
	for _, layout := range collectedAtLayouts {
		if t, err := time.Parse(layout, v.Str); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, malformed(path, field, fmt.Sprintf("bad timestamp %q", v.Str))
}

func postDateFromName(path string) (models.Date, bool) {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, "forecast_") || !strings.HasSuffix(name, ".json") {
		return models.Date{}, false
	}
	d, err := models.ParseDate(strings.TrimSuffix(strings.TrimPrefix(name, "forecast_"), ".json"))
	if err != nil {
		return models.Date{}, false
	}
	return d, true
}
