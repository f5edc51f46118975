package verify

// FieldMap declares which observation field stems can verify a forecast
// metric, in priority order. Metrics missing from the map are matched by
// their own name.
type FieldMap map[string][]string

// DefaultFieldMap covers the fields written by the collection scripts.
var DefaultFieldMap = FieldMap{
	"snowfall_total": {"snowfall_total", "snowfall_measured"},
}

// Candidates returns the observation keys to try for a metric value. A flat
// value (day == "") only matches bare stems; a day value only matches
// "<stem>_<day>". A flat metric never matches a day-suffixed key.
func (m FieldMap) Candidates(metric, day string) []string {
	stems, ok := m[metric]
	if !ok || len(stems) == 0 {
		stems = []string{metric}
	}
	if day == "" {
		return stems
	}
	keys := make([]string, len(stems))
	for i, s := range stems {
		keys[i] = s + "_" + day
	}
	return keys
}

// With returns a copy of m with extra stems appended for metric.
func (m FieldMap) With(metric string, stems ...string) FieldMap {
	out := make(FieldMap, len(m)+1)
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	if _, ok := out[metric]; !ok {
		out[metric] = []string{metric}
	}
	out[metric] = append(out[metric], stems...)
	return out
}
