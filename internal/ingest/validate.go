package ingest

import (
	"encoding/json"
)

const (
	FlagSnowDepthOutOfRange = "snow_depth_out_of_range"
	FlagTempOutOfRange      = "temp_out_of_range"
	FlagTempInverted        = "temp_max_below_min"
	FlagPrecipNegative      = "precip_negative"
)

// Plausible bounds for Cascade SNOTEL sites, in inches and degF.
const (
	maxSnowDepth = 400
	minTempF     = -40
	maxTempF     = 100
)

// ValidateSnotelDay flags sensor values that cannot be right and clears
// them from d so they are never written as observations.
func ValidateSnotelDay(d *SnotelDay) []string {
	var flags []string

	if d.SnowDepth != nil && (*d.SnowDepth < 0 || *d.SnowDepth > maxSnowDepth) {
		flags = append(flags, FlagSnowDepthOutOfRange)
		d.SnowDepth = nil
	}

	tempFlagged := false
	for _, t := range []**float64{&d.TempObserved, &d.TempMax, &d.TempMin} {
		if *t != nil && (**t < minTempF || **t > maxTempF) {
			tempFlagged = true
			*t = nil
		}
	}
	if tempFlagged {
		flags = append(flags, FlagTempOutOfRange)
	}

	if d.TempMax != nil && d.TempMin != nil && *d.TempMax < *d.TempMin {
		flags = append(flags, FlagTempInverted)
		d.TempMax, d.TempMin = nil, nil
	}

	if d.PrecipAccum != nil && *d.PrecipAccum < 0 {
		flags = append(flags, FlagPrecipNegative)
		d.PrecipAccum = nil
	}

	return flags
}

func QualityFlagsToJSON(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	b, _ := json.Marshal(flags)
	return string(b)
}
