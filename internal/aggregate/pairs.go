package aggregate

import (
	"fmt"
	"strings"

	"github.com/i474232898/air-quality-ingestion/internal/measurement"
)

// DefaultPairs are the station/variable pairs averaged when none are configured.
func DefaultPairs() []measurement.StationVariable {
	spec := map[string][]string{
		"E1":  {measurement.SO2, measurement.PM25, measurement.PM10},
		"E2":  {measurement.SO2, measurement.PM25},
		"E4":  {measurement.SO2, measurement.PM25},
		"E5":  {measurement.PM10},
		"E6":  {measurement.PM10, measurement.SO2},
		"E7":  {measurement.PM10, measurement.SO2, measurement.PM25},
		"E8":  {measurement.PM10, measurement.SO2, measurement.PM25},
		"E9":  {measurement.PM10, measurement.SO2, measurement.PM25},
		"E10": {measurement.PM10, measurement.PM25},
	}
	order := []string{"E1", "E2", "E4", "E5", "E6", "E7", "E8", "E9", "E10"}

	var out []measurement.StationVariable
	for _, st := range order {
		for _, v := range spec[st] {
			out = append(out, measurement.StationVariable{StationID: st, Variable: v})
		}
	}
	return out
}

// ParsePairs reads "E1:PM10,E1:SO2,E5:PM10". An empty string yields DefaultPairs.
func ParsePairs(raw string) ([]measurement.StationVariable, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultPairs(), nil
	}

	seen := make(map[string]struct{})
	var out []measurement.StationVariable
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		station, variable, ok := strings.Cut(item, ":")
		station, variable = strings.TrimSpace(station), strings.TrimSpace(variable)
		if !ok || station == "" || variable == "" {
			return nil, fmt.Errorf("invalid pair %q: want STATION:VARIABLE", item)
		}
		p := measurement.StationVariable{StationID: station, Variable: variable}
		if _, dup := seen[p.String()]; dup {
			continue
		}
		seen[p.String()] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("invalid pairs %q: no entries", raw)
	}
	return out, nil
}
