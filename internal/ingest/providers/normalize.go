package providers

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/i474232898/air-quality-ingestion/internal/measurement"
)

// variableAliases maps upstream parameter names, upper-cased, to canonical variables.
var variableAliases = map[string]string{
	"PM10":                     measurement.PM10,
	"PM2.5":                    measurement.PM25,
	"PM2_5":                    measurement.PM25,
	"PM25":                     measurement.PM25,
	"MP10":                     measurement.PM10,
	"MP2.5":                    measurement.PM25,
	"SO2":                      measurement.SO2,
	"SO2_PPBV":                 measurement.SO2,
	"VV":                       measurement.WindSpeed,
	"VEL_VIENTO":               measurement.WindSpeed,
	"VELOCIDAD VIENTO":         measurement.WindSpeed,
	"VELOCIDAD DEL VIENTO":     measurement.WindSpeed,
	"VELOCIDAD_DEL_VIENTO_M/S": measurement.WindSpeed,
	"WS":                       measurement.WindSpeed,
	"DV":                       measurement.WindDir,
	"DIR_VIENTO":               measurement.WindDir,
	"DIRECCION VIENTO":         measurement.WindDir,
	"DIRECCION DEL VIENTO":     measurement.WindDir,
	"DIRECCION_DEL_VIENTO":     measurement.WindDir,
	"WD":                       measurement.WindDir,
	"HR":                       measurement.Humidity,
	"HUMEDAD":                  measurement.Humidity,
	"HUMEDAD RELATIVA":         measurement.Humidity,
	"HUMEDAD_PORCENTAJE":       measurement.Humidity,
	"RH":                       measurement.Humidity,
	"TEMP":                     measurement.Temperature,
	"TEMPERATURA":              measurement.Temperature,
	"TEMPERATURA_C":            measurement.Temperature,
	"T":                        measurement.Temperature,
	"NO_PPBV":                  "NO",
	"NOX_PPBV":                 "NOX",
	"CO_PPMV":                  "CO",
	"PRESION_ATM_HPA":          "PA",
	"RADIACION_W/M2":           "RAD",
	"PLUVIOMETRO_MM":           "PP",
}

// canonicalVariable maps an upstream parameter name to its canonical form.
// Unknown names are kept, trimmed.
func canonicalVariable(name string) string {
	name = strings.TrimSpace(name)
	if v, ok := variableAliases[strings.ToUpper(name)]; ok {
		return v
	}
	return name
}

// toFloat coerces a decoded JSON value to a finite float. Numeric strings are
// accepted, including a decimal comma.
func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(strings.Replace(x, ",", ".", 1))
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02T15:04:05Z07:00",
	"2006/01/02T15:04:05",
	"2006/01/02 15:04:05",
	"02-01-2006 15:04:05",
	"02-01-2006 15:04",
	"2006-01-02 15:04",
}

// parseTimestamp accepts the layouts seen across providers. Values without a
// zone are read in loc.
func parseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
