package measurement

import (
	"fmt"
	"time"
)

// Canonical variable names.
const (
	PM10        = "PM10"
	PM25        = "PM2_5"
	SO2         = "SO2"
	WindSpeed   = "VV"
	WindDir     = "DV"
	Humidity    = "HR"
	Temperature = "TEMP"
)

// Measurement is a single normalized sensor reading.
// Timestamp, StationID and Variable form the natural key.
type Measurement struct {
	Timestamp time.Time `json:"timestamp"`
	StationID string    `json:"station_id"`
	Variable  string    `json:"variable_name"`
	Value     float64   `json:"value"`
}

// Key is the dedup key for a measurement.
type Key struct {
	Timestamp time.Time
	StationID string
	Variable  string
}

// String renders the key in a stable form usable as a map or cache member.
func (k Key) String() string {
	return fmt.Sprintf("%d|%s|%s", k.Timestamp.UnixMilli(), k.StationID, k.Variable)
}

// Key returns the natural key. Timestamps are truncated to millisecond precision and
// converted to UTC so keys compare equal regardless of source location.
func (m Measurement) Key() Key {
	return Key{
		Timestamp: m.Timestamp.UTC().Truncate(time.Millisecond),
		StationID: m.StationID,
		Variable:  m.Variable,
	}
}

// Validate reports whether all natural key fields are present.
func (m Measurement) Validate() error {
	switch {
	case m.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrInvalidMeasurement)
	case m.StationID == "":
		return fmt.Errorf("%w: missing station", ErrInvalidMeasurement)
	case m.Variable == "":
		return fmt.Errorf("%w: missing variable", ErrInvalidMeasurement)
	}
	return nil
}

// Window is a half-open [Start, End) time range.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// MaxTimestamp returns the newest timestamp in the batch and false if the batch is empty.
func MaxTimestamp(batch []Measurement) (time.Time, bool) {
	var max time.Time
	for _, m := range batch {
		if m.Timestamp.After(max) {
			max = m.Timestamp
		}
	}
	return max, !max.IsZero()
}

// StationVariable identifies an aggregation target.
type StationVariable struct {
	StationID string `json:"station_id"`
	Variable  string `json:"variable_name"`
}

func (sv StationVariable) String() string {
	return sv.StationID + ":" + sv.Variable
}

// DailyAverage is one snapshot computed by the aggregation engine.
// AvgLastHour is nil when the trailing hour had no samples.
type DailyAverage struct {
	ID             int64     `json:"id"`
	StationID      string    `json:"station_id"`
	Variable       string    `json:"variable_name"`
	Date           time.Time `json:"date"`
	HourCalculated int       `json:"hour_calculated"`
	AvgLastHour    *float64  `json:"avg_last_hour"`
	AvgDay         float64   `json:"avg_day"`
	SampleCount    int       `json:"sample_count"`
	CreatedAt      time.Time `json:"created_at"`
}
