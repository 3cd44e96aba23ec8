package aggregate

import (
	"time"

	"github.com/i474232898/air-quality-ingestion/internal/measurement"
)

// HoursPerDay is the fixed divisor of the daily average.
const HoursPerDay = 24

// Summary is the result of averaging one station/variable series at a point in time.
type Summary struct {
	AvgLastHour *float64
	AvgDay      float64
	SampleCount int
}

// Summarize computes the trailing-hour mean over (now-1h, now] and the daily
// average of the local calendar day containing now. The daily average is the
// sum of each hour's mean divided by 24, so hours without samples count as 0.
// Samples are expected to belong to a single station and variable.
func Summarize(samples []measurement.Measurement, now time.Time, loc *time.Location) Summary {
	now = now.In(loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)
	hourAgo := now.Add(-time.Hour)

	var (
		hourSum   float64
		hourCount int
		sums      [HoursPerDay]float64
		counts    [HoursPerDay]int
		total     int
	)

	for _, m := range samples {
		ts := m.Timestamp.In(loc)
		if ts.After(hourAgo) && !ts.After(now) {
			hourSum += m.Value
			hourCount++
		}
		if ts.Before(dayStart) || !ts.Before(dayEnd) {
			continue
		}
		h := ts.Hour()
		sums[h] += m.Value
		counts[h]++
		total++
	}

	var daySum float64
	for h := 0; h < HoursPerDay; h++ {
		if counts[h] > 0 {
			daySum += sums[h] / float64(counts[h])
		}
	}

	s := Summary{
		AvgDay:      daySum / HoursPerDay,
		SampleCount: total,
	}
	if hourCount > 0 {
		avg := hourSum / float64(hourCount)
		s.AvgLastHour = &avg
	}
	return s
}
