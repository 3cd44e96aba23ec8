package measurement

import (
	"errors"
	"testing"
	"time"
)

func TestKeyNormalizesLocation(t *testing.T) {
	santiago := time.FixedZone("CLT", -3*3600)
	ts := time.Date(2025, 5, 1, 10, 0, 0, 123456789, santiago)

	a := Measurement{Timestamp: ts, StationID: "E1", Variable: PM10}
	b := Measurement{Timestamp: ts.UTC(), StationID: "E1", Variable: PM10}

	if a.Key() != b.Key() {
		t.Fatalf("keys differ: %v vs %v", a.Key(), b.Key())
	}
	if a.Key().String() != b.Key().String() {
		t.Fatalf("key strings differ")
	}
}

func TestValidate(t *testing.T) {
	ts := time.Now()
	cases := []Measurement{
		{StationID: "E1", Variable: PM10},
		{Timestamp: ts, Variable: PM10},
		{Timestamp: ts, StationID: "E1"},
	}
	for i, m := range cases {
		if err := m.Validate(); !errors.Is(err, ErrInvalidMeasurement) {
			t.Fatalf("case %d: expected ErrInvalidMeasurement, got %v", i, err)
		}
	}
	if err := (Measurement{Timestamp: ts, StationID: "E1", Variable: PM10}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMaxTimestamp(t *testing.T) {
	if _, ok := MaxTimestamp(nil); ok {
		t.Fatalf("empty batch must report no max")
	}
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := []Measurement{{Timestamp: t0}, {Timestamp: t0.Add(3 * time.Minute)}, {Timestamp: t0.Add(time.Minute)}}
	got, ok := MaxTimestamp(batch)
	if !ok || !got.Equal(t0.Add(3*time.Minute)) {
		t.Fatalf("unexpected max %v", got)
	}
}

func TestWindowContainsIsHalfOpen(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	w := Window{Start: t0, End: t0.Add(5 * time.Minute)}
	if !w.Contains(t0) {
		t.Fatalf("start must be included")
	}
	if w.Contains(t0.Add(5 * time.Minute)) {
		t.Fatalf("end must be excluded")
	}
}
