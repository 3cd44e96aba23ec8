package measurement

import "errors"

// ErrInvalidMeasurement is returned when a record is missing part of its natural key.
var ErrInvalidMeasurement = errors.New("invalid measurement")
