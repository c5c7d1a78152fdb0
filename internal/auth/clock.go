package auth

import "time"

// Clock supplies the current time. Tests inject a controllable clock so
// expiry can be exercised without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
