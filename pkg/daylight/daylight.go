// Package daylight answers whether an instant falls between sunrise and
// sunset at a site. It is pure computation so the analyzer can be tested
// without clocks or I/O.
package daylight

import (
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// SunTimes returns the sunrise and sunset instants for the civil date of t
// (in t's own location) at the given coordinates. Both are zero when the sun
// never rises or never sets on that date.
func SunTimes(t time.Time, lat, lng float64) (time.Time, time.Time) {
	year, month, day := t.Date()
	return sunrise.SunriseSunset(lat, lng, year, month, day)
}

// IsDaylight reports whether t falls within daylight at the coordinates.
// Both boundaries are inclusive: the sunrise instant and the sunset instant
// count as daylight.
func IsDaylight(t time.Time, lat, lng float64) bool {
	rise, set := SunTimes(t, lat, lng)
	if rise.IsZero() && set.IsZero() {
		return false
	}
	return !t.Before(rise) && !t.After(set)
}
