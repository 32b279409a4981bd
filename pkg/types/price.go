package types

import (
	"fmt"
	"time"
)

// DateFormat is the calendar-day key format used throughout the price store.
const DateFormat = "2006-01-02"

// PriceInterval represents the wholesale cost of electricity in a half-open
// time interval [TSStart, TSEnd).
type PriceInterval struct {
	TSStart time.Time `json:"tsStart"`
	TSEnd   time.Time `json:"tsEnd"`

	// EURPerMWH is the day-ahead clearing price for the interval.
	EURPerMWH float64 `json:"eurPerMWH"`
}

// Contains checks if a time is within the interval.
func (p PriceInterval) Contains(t time.Time) bool {
	return !t.Before(p.TSStart) && t.Before(p.TSEnd)
}

// PriceSeries holds the day-ahead prices for one source and one local
// calendar day.
type PriceSeries struct {
	Source    string          `json:"source"`
	Date      string          `json:"date"`
	Zone      string          `json:"zone"`
	Intervals []PriceInterval `json:"intervals"`
}

// At returns the interval containing t, if any.
func (s PriceSeries) At(t time.Time) (PriceInterval, bool) {
	for _, iv := range s.Intervals {
		if iv.Contains(t) {
			return iv, true
		}
	}
	return PriceInterval{}, false
}

// Complete reports whether the intervals tile the series' local day exactly:
// starting at local midnight, contiguous, and ending at the next local
// midnight. DST transition days tile with 23 or 25 hourly intervals.
func (s PriceSeries) Complete(loc *time.Location) bool {
	if len(s.Intervals) == 0 {
		return false
	}
	day, err := time.ParseInLocation(DateFormat, s.Date, loc)
	if err != nil {
		return false
	}
	next := day.AddDate(0, 0, 1)
	cursor := day
	for _, iv := range s.Intervals {
		if !iv.TSStart.Equal(cursor) || !iv.TSEnd.After(iv.TSStart) {
			return false
		}
		cursor = iv.TSEnd
	}
	return cursor.Equal(next)
}

// Location resolves the series' zone name.
func (s PriceSeries) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Zone)
	if err != nil {
		return nil, fmt.Errorf("failed to load zone %s: %w", s.Zone, err)
	}
	return loc, nil
}

// CachedPriceRecord is what the price store persists for one (source, date):
// the parsed series plus the raw upstream payload for audit.
type CachedPriceRecord struct {
	Series    PriceSeries `json:"series"`
	Raw       []byte      `json:"raw,omitempty"`
	FetchedAt time.Time   `json:"fetchedAt"`
}
