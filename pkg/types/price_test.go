package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hourlySeries builds a series tiling the given local day with hourly
// intervals at a flat price.
func hourlySeries(t *testing.T, date string, loc *time.Location, price float64) PriceSeries {
	t.Helper()
	day, err := time.ParseInLocation(DateFormat, date, loc)
	require.NoError(t, err)
	next := day.AddDate(0, 0, 1)

	s := PriceSeries{Source: "test", Date: date, Zone: loc.String()}
	for cursor := day; cursor.Before(next); cursor = cursor.Add(time.Hour) {
		end := cursor.Add(time.Hour)
		if end.After(next) {
			end = next
		}
		s.Intervals = append(s.Intervals, PriceInterval{TSStart: cursor, TSEnd: end, EURPerMWH: price})
	}
	return s
}

func TestPriceSeriesAt(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Sofia")
	require.NoError(t, err)
	s := hourlySeries(t, "2025-01-25", loc, 10.0)

	t.Run("inside an interval", func(t *testing.T) {
		iv, ok := s.At(time.Date(2025, 1, 25, 13, 30, 0, 0, loc))
		require.True(t, ok)
		assert.Equal(t, 13, iv.TSStart.Hour())
	})

	t.Run("start is inclusive", func(t *testing.T) {
		iv, ok := s.At(time.Date(2025, 1, 25, 13, 0, 0, 0, loc))
		require.True(t, ok)
		assert.Equal(t, 13, iv.TSStart.Hour())
	})

	t.Run("end is exclusive", func(t *testing.T) {
		iv, ok := s.At(time.Date(2025, 1, 25, 23, 59, 59, 999999999, loc))
		require.True(t, ok)
		assert.Equal(t, 23, iv.TSStart.Hour())

		_, ok = s.At(time.Date(2025, 1, 26, 0, 0, 0, 0, loc))
		assert.False(t, ok, "next midnight belongs to the next day")
	})

	t.Run("before the day", func(t *testing.T) {
		_, ok := s.At(time.Date(2025, 1, 24, 23, 59, 0, 0, loc))
		assert.False(t, ok)
	})
}

func TestPriceSeriesComplete(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Sofia")
	require.NoError(t, err)

	t.Run("full day", func(t *testing.T) {
		s := hourlySeries(t, "2025-01-25", loc, 10.0)
		assert.Len(t, s.Intervals, 24)
		assert.True(t, s.Complete(loc))
	})

	t.Run("spring DST day has 23 hours", func(t *testing.T) {
		s := hourlySeries(t, "2025-03-30", loc, 10.0)
		assert.Len(t, s.Intervals, 23)
		assert.True(t, s.Complete(loc))
	})

	t.Run("autumn DST day has 25 hours", func(t *testing.T) {
		s := hourlySeries(t, "2025-10-26", loc, 10.0)
		assert.Len(t, s.Intervals, 25)
		assert.True(t, s.Complete(loc))
	})

	t.Run("missing hour", func(t *testing.T) {
		s := hourlySeries(t, "2025-01-25", loc, 10.0)
		s.Intervals = append(s.Intervals[:12], s.Intervals[13:]...)
		assert.False(t, s.Complete(loc))
	})

	t.Run("truncated day", func(t *testing.T) {
		s := hourlySeries(t, "2025-01-25", loc, 10.0)
		s.Intervals = s.Intervals[:20]
		assert.False(t, s.Complete(loc))
	})

	t.Run("empty", func(t *testing.T) {
		s := PriceSeries{Source: "test", Date: "2025-01-25", Zone: loc.String()}
		assert.False(t, s.Complete(loc))
	})
}

func TestPowerSettingEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b PowerSetting
		want bool
	}{
		{"same kw", PowerSetting{LimitKW: 5}, PowerSetting{LimitKW: 5}, true},
		{"within surface resolution", PowerSetting{LimitKW: 5.0001}, PowerSetting{LimitKW: 5.0004}, true},
		{"different kw", PowerSetting{LimitKW: 5}, PowerSetting{LimitKW: 600}, false},
		{"both no limit", PowerSetting{NoLimit: true}, PowerSetting{NoLimit: true, LimitKW: 999}, true},
		{"no limit vs kw", PowerSetting{NoLimit: true}, PowerSetting{LimitKW: 600}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
			assert.Equal(t, tt.want, tt.b.Equal(tt.a))
		})
	}
}
