// Package analyzer turns a price series into a power decision: LIMITED when
// the current day-ahead price makes exporting uneconomical, UNLIMITED
// otherwise.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/solcurb/solcurb/pkg/daylight"
	"github.com/solcurb/solcurb/pkg/log"
	"github.com/solcurb/solcurb/pkg/types"
)

// ErrNoApplicablePrice is returned when the series has no interval covering
// the decision instant.
var ErrNoApplicablePrice = errors.New("no applicable price")

// Config holds the decision inputs that stay fixed across cycles.
type Config struct {
	// ThresholdEURPerMWH is the price at or below which export is limited.
	ThresholdEURPerMWH float64
	// Latitude and Longitude locate the site for the daylight gate.
	Latitude  float64
	Longitude float64
}

// Analyzer decides the desired power state for an instant.
type Analyzer struct {
	cfg Config
}

// New creates an Analyzer.
func New(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Configured sets up the Analyzer from flags. lflag has no float type, so
// the numeric values go through lflag.JSON.
func Configured() *Analyzer {
	a := &Analyzer{}

	threshold := 15.04
	lflag.JSON(&threshold, "price-threshold", threshold, "Price in EUR/MWh at or below which export is limited")
	lat := 42.64
	lflag.JSON(&lat, "site-lat", lat, "Site latitude for the daylight gate")
	lng := 24.8
	lflag.JSON(&lng, "site-lng", lng, "Site longitude for the daylight gate")

	lflag.Do(func() {
		a.cfg = Config{
			ThresholdEURPerMWH: threshold,
			Latitude:           lat,
			Longitude:          lng,
		}
	})

	return a
}

// Decide returns the power decision for now against the given series.
//
// The price comparison runs first: at or below the threshold means LIMITED
// (a tie limits), above means UNLIMITED. The daylight gate is applied after
// that as an override: outside daylight the state is always UNLIMITED, while
// the decision still records the real price, threshold, and daylight flag.
func (a *Analyzer) Decide(ctx context.Context, now time.Time, series types.PriceSeries) (types.PowerDecision, error) {
	iv, ok := series.At(now)
	if !ok {
		return types.PowerDecision{}, fmt.Errorf("%w: %s not covered by %s/%s",
			ErrNoApplicablePrice, now.Format(time.RFC3339), series.Source, series.Date)
	}

	state := types.PowerUnlimited
	if iv.EURPerMWH <= a.cfg.ThresholdEURPerMWH {
		state = types.PowerLimited
	}

	day := daylight.IsDaylight(now, a.cfg.Latitude, a.cfg.Longitude)
	if !day {
		// night always runs unlimited
		state = types.PowerUnlimited
	}

	dec := types.PowerDecision{
		Timestamp:          now,
		EURPerMWH:          iv.EURPerMWH,
		ThresholdEURPerMWH: a.cfg.ThresholdEURPerMWH,
		Daylight:           day,
		State:              state,
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"price decision",
		slog.Float64("eurPerMWH", dec.EURPerMWH),
		slog.Float64("threshold", dec.ThresholdEURPerMWH),
		slog.Bool("daylight", dec.Daylight),
		slog.String("state", string(dec.State)),
	)
	return dec, nil
}
