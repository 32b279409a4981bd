package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/solcurb/solcurb/pkg/common"
	"github.com/solcurb/solcurb/pkg/log"
	"github.com/solcurb/solcurb/pkg/types"
	"golang.org/x/time/rate"
)

// IBEX delivery days are in Bulgarian local time
var sofiaLocation = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Sofia")
	if err != nil {
		panic(fmt.Errorf("failed to load sofia location: %w", err))
	}
	return loc
}()

// IBEX implements the Source interface for the Bulgarian Independent Power
// Exchange day-ahead market. Prices are hourly products in EUR/MWh for a
// delivery day in Europe/Sofia.
type IBEX struct {
	apiURL string
	client *http.Client

	// the exchange API is shared infrastructure; keep backfills polite
	limiter *rate.Limiter
}

// configuredIBEX sets up flags for IBEX and returns the instance.
// It uses lflag to register command-line flags for configuration.
func configuredIBEX() *IBEX {
	i := &IBEX{
		client:  common.HTTPClient(15 * time.Second),
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
	apiURL := lflag.String("ibex-api-url", "https://ibex.bg/api/dam/prices", "URL for the IBEX day-ahead prices API")

	lflag.Do(func() {
		i.apiURL = *apiURL
	})

	return i
}

// Validate ensures the configuration is valid.
func (i *IBEX) Validate() error {
	if i.apiURL == "" {
		return fmt.Errorf("ibex-api-url is required")
	}
	if _, err := url.Parse(i.apiURL); err != nil {
		return fmt.Errorf("failed to parse ibex url (%s): %w", i.apiURL, err)
	}
	return nil
}

// Name identifies the source.
func (i *IBEX) Name() string {
	return "ibex"
}

// ibexRow is one hourly product in the IBEX response. Hour is the 1-based
// product index within the delivery day, so DST days carry 23 or 25 rows.
type ibexRow struct {
	Hour   int     `json:"hour"`
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

type ibexResponse struct {
	Date string    `json:"date"`
	Rows []ibexRow `json:"rows"`
}

// FetchDayAhead fetches the auction results for one delivery day. Before the
// auction clears the exchange answers with an empty row set; that comes back
// as a series without intervals and the caller decides it is incomplete.
func (i *IBEX) FetchDayAhead(ctx context.Context, date string) (types.PriceSeries, []byte, error) {
	midnight, err := time.ParseInLocation(types.DateFormat, date, sofiaLocation)
	if err != nil {
		return types.PriceSeries{}, nil, fmt.Errorf("invalid date %q: %w", date, err)
	}

	if err := i.limiter.Wait(ctx); err != nil {
		return types.PriceSeries{}, nil, fmt.Errorf("rate limiter: %w", err)
	}

	u, err := url.Parse(i.apiURL)
	if err != nil {
		return types.PriceSeries{}, nil, fmt.Errorf("invalid api url: %w", err)
	}
	q := u.Query()
	q.Set("date", date)
	q.Set("lang", "en")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return types.PriceSeries{}, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	log.Ctx(ctx).DebugContext(ctx, "fetching ibex day-ahead prices", slog.String("url", u.String()))

	resp, err := i.client.Do(req)
	if err != nil {
		return types.PriceSeries{}, nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.PriceSeries{}, nil, fmt.Errorf("ibex api returned status: %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.PriceSeries{}, nil, fmt.Errorf("failed to read response: %w", err)
	}

	var data ibexResponse
	if err := json.Unmarshal(raw, &data); err != nil {
		return types.PriceSeries{}, nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if data.Date != "" && data.Date != date {
		return types.PriceSeries{}, nil, fmt.Errorf("ibex returned date %s, requested %s", data.Date, date)
	}

	rows := append([]ibexRow(nil), data.Rows...)
	sort.Slice(rows, func(a, b int) bool { return rows[a].Hour < rows[b].Hour })

	series := types.PriceSeries{
		Source: i.Name(),
		Date:   date,
		Zone:   sofiaLocation.String(),
	}
	for _, r := range rows {
		if r.Hour < 1 {
			log.Ctx(ctx).WarnContext(ctx, "skipping ibex row with invalid hour", slog.Int("hour", r.Hour))
			continue
		}
		// product N covers the Nth absolute hour of the delivery day, which
		// lines up with wall-clock hours except across DST jumps
		start := midnight.Add(time.Duration(r.Hour-1) * time.Hour)
		series.Intervals = append(series.Intervals, types.PriceInterval{
			TSStart:   start,
			TSEnd:     start.Add(time.Hour),
			EURPerMWH: r.Price,
		})
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched ibex prices",
		slog.String("date", date),
		slog.Int("count", len(series.Intervals)),
	)
	return series, raw, nil
}
