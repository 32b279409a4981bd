// Package notify delivers the single event each cycle produces. Telegram is
// the real channel; when no token is configured events are rendered to the
// log instead so nothing is ever dropped silently.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/levenlabs/go-lflag"
	"github.com/solcurb/solcurb/pkg/log"
	"github.com/solcurb/solcurb/pkg/types"
)

// Notifier receives exactly one event per reconcile cycle and at most one
// per fetch cycle.
type Notifier interface {
	Notify(ctx context.Context, ev types.Event) error
}

// Configured sets up the notifier based on flags: Telegram when a bot token
// is set, the log fallback otherwise.
func Configured() Notifier {
	token := lflag.String("telegram-token", "", "Telegram bot token; empty renders events to the log instead")
	chatID := lflag.String("telegram-chat-id", "", "Telegram chat ID to notify")
	apiURL := lflag.String("telegram-api-url", "https://api.telegram.org", "Base URL for the Telegram Bot API")

	var n struct{ Notifier }

	lflag.Do(func() {
		if *token == "" {
			n.Notifier = &LogNotifier{}
			return
		}
		if *chatID == "" {
			panic("telegram-chat-id is required when telegram-token is set")
		}
		n.Notifier = newTelegram(*apiURL, *token, *chatID)
	})

	return &n
}

// Render turns an event into the plain-text notification body.
func Render(ev types.Event) string {
	var b strings.Builder
	switch ev.Kind {
	case types.EventUnchanged:
		fmt.Fprintf(&b, "Power limit unchanged: %s", ev.State)
	case types.EventChanged:
		fmt.Fprintf(&b, "Power limit changed: %s -> %s", ev.OldState, ev.NewState)
	case types.EventError:
		fmt.Fprintf(&b, "Cycle failed: %s", ev.ErrorKind)
		if ev.Detail != "" {
			fmt.Fprintf(&b, ": %s", ev.Detail)
		}
	case types.EventPricesFetched:
		fmt.Fprintf(&b, "Day-ahead prices cached for %s", ev.Date)
	default:
		fmt.Fprintf(&b, "Unknown event: %s", ev.Kind)
	}
	if d := ev.Decision; d != nil {
		fmt.Fprintf(&b, "\nPrice %.2f EUR/MWh, threshold %.2f, daylight %v", d.EURPerMWH, d.ThresholdEURPerMWH, d.Daylight)
	}
	return b.String()
}

// LogNotifier renders events to the structured log. Unchanged events go out
// at debug so the steady state stays quiet.
type LogNotifier struct{}

var _ Notifier = (*LogNotifier)(nil)

// Notify logs the event. It never fails.
func (LogNotifier) Notify(ctx context.Context, ev types.Event) error {
	attrs := []any{
		slog.String("kind", string(ev.Kind)),
		slog.String("message", Render(ev)),
	}
	switch ev.Kind {
	case types.EventError:
		log.Ctx(ctx).ErrorContext(ctx, "cycle event", attrs...)
	case types.EventUnchanged:
		log.Ctx(ctx).DebugContext(ctx, "cycle event", attrs...)
	default:
		log.Ctx(ctx).InfoContext(ctx, "cycle event", attrs...)
	}
	return nil
}
