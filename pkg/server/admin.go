package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/solcurb/solcurb/pkg/common"
	"github.com/solcurb/solcurb/pkg/log"
	"github.com/solcurb/solcurb/pkg/scheduler"
	"github.com/solcurb/solcurb/pkg/storage"
	"github.com/solcurb/solcurb/pkg/types"
)

// statusResponse is the GET /api/status payload.
type statusResponse struct {
	Version         string                `json:"version"`
	Uptime          string                `json:"uptime"`
	LastFetch       scheduler.CycleResult `json:"lastFetch"`
	LastReconcile   scheduler.CycleResult `json:"lastReconcile"`
	LatestPriceDate string                `json:"latestPriceDate,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	st := s.engine.Status()
	resp := statusResponse{
		Version:       common.Version(),
		LastFetch:     st.LastFetch,
		LastReconcile: st.LastReconcile,
	}
	if !st.StartedAt.IsZero() {
		resp.Uptime = time.Since(st.StartedAt).Round(time.Second).String()
	}

	date, err := s.prices.LatestCachedDate(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		// status still renders without the store
		log.Ctx(ctx).WarnContext(ctx, "failed to read latest price date", slog.Any("error", err))
	}
	resp.LatestPriceDate = date

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// cycleRequest is the POST /api/cycle payload.
type cycleRequest struct {
	Kind  string `json:"kind"`
	Force bool   `json:"force"`
}

// cycleResponse echoes the event the cycle produced.
type cycleResponse struct {
	CycleRan bool         `json:"cycleRan"`
	Event    *types.Event `json:"event,omitempty"`
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req cycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Kind != scheduler.KindFetch && req.Kind != scheduler.KindReconcile {
		writeJSONError(w, "kind must be fetch or reconcile", http.StatusBadRequest)
		return
	}

	ev, err := s.engine.TryCycle(ctx, req.Kind, req.Force)
	if err != nil {
		if errors.Is(err, scheduler.ErrBusy) {
			writeJSONError(w, "a cycle is already running", http.StatusConflict)
			return
		}
		// the cycle ran and failed; the event carries the classification
		log.Ctx(ctx).WarnContext(ctx, "triggered cycle failed", slog.String("kind", req.Kind), slog.Any("error", err))
	}

	resp := cycleResponse{CycleRan: true}
	if ev.Kind != "" {
		resp.Event = &ev
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		panic(http.ErrAbortHandler)
	}
}
