package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"trucksynth/internal/buildinfo"
	"trucksynth/internal/events"
	"trucksynth/internal/model"
	"trucksynth/internal/store"
)

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using Postgres store
	type pinger interface{ Ping(ctx context.Context) error }
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, r, http.StatusServiceUnavailable, "Not Ready", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// RunsHandler handles GET /v1/runs
func (s *Server) RunsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeProblem(w, r, http.StatusBadRequest, "Invalid limit", v)
			return
		}
		limit = n
	}
	runs, err := s.Store.ListRuns(r.Context(), limit)
	if err != nil {
		writeProblem(w, r, http.StatusInternalServerError, "List runs failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": runs})
}

// splitRunPath parses /v1/runs/{id}[/sub].
func splitRunPath(p string) (id, sub string) {
	rest := strings.Trim(strings.TrimPrefix(p, "/v1/runs/"), "/")
	id, sub, _ = strings.Cut(rest, "/")
	return id, sub
}

// RunByIDHandler handles GET /v1/runs/{id}, /v1/runs/{id}/totals and the
// /v1/runs/{id}/progress websocket.
func (s *Server) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
	id, sub := splitRunPath(r.URL.Path)
	if id == "" {
		writeProblem(w, r, http.StatusNotFound, "Not Found", "missing id")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	run, err := s.Store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, r, http.StatusNotFound, "Run not found", id)
		return
	}
	if err != nil {
		writeProblem(w, r, http.StatusInternalServerError, "Get run failed", err.Error())
		return
	}
	switch sub {
	case "":
		writeJSON(w, http.StatusOK, run)
	case "totals":
		totals, err := s.Store.GetTripTotals(r.Context(), id)
		if err != nil {
			writeProblem(w, r, http.StatusInternalServerError, "Get totals failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runId": id, "totals": totals})
	case "progress":
		s.progress(w, r, run)
	default:
		writeProblem(w, r, http.StatusNotFound, "Not Found", sub)
	}
}

var eventTypes = map[string]bool{
	events.RunStarted:         true,
	events.CommodityCompleted: true,
	events.StageCompleted:     true,
	events.RunCompleted:       true,
	events.RunFailed:          true,
	"*":                       true,
}

func validateSubscription(sub model.Subscription) error {
	u, err := url.Parse(sub.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http(s) URL")
	}
	if len(sub.EventTypes) == 0 {
		return fmt.Errorf("eventTypes must not be empty")
	}
	for _, t := range sub.EventTypes {
		if !eventTypes[t] {
			return fmt.Errorf("unknown event type: %s", t)
		}
	}
	return nil
}

// SubscriptionsHandler handles POST /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !s.authorized(r) {
		writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", "admin token required")
		return
	}
	var req model.Subscription
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := validateSubscription(req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Invalid subscription", err.Error())
		return
	}
	sub, err := s.Store.CreateSubscription(r.Context(), req)
	if err != nil {
		writeProblem(w, r, http.StatusInternalServerError, "Create subscription failed", err.Error())
		return
	}
	sub.Secret = ""
	writeJSON(w, http.StatusCreated, sub)
}
