// Package api implements the run status server.
package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"trucksynth/internal/events"
	"trucksynth/internal/metrics"
	"trucksynth/internal/store"
)

type Server struct {
	Store  store.Store
	Broker events.Broker
	Log    logrus.FieldLogger
	// AdminToken guards subscription management when set.
	AdminToken string
}

func NewServer(s store.Store, b events.Broker, log logrus.FieldLogger) *Server {
	return &Server{Store: s, Broker: b, Log: log}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/v1/runs", s.RunsHandler)
	mux.HandleFunc("/v1/runs/", s.RunByIDHandler) // includes /totals and /progress
	mux.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
	return s.logMiddleware(mux)
}

// NewHTTPServer wraps the handler with the server timeouts.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack exposes the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer cannot hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		path := routeLabel(r.URL.Path)
		code := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(dur.Seconds())
		s.Log.WithFields(logrus.Fields{
			"remote": r.RemoteAddr, "method": r.Method, "path": r.URL.Path, "status": rec.status, "duration": dur,
		}).Debug("request")
	})
}

// routeLabel collapses run IDs to keep metric cardinality bounded.
func routeLabel(p string) string {
	switch {
	case p == "/v1/runs" || p == "/v1/subscriptions" || p == "/healthz" || p == "/readyz" || p == "/metrics":
		return p
	case strings.HasPrefix(p, "/v1/runs/"):
		id, sub := splitRunPath(p)
		if id == "" {
			return "/v1/runs/"
		}
		if sub == "" {
			return "/v1/runs/{id}"
		}
		return "/v1/runs/{id}/" + sub
	}
	return "other"
}
