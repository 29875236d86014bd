package webhooks

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"trucksynth/internal/config"
	"trucksynth/internal/metrics"
	"trucksynth/internal/store"
)

const batchSize = 50

// Worker posts queued deliveries, retrying failures with exponential
// backoff until MaxAttempts is reached.
type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	Limiter     *rate.Limiter
	MaxAttempts int
	Interval    time.Duration
	Log         logrus.FieldLogger
}

func NewWorker(s store.Store, cfg config.Webhooks, log logrus.FieldLogger) *Worker {
	max := cfg.MaxAttempts
	if max <= 0 {
		max = 10
	}
	lim := rate.Inf
	if cfg.RatePerSec > 0 {
		lim = rate.Limit(cfg.RatePerSec)
	}
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		Limiter:     rate.NewLimiter(lim, 1),
		MaxAttempts: max,
		Interval:    time.Second,
		Log:         log,
	}
}

// Run polls the queue until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

// Drain delivers everything currently due and returns when the queue holds
// no due deliveries. Retries scheduled in the future are left queued.
func (w *Worker) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.processOnce(ctx) == 0 {
			return nil
		}
	}
}

// processOnce handles one batch and returns its size.
func (w *Worker) processOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, batchSize)
	if err != nil {
		w.Log.WithError(err).Warn("fetch webhook deliveries")
		return 0
	}
	for _, it := range items {
		if w.Limiter != nil {
			if err := w.Limiter.Wait(ctx); err != nil {
				return len(items)
			}
		}
		w.deliver(ctx, it)
	}
	return len(items)
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
	log := w.Log.WithFields(logrus.Fields{"delivery": it.ID, "event": it.EventType, "attempt": it.Attempts + 1})
	code, lastErr := 0, ""
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err == nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, it.EventType)
		if it.Secret != "" {
			req.Header.Set(HeaderSignature, Sign(it.Secret, start, it.Payload))
		}
		var resp *http.Response
		resp, err = w.HTTP.Do(req)
		if err == nil {
			code = resp.StatusCode
			resp.Body.Close()
		}
	}
	latency := int(time.Since(start).Milliseconds())
	success := err == nil && code >= 200 && code < 300
	if err != nil {
		lastErr = err.Error()
	} else if !success {
		lastErr = "status " + strconv.Itoa(code)
	}

	status := "delivered"
	switch {
	case success:
		err = w.Store.MarkWebhookDelivery(ctx, it.ID, true, nil, "", code, latency)
	case it.Attempts+1 >= w.MaxAttempts:
		status = "failed"
		log.WithField("error", lastErr).Warn("webhook delivery failed permanently")
		err = w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency)
	default:
		status = "retry"
		next := time.Now().Add(nextBackoff(it.Attempts))
		err = w.Store.MarkWebhookDelivery(ctx, it.ID, false, &next, lastErr, code, latency)
	}
	if err != nil {
		log.WithError(err).Error("record webhook delivery")
	}
	metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
	metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
