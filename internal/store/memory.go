package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"trucksynth/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu         sync.Mutex
	flows      map[model.Commodity][]model.FlowRecord
	runs       map[string]*model.Run
	runOrder   []string
	tables     map[string][]model.TripTable // run id -> tables
	subs       []model.Subscription
	deliveries map[string]*memDelivery
	order      []string // delivery ids in enqueue order
	dlq        []map[string]any
}

func NewMemory() *Memory {
	return &Memory{
		flows:      map[model.Commodity][]model.FlowRecord{},
		runs:       map[string]*model.Run{},
		tables:     map[string][]model.TripTable{},
		deliveries: map[string]*memDelivery{},
	}
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func (m *Memory) PutFlows(ctx context.Context, recs []model.FlowRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.flows[r.Commodity] = append(m.flows[r.Commodity], r)
	}
	return len(recs), nil
}

func (m *Memory) Commodities(ctx context.Context) ([]model.Commodity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Commodity, 0, len(m.flows))
	for c := range m.flows {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Flows iterates over a copy so fn may run slowly without holding the lock.
func (m *Memory) Flows(ctx context.Context, com model.Commodity, fn func(model.FlowRecord) error) error {
	m.mu.Lock()
	recs := append([]model.FlowRecord(nil), m.flows[com]...)
	m.mu.Unlock()
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) SaveTripTable(ctx context.Context, runID string, t model.TripTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := model.TripTable{Name: t.Name, Zones: append([]int(nil), t.Zones...), Trips: map[model.TruckClass]*mat.Dense{}, Totals: map[model.TruckClass]float64{}}
	for c, d := range t.Trips {
		cp.Trips[c] = mat.DenseCopyOf(d)
		cp.Totals[c] = mat.Sum(d)
	}
	m.tables[runID] = append(m.tables[runID], cp)
	return nil
}

// TripTables returns the tables saved for a run.
func (m *Memory) TripTables(runID string) []model.TripTable {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.TripTable(nil), m.tables[runID]...)
}

func (m *Memory) GetTripTotals(ctx context.Context, runID string) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	out := map[string]float64{}
	for _, t := range m.tables[runID] {
		for c, v := range t.Totals {
			out[totalsKey(t.Name, c)] += v
		}
	}
	return out, nil
}

func (m *Memory) CreateRun(ctx context.Context, modelName string) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &model.Run{ID: uuid.New().String(), Model: modelName, Status: RunRunning, StartedAt: time.Now().UTC()}
	m.runs[r.ID] = r
	m.runOrder = append(m.runOrder, r.ID)
	return *r, nil
}

func (m *Memory) FinishRun(ctx context.Context, id string, runErr error, totals map[string]float64) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return model.Run{}, fmt.Errorf("finish run %s: %w", id, ErrNotFound)
	}
	now := time.Now().UTC()
	r.FinishedAt = &now
	r.Status = RunSucceeded
	if runErr != nil {
		r.Status = RunFailed
		r.Error = runErr.Error()
	}
	r.Totals = totals
	return *r, nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return model.Run{}, ErrNotFound
	}
	return *r, nil
}

// ListRuns returns the most recent runs first.
func (m *Memory) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := []model.Run{}
	for i := len(m.runOrder) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *m.runs[m.runOrder[i]])
	}
	return out, nil
}

func (m *Memory) CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.ID = uuid.New().String()
	m.subs = append(m.subs, sub)
	return sub, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs {
		for _, e := range s.EventTypes {
			if e == eventType || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

// Webhook deliveries
func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"},
		NextAttemptAt:   time.Now(),
	}
	m.order = append(m.order, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.order {
		d := m.deliveries[id]
		if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = "retry"
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = time.Now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Status = "failed"
	d.Attempts++
	m.dlq = append(m.dlq, map[string]any{"id": id, "lastError": lastError, "responseCode": responseCode, "latencyMs": latencyMs})
	return nil
}

// DeliveryStatus reports the status of a delivery, for tests and admin tools.
func (m *Memory) DeliveryStatus(id string) (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return "", 0
	}
	return d.Status, d.Attempts
}
