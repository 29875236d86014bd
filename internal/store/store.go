package store

import (
	"context"
	"errors"
	"time"

	"trucksynth/internal/model"
)

// FlowSource streams coarse-zone commodity flows.
type FlowSource interface {
	Commodities(ctx context.Context) ([]model.Commodity, error)
	// Flows calls fn for every record of the commodity. A non-nil error from
	// fn stops the iteration and is returned.
	Flows(ctx context.Context, com model.Commodity, fn func(model.FlowRecord) error) error
}

// Sink receives finished trip tables.
type Sink interface {
	SaveTripTable(ctx context.Context, runID string, t model.TripTable) error
}

// Store is the persistence interface used by the models and the status server.
type Store interface {
	FlowSource
	Sink

	// Flows
	PutFlows(ctx context.Context, recs []model.FlowRecord) (int, error)

	// Runs
	CreateRun(ctx context.Context, modelName string) (model.Run, error)
	FinishRun(ctx context.Context, id string, runErr error, totals map[string]float64) (model.Run, error)
	GetRun(ctx context.Context, id string) (model.Run, error)
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)
	GetTripTotals(ctx context.Context, runID string) (map[string]float64, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
}

var ErrNotFound = errors.New("not found")

const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// totalsKey names a trip-table total as "<table>.<class>".
func totalsKey(table string, class model.TruckClass) string {
	return table + "." + string(class)
}

// WebhookDelivery is one queued POST of an event payload to a subscriber.
// Status moves from pending to delivered, or to failed once the attempts
// are used up.
type WebhookDelivery struct {
	ID             string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}
