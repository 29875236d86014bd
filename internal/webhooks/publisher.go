// Package webhooks notifies subscribed endpoints about finished runs.
package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trucksynth/internal/store"
)

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Emit queues one delivery per subscription of eventType and returns the
// number queued.
func (p *Publisher) Emit(ctx context.Context, runID, eventType string, data any) (int, error) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, eventType)
	if err != nil {
		return 0, fmt.Errorf("webhooks: subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return 0, nil
	}
	body, err := json.Marshal(map[string]any{
		"id":    "evt_" + uuid.NewString(),
		"type":  eventType,
		"runId": runID,
		"ts":    time.Now().UTC().Format(time.RFC3339),
		"data":  data,
	})
	if err != nil {
		return 0, fmt.Errorf("webhooks: encode %s: %w", eventType, err)
	}
	n := 0
	for _, s := range subs {
		if _, err := p.Store.EnqueueWebhook(ctx, s.ID, eventType, s.URL, s.Secret, body); err != nil {
			return n, fmt.Errorf("webhooks: enqueue %s: %w", s.URL, err)
		}
		n++
	}
	return n, nil
}
