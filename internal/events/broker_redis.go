package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Redis implements Broker over Redis Pub/Sub so several processes can
// follow the same run.
type Redis struct {
	rdb  *redis.Client
	mu   sync.Mutex
	subs map[chan Event]*redis.PubSub
}

// NewRedis connects to the Redis server at url (redis://host:port/db).
func NewRedis(url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisClient(redis.NewClient(opt)), nil
}

func NewRedisClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, subs: map[chan Event]*redis.PubSub{}}
}

func (b *Redis) Subscribe(runID string) chan Event {
	ch := make(chan Event, 16)
	ctx := context.Background()
	var ps *redis.PubSub
	if runID == AllRuns {
		ps = b.rdb.PSubscribe(ctx, chanName(AllRuns))
	} else {
		ps = b.rdb.Subscribe(ctx, chanName(runID))
	}
	// initial receive confirms the subscription before Publish can race it
	_, _ = ps.Receive(ctx)
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
				select {
				case ch <- evt:
				default:
				}
			}
		}
	}()
	return ch
}

// Unsubscribe closes the Redis subscription; ch is closed once its reader
// goroutine drains.
func (b *Redis) Unsubscribe(runID string, ch chan Event) {
	b.mu.Lock()
	ps := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *Redis) Publish(runID string, evt Event) {
	if evt.RunID == "" {
		evt.RunID = runID
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	_ = b.rdb.Publish(ctx, chanName(runID), data).Err()
}

func (b *Redis) Close() error { return b.rdb.Close() }

func chanName(runID string) string { return "trucksynth:run:" + runID }
