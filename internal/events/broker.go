// Package events fans out run progress to subscribers.
package events

import (
	"sync"
	"time"
)

const (
	RunStarted         = "run.started"
	CommodityCompleted = "commodity.completed"
	StageCompleted     = "stage.completed"
	RunCompleted       = "run.completed"
	RunFailed          = "run.failed"
)

type Event struct {
	Type  string         `json:"type"`
	RunID string         `json:"runId"`
	At    time.Time      `json:"at"`
	Data  map[string]any `json:"data,omitempty"`
}

// Broker publishes events per run. Publish never blocks: slow subscribers
// miss events.
type Broker interface {
	Subscribe(runID string) chan Event
	Unsubscribe(runID string, ch chan Event)
	Publish(runID string, evt Event)
}

// Memory is the in-process Broker.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // runID -> set of channels
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Memory) Subscribe(runID string) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = map[chan Event]struct{}{}
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Memory) Unsubscribe(runID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[runID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, runID)
	}
	close(ch)
}

func (b *Memory) Publish(runID string, evt Event) {
	if evt.RunID == "" {
		evt.RunID = runID
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range []string{runID, AllRuns} {
		for ch := range b.subs[key] {
			select {
			case ch <- evt:
			default:
			}
		}
	}
}

// AllRuns subscribes to every run.
const AllRuns = "*"

// Discard drops every event.
type Discard struct{}

func (Discard) Subscribe(string) chan Event     { return make(chan Event) }
func (Discard) Unsubscribe(string, chan Event) {}
func (Discard) Publish(string, Event)          {}
