// Package events is the in-process pub/sub bus. The ingestion loop publishes
// envelope and stream-state events; the websocket hub and telemetry
// subscribe. Delivery is best-effort: a full subscriber channel drops.
package events

import (
	"sync"
	"time"
)

// Event types published by the indexer.
const (
	TypeEnvelopeApplied = "indexer.envelope.applied"
	TypeStreamState     = "indexer.stream.state"
	TypeReplayScheduled = "indexer.replay.scheduled"
)

// Event is one bus message.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Bus is an in-process pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	allSubs     []chan Event
	bufferSize  int
}

// NewBus creates a bus with the default per-subscriber buffer.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan Event),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types; pass none
// to receive everything.
func (b *Bus) Subscribe(types ...string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if len(types) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, t := range types {
			b.subscribers[t] = append(b.subscribers[t], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subscribers {
		b.subscribers[t] = removeChan(subs, ch)
	}
	b.allSubs = removeChan(b.allSubs, ch)
	close(ch)
}

// Publish delivers to matching subscribers without blocking.
func (b *Bus) Publish(eventType string, data any) {
	ev := Event{Type: eventType, Time: time.Now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- ev:
		default:
			// Subscriber is slow; drop rather than stall ingestion.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func removeChan(subs []chan Event, ch chan Event) []chan Event {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}
