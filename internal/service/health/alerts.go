package health

import (
	"log/slog"
	"sync"

	"github.com/cdesk/warehouse-gateway/internal/adapter/observability"
	"github.com/cdesk/warehouse-gateway/internal/domain"
)

const defaultSubscriberBuffer = 16

// Bus fans alerts out to in-process subscribers. Publishing never blocks: a
// subscriber that stops draining loses alerts, not the monitor.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan domain.Alert
	nextID int
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan domain.Alert)}
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// func detaches and closes it. Subscribing to a closed bus yields a closed
// channel.
func (b *Bus) Subscribe(buffer int) (<-chan domain.Alert, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan domain.Alert)
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	ch := make(chan domain.Alert, buffer)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the alert to every subscriber that has room.
func (b *Bus) Publish(alert domain.Alert) {
	observability.RecordAlert(string(alert.Kind))
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- alert:
		default:
			slog.Warn("alert subscriber backlogged, dropping",
				slog.String("kind", string(alert.Kind)),
				slog.String("account", alert.Account))
		}
	}
}

// Close detaches and closes every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
