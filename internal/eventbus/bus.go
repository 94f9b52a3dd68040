// Package eventbus broadcasts entity-changed events to in-process
// subscribers. Delivery is lossy by design: a slow subscriber loses the
// oldest buffered events, and recovers by re-reading the store. Events
// are hints, not truth.
package eventbus

import (
	"sync"
	"time"
)

// Event names an entity that changed. Seq is a bus-wide monotonic
// sequence; a gap tells the subscriber it missed events.
type Event struct {
	Kind string    `json:"kind"`
	ID   string    `json:"id"`
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
}

type subscriber struct {
	ch chan Event
}

// Bus is the in-process broadcast hub.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	seq    uint64
}

// New creates a bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber with the given buffer size (minimum
// 1). The cancel function must be called to release the subscription;
// the channel is closed by it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}

// Publish broadcasts an event to every subscriber. Full buffers drop
// their oldest event so the newest always lands: subscribers see a
// most-recent stream.
func (b *Bus) Publish(kind, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := Event{Kind: kind, ID: id, Seq: b.seq, Time: time.Now().UTC()}
	for _, s := range b.subs {
		for {
			select {
			case s.ch <- ev:
			default:
				// Buffer full: evict the oldest and retry the send.
				select {
				case <-s.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
