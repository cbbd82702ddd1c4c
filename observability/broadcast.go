package observability

import (
	"context"
	"sync"
)

// Default sizing for the broadcast ring and subscriber headroom.
const (
	defaultRingCapacity = 500
	subscriberHeadroom  = 64
)

// SequencedEvent is an Event with its position in the broadcast
// stream. Sequence numbers start at 1 and never repeat, so a consumer
// can resume after a disconnect by asking for everything newer than
// the last sequence it saw.
type SequencedEvent struct {
	Seq   uint64
	Event Event
}

// Broadcaster retains recent events in a bounded ring and fans them
// out to live subscribers. It implements Observer, so it slots into a
// MultiObserver chain next to logging.
//
// Delivery to a subscriber is non-blocking: a full channel drops the
// event for that subscriber only. The ring is the recovery path; a
// consumer that notices a sequence gap re-subscribes from the last
// sequence it processed.
type Broadcaster struct {
	mu      sync.Mutex
	ring    []SequencedEvent
	cap     int
	seq     uint64
	subs    map[int]chan SequencedEvent
	nextSub int
}

// NewBroadcaster creates a Broadcaster retaining the given number of
// events. Values below 1 fall back to the default capacity.
func NewBroadcaster(capacity int) *Broadcaster {
	if capacity < 1 {
		capacity = defaultRingCapacity
	}
	return &Broadcaster{
		cap:  capacity,
		subs: make(map[int]chan SequencedEvent),
	}
}

// OnEvent stamps the event with the next sequence number, retains it,
// and offers it to every live subscriber.
func (b *Broadcaster) OnEvent(_ context.Context, event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	se := SequencedEvent{Seq: b.seq, Event: event}
	b.ring = append(b.ring, se)
	if len(b.ring) > b.cap {
		b.ring = b.ring[len(b.ring)-b.cap:]
	}

	for _, ch := range b.subs {
		select {
		case ch <- se:
		default:
			// Slow consumer; it recovers from the ring.
		}
	}
}

// Subscribe returns a channel of events newer than after, starting
// with a replay of everything retained past that point. The returned
// stop function unregisters the subscriber and closes the channel;
// calling it more than once is safe.
func (b *Broadcaster) Subscribe(after uint64) (<-chan SequencedEvent, func()) {
	b.mu.Lock()
	ch := make(chan SequencedEvent, b.cap+subscriberHeadroom)
	for _, se := range b.tail(after) {
		ch <- se
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, stop
}

// tail returns retained events with sequence numbers above after.
// Callers hold b.mu.
func (b *Broadcaster) tail(after uint64) []SequencedEvent {
	for i, se := range b.ring {
		if se.Seq > after {
			return b.ring[i:]
		}
	}
	return nil
}

// LastSeq returns the sequence number of the newest event seen, zero
// before any event.
func (b *Broadcaster) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
