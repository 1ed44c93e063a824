package edge

import "sync"

// EventVersion is the wire version stamped on every Event envelope.
const EventVersion = 1

// Event is one broadcast envelope: a monotonic sequence number, the fixed
// wire version, a free-form event name, and event-specific data.
type Event struct {
	Seq     uint64
	Version int
	Name    string
	Data    interface{}
}

// Subscription is a single listener's view of the Bus: a buffered channel
// plus an Unsubscribe method. There is no per-type filtering -- every edge
// event is delivered to every subscriber.
type Subscription struct {
	id     uint64
	ch     chan Event
	bus    *Bus
	closed bool
}

// Chan returns the channel this subscription receives events on.
func (s *Subscription) Chan() <-chan Event { return s.ch }

// Unsubscribe removes this subscription from the bus and closes its
// channel. Safe to call multiple times.
func (s *Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.unsubscribe(s)
	}
}

// Bus is a broadcast event bus with a bounded replay buffer, so a client
// that (re)connects after missing some events can catch up on the last
// EventBufferSize envelopes before subscribing to new ones.
type Bus struct {
	mu         sync.Mutex
	subs       map[uint64]*Subscription
	nextSubID  uint64
	bufferSize int

	replay    []Event
	replayCap int
	nextSeq   uint64
}

// NewBus builds an empty Bus. replayCap bounds how many past events the
// Bus's Replay method can return; 0 disables replay.
func NewBus(replayCap int) *Bus {
	if replayCap < 0 {
		replayCap = 0
	}
	return &Bus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: replayCap,
		replayCap:  replayCap,
	}
}

// Subscribe creates a new Subscription that receives every event published
// after this call.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &Subscription{
		id:  b.nextSubID,
		ch:  make(chan Event, b.bufferSize),
		bus: b,
	}
	b.subs[sub.id] = sub
	return sub
}

// Replay returns up to the last replayCap published events, oldest first,
// so a reconnecting subscriber can catch up on what it missed.
func (b *Bus) Replay() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.replay))
	copy(out, b.replay)
	return out
}

// Publish broadcasts an event to every current subscriber, recording it in
// the replay buffer first. A subscriber with a full channel has this event
// dropped for it rather than blocking the publisher; slow subscribers
// catch up via Replay.
func (b *Bus) Publish(name string, data interface{}) Event {
	b.mu.Lock()
	b.nextSeq++
	event := Event{Seq: b.nextSeq, Version: EventVersion, Name: name, Data: data}

	if b.replayCap > 0 {
		b.replay = append(b.replay, event)
		if len(b.replay) > b.replayCap {
			b.replay = b.replay[len(b.replay)-b.replayCap:]
		}
	}

	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		default:
		}
	}
	return event
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub.id)
	close(sub.ch)
}
