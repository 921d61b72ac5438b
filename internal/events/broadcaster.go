// Package events implements the push-channel broadcaster: ordered fan-out of
// Event objects to subscribers with bounded queues. Publishers never block;
// a droppable event published to a full queue sheds the oldest droppable
// event, while a system/routing event published to a full queue closes the
// subscriber with reason slow_consumer. Critical events are never dropped and
// never wait behind a stalled consumer.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/milo-audio/milo-go/internal/models"
)

const queueCapacity = 256

// CloseReasonSlowConsumer is the reason reported when a subscriber is evicted
// because a system/routing event arrived while its queue was full.
const CloseReasonSlowConsumer = "slow_consumer"

// Subscription is one subscriber's view of the event stream. Events arrive on
// C in publish order (strictly increasing Seq, gaps only from drops of
// droppable categories). When Done is closed, Reason reports why.
type Subscription struct {
	ID string

	mu     sync.Mutex
	queue  []models.Event
	closed bool
	reason string

	wake chan struct{}
	out  chan models.Event
	done chan struct{}
}

// C returns the delivery channel. It is closed after Done.
func (s *Subscription) C() <-chan models.Event { return s.out }

// Done is closed when the subscription ends (unsubscribe or eviction).
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Reason returns the close reason, or "" while open.
func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// enqueue applies the backpressure policy. evict is true when the subscriber
// must be closed (critical event, no room); dropped is true when some
// droppable event was shed to make room.
func (s *Subscription) enqueue(ev models.Event) (evict, dropped bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, false
	}
	if len(s.queue) >= queueCapacity {
		if !ev.Category.Droppable() {
			// A consumer too slow for a system/routing event is cut off: the
			// critical event must neither be dropped nor queue behind a
			// backlog the consumer is not reading.
			s.mu.Unlock()
			return true, false
		}
		if i := s.oldestDroppable(); i >= 0 {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			dropped = true
		} else {
			// Queue is wall-to-wall critical events; shed the newcomer.
			s.mu.Unlock()
			return false, true
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return false, dropped
}

func (s *Subscription) oldestDroppable() int {
	for i, ev := range s.queue {
		if ev.Category.Droppable() {
			return i
		}
	}
	return -1
}

// pump forwards queued events to the out channel in order.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
			case <-s.done:
				// Drain whatever was queued before the close, then exit.
				s.mu.Lock()
				empty := len(s.queue) == 0
				s.mu.Unlock()
				if empty {
					return
				}
			}
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.reason = reason
	s.mu.Unlock()
	close(s.done)
}

// Broadcaster owns the subscriber set and the sequence counter.
type Broadcaster struct {
	log zerolog.Logger

	mu   sync.Mutex
	seq  uint64
	subs map[string]*Subscription

	metrics *Metrics
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(log zerolog.Logger, metrics *Metrics) *Broadcaster {
	return &Broadcaster{
		log:     log.With().Str("component", "events").Logger(),
		subs:    make(map[string]*Subscription),
		metrics: metrics,
	}
}

// Subscribe registers a new subscriber and starts its delivery pump.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		ID:   uuid.New().String(),
		wake: make(chan struct{}, 1),
		out:  make(chan models.Event),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	go sub.pump()
	return sub
}

// Unsubscribe removes a subscriber and ends its stream.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.close("")
	}
}

// Publish assigns the sequence number and fans out to every subscriber.
// Never blocks on subscribers.
func (b *Broadcaster) Publish(ev models.Event) {
	b.mu.Lock()
	b.seq++
	ev.Seq = b.seq
	if ev.TS == 0 {
		ev.TS = time.Now().UnixNano()
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Published.WithLabelValues(string(ev.Category)).Inc()
	}

	for _, sub := range targets {
		evict, dropped := sub.enqueue(ev)
		if dropped && b.metrics != nil {
			b.metrics.Dropped.Inc()
		}
		if evict {
			b.evict(sub)
		}
	}
}

func (b *Broadcaster) evict(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.ID)
	b.mu.Unlock()
	sub.close(CloseReasonSlowConsumer)
	if b.metrics != nil {
		b.metrics.Evictions.Inc()
	}
	b.log.Warn().Str("subscriber", sub.ID).Msg("closing slow consumer")
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
