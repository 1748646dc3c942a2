package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultStreamBuffer is the per-subscriber queue depth. A subscriber that
// falls further behind loses its oldest queued events, never the newest.
const DefaultStreamBuffer = 256

type subscriber struct {
	id string
	ch chan Event
}

// Stream is the live-subscriber observer: each subscriber gets a bounded
// queue; delivery is at-most-once best-effort. When a queue is full the
// oldest queued event is dropped so node execution never blocks on a slow
// consumer. All subscriber channels are closed on the terminal event.
type Stream struct {
	NopObserver

	logger zerolog.Logger
	buffer int

	mu     sync.Mutex
	subs   map[string]*subscriber
	closed bool
}

func NewStream(logger zerolog.Logger, buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &Stream{logger: logger, buffer: buffer, subs: map[string]*subscriber{}}
}

// Subscribe registers a consumer and returns its event channel plus an
// unsubscribe function. After the stream closes, the returned channel is
// already closed.
func (s *Stream) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{id: uuid.NewString(), ch: make(chan Event, s.buffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.subs[sub.id]; ok && cur == sub {
			delete(s.subs, sub.id)
			close(sub.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Publish queues ev for every subscriber and tears the stream down after a
// terminal event.
func (s *Stream) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			// Full queue: drop the oldest, then retry once.
			select {
			case <-sub.ch:
				s.logger.Debug().
					Str("execution_id", ev.ExecutionID).
					Str("subscriber", sub.id).
					Msg("dropped oldest event for slow subscriber")
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	if ev.Terminal() {
		s.closeLocked()
	}
}

// Close tears down all subscriptions without a terminal event (used when an
// execution aborts before reaching one).
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Stream) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
}

// Observer hooks: every lifecycle event is forwarded verbatim.

func (s *Stream) OnExecutionStart(ev Event) error    { s.Publish(ev); return nil }
func (s *Stream) OnExecutionComplete(ev Event) error { s.Publish(ev); return nil }
func (s *Stream) OnExecutionError(ev Event) error    { s.Publish(ev); return nil }
func (s *Stream) OnNodeStart(ev Event) error         { s.Publish(ev); return nil }
func (s *Stream) OnNodeComplete(ev Event) error      { s.Publish(ev); return nil }
func (s *Stream) OnNodeError(ev Event) error         { s.Publish(ev); return nil }
func (s *Stream) OnIterationTick(ev Event) error     { s.Publish(ev); return nil }
