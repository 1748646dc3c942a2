package events

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Bus fans one event out to every registered observer, sequentially in
// registration order. A panicking or erroring observer is logged and skipped;
// it never stops the run or the remaining observers. Publication is
// serialized so no observer ever sees two events interleaved.
type Bus struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	observers []Observer

	pubMu sync.Mutex
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Register appends an observer. Registration order is delivery order.
func (b *Bus) Register(o Observer) {
	if o == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Publish delivers ev to all observers.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	for i, o := range observers {
		if err := b.notify(o, ev); err != nil {
			b.logger.Warn().
				Err(err).
				Str("execution_id", ev.ExecutionID).
				Str("event", string(ev.Type)).
				Int("observer", i).
				Msg("observer failed")
		}
	}
}

func (b *Bus) notify(o Observer, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	switch ev.Type {
	case ExecutionStart:
		return o.OnExecutionStart(ev)
	case ExecutionComplete:
		return o.OnExecutionComplete(ev)
	case ExecutionError:
		return o.OnExecutionError(ev)
	case NodeStart:
		return o.OnNodeStart(ev)
	case NodeComplete:
		return o.OnNodeComplete(ev)
	case NodeError:
		return o.OnNodeError(ev)
	case IterationTick:
		return o.OnIterationTick(ev)
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}
