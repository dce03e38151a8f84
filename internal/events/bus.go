// Package events implements the ordered event stream connecting the
// runtime to its observers. A Bus fans events out to subscribers over
// bounded buffers; a slow subscriber never blocks an emitter.
package events

import (
	"sync"
	"time"

	"github.com/odysseyml/odyssey/internal/logging"
	"github.com/odysseyml/odyssey/pkg/types"
)

// DefaultBufferSize is the per-subscriber channel capacity used when the
// configured size is not positive.
const DefaultBufferSize = 256

// DropFunc is invoked once per event dropped on a full subscriber buffer.
type DropFunc func(event types.EventMsg)

// Bus is a broadcast event sink. Events are stamped with a monotonically
// increasing sequence number in emission order; each subscriber observes
// the events it receives in that order. When a subscriber's buffer is
// full the incoming event is dropped for that subscriber only.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	subs    map[int]chan types.EventMsg
	nextSub int
	size    int
	onDrop  DropFunc
	closed  bool
}

// compile-time interface check
var _ types.EventSink = (*Bus)(nil)

// NewBus creates a Bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs: make(map[int]chan types.EventMsg),
		size: bufferSize,
	}
}

// OnDrop registers a callback for dropped events. Must be called before
// the bus is shared.
func (b *Bus) OnDrop(fn DropFunc) {
	b.onDrop = fn
}

// Emit implements types.EventSink. It stamps the event and delivers it to
// every live subscriber without blocking.
func (b *Bus) Emit(event types.EventMsg) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.seq++
	event.Seq = b.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			if b.onDrop != nil {
				b.onDrop(event)
			}
			logging.Warn("event dropped on full subscriber buffer",
				logging.String("type", string(event.Type)),
				logging.Int64("seq", int64(event.Seq)),
			)
		}
	}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. The channel is closed on cancel or bus close.
func (b *Bus) Subscribe() (<-chan types.EventMsg, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan types.EventMsg, b.size)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextSub
	b.nextSub++
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

// Close shuts the bus down and closes all subscriber channels. Emit
// becomes a no-op afterwards.
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

// Recorder is an EventSink that appends every event to an in-memory
// slice. It is intended for tests and diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []types.EventMsg
}

var _ types.EventSink = (*Recorder)(nil)

// Emit implements types.EventSink.
func (r *Recorder) Emit(event types.EventMsg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []types.EventMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.EventMsg, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in emission order.
func (r *Recorder) Types() []types.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
