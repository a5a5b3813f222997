package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies a caller-visible event.
type Type string

const (
	StreamMessage     Type = "stream.message"
	PermissionRequest Type = "permission.request"
	SessionStatus     Type = "session.status"
	TodosUpdated      Type = "todos.updated"
	TaskCreated       Type = "task.created"
	TaskStatus        Type = "task.status"
	TaskError         Type = "task.error"
	TaskDeleted       Type = "task.deleted"
	SchedulerExecute  Type = "scheduler.task_execute"
	SchedulerUpcoming Type = "scheduler.task_upcoming"
)

// Event is the envelope for everything the engine reports to its callers.
type Event struct {
	Type      Type        `json:"type"`
	Seq       int64       `json:"seq"`
	SessionID string      `json:"sessionId,omitempty"`
	TaskID    string      `json:"taskId,omitempty"`
	Payload   interface{} `json:"payload"`
	Timestamp int64       `json:"timestamp"`
}

// Emitter receives events. Implementations must not block the producer for long.
type Emitter func(Event)

// Discard is an Emitter that drops everything.
func Discard(Event) {}

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose
// buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	buffer  int
	seq     int64
	dropped uint64
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
	}
}

// Publish stamps the event with a sequence number and timestamp and delivers it.
func (b *Bus) Publish(ev Event) {
	ev.Seq = atomic.AddInt64(&b.seq, 1)
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			atomic.AddUint64(&b.dropped, 1)
		}
	}
}

// Emitter returns Publish as an Emitter.
func (b *Bus) Emitter() Emitter {
	return b.Publish
}

// Subscribe registers a subscriber. The returned cancel func closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was slow.
func (b *Bus) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// Recorder collects events in memory. Useful for tests and the CLI.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends the event.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
