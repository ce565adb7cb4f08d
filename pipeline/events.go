package pipeline

import (
	"sync"
	"time"

	"storyForge/models"
)

type EventKind string

const (
	EventProgress         EventKind = "progress"
	EventStatusChange     EventKind = "status_change"
	EventPipelineComplete EventKind = "pipeline_complete"
)

const subscriberBuffer = 256

// Event is one notification on the bus. PipelineComplete events carry no
// task fields; the other kinds identify the task they describe.
type Event struct {
	Kind      EventKind               `json:"kind"`
	TaskID    string                  `json:"task_id,omitempty"`
	ProjectID string                  `json:"project_id,omitempty"`
	TaskType  models.TaskType         `json:"task_type,omitempty"`
	Status    models.TaskStatus       `json:"status,omitempty"`
	Progress  int                     `json:"progress"`
	Details   *models.ProgressDetails `json:"details,omitempty"`
	Error     string                  `json:"error,omitempty"`
	At        time.Time               `json:"at"`
}

// Bus is an in-process fan-out of pipeline events. Delivery is
// best-effort: a subscriber whose buffer is full misses the event rather
// than blocking the dispatcher. Per subscriber, delivered events keep
// emission order.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns the event channel and an unsubscribe func. The channel
// is closed on unsubscribe and on bus close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

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
