// Package events implements the Engine's typed message bus (spec
// §4.C15, redesign flag in §9: "event emitter with implicit globals"
// reified as a typed bus owned by the Engine, where every subscriber
// receives a handle and must unsubscribe explicitly — no module-level
// mutable singletons).
package events

import "sync"

// Type identifies one of the event kinds the Engine emits.
type Type string

const (
	StateChanged      Type = "stateChanged"
	DownloadProgress  Type = "downloadProgress"
	DownloadCompleted Type = "downloadCompleted"
	DownloadFailed    Type = "downloadFailed"
	ChunkCompleted    Type = "chunkCompleted"
	ChunkFailed       Type = "chunkFailed"
	NeedsConfirmation Type = "needsConfirmation"
	MergeStarted      Type = "mergeStarted"
)

// Event is one emitted occurrence. Payload is type-specific; callers
// type-assert based on Type.
type Event struct {
	Type       Type
	DownloadID int64
	Payload    any
}

// StateChangedPayload accompanies a StateChanged event.
type StateChangedPayload struct {
	Version int64
}

// ProgressPayload accompanies a DownloadProgress event.
type ProgressPayload struct {
	DownloadedBytes int64
	TotalBytes      int64
	SpeedBps        float64
}

// FailedPayload accompanies DownloadFailed/ChunkFailed events.
type FailedPayload struct {
	Error            string
	WillRetry        bool
	FailedDuringMerge bool
	ChunkIndex       int
}

// CompletedPayload accompanies a DownloadCompleted event.
type CompletedPayload struct {
	FinalPath string
}

// Subscription is the handle returned by Subscribe; callers must call
// Unsubscribe explicitly (no garbage-collected subscriptions).
type Subscription struct {
	id  int64
	bus *Bus
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

// Bus is the in-process typed event bus.
type Bus struct {
	mu        sync.RWMutex
	nextID    int64
	listeners map[int64]chan Event
	bufSize   int
}

// NewBus creates a Bus whose per-subscriber channel has the given
// buffer size (an event that finds a subscriber's buffer full is
// dropped for that subscriber only — see Publish).
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{listeners: make(map[int64]chan Event), bufSize: bufSize}
}

// Subscribe returns a channel of events and a handle to unsubscribe.
func (b *Bus) Subscribe() (<-chan Event, *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan Event, b.bufSize)
	b.listeners[id] = ch
	return ch, &Subscription{id: id, bus: b}
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.listeners[id]; ok {
		delete(b.listeners, id)
		close(ch)
	}
}

// Publish fans out ev to every current subscriber. A full subscriber
// channel causes that event to be dropped for that subscriber only
// (non-blocking), so one slow consumer never stalls the engine.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close unsubscribes and closes every listener's channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.listeners {
		delete(b.listeners, id)
		close(ch)
	}
}
