// Package events is an in-process publish/subscribe hub used by the claim
// workflow components to announce state changes without depending on each other.
package events

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/claims/internal/logger"
)

// DefaultHistorySize is the number of recent events kept when no size is given.
const DefaultHistorySize = 100

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus is closed")

// Event is one published message.
type Event struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler receives events. A returned error is logged and otherwise ignored.
type Handler func(Event) error

// Publisher is the publishing half of the bus. Components depend on this
// rather than on *Bus so tests can substitute a recorder.
type Publisher interface {
	Publish(topic string, payload map[string]any)
}

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Bus fans events out to subscribers matching the topic exactly or through a
// trailing wildcard ("claim.*"). Each Publish is dispatched on its own
// goroutine; the handlers for that publish run one after another in
// subscription order and a failing handler never affects its siblings.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscription
	nextID  uint64
	history *ring
	closed  bool

	inflight sync.WaitGroup
}

// NewBus creates a bus that remembers the last historySize events.
func NewBus(historySize int) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{history: newRing(historySize)}
}

// Subscribe registers handler for pattern and returns a function that removes
// it. Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(pattern string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish records the event in history and dispatches it asynchronously.
// It never blocks on, or reports failures from, subscribers.
func (b *Bus) Publish(topic string, payload map[string]any) {
	if _, err := b.publish(topic, payload); err != nil {
		logger.Warn("event dropped", "topic", topic, "error", err)
	}
}

func (b *Bus) publish(topic string, payload map[string]any) (Event, error) {
	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return event, ErrClosed
	}
	b.history.push(event)
	var handlers []Handler
	for _, s := range b.subs {
		if Matches(s.pattern, topic) {
			handlers = append(handlers, s.handler)
		}
	}
	b.inflight.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.inflight.Done()
		for _, h := range handlers {
			dispatch(event, h)
		}
	}()
	return event, nil
}

func dispatch(event Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			logger.HandlerFailed(event.Topic, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := h(event); err != nil {
		logger.HandlerFailed(event.Topic, err)
	}
}

// History returns recent events oldest first. A non-empty topic filters by
// exact topic match.
func (b *Bus) History(topic string) []Event {
	b.mu.RLock()
	all := b.history.items()
	b.mu.RUnlock()

	if topic == "" {
		return all
	}
	filtered := make([]Event, 0, len(all))
	for _, e := range all {
		if e.Topic == topic {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Wait blocks until every dispatch started so far has finished.
func (b *Bus) Wait() {
	b.inflight.Wait()
}

// Close stops accepting events and waits for in-flight dispatches.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = nil
	b.mu.Unlock()
	b.inflight.Wait()
}

// Matches reports whether a subscription pattern accepts topic. Patterns are
// an exact topic, "*" for everything, or a prefix ending in ".*".
func Matches(pattern, topic string) bool {
	if pattern == topic || pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasSuffix(prefix, ".") {
		return strings.HasPrefix(topic, prefix) && len(topic) > len(prefix)
	}
	return false
}

// ring is a fixed-capacity buffer that evicts the oldest event.
type ring struct {
	buf   []Event
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(e Event) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) items() []Event {
	out := make([]Event, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
