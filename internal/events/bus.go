// Package events provides a centralized event bus for the workflow
// engine. It implements pub/sub with backpressure control: informational
// events are dropped oldest-first under a full buffer, while warn/error
// events are never dropped (§5 "Backpressure").
//
// Adapted from the donor's internal/events/bus.go pub/sub shape.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// Severity classifies an event for backpressure purposes.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

// BaseEvent provides the fields every concrete event embeds.
type BaseEvent struct {
	Type      string
	Time      time.Time
	Session   string
	Seq       uint64
	Sev       Severity
}

func (e BaseEvent) EventType() string       { return e.Type }
func (e BaseEvent) Timestamp() time.Time    { return e.Time }
func (e BaseEvent) SessionID() string       { return e.Session }
func (e BaseEvent) Sequence() uint64        { return e.Seq }

var seqCounter uint64

// nextSeq returns a monotonic sequence number used to break timestamp
// ties (§5: "events with equal timestamps break ties by a monotonic
// sequence number").
func nextSeq() uint64 { return atomic.AddUint64(&seqCounter, 1) }

// Subscriber is one consumer's channel subscription.
type Subscriber struct {
	ch      chan core.Event
	types   map[string]bool // empty means all types
	session string          // empty means no session filter
}

// Bus is a bounded-buffer pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*Subscriber
	bufferSize  int
	dropped     int64
	closed      bool
}

// New creates a Bus with the given per-subscriber buffer size.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe returns a channel receiving events of the given types (all
// types if none given) for all sessions.
func (b *Bus) Subscribe(types ...string) <-chan core.Event {
	return b.SubscribeForSession("", types...)
}

// SubscribeForSession returns a channel filtered to one session id.
func (b *Bus) SubscribeForSession(sessionID string, types ...string) <-chan core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan core.Event)
		close(ch)
		return ch
	}

	sub := &Subscriber{
		ch:      make(chan core.Event, b.bufferSize),
		types:   make(map[string]bool, len(types)),
		session: sessionID,
	}
	for _, t := range types {
		sub.types[t] = true
	}
	b.subscribers = append(b.subscribers, sub)
	return sub.ch
}

// Emit implements core.EventSink. Non-critical (info) events are dropped
// oldest-first when a subscriber's buffer is full; a warn/error event
// blocks Emit until that subscriber has room for it, with no time limit.
func (b *Bus) Emit(event core.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	sev := severityOf(event)
	for _, sub := range b.subscribers {
		if sub.session != "" && sub.session != event.SessionID() {
			continue
		}
		if len(sub.types) > 0 && !sub.types[event.EventType()] {
			continue
		}
		b.deliver(sub, event, sev)
	}
}

func (b *Bus) deliver(sub *Subscriber, event core.Event, sev Severity) {
	select {
	case sub.ch <- event:
		return
	default:
	}

	if sev == SeverityInfo {
		// Drop-oldest: make room and retry once.
		select {
		case <-sub.ch:
			atomic.AddInt64(&b.dropped, 1)
		default:
		}
		select {
		case sub.ch <- event:
		default:
			atomic.AddInt64(&b.dropped, 1)
		}
		return
	}

	// warn/error: block until delivered or the subscriber is drained.
	sub.ch <- event
}

func severityOf(event core.Event) Severity {
	if s, ok := event.(interface{ Severity() Severity }); ok {
		return s.Severity()
	}
	return SeverityInfo
}

// DroppedCount returns the number of informational events dropped for
// backpressure since the bus was created.
func (b *Bus) DroppedCount() int64 { return atomic.LoadInt64(&b.dropped) }

// Close stops the bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.ch)
	}
}

var _ core.EventSink = (*Bus)(nil)
