// Package bus implements the in-process topic pub/sub described by spec C2.
// It is a generalization of the teacher's exact-MessageType bus
// (haricheung-agentic-shell/internal/bus) to dotted, wildcard-capable topic
// patterns ("terminal.*" matches "terminal.stdout", "terminal.stderr", ...),
// keeping the same non-blocking, drop-and-warn publish discipline and tap
// channels for global observers (internal/audit, internal/history).
package bus

import (
	"log"
	"strings"
	"sync"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Envelope is one published message: the concrete topic it was published on
// plus its payload (always a types.Event in this codebase, but the bus
// itself stays payload-agnostic so tests can publish bare values).
type Envelope struct {
	Topic   string
	Payload any
}

type subscription struct {
	id      uint64
	pattern string
	ch      chan Envelope
}

// Bus is the observable message bus. Every inter-component signal not
// carried directly by a Go channel argument passes through it: lock
// releases waking parked claims, terminal lifecycle events reaching the
// journal, task transitions reaching internal/audit.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []*subscription
	taps   []chan Envelope
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Publish fans out payload to every subscriber whose pattern matches topic,
// and to every tap. Non-blocking: a full subscriber channel drops the
// message with a logged warning rather than stall the publisher — publish
// is called from the Job Runner's serializing critical sections, and a slow
// subscriber must never block orchestration (spec §4.3 backpressure applies
// equally here).
func (b *Bus) Publish(topic string, payload any) {
	env := Envelope{Topic: topic, Payload: payload}

	b.mu.RLock()
	subs := b.subs
	taps := b.taps
	b.mu.RUnlock()

	for _, s := range subs {
		if !matchTopic(s.pattern, topic) {
			continue
		}
		select {
		case s.ch <- env:
		default:
			log.Printf("[BUS] WARNING: subscriber channel full for pattern=%s topic=%s — message dropped", s.pattern, topic)
		}
	}
	for _, tap := range taps {
		select {
		case tap <- env:
		default:
			log.Printf("[BUS] WARNING: tap channel full — message dropped topic=%s", topic)
		}
	}
}

// Subscribe returns a channel delivering every Envelope whose topic matches
// pattern, and an unsubscribe function. Each call creates an independent
// channel; unsubscribe closes it and stops further deliveries.
func (b *Bus) Subscribe(pattern string) (<-chan Envelope, func()) {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, pattern: pattern, ch: make(chan Envelope, subscriberBufSize)}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(s.ch)
				return
			}
		}
	}
	return sub.ch, unsubscribe
}

// NewTap registers and returns a channel that receives every published
// Envelope regardless of topic — used by internal/audit and internal/history
// to observe the full orchestration stream without per-topic subscriptions.
func (b *Bus) NewTap() <-chan Envelope {
	ch := make(chan Envelope, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}

// matchTopic reports whether topic matches pattern. Both are dot-separated;
// a "*" segment in pattern matches exactly one topic segment; a pattern
// ending in ">" matches that prefix plus any number of trailing segments
// (e.g. "terminal.>" matches "terminal.stdout" and any future sub-topic).
func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pSegs := strings.Split(pattern, ".")
	tSegs := strings.Split(topic, ".")

	for i, p := range pSegs {
		if p == ">" {
			return true // matches remainder regardless of length
		}
		if i >= len(tSegs) {
			return false
		}
		if p != "*" && p != tSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(tSegs)
}
