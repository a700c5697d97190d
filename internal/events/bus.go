// Package events is the subscription registry the core emits lifecycle
// events through. It replaces ad-hoc emitter callbacks with explicit
// subscriptions that return cancellation handles; cancelling twice and
// closing twice are both no-ops.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind tags an event.
type Kind string

const (
	KindTxSent             Kind = "tx.sent"
	KindTxConfirmed        Kind = "tx.confirmed"
	KindTxFailed           Kind = "tx.failed"
	KindAccountChanged     Kind = "account.changed"
	KindSessionExpired     Kind = "session.expired"
	KindStreamDisconnected Kind = "stream.disconnected"
	// KindStreamMessage carries stream frames whose type tag nothing in
	// the core recognizes; they are forwarded generically.
	KindStreamMessage Kind = "stream.message"
)

// Event is a lifecycle notification. Fields beyond ID/Kind/At are populated
// per kind.
type Event struct {
	ID   string    `json:"id"`
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	SubmissionID string `json:"submission_id,omitempty"`
	Signature    string `json:"signature,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	Reason       string `json:"reason,omitempty"`

	// Target is the watched account address for account.changed events.
	Target string `json:"target,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler consumes events. Handlers run on the publisher's goroutine; events
// for one logical submission therefore arrive in emission order.
type Handler func(Event)

// TargetHooks let the stream layer learn when the first handler for an
// account target registers and when the last one leaves, so exactly one
// upstream subscription exists per target.
type TargetHooks struct {
	Activate func(target string)
	Release  func(target string)
}

// Bus is the subscription registry.
type Bus struct {
	log *zap.Logger

	mu      sync.Mutex
	closed  bool
	nextID  uint64
	subs    map[Kind]map[uint64]Handler
	targets map[string]*targetEntry
	hooks   TargetHooks
}

type targetEntry struct {
	handlers map[uint64]Handler
}

// NewBus builds an empty bus.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		log:     log,
		subs:    make(map[Kind]map[uint64]Handler),
		targets: make(map[string]*targetEntry),
	}
}

// SetTargetHooks installs the upstream activate/release callbacks. Must be
// called before the first SubscribeAccount.
func (b *Bus) SetTargetHooks(h TargetHooks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = h
}

// ActiveTargets returns the account targets with at least one live handler.
// The stream layer replays these after a reconnect.
func (b *Bus) ActiveTargets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.targets))
	for t := range b.targets {
		out = append(out, t)
	}
	return out
}

// Subscription is a cancellation handle. Cancel is idempotent and safe after
// the bus has been closed.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Cancel removes the registration.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Subscribe registers a handler for a kind. After Close, Subscribe returns a
// handle whose Cancel is a no-op and the handler never fires.
func (b *Bus) Subscribe(kind Kind, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || h == nil {
		return &Subscription{cancel: func() {}}
	}

	b.nextID++
	id := b.nextID
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[uint64]Handler)
	}
	b.subs[kind][id] = h

	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[kind], id)
	}}
}

// SubscribeAccount registers a handler for changes to one account target.
// The first registration for a target activates exactly one upstream
// subscription; later registrations reuse it. Cancelling the last handler
// releases the upstream subscription.
func (b *Bus) SubscribeAccount(target string, h Handler) *Subscription {
	b.mu.Lock()
	if b.closed || h == nil || target == "" {
		b.mu.Unlock()
		return &Subscription{cancel: func() {}}
	}

	b.nextID++
	id := b.nextID
	entry := b.targets[target]
	first := entry == nil
	if first {
		entry = &targetEntry{handlers: make(map[uint64]Handler)}
		b.targets[target] = entry
	}
	entry.handlers[id] = h
	activate := b.hooks.Activate
	b.mu.Unlock()

	if first && activate != nil {
		activate(target)
	}

	return &Subscription{cancel: func() {
		b.mu.Lock()
		entry, ok := b.targets[target]
		if ok {
			delete(entry.handlers, id)
			if len(entry.handlers) == 0 {
				delete(b.targets, target)
			} else {
				ok = false
			}
		}
		release := b.hooks.Release
		closed := b.closed
		b.mu.Unlock()

		if ok && !closed && release != nil {
			release(target)
		}
	}}
}

// Publish delivers an event to every handler registered for its kind, and,
// for account.changed events, to the handlers watching its target. Publishing
// on a closed bus is a no-op.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	handlers := make([]Handler, 0, 4)
	for _, h := range b.subs[ev.Kind] {
		handlers = append(handlers, h)
	}
	if ev.Kind == KindAccountChanged && ev.Target != "" {
		if entry := b.targets[ev.Target]; entry != nil {
			for _, h := range entry.handlers {
				handlers = append(handlers, h)
			}
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Close tears down every registration. Safe to call multiple times;
// subscriptions cancelled afterwards remain no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.subs = make(map[Kind]map[uint64]Handler)
	b.targets = make(map[string]*targetEntry)
}
