// Package bus is the in-process notification fabric. Events are keyed by
// (kind, key) and fan out to every current subscriber of that pair.
//
// Writers that mutate the database stage their events on a TxEmitter and
// commit the transaction through it: the emitter holds the bus publish lock
// across the commit, so events become visible exactly when the causing write
// is durable, and delivery order equals commit order. A rolled-back
// transaction publishes nothing.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// subscriberBuffer bounds how far a subscriber may fall behind before its
// subscription is closed with the lag flag set.
const subscriberBuffer = 64

// Event is a single delivered notification.
type Event struct {
	Timestamp time.Time
	Kind      string
	Key       string
	Payload   any
}

// Tx is the slice of a database transaction the bus needs. pgx.Tx satisfies
// it.
type Tx interface {
	Commit(ctx context.Context) error
}

type topic struct {
	kind string
	key  string
}

// Bus is a process-wide keyed broadcast. The zero value is not usable; use
// New.
type Bus struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[topic]map[*Subscription]struct{}

	// publishMu serializes commit+publish so that per-key delivery order
	// equals transaction commit order.
	publishMu sync.Mutex
}

// New creates a Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[topic]map[*Subscription]struct{}),
	}
}

// Subscription is one subscriber's view of a (kind, key) pair. The channel
// returned by C is closed when the subscriber calls Close or when it falls
// too far behind, in which case Lagged reports true and the caller must
// restart from a snapshot.
type Subscription struct {
	bus    *Bus
	topic  topic
	ch     chan Event
	closed sync.Once
	lagged atomic.Bool
}

// Subscribe registers a new subscriber for (kind, key).
func (b *Bus) Subscribe(kind, key string) *Subscription {
	sub := &Subscription{
		bus:   b,
		topic: topic{kind: kind, key: key},
		ch:    make(chan Event, subscriberBuffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.topic]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[sub.topic] = set
	}
	set[sub] = struct{}{}
	return sub
}

// C returns the subscription's delivery channel.
func (s *Subscription) C() <-chan Event { return s.ch }

// Lagged reports whether the subscription was closed because the subscriber
// overflowed its buffer.
func (s *Subscription) Lagged() bool { return s.lagged.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.topic)
		}
	}
	s.closed.Do(func() { close(s.ch) })
}

// publish delivers one event to every subscriber of its topic. Callers hold
// publishMu. Channel sends and closes both happen under b.mu, so a send can
// never race a concurrent Close.
func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := topic{ev.Kind, ev.Key}
	set := b.subs[key]
	for s := range set {
		select {
		case s.ch <- ev:
		default:
			// Slow subscriber: drop it rather than block commits.
			s.lagged.Store(true)
			delete(set, s)
			s.closed.Do(func() { close(s.ch) })
			if b.logger != nil {
				b.logger.Warn("dropping lagging bus subscriber", "kind", ev.Kind, "key", ev.Key)
			}
		}
	}
	if len(set) == 0 {
		delete(b.subs, key)
	}
}

// Publish broadcasts an event outside any transaction.
func (b *Bus) Publish(kind, key string, payload any) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	b.publish(Event{Timestamp: time.Now().UTC(), Kind: kind, Key: key, Payload: payload})
}

// TxEmitter stages events against one open transaction.
type TxEmitter struct {
	bus    *Bus
	staged []Event
}

// Tx creates an emitter for a transaction the caller has begun.
func (b *Bus) Tx() *TxEmitter {
	return &TxEmitter{bus: b}
}

// Emit stages an event for delivery if the transaction commits.
func (e *TxEmitter) Emit(kind, key string, payload any) {
	e.staged = append(e.staged, Event{Kind: kind, Key: key, Payload: payload})
}

// Commit commits tx and, on success, broadcasts the staged events. The bus
// publish lock is held across the commit so concurrent committers observe a
// single total order per key.
func (e *TxEmitter) Commit(ctx context.Context, tx Tx) error {
	e.bus.publishMu.Lock()
	defer e.bus.publishMu.Unlock()

	if err := tx.Commit(ctx); err != nil {
		e.staged = nil
		return err
	}

	now := time.Now().UTC()
	for _, ev := range e.staged {
		ev.Timestamp = now
		e.bus.publish(ev)
	}
	e.staged = nil
	return nil
}

// Discard drops the staged events. Call after rolling back the transaction.
func (e *TxEmitter) Discard() {
	e.staged = nil
}
