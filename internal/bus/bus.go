// Package bus implements FocusField's typed, in-process publish/subscribe
// substrate: bounded per-subscriber queues, per-topic FIFO ordering, drop
// accounting, and shutdown semantics. It generalizes the per-recipient
// channel fan-out idiom (Broadcast/SendTo and a trySend helper, as seen
// in channel_state.go) from a fixed presence-chat message type to any
// topic of any Go type.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rilical/focusfield/internal/clock"
	"github.com/rilical/focusfield/internal/protocol"
)

// OverflowPolicy controls what happens when a subscriber's queue is full.
type OverflowPolicy int

const (
	// DropNewest discards the message being published. Default policy.
	DropNewest OverflowPolicy = iota
	// DropOldest discards the oldest queued message to make room.
	DropOldest
	// Block waits up to blockSendTimeout for room before dropping.
	Block
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy parses the config-surface string form of an
// OverflowPolicy (bus.overflow_policy). ok is false for anything else.
func ParseOverflowPolicy(s string) (policy OverflowPolicy, ok bool) {
	switch s {
	case "drop_newest":
		return DropNewest, true
	case "drop_oldest":
		return DropOldest, true
	case "block":
		return Block, true
	default:
		return DropNewest, false
	}
}

// blockSendTimeout bounds how long a Block-policy publish may wait for a
// subscriber to drain before dropping. Matches channel_state.go's
// SendTimeout constant.
const blockSendTimeout = 50 * time.Millisecond

// dropReportWindow coalesces repeated drop events for the same subscriber
// into one log.events record per window instead of one per drop.
const dropReportWindow = 1 * time.Second

// ErrShutdown is returned by Publish once the bus has been shut down.
var ErrShutdown = errors.New("bus: shut down")

// subscriber is one receiver's bounded queue and overflow bookkeeping.
type subscriber struct {
	id       uuid.UUID
	topic    string
	ch       chan any
	policy   OverflowPolicy
	closed   atomic.Bool

	totalDrops    atomic.Uint64
	dropsInWindow atomic.Uint64
	lastReportNs  atomic.Int64
}

// topicState holds the subscribers and liveness bookkeeping for one topic.
// publishMu serializes Publish calls on this topic so that, even if callers
// race, every subscriber observes sends in one consistent total order
// (guarantees strict per-subscriber delivery order).
type topicState struct {
	publishMu     sync.Mutex
	mu            sync.RWMutex
	subs          map[uuid.UUID]*subscriber
	lastPublishNs atomic.Int64
	drops         atomic.Uint64
}

// Bus is the in-process pub/sub substrate. Zero value is not usable; use
// New().
type Bus struct {
	clk    *clock.Clock
	mu     sync.RWMutex
	topics map[string]*topicState

	shutdown atomic.Bool
}

// New returns an empty Bus using clk for timestamps in diagnostic events.
func New(clk *clock.Clock) *Bus {
	return &Bus{
		clk:    clk,
		topics: make(map[string]*topicState),
	}
}

func (b *Bus) topicStateFor(topic string) *topicState {
	b.mu.RLock()
	ts, ok := b.topics[topic]
	b.mu.RUnlock()
	if ok {
		return ts
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok = b.topics[topic]; ok {
		return ts
	}
	ts = &topicState{subs: make(map[uuid.UUID]*subscriber)}
	b.topics[topic] = ts
	return ts
}

// Handle is an untyped receive handle returned by Subscribe. Use
// Subscribe[T] for a typed wrapper.
type Handle struct {
	sub *subscriber
	bus *Bus
}

// Subscribe registers a new subscriber on topic with the given queue
// capacity and overflow policy. Late subscribers do not receive backlog.
func (b *Bus) Subscribe(topic string, capacity int, policy OverflowPolicy) *Handle {
	if capacity <= 0 {
		capacity = 1
	}
	s := &subscriber{
		id:     uuid.New(),
		topic:  topic,
		ch:     make(chan any, capacity),
		policy: policy,
	}
	// Ensures the first drop is always reported immediately rather than
	// waiting for a full dropReportWindow to elapse since bus creation.
	s.lastReportNs.Store(-int64(dropReportWindow) - 1)

	ts := b.topicStateFor(topic)
	ts.mu.Lock()
	ts.subs[s.id] = s
	ts.mu.Unlock()

	return &Handle{sub: s, bus: b}
}

// ID returns the subscriber's handle identity.
func (h *Handle) ID() uuid.UUID { return h.sub.id }

// Recv blocks until a message arrives, ctx is done, or the bus is shut down
// and the queue has drained. The second return value is false once no more
// messages will ever arrive.
func (h *Handle) Recv(ctx context.Context) (any, bool) {
	select {
	case msg, ok := <-h.sub.ch:
		return msg, ok
	case <-ctx.Done():
		return nil, false
	}
}

// Drops returns the total number of messages dropped for this subscriber.
func (h *Handle) Drops() uint64 { return h.sub.totalDrops.Load() }

// Unsubscribe removes this subscriber from its topic. Safe to call once.
func (h *Handle) Unsubscribe() {
	ts := h.bus.topicStateFor(h.sub.topic)
	ts.mu.Lock()
	delete(ts.subs, h.sub.id)
	ts.mu.Unlock()
}

// Publish delivers msg to every current subscriber of topic. Non-blocking
// except for Block-policy subscribers, which wait up to blockSendTimeout.
// Returns ErrShutdown if the bus has already been shut down.
func (b *Bus) Publish(topic string, msg any) error {
	if b.shutdown.Load() {
		return ErrShutdown
	}

	ts := b.topicStateFor(topic)
	ts.publishMu.Lock()
	defer ts.publishMu.Unlock()

	ts.lastPublishNs.Store(b.clk.NowNs())

	ts.mu.RLock()
	subs := make([]*subscriber, 0, len(ts.subs))
	for _, s := range ts.subs {
		subs = append(subs, s)
	}
	ts.mu.RUnlock()

	for _, s := range subs {
		b.deliver(ts, s, msg)
	}
	return nil
}

func (b *Bus) deliver(ts *topicState, s *subscriber, msg any) {
	// A Publish racing Shutdown can find s.ch already closed; the send
	// panic is recovered here and the message is discarded.
	defer func() { _ = recover() }()

	select {
	case s.ch <- msg:
		return
	default:
	}

	switch s.policy {
	case DropOldest:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- msg:
			return
		default:
		}
	case Block:
		select {
		case s.ch <- msg:
			return
		case <-time.After(blockSendTimeout):
		}
	}

	// DropNewest, or the fallback path for DropOldest/Block once a slot
	// still could not be won.
	ts.drops.Add(1)
	b.recordDrop(s)
}

// recordDrop updates per-subscriber drop counters and, once per
// dropReportWindow, emits a coalesced log.events record.
//
// recordDrop runs while the caller's Publish still holds s.topic's
// publishMu. Publishing a drop event for log.events itself would re-enter
// that same (non-reentrant) mutex and deadlock, so log.events drops are
// counted but never reported back onto log.events.
func (b *Bus) recordDrop(s *subscriber) {
	s.totalDrops.Add(1)
	n := s.dropsInWindow.Add(1)

	if s.topic == protocol.TopicLogEvents {
		return
	}

	now := b.clk.NowNs()
	last := s.lastReportNs.Load()
	if now-last < int64(dropReportWindow) {
		return
	}
	if !s.lastReportNs.CompareAndSwap(last, now) {
		return
	}
	count := s.dropsInWindow.Swap(0)
	if count == 0 {
		count = n
	}

	_ = b.Publish(protocol.TopicLogEvents, protocol.LogEvent{
		TNs:    now,
		Module: "bus",
		Event:  "drop",
		Fields: map[string]any{
			"topic":         s.topic,
			"subscriber_id": s.id.String(),
			"count":         count,
			"policy":        s.policy.String(),
		},
	})
}

// Shutdown signals all receive handles to terminate after draining
// already-queued messages. Subsequent Publish calls are a no-op returning
// ErrShutdown.
func (b *Bus) Shutdown() {
	if !b.shutdown.CompareAndSwap(false, true) {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ts := range b.topics {
		ts.mu.Lock()
		for _, s := range ts.subs {
			if s.closed.CompareAndSwap(false, true) {
				close(s.ch)
			}
		}
		ts.mu.Unlock()
	}
}

// LastPublishAgoMs returns how long ago (ms) topic last saw a Publish call,
// or -1 if the topic has never been published to.
func (b *Bus) LastPublishAgoMs(topic string) int64 {
	b.mu.RLock()
	ts, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return -1
	}
	last := ts.lastPublishNs.Load()
	if last == 0 {
		return -1
	}
	return b.clk.SinceMs(last)
}

// TopicDrops returns the total drop count across all subscribers of topic.
func (b *Bus) TopicDrops(topic string) uint64 {
	b.mu.RLock()
	ts, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return ts.drops.Load()
}

// Topics returns the names of every topic that has had at least one
// Subscribe or Publish call.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	return names
}

// TypedHandle is a type-safe wrapper around Handle for a known message type.
type TypedHandle[T any] struct {
	h *Handle
}

// Subscribe registers a typed subscriber on topic.
func Subscribe[T any](b *Bus, topic string, capacity int, policy OverflowPolicy) *TypedHandle[T] {
	return &TypedHandle[T]{h: b.Subscribe(topic, capacity, policy)}
}

// Recv blocks for the next message of type T, or returns false once no more
// messages will ever arrive.
func (t *TypedHandle[T]) Recv(ctx context.Context) (T, bool) {
	var zero T
	msg, ok := t.h.Recv(ctx)
	if !ok {
		return zero, false
	}
	v, ok := msg.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Drops returns the total number of messages dropped for this subscriber.
func (t *TypedHandle[T]) Drops() uint64 { return t.h.Drops() }

// Unsubscribe removes this subscriber from its topic.
func (t *TypedHandle[T]) Unsubscribe() { t.h.Unsubscribe() }

// Publish delivers a typed message to topic.
func Publish[T any](b *Bus, topic string, msg T) error {
	return b.Publish(topic, msg)
}
