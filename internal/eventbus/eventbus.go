// Package eventbus implements the Event Bus (C3): typed pub/sub between
// worker components (trade engine, social poster, market scanner,
// sentiment analyzer, chat interface) and the autonomous loops that
// consume their output. Generalized from a flat,
// string-topic, always-drop-on-slow-subscriber bus into one with
// priority buckets, three backpressure policies, per-subscriber
// pause/resume, and a control-shutdown path that drains rather than
// discards in-flight work.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"botcore/internal/errs"
	"botcore/internal/logger"
)

// Priority buckets a published message. Subscribers drain Critical, then
// High, then Normal, then Low on each delivery tick, so a flood of
// low-priority chatter never starves a control or safety message.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	// PriorityCritical is reserved for fatal-component alerts and the
	// shutdown signal: it always forces Block backpressure (see deliver),
	// so a slow or paused subscriber can never silently miss one.
	PriorityCritical

	numPriorities = int(PriorityCritical) + 1
)

// Backpressure selects what happens when a subscriber's queue is full.
type Backpressure int

const (
	// Drop discards the new message and logs a warning (the
	// original, only, behavior).
	Drop Backpressure = iota
	// Block waits until the subscriber has room, up to the
	// subscription's own BlockTimeout.
	Block
	// CoalesceByKey replaces any already-queued message with the same
	// CoalesceKey instead of enqueuing a second one - the right policy
	// for high-frequency price ticks where only the latest matters.
	CoalesceByKey
)

// ControlTopic is reserved for bus lifecycle signals: Supervisor.Shutdown
// publishes its shutdown signal on it. Close does not publish on it; a
// subscriber receives it only by subscribing to the topic.
const ControlTopic = "__control_shutdown__"

// maxConsecutiveFailures is how many times in a row a subscriber's
// handler may panic before the bus pauses it in place of the default
// behavior of letting a panicking handler keep taking the process down.
const maxConsecutiveFailures = 5

// maxSeenIDs bounds the per-subscriber dedup window: beyond this many
// distinct message ids, the oldest is evicted to make room. A republish
// of an id older than that window is no longer deduped, trading a little
// leniency in the retry case for bounded memory.
const maxSeenIDs = 4096

// Message is the envelope delivered to subscribers. Payload is the
// caller's value marshaled to JSON. ID is a uuid assigned at publish;
// publishing a Message with the same ID twice delivers it to a given
// subscriber at most once (see PublishWithID).
type Message struct {
	ID          string
	Topic       string
	Priority    Priority
	CoalesceKey string
	Payload     []byte
	PublishedAt time.Time
}

// PublishOutcome reports what happened to a published message across
// every current subscriber of its topic. DroppedCount counts exactly the
// subscribers whose backpressure policy discarded the message; a
// subscriber that had already seen the message's ID is counted as
// neither delivered nor dropped.
type PublishOutcome struct {
	DeliveredCount int
	DroppedCount   int
}

// SubscribeOptions configures one subscription.
type SubscribeOptions struct {
	QueueSize    int
	Backpressure Backpressure
	BlockTimeout time.Duration // only meaningful with Backpressure == Block
}

func (o *SubscribeOptions) setDefaults() {
	if o.QueueSize == 0 {
		o.QueueSize = 100
	}
	if o.BlockTimeout == 0 {
		o.BlockTimeout = 100 * time.Millisecond
	}
}

// priorityQueue is a bounded, priority-bucketed FIFO: pop always drains
// the highest non-empty bucket first, so Critical and High traffic never
// waits behind a backlog of Low-priority messages in the same
// subscription.
type priorityQueue struct {
	mu      sync.Mutex
	buckets [numPriorities][]Message
	count   int
	cap     int
	signal  chan struct{} // buffered(1); readable means "something is pending"
	space   chan struct{} // buffered(1); readable means "room just freed up"
}

func newPriorityQueue(capacity int) *priorityQueue {
	return &priorityQueue{
		cap:    capacity,
		signal: make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
	}
}

func (q *priorityQueue) notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// tryPush enqueues msg without blocking, returning false if the queue is
// already at capacity.
func (q *priorityQueue) tryPush(msg Message) bool {
	q.mu.Lock()
	if q.count >= q.cap {
		q.mu.Unlock()
		return false
	}
	q.buckets[msg.Priority] = append(q.buckets[msg.Priority], msg)
	q.count++
	q.mu.Unlock()
	q.notify(q.signal)
	return true
}

// blockingPush retries tryPush until it succeeds or timeout elapses.
func (q *priorityQueue) blockingPush(msg Message, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.tryPush(msg) {
			return true
		}
		select {
		case <-q.space:
		case <-deadline:
			return false
		}
	}
}

// pop removes and returns the oldest message in the highest non-empty
// bucket.
func (q *priorityQueue) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := numPriorities - 1; p >= 0; p-- {
		if len(q.buckets[p]) > 0 {
			msg := q.buckets[p][0]
			q.buckets[p] = q.buckets[p][1:]
			q.count--
			q.notify(q.space)
			return msg, true
		}
	}
	return Message{}, false
}

// Subscription is a single subscriber's handle: it can be paused,
// resumed, and unsubscribed independently of every other subscriber on
// the same topic (subscriber isolation - one slow handler never blocks
// another).
type Subscription struct {
	id      uint64
	topic   string
	queue   *priorityQueue
	opts    SubscribeOptions
	paused  chan struct{} // closed while running; recreated on pause
	pauseMu sync.Mutex
	done    chan struct{}
	closed  chan struct{} // closed by Unsubscribe to stop the run loop

	// latest/wake/order back Backpressure==CoalesceByKey subscriptions:
	// the most recent message per CoalesceKey replaces any not-yet-handled
	// one instead of queuing behind it. order is priority-bucketed the
	// same way the plain queue is, so a coalesced Critical update still
	// jumps ahead of pending Low-priority keys.
	latestMu sync.Mutex
	latest   map[string]Message
	order    [numPriorities][]string
	wake     chan struct{}

	dedupMu   sync.Mutex
	seen      map[string]struct{}
	seenOrder []string

	failMu              sync.Mutex
	consecutiveFailures int
}

// Pause stops delivery to this subscription without affecting others.
func (s *Subscription) Pause() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	select {
	case <-s.paused:
		// already running; block it
		s.paused = make(chan struct{})
	default:
	}
}

// Resume re-enables delivery after Pause.
func (s *Subscription) Resume() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	select {
	case <-s.paused:
	default:
		close(s.paused)
	}
}

// alreadySeen reports whether id was delivered to this subscription
// before, recording it if not. An empty id (a caller that bypassed
// Publish/PublishBytes and built a Message directly) is never deduped.
func (s *Subscription) alreadySeen(id string) bool {
	if id == "" {
		return false
	}
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > maxSeenIDs {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, oldest)
	}
	return false
}

func (s *Subscription) recordFailure() int {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.consecutiveFailures++
	return s.consecutiveFailures
}

func (s *Subscription) resetFailures() {
	s.failMu.Lock()
	s.consecutiveFailures = 0
	s.failMu.Unlock()
}

// nextCoalesced pops the oldest still-pending coalesced message in the
// highest non-empty priority bucket, if any.
func (sub *Subscription) nextCoalesced() (Message, bool) {
	sub.latestMu.Lock()
	defer sub.latestMu.Unlock()
	for p := numPriorities - 1; p >= 0; p-- {
		for len(sub.order[p]) > 0 {
			key := sub.order[p][0]
			sub.order[p] = sub.order[p][1:]
			msg, ok := sub.latest[key]
			if ok {
				delete(sub.latest, key)
				return msg, true
			}
		}
	}
	return Message{}, false
}

// Bus is the event bus itself.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
	next uint64

	ctx    context.Context
	cancel context.CancelFunc

	log *logger.Logger
}

// New creates an in-memory Bus.
func New(log *logger.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subs:   make(map[string][]*Subscription),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
	b.log.Info("event bus initialized")
	return b
}

// Publish marshals data to JSON, assigns it a fresh message id, and fans
// it out to every subscriber of topic according to each subscriber's own
// backpressure policy.
func (b *Bus) Publish(topic string, priority Priority, coalesceKey string, data interface{}) (PublishOutcome, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return PublishOutcome{}, errs.Wrap(errs.Contract, "eventbus.Publish", err)
	}
	return b.publish(uuid.NewString(), topic, priority, coalesceKey, payload)
}

// PublishWithID is Publish with a caller-supplied id instead of a
// generated one, so a publisher that retries the same logical message
// (e.g. after an ack timeout) can reuse the id and rely on per-subscriber
// dedup to deliver it at most once.
func (b *Bus) PublishWithID(id, topic string, priority Priority, coalesceKey string, data interface{}) (PublishOutcome, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return PublishOutcome{}, errs.Wrap(errs.Contract, "eventbus.PublishWithID", err)
	}
	return b.publish(id, topic, priority, coalesceKey, payload)
}

// PublishBytes delivers an already-encoded payload, used by the Redis
// relay to forward a remote process's message into this Bus's local
// subscribers without a decode-then-reencode round trip.
func (b *Bus) PublishBytes(topic string, priority Priority, coalesceKey string, payload []byte) (PublishOutcome, error) {
	return b.publish(uuid.NewString(), topic, priority, coalesceKey, payload)
}

func (b *Bus) publish(id, topic string, priority Priority, coalesceKey string, payload []byte) (PublishOutcome, error) {
	msg := Message{
		ID:          id,
		Topic:       topic,
		Priority:    priority,
		CoalesceKey: coalesceKey,
		Payload:     payload,
		PublishedAt: time.Now(),
	}

	b.mu.RLock()
	subs := append([]*Subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.log.Debug("no subscribers for topic", "topic", topic)
		return PublishOutcome{}, nil
	}

	var outcome PublishOutcome
	for _, sub := range subs {
		switch b.deliver(sub, msg) {
		case deliveryDelivered:
			outcome.DeliveredCount++
		case deliveryDropped:
			outcome.DroppedCount++
		}
	}
	return outcome, nil
}

type deliveryResult int

const (
	deliveryDeduped deliveryResult = iota
	deliveryDelivered
	deliveryDropped
)

// deliver enqueues msg for one subscriber according to its backpressure
// policy, except that PriorityCritical always forces Block: a fatal-
// component alert or shutdown signal must never be silently dropped or
// merely coalesced into a stale update just because the subscriber chose
// a weaker policy for its routine traffic.
func (b *Bus) deliver(sub *Subscription, msg Message) deliveryResult {
	if sub.alreadySeen(msg.ID) {
		return deliveryDeduped
	}

	backpressure := sub.opts.Backpressure
	if msg.Priority == PriorityCritical {
		backpressure = Block
	}

	switch backpressure {
	case Block:
		if sub.queue.blockingPush(msg, sub.opts.BlockTimeout) {
			return deliveryDelivered
		}
		b.log.Warn("subscriber blocked past timeout, dropping message", "topic", msg.Topic)
		return deliveryDropped
	case CoalesceByKey:
		return b.deliverCoalesced(sub, msg)
	default: // Drop
		if sub.queue.tryPush(msg) {
			return deliveryDelivered
		}
		b.log.Warn("subscriber queue full, dropping message", "topic", msg.Topic)
		return deliveryDropped
	}
}

// deliverCoalesced keeps at most one pending message per CoalesceKey: a
// newer message with the same key overwrites the stale one instead of
// queuing behind it. Messages with no CoalesceKey fall back to the plain
// priority queue.
func (b *Bus) deliverCoalesced(sub *Subscription, msg Message) deliveryResult {
	if msg.CoalesceKey == "" {
		if sub.queue.tryPush(msg) {
			return deliveryDelivered
		}
		b.log.Warn("subscriber queue full, dropping uncoalesced message", "topic", msg.Topic)
		return deliveryDropped
	}

	sub.latestMu.Lock()
	if _, exists := sub.latest[msg.CoalesceKey]; !exists {
		sub.order[msg.Priority] = append(sub.order[msg.Priority], msg.CoalesceKey)
	}
	sub.latest[msg.CoalesceKey] = msg
	sub.latestMu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
	return deliveryDelivered
}

// Subscribe registers handler to receive every message published to
// topic, running in its own goroutine so a slow handler only starves its
// own subscription's queue, never other subscribers.
func (b *Bus) Subscribe(topic string, opts SubscribeOptions, handler func(Message)) *Subscription {
	opts.setDefaults()

	b.mu.Lock()
	b.next++
	sub := &Subscription{
		id:     b.next,
		topic:  topic,
		queue:  newPriorityQueue(opts.QueueSize),
		opts:   opts,
		paused: closedChan(),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		latest: make(map[string]Message),
		wake:   make(chan struct{}, 1),
		seen:   make(map[string]struct{}),
	}
	b.subs[topic] = append(b.subs[topic], sub)
	count := len(b.subs[topic])
	b.mu.Unlock()

	b.log.Info("new subscriber", "topic", topic, "total", count)

	if opts.Backpressure == CoalesceByKey {
		go b.runCoalesced(sub, handler)
	} else {
		go b.runQueued(sub, handler)
	}

	return sub
}

// invoke calls handler for msg, recovering a panic instead of letting it
// take the process down. A subscriber whose handler panics
// maxConsecutiveFailures times in a row is paused in place, isolating the
// misbehaving subscriber without affecting any other subscriber on the
// bus; a later Resume (operator or supervisor-driven) re-enables it.
func (b *Bus) invoke(sub *Subscription, handler func(Message), msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber handler panicked", fmt.Errorf("%v", r))
			if n := sub.recordFailure(); n >= maxConsecutiveFailures {
				b.log.Warn("subscriber exceeded consecutive failure threshold, pausing",
					"topic", sub.topic, "failures", n)
				sub.Pause()
			}
		}
	}()
	handler(msg)
	sub.resetFailures()
}

// runQueued is the delivery loop for Drop and Block subscriptions: it
// drains sub.queue's priority buckets high-to-low on every wake signal.
func (b *Bus) runQueued(sub *Subscription, handler func(Message)) {
	defer close(sub.done)
	for {
		select {
		case <-sub.queue.signal:
			for {
				<-sub.paused // blocks while paused, also mid-batch
				msg, ok := sub.queue.pop()
				if !ok {
					break
				}
				b.invoke(sub, handler, msg)
			}
		case <-sub.closed:
			return
		case <-b.ctx.Done():
			b.drainAndHandle(sub, handler)
			return
		}
	}
}

// runCoalesced is the delivery loop for CoalesceByKey subscriptions: it
// wakes on sub.wake and drains every currently-pending coalesced message
// (at most one per CoalesceKey, highest priority bucket first), as well
// as sub.queue for uncoalesced messages (CoalesceKey == "").
func (b *Bus) runCoalesced(sub *Subscription, handler func(Message)) {
	defer close(sub.done)
	for {
		select {
		case <-sub.queue.signal:
			for {
				<-sub.paused
				msg, ok := sub.queue.pop()
				if !ok {
					break
				}
				b.invoke(sub, handler, msg)
			}
		case <-sub.wake:
			for {
				<-sub.paused
				msg, ok := sub.nextCoalesced()
				if !ok {
					break
				}
				b.invoke(sub, handler, msg)
			}
		case <-sub.closed:
			return
		case <-b.ctx.Done():
			b.drainAndHandle(sub, handler)
			return
		}
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// drainAndHandle runs every already-queued or pending-coalesced message
// through handler before returning - the ControlShutdown contract:
// in-flight work is finished, not discarded, on graceful shutdown.
func (b *Bus) drainAndHandle(sub *Subscription, handler func(Message)) {
	for {
		msg, ok := sub.queue.pop()
		if !ok {
			break
		}
		b.invoke(sub, handler, msg)
	}
	for {
		msg, ok := sub.nextCoalesced()
		if !ok {
			return
		}
		b.invoke(sub, handler, msg)
	}
}

// Unsubscribe removes sub from its topic; its goroutine exits without
// draining once closed is closed.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			close(s.closed)
			break
		}
	}
}

// Close initiates a ControlShutdown: every subscriber goroutine drains
// its remaining queued messages through its handler, then exits. Close
// blocks until all subscribers have finished draining.
func (b *Bus) Close() error {
	b.log.Info("event bus shutting down, draining subscribers")
	b.mu.Lock()
	all := make([]*Subscription, 0)
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.mu.Unlock()

	b.cancel()

	for _, sub := range all {
		<-sub.done
	}

	b.mu.Lock()
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	b.log.Info("event bus shut down complete")
	return nil
}

// SubscriberCount returns the number of active subscribers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Topics returns every topic with at least one subscriber.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	topics := make([]string, 0, len(b.subs))
	for t := range b.subs {
		topics = append(topics, t)
	}
	return topics
}

// Health reports a snapshot used by the supervisor's health poller.
func (b *Bus) Health() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, list := range b.subs {
		total += len(list)
	}
	return map[string]interface{}{
		"status":            "healthy",
		"topics":            len(b.subs),
		"total_subscribers": total,
	}
}
