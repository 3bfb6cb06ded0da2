// Package bus is the feed's publish/subscribe event bus.
//
// A Bus keeps an in-memory registry of subscribers, each owning one or more
// transports (live connections) with a topic set. Publish delivers an event
// to every transport whose topics intersect the event's topics, exactly once
// per transport. Deliveries run concurrently with a per-send timeout so one
// hung connection cannot stall the others; a transport whose send fails or
// times out is dropped from the registry and logged, never reported to the
// publisher.
//
// Ordering: Publish returns only after every matching transport has been
// attempted, and sends to a single transport are serialized, so events from
// one sequential publisher reach each transport in publish order.
//
// With a Broker configured, every local publish is mirrored to the broker on
// one channel per topic ("<namespace>:<topic>") and a supervised listener
// replays events from other instances to local transports. Replayed events
// are never mirrored back. If the broker is down the bus keeps delivering
// locally and reconnects on a bounded exponential backoff.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/agent-feed/internal/domain"
)

// Options configures a Bus. Zero values fall back to defaults.
type Options struct {
	Logger             zerolog.Logger
	SendTimeout        time.Duration // per transport send; default 5s
	MaxConcurrentSends int           // fan-out parallelism; default 64

	// Broker mode. Broker nil means local-only.
	Broker               Broker
	Namespace            string        // default "agent_events"
	InstanceID           string        // default random
	ReconnectMaxInterval time.Duration // default 30s
	ReconnectMaxElapsed  time.Duration // default 15m
	DedupSize            int           // remembered broker event ids; default 4096
}

func (o *Options) setDefaults() {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.MaxConcurrentSends <= 0 {
		o.MaxConcurrentSends = 64
	}
	if o.Namespace == "" {
		o.Namespace = "agent_events"
	}
	if o.InstanceID == "" {
		o.InstanceID = uuid.NewString()
	}
	if o.ReconnectMaxInterval <= 0 {
		o.ReconnectMaxInterval = 30 * time.Second
	}
	if o.ReconnectMaxElapsed <= 0 {
		o.ReconnectMaxElapsed = 15 * time.Minute
	}
	if o.DedupSize <= 0 {
		o.DedupSize = 4096
	}
}

// sink is one registered transport.
type sink struct {
	subscriberID string
	transport    Transport
	topics       map[string]struct{} // guarded by Bus.mu

	sendMu sync.Mutex // serializes sends to this transport
	dead   atomic.Bool
}

// Bus is safe for concurrent use. Construct with New and release with Close.
type Bus struct {
	log  zerolog.Logger
	opts Options

	mu   sync.RWMutex
	subs map[string]map[Transport]*sink

	closed    atomic.Bool
	closeOnce sync.Once

	// broker state
	seen         *lru.Cache[string, struct{}]
	connected    atomic.Bool
	stopListener context.CancelFunc
	listenerDone chan struct{}
}

// New returns a Bus. When opts.Broker is set the broker listener starts
// immediately in the background; New never fails because the broker is
// unreachable.
func New(opts Options) *Bus {
	opts.setDefaults()
	b := &Bus{
		log:  opts.Logger.With().Str("component", "bus").Logger(),
		opts: opts,
		subs: make(map[string]map[Transport]*sink),
	}
	if opts.Broker != nil {
		b.seen, _ = lru.New[string, struct{}](opts.DedupSize)
		ctx, cancel := context.WithCancel(context.Background())
		b.stopListener = cancel
		b.listenerDone = make(chan struct{})
		go b.listen(ctx)
	}
	return b
}

// Subscribe registers transport under subscriberID for topics. Subscribing
// an already registered transport again widens its topic set; it never
// causes duplicate delivery.
func (b *Bus) Subscribe(subscriberID string, t Transport, topics []string) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	topics = dedupTopics(topics)

	b.mu.Lock()
	defer b.mu.Unlock()
	byT, ok := b.subs[subscriberID]
	if !ok {
		byT = make(map[Transport]*sink)
		b.subs[subscriberID] = byT
	}
	s, ok := byT[t]
	if !ok {
		s = &sink{subscriberID: subscriberID, transport: t, topics: make(map[string]struct{}, len(topics))}
		byT[t] = s
		transportsGauge.Inc()
	}
	for _, topic := range topics {
		s.topics[topic] = struct{}{}
	}
	return nil
}

// Unsubscribe removes exactly transport t from subscriberID. The subscriber
// entry disappears with its last transport. It reports whether t was found.
func (b *Bus) Unsubscribe(subscriberID string, t Transport) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(subscriberID, t, nil)
}

// removeLocked deletes the registration of t. When want is non-nil the entry
// is only removed if it is still that sink, so a transport that re-subscribed
// after being marked dead is not dropped by a stale cleanup.
func (b *Bus) removeLocked(subscriberID string, t Transport, want *sink) bool {
	byT, ok := b.subs[subscriberID]
	if !ok {
		return false
	}
	s, ok := byT[t]
	if !ok || (want != nil && s != want) {
		return false
	}
	delete(byT, t)
	transportsGauge.Dec()
	if len(byT) == 0 {
		delete(b.subs, subscriberID)
	}
	return true
}

// SubscriberCount returns the number of subscribers with at least one transport.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// TransportCount returns the number of registered transports.
func (b *Bus) TransportCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, byT := range b.subs {
		n += len(byT)
	}
	return n
}

// Publish delivers ev to every transport subscribed to any of topics and,
// in broker mode, mirrors it to the broker. It returns the number of
// transports that accepted the event. Delivery and broker failures are
// absorbed; an error is returned only if the bus is closed or ev cannot be
// encoded.
func (b *Bus) Publish(ctx context.Context, ev Event, topics []string) (int, error) {
	if b.closed.Load() {
		return 0, ErrBusClosed
	}
	ev.Topics = dedupTopics(topics)
	if len(ev.Topics) == 0 {
		return 0, nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}

	delivered := b.fanOut(ctx, payload, ev.Topics)
	eventsPublished.WithLabelValues("local").Inc()

	if b.opts.Broker != nil {
		b.mirror(ctx, payload, ev.Topics)
	}
	return delivered, nil
}

// BroadcastPost publishes a new_post event on the post's derived topics.
func (b *Bus) BroadcastPost(ctx context.Context, p *domain.Post) (int, error) {
	return b.Publish(ctx, Event{Type: EventNewPost, Data: p}, domain.TopicsForPost(p))
}

// BroadcastReply publishes a new_reply event on the parent post's topics.
func (b *Bus) BroadcastReply(ctx context.Context, parent *domain.Post, r *domain.Reply) (int, error) {
	return b.Publish(ctx, Event{Type: EventNewReply, Data: r}, domain.TopicsForPost(parent))
}

// snapshot returns the live sinks matching any topic. Each sink appears once
// however many of its topics match.
func (b *Bus) snapshot(topics []string) []*sink {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*sink
	for _, byT := range b.subs {
		for _, s := range byT {
			if s.dead.Load() {
				continue
			}
			for _, topic := range topics {
				if _, ok := s.topics[topic]; ok {
					out = append(out, s)
					break
				}
			}
		}
	}
	return out
}

// fanOut sends payload to all matching sinks and prunes those that failed.
// The registry lock is never held while sending.
func (b *Bus) fanOut(ctx context.Context, payload []byte, topics []string) int {
	targets := b.snapshot(topics)
	if len(targets) == 0 {
		return 0
	}

	// Caller cancellation (e.g. a finished HTTP request) must not make
	// healthy transports look dead.
	sendCtx := context.WithoutCancel(ctx)

	var (
		g         errgroup.Group
		delivered atomic.Int64
		deadMu    sync.Mutex
		dead      []*sink
	)
	g.SetLimit(b.opts.MaxConcurrentSends)
	for _, s := range targets {
		g.Go(func() error {
			if err := b.send(sendCtx, s, payload); err != nil {
				deadMu.Lock()
				dead = append(dead, s)
				deadMu.Unlock()
				b.log.Warn().Err(err).
					Str("subscriber_id", s.subscriberID).
					Strs("topics", topics).
					Msg("dropping dead transport")
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if len(dead) > 0 {
		b.prune(dead)
	}
	return int(delivered.Load())
}

// send delivers to one sink within the send timeout.
func (b *Bus) send(ctx context.Context, s *sink, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.dead.Load() {
		return errors.New("transport already dead")
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.SendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.New("transport panicked")
			}
		}()
		done <- s.transport.Send(ctx, payload)
	}()

	select {
	case err := <-done:
		if err != nil {
			s.dead.Store(true)
			deliveries.WithLabelValues("failed").Inc()
			return err
		}
		deliveries.WithLabelValues("ok").Inc()
		return nil
	case <-ctx.Done():
		s.dead.Store(true)
		deliveries.WithLabelValues("timeout").Inc()
		return ErrSendTimeout
	}
}

// prune unregisters dead sinks and closes their transports.
func (b *Bus) prune(dead []*sink) {
	var closers []io.Closer
	b.mu.Lock()
	for _, s := range dead {
		if b.removeLocked(s.subscriberID, s.transport, s) {
			if c, ok := s.transport.(io.Closer); ok {
				closers = append(closers, c)
			}
		}
	}
	b.mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
}

// Connected reports whether the broker subscription is currently live.
func (b *Bus) Connected() bool { return b.connected.Load() }

// InstanceID identifies this bus on the broker.
func (b *Bus) InstanceID() string { return b.opts.InstanceID }

// Close stops the broker listener, waits for it to exit, and then closes
// the broker. Further Publish and Subscribe calls fail with ErrBusClosed.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if b.opts.Broker == nil {
			return
		}
		b.stopListener()
		<-b.listenerDone
		err = b.opts.Broker.Close()
	})
	return err
}
