package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// Broker is a shared pub/sub service that links bus instances.
//
// Subscribe blocks for the lifetime of one subscription session. It calls
// ready once the pattern subscription is confirmed, then handle for every
// message, and returns when the session ends or ctx is cancelled.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, pattern string, ready func(), handle func(channel string, payload []byte)) error
	Close() error
}

// errSessionEnded ends one backoff run after an established session drops,
// so the next reconnect starts from a fresh (short) interval.
var errSessionEnded = errors.New("broker session ended")

func (b *Bus) channelFor(topic string) string { return b.opts.Namespace + ":" + topic }

func (b *Bus) setConnected(v bool) {
	b.connected.Store(v)
	if v {
		brokerConnected.Set(1)
	} else {
		brokerConnected.Set(0)
	}
}

// mirror forwards a locally published event to the broker, one channel per
// topic. Failures are logged and absorbed; while disconnected the event is
// delivered locally only.
func (b *Bus) mirror(ctx context.Context, payload []byte, topics []string) {
	if !b.connected.Load() || len(topics) == 0 {
		return
	}
	data, err := json.Marshal(envelope{
		ID:     uuid.NewString(),
		Origin: b.opts.InstanceID,
		Topics: topics,
		Event:  payload,
	})
	if err != nil {
		b.log.Error().Err(err).Msg("encode broker envelope")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.SendTimeout)
	defer cancel()
	for _, topic := range topics {
		if err := b.opts.Broker.Publish(ctx, b.channelFor(topic), data); err != nil {
			b.log.Warn().Err(err).Str("topic", topic).Msg("broker publish failed; local delivery only")
			return
		}
	}
}

// listen supervises the broker subscription until ctx is cancelled.
func (b *Bus) listen(ctx context.Context) {
	defer close(b.listenerDone)
	defer b.setConnected(false)

	pattern := b.channelFor("*")
	for {
		exp := backoff.NewExponentialBackOff()
		exp.MaxInterval = b.opts.ReconnectMaxInterval

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			established := false
			err := b.opts.Broker.Subscribe(ctx, pattern, func() {
				established = true
				b.setConnected(true)
				b.log.Info().Str("pattern", pattern).Msg("broker subscription established")
			}, b.handleBrokerMessage)
			b.setConnected(false)

			switch {
			case ctx.Err() != nil:
				return struct{}{}, backoff.Permanent(ctx.Err())
			case established:
				b.log.Warn().Err(err).Msg("broker subscription lost")
				return struct{}{}, backoff.Permanent(errSessionEnded)
			case err == nil:
				return struct{}{}, errSessionEnded
			}
			return struct{}{}, err
		},
			backoff.WithBackOff(exp),
			backoff.WithMaxElapsedTime(b.opts.ReconnectMaxElapsed),
			backoff.WithNotify(func(err error, next time.Duration) {
				b.log.Warn().Err(err).Dur("retry_in", next).Msg("broker unavailable")
			}),
		)

		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, errSessionEnded):
			continue
		}
		b.log.Error().Err(err).Msg("broker reconnect gave up; continuing with local delivery only")
		return
	}
}

// handleBrokerMessage re-delivers an event from another instance to local
// transports. It never mirrors back to the broker.
func (b *Bus) handleBrokerMessage(channel string, payload []byte) {
	if b.closed.Load() {
		return
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.log.Warn().Err(err).Str("channel", channel).Msg("dropping malformed broker message")
		return
	}
	if env.Origin == b.opts.InstanceID || len(env.Event) == 0 {
		return
	}
	// A multi-topic event arrives once per topic channel.
	if env.ID != "" {
		if seen, _ := b.seen.ContainsOrAdd(env.ID, struct{}{}); seen {
			return
		}
	}
	b.fanOut(context.Background(), env.Event, dedupTopics(env.Topics))
	eventsPublished.WithLabelValues("broker").Inc()
}
