package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"botcore/internal/errs"
	"botcore/internal/logger"
)

// RedisRelay mirrors selected topics of a local Bus onto Redis pub/sub
// and back, giving the single-process Bus an optional cross-process
// reach without changing its publish/subscribe contract. The spec's
// "single-host, multi-process-optional" non-goal is read as: the bus
// itself stays in-process, and this relay is how a second process
// (e.g. a standalone social-media worker) opts into the same event
// stream. Adapted from a RedisEventBus design, which implemented
// the bus directly on Redis; here Redis only ferries bytes between
// local Bus instances.
type RedisRelay struct {
	bus    *Bus
	client *redis.Client
	pubsub *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	log    *logger.Logger

	mu      sync.Mutex
	mirrors map[string]Priority
}

// NewRedisRelay connects to redisURL and returns a relay bound to bus.
// Call Mirror for each topic that should cross process boundaries.
func NewRedisRelay(bus *Bus, redisURL string, log *logger.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errs.Wrap(errs.Contract, "eventbus.NewRedisRelay", fmt.Errorf("invalid redis url: %w", err))
	}

	client := redis.NewClient(opts)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errs.Wrap(errs.ExternalUnavailable, "eventbus.NewRedisRelay", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &RedisRelay{
		bus:     bus,
		client:  client,
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
		mirrors: make(map[string]Priority),
		pubsub:  client.Subscribe(ctx),
	}
	go r.receiveLoop()

	r.log.Info("redis relay connected", "url", redisURL)
	return r, nil
}

func (r *RedisRelay) channel(topic string) string {
	return "botcore:eventbus:" + topic
}

// Mirror subscribes topic locally (Drop policy - the relay must never
// be the reason a local subscriber's queue backs up) and forwards
// every local publish to Redis, and subscribes to the matching Redis
// channel so messages published by another process's relay land on
// this Bus's local subscribers at priority.
func (r *RedisRelay) Mirror(topic string, priority Priority) error {
	r.mu.Lock()
	if _, already := r.mirrors[topic]; already {
		r.mu.Unlock()
		return nil
	}
	r.mirrors[topic] = priority
	r.mu.Unlock()

	r.bus.Subscribe(topic, SubscribeOptions{Backpressure: Drop}, func(msg Message) {
		if err := r.client.Publish(r.ctx, r.channel(topic), msg.Payload).Err(); err != nil {
			r.log.Warn("redis relay publish failed", "topic", topic, "error", err.Error())
		}
	})

	if err := r.pubsub.Subscribe(r.ctx, r.channel(topic)); err != nil {
		return errs.Wrap(errs.ExternalUnavailable, "eventbus.Mirror", err)
	}
	r.log.Info("redis relay mirroring topic", "topic", topic)
	return nil
}

func (r *RedisRelay) receiveLoop() {
	ch := r.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			topic := r.topicFromChannel(msg.Channel)
			r.mu.Lock()
			priority := r.mirrors[topic]
			r.mu.Unlock()
			if _, err := r.bus.PublishBytes(topic, priority, "", []byte(msg.Payload)); err != nil {
				r.log.Warn("redis relay local republish failed", "topic", topic, "error", err.Error())
			}
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *RedisRelay) topicFromChannel(channel string) string {
	const prefix = "botcore:eventbus:"
	if len(channel) > len(prefix) && channel[:len(prefix)] == prefix {
		return channel[len(prefix):]
	}
	return channel
}

// Close stops the relay and closes its Redis connection. It does not
// close the local Bus.
func (r *RedisRelay) Close() error {
	r.cancel()
	if err := r.pubsub.Close(); err != nil {
		r.log.Warn("redis relay pubsub close error", "error", err.Error())
	}
	r.log.Info("redis relay closed")
	return r.client.Close()
}
