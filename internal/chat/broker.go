package chat

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"proconnect/pkg/logger"
)

// Delivery is one logical event addressed to an identity. Whichever
// instance holds live sessions for the target fans it out locally.
type Delivery struct {
	TargetID       int             `json:"targetId"`
	ConversationID int             `json:"conversationId,omitempty"`
	ExcludeSession string          `json:"excludeSession,omitempty"`
	// WatchingOnly restricts delivery to sessions that joined the
	// conversation (typing indicators).
	WatchingOnly bool            `json:"watchingOnly,omitempty"`
	Event        string          `json:"eventName"`
	Payload      json.RawMessage `json:"payload"`
	// Notify, when set, is pushed to sessions NOT watching the
	// conversation, in addition to the main payload.
	Notify json.RawMessage `json:"notify,omitempty"`
}

// Broker routes deliveries between instances. RedisBroker carries them
// over pub/sub; LoopbackBroker short-circuits in-process for tests and
// single-node deployments.
type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	// Start begins routing received deliveries to the handler and
	// returns once the subscription is live. Routing stops when ctx ends.
	Start(ctx context.Context, deliver func(Delivery)) error
	Close() error
}

// RedisBroker implements Broker over a Redis pub/sub channel, so every
// instance sees every delivery and serves whatever sessions it holds.
type RedisBroker struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
	pubsub  *redis.PubSub
}

func NewRedisBroker(client *redis.Client, channel string, log *logger.Logger) *RedisBroker {
	return &RedisBroker{client: client, channel: channel, log: log}
}

func (b *RedisBroker) Publish(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBroker) Start(ctx context.Context, deliver func(Delivery)) error {
	b.pubsub = b.client.Subscribe(ctx, b.channel)
	// Force the subscription before returning so no delivery is lost
	// between Start and the first Receive.
	if _, err := b.pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := b.pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var d Delivery
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					b.log.Warn("dropping malformed delivery", zap.Error(err))
					continue
				}
				deliver(d)
			}
		}
	}()
	return nil
}

func (b *RedisBroker) Close() error {
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}

// LoopbackBroker hands deliveries straight to the local handler.
type LoopbackBroker struct {
	mu      sync.RWMutex
	deliver func(Delivery)
}

func NewLoopbackBroker() *LoopbackBroker {
	return &LoopbackBroker{}
}

func (b *LoopbackBroker) Publish(_ context.Context, d Delivery) error {
	b.mu.RLock()
	deliver := b.deliver
	b.mu.RUnlock()
	if deliver != nil {
		deliver(d)
	}
	return nil
}

func (b *LoopbackBroker) Start(_ context.Context, deliver func(Delivery)) error {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	return nil
}

func (b *LoopbackBroker) Close() error { return nil }
