package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"lessonsync/pkg/protocol"
)

const channelPrefix = "lesson."

// Redis distributes envelopes across gateway instances through Redis pub/sub.
// Each lesson maps to channel "lesson.{lessonID}"; every instance holds one
// pattern subscription covering all lessons.
type Redis struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	mu       sync.RWMutex
	handlers []Handler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// NewRedis connects, verifies the server is reachable and starts the receive
// loop.
func NewRedis(addr, password string, db int, logger zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	b := &Redis{
		client: client,
		pubsub: client.PSubscribe(ctx, channelPrefix+"*"),
		cancel: cancel,
		log:    logger.With().Str("component", "broker").Logger(),
	}

	b.wg.Add(1)
	go b.receiveLoop(ctx)

	return b, nil
}

func (b *Redis) Publish(ctx context.Context, lessonID string, env *protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+lessonID, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

func (b *Redis) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Redis) receiveLoop(ctx context.Context) {
	defer b.wg.Done()

	ch := b.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			lessonID := strings.TrimPrefix(msg.Channel, channelPrefix)

			var env protocol.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed broker message")
				continue
			}

			b.mu.RLock()
			handlers := make([]Handler, len(b.handlers))
			copy(handlers, b.handlers)
			b.mu.RUnlock()

			for _, h := range handlers {
				h(lessonID, &env)
			}

		case <-ctx.Done():
			return
		}
	}
}

func (b *Redis) Close() error {
	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
