package notifier

import (
	"context"
	"encoding/json"
	"strconv"

	"math/rand"

	"github.com/redis/go-redis/v9"

	"pricewatch/monitor/internal/product"
	errs "pricewatch/monitor/pkg/errors"
)

// RedisSink publishes change events to Redis streams for downstream
// consumers. Events are spread over streamCount streams under a common
// prefix and each stream is trimmed to streamMaxLength.
type RedisSink struct {
	client          *redis.Client
	ctx             context.Context
	streamPrefix    string
	streamCount     int
	streamMaxLength int
}

// NewRedisSink creates a Redis stream sink
func NewRedisSink(ctx context.Context, addr string, db int, streamPrefix string, streamCount, streamMaxLength int) *RedisSink {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	return &RedisSink{
		client:          client,
		ctx:             ctx,
		streamPrefix:    streamPrefix,
		streamCount:     streamCount,
		streamMaxLength: streamMaxLength,
	}
}

// Notify publishes one change event as JSON
func (s *RedisSink) Notify(event product.ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errs.NewNotify(event.Product.Category, "failed to marshal event", err)
	}

	stream := s.streamPrefix + ":" + strconv.Itoa(rand.Intn(s.streamCount))
	err = s.client.XAdd(s.ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: int64(s.streamMaxLength),
		Approx: true,
		Values: map[string]interface{}{
			string(event.Type): data,
		},
	}).Err()
	if err != nil {
		return errs.NewNotify(event.Product.Category, "failed to publish event", err)
	}
	return nil
}

// NotifyText is a no-op: operational messages stay on the webhook sink
func (s *RedisSink) NotifyText(string) error {
	return nil
}

// Close closes the Redis connection
func (s *RedisSink) Close() error {
	return s.client.Close()
}
