// Package worker is a small job queue on Redis lists. Publishers LPUSH
// envelopes onto a topic list and a ConsumerManager pops them with BRPOP and
// runs the registered handlers.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultKeyPrefix prefixes every topic list key.
const DefaultKeyPrefix = "eventfn:queue:"

// Publisher sends messages to Redis Lists.
type Publisher struct {
	rdb  redis.Cmdable
	opts publisherOptions
}

// NewPublisher creates a new Publisher instance.
func NewPublisher(rdb redis.Cmdable, opts ...PublisherOption) *Publisher {
	cfg := defaultPublisherOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Publisher{
		rdb:  rdb,
		opts: cfg,
	}
}

// PubCtx publishes body to a topic. The default timeout applies when ctx has
// no deadline.
func (p *Publisher) PubCtx(ctx context.Context, topic string, body any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.defaultPubTimeout)
		defer cancel()
	}
	return p.publish(ctx, topic, body)
}

func (p *Publisher) publish(ctx context.Context, topic string, body any) error {
	if topic == "" {
		return errors.New("topic cannot be empty")
	}
	msg, err := newMessage(topic, body)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to serialize message")
		return fmt.Errorf("serialization failed: %w", err)
	}
	if err := push(ctx, p.rdb, p.opts.keyPrefix+topic, msg); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to publish message (lpush)")
		return err
	}

	if p.opts.listMaxLen > 0 {
		// LPUSH adds to the head, so LTRIM 0..n-1 keeps the newest n.
		if err := p.rdb.LTrim(ctx, p.opts.keyPrefix+topic, 0, p.opts.listMaxLen-1).Err(); err != nil {
			log.Warn().Err(err).Str("topic", topic).Int64("max_len", p.opts.listMaxLen).Msg("failed to trim list after lpush")
		}
	}

	log.Debug().Str("topic", topic).Str("message_id", msg.ID).Msg("message published to list")
	return nil
}

func push(ctx context.Context, rdb redis.Cmdable, key string, msg *Message) error {
	payload, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("serialization failed: %w", err)
	}
	if err := rdb.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", key, err)
	}
	return nil
}
