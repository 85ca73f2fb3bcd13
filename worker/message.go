package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrMalformed marks a message whose body could not be decoded. Malformed
// messages are dropped, never re-queued.
var ErrMalformed = errors.New("malformed message")

// Message is the envelope stored on a topic list.
type Message struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Attempt     int             `json:"attempt"`
	PublishedAt time.Time       `json:"published_at"`
	Body        json.RawMessage `json:"body"`
}

// Handler processes one message. A returned error that apperr.IsRetryable
// reports as retryable re-queues the message until the attempt limit is hit.
type Handler func(ctx context.Context, msg *Message) error

// Handle adapts a typed function into a Handler, decoding the body into T.
func Handle[T any](fn func(ctx context.Context, v T) error) Handler {
	return func(ctx context.Context, msg *Message) error {
		var v T
		if err := sonic.Unmarshal(msg.Body, &v); err != nil {
			log.Error().Err(err).Str("topic", msg.Topic).Str("message_id", msg.ID).Msg("failed to decode message body")
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return fn(ctx, v)
	}
}

func newMessage(topic string, body any) (*Message, error) {
	raw, err := sonic.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return &Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Attempt:     1,
		PublishedAt: time.Now().UTC(),
		Body:        raw,
	}, nil
}

func encodeMessage(msg *Message) ([]byte, error) {
	return sonic.Marshal(msg)
}

func decodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &msg, nil
}
