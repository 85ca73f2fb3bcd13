// Package notify delivers push notifications. Producers hand a Notification to
// a Dispatcher; the queue-backed dispatcher defers the vendor call to a
// Deliverer running behind the notify.push list.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/toolink/eventfn/worker"
)

// DefaultTopic is the queue consumed by the Deliverer.
const DefaultTopic = "notify.push"

// ErrInvalidToken is returned by a Sender when the device token is rejected.
// Deliveries failing with it are not retried.
var ErrInvalidToken = errors.New("invalid device token")

// Notification is a push message to a single device.
type Notification struct {
	Token       string            `json:"token"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	ClickAction string            `json:"click_action,omitempty"`
}

// Dispatcher accepts notifications for delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// Sender talks to the push vendor.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// SenderFunc adapts a function into a Sender.
type SenderFunc func(ctx context.Context, n Notification) error

func (f SenderFunc) Send(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// QueueDispatcher enqueues notifications on a Redis list.
type QueueDispatcher struct {
	publisher *worker.Publisher
	topic     string
}

// NewQueueDispatcher creates a dispatcher publishing to topic.
func NewQueueDispatcher(publisher *worker.Publisher, topic string) *QueueDispatcher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &QueueDispatcher{publisher: publisher, topic: topic}
}

// Dispatch enqueues n. It returns once the notification is on the list.
func (d *QueueDispatcher) Dispatch(ctx context.Context, n Notification) error {
	if n.Token == "" {
		return ErrInvalidToken
	}
	if err := d.publisher.PubCtx(ctx, d.topic, n); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// DirectDispatcher sends inline through a Deliverer, for single-process setups
// without a queue.
type DirectDispatcher struct {
	deliverer *Deliverer
}

// NewDirectDispatcher creates a dispatcher that delivers synchronously.
func NewDirectDispatcher(d *Deliverer) *DirectDispatcher {
	return &DirectDispatcher{deliverer: d}
}

func (d *DirectDispatcher) Dispatch(ctx context.Context, n Notification) error {
	return d.deliverer.Deliver(ctx, n)
}

// LogSender stands in for the push vendor and only logs.
type LogSender struct{}

func (LogSender) Send(_ context.Context, n Notification) error {
	log.Info().Str("token", redact(n.Token)).Str("title", n.Title).Str("body", n.Body).Interface("data", n.Data).Msg("push notification sent")
	return nil
}

// redact keeps the last 6 characters of a device token.
func redact(token string) string {
	const keep = 6
	if len(token) <= keep {
		return "***"
	}
	return "***" + token[len(token)-keep:]
}
