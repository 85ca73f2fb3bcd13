package worker

import (
	"time"
)

// --- Subscription Options ---

type subscriptionOptions struct {
	blockTime   time.Duration // how long BRPOP blocks waiting for a message
	concurrency int           // handler goroutines
	bufferSize  int           // buffer between the poller and the handlers
	maxAttempts int           // deliveries of one message, including the first
	handlerTTL  time.Duration // deadline of a single handler call, 0 for none
}

func defaultSubscriptionOptions() subscriptionOptions {
	return subscriptionOptions{
		blockTime:   5 * time.Second,
		concurrency: 1,
		bufferSize:  128,
		maxAttempts: 3,
	}
}

// SubscriptionOption configures a subscription.
type SubscriptionOption func(*subscriptionOptions)

// WithBlockTime sets the maximum time BRPOP should block waiting for a message.
// It also bounds how long a stopping subscriber takes to notice. Defaults to 5 seconds.
func WithBlockTime(d time.Duration) SubscriptionOption {
	return func(o *subscriptionOptions) {
		if d > 0 {
			o.blockTime = d
		}
	}
}

// WithConcurrency sets the number of handler goroutines for this subscription.
// Defaults to 1, which processes messages in list order.
func WithConcurrency(n int) SubscriptionOption {
	return func(o *subscriptionOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithBufferSize sets the internal buffer size between the poller and the
// handler goroutines. Defaults to 128.
func WithBufferSize(size int) SubscriptionOption {
	return func(o *subscriptionOptions) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithMaxAttempts caps how many times a message is handed to the handler.
// 1 disables re-queueing. Defaults to 3.
func WithMaxAttempts(n int) SubscriptionOption {
	return func(o *subscriptionOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithHandlerTimeout bounds each handler call.
func WithHandlerTimeout(d time.Duration) SubscriptionOption {
	return func(o *subscriptionOptions) {
		if d > 0 {
			o.handlerTTL = d
		}
	}
}

// --- Publisher Options ---

type publisherOptions struct {
	defaultPubTimeout time.Duration // timeout for PubCtx LPUSH without a deadline
	listMaxLen        int64         // approx max list length (LTRIM), 0 disables
	keyPrefix         string
}

func defaultPublisherOptions() publisherOptions {
	return publisherOptions{
		defaultPubTimeout: 5 * time.Second,
		keyPrefix:         DefaultKeyPrefix,
	}
}

// PublisherOption configures the Publisher.
type PublisherOption func(*publisherOptions)

// WithDefaultPubTimeout sets the LPUSH timeout PubCtx applies when ctx has no deadline.
func WithDefaultPubTimeout(d time.Duration) PublisherOption {
	return func(o *publisherOptions) {
		if d > 0 {
			o.defaultPubTimeout = d
		}
	}
}

// WithListMaxLen keeps at most maxLen of the newest messages on a topic list.
// 0 disables trimming.
func WithListMaxLen(maxLen int64) PublisherOption {
	return func(o *publisherOptions) {
		if maxLen >= 0 {
			o.listMaxLen = maxLen
		}
	}
}

// WithPublisherKeyPrefix sets the prefix of topic list keys. It must match the
// prefix the ConsumerManager uses.
func WithPublisherKeyPrefix(prefix string) PublisherOption {
	return func(o *publisherOptions) {
		o.keyPrefix = prefix
	}
}
