package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ConsumerManager manages the subscriptions of one process.
type ConsumerManager struct {
	rdb       redis.Cmdable
	keyPrefix string

	mu            sync.Mutex
	subscriptions map[string]*Subscription // key: topic
	wg            sync.WaitGroup
	running       bool

	// handler contexts derive from base and are cancelled when a shutdown times out
	base   context.Context
	cancel context.CancelFunc
}

// ManagerOption configures a ConsumerManager.
type ManagerOption func(*ConsumerManager)

// WithKeyPrefix sets the prefix of topic list keys. Defaults to DefaultKeyPrefix.
func WithKeyPrefix(prefix string) ManagerOption {
	return func(cm *ConsumerManager) {
		cm.keyPrefix = prefix
	}
}

// NewConsumerManager creates a new ConsumerManager.
func NewConsumerManager(rdb redis.Cmdable, opts ...ManagerOption) *ConsumerManager {
	base, cancel := context.WithCancel(context.Background())
	cm := &ConsumerManager{
		rdb:           rdb,
		keyPrefix:     DefaultKeyPrefix,
		subscriptions: make(map[string]*Subscription),
		running:       true,
		base:          base,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Subscribe starts polling topic and hands every message to handler.
// One subscription per topic is allowed per manager; several processes may
// subscribe to the same topic and compete for its messages.
func (cm *ConsumerManager) Subscribe(topic string, handler Handler, opts ...SubscriptionOption) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic cannot be empty")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	cfg := defaultSubscriptionOptions()
	for _, opt := range opts {
		opt(&cfg)
	}

	sub := &Subscription{
		rdb:         cm.rdb,
		topic:       topic,
		key:         cm.keyPrefix + topic,
		handler:     handler,
		opts:        cfg,
		base:        cm.base,
		processChan: make(chan []byte, cfg.bufferSize),
		stopChan:    make(chan struct{}),
		managerWg:   &cm.wg,
	}

	cm.mu.Lock()
	if !cm.running {
		cm.mu.Unlock()
		return nil, errors.New("consumer manager is not running")
	}
	if _, exists := cm.subscriptions[topic]; exists {
		cm.mu.Unlock()
		return nil, fmt.Errorf("topic %q already has a subscription", topic)
	}
	cm.subscriptions[topic] = sub
	cm.wg.Add(1)
	sub.internalWg.Add(cfg.concurrency)
	cm.mu.Unlock()

	go sub.run()

	log.Info().Str("topic", topic).Int("concurrency", cfg.concurrency).Int("max_attempts", cfg.maxAttempts).Dur("block_time", cfg.blockTime).Msg("subscriber started polling list")
	return sub, nil
}

// Unsubscribe stops sub and waits for its in-flight messages.
func (cm *ConsumerManager) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return errors.New("cannot unsubscribe nil subscription")
	}

	cm.mu.Lock()
	current, ok := cm.subscriptions[sub.topic]
	if !ok || current != sub {
		cm.mu.Unlock()
		log.Warn().Str("topic", sub.topic).Msg("unsubscribe called for subscription not found or mismatched")
		return nil
	}
	delete(cm.subscriptions, sub.topic)
	cm.mu.Unlock()

	sub.stop()
	log.Info().Str("topic", sub.topic).Msg("subscriber stopped")
	return nil
}

// Shutdown stops all subscriptions and waits for them to drain. When ctx
// expires first, running handlers see their context cancelled.
func (cm *ConsumerManager) Shutdown(ctx context.Context) error {
	cm.mu.Lock()
	if !cm.running {
		cm.mu.Unlock()
		return errors.New("consumer manager already shut down")
	}
	cm.running = false
	subs := make([]*Subscription, 0, len(cm.subscriptions))
	for _, sub := range cm.subscriptions {
		subs = append(subs, sub)
	}
	cm.subscriptions = make(map[string]*Subscription)
	cm.mu.Unlock()

	log.Info().Int("subscriber_count", len(subs)).Msg("shutting down subscribers...")

	done := make(chan struct{})
	go func() {
		var stopWg sync.WaitGroup
		for _, sub := range subs {
			stopWg.Add(1)
			go func() {
				defer stopWg.Done()
				sub.stop()
			}()
		}
		stopWg.Wait()
		cm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cm.cancel()
		log.Info().Msg("consumer manager shutdown complete")
		return nil
	case <-ctx.Done():
		cm.cancel()
		log.Error().Err(ctx.Err()).Msg("consumer manager shutdown timed out waiting for pollers")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}
