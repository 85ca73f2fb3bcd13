// Package app wires the components described by a config.Config.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/eventfn/chat"
	"github.com/toolink/eventfn/config"
	"github.com/toolink/eventfn/docstore"
	"github.com/toolink/eventfn/httpapi"
	"github.com/toolink/eventfn/lifecycle"
	"github.com/toolink/eventfn/notify"
	"github.com/toolink/eventfn/ratelimit"
	"github.com/toolink/eventfn/redlock"
	"github.com/toolink/eventfn/scheduler"
	"github.com/toolink/eventfn/trending"
	"github.com/toolink/eventfn/worker"
)

// App holds the wired components.
type App struct {
	Config     *config.Config
	Redis      *redis.Client // nil with the memory driver
	Store      docstore.Store
	Limiter    *ratelimit.Limiter
	Recomputer *trending.Recomputer
	Scheduler  *scheduler.Scheduler
	Chat       *chat.Handler
	Ingestor   *chat.Ingestor
	Deliverer  *notify.Deliverer
	Consumers  *worker.ConsumerManager // nil with the memory driver
	HTTP       *httpapi.Server
}

// Option customizes wiring.
type Option func(*options)

type options struct {
	redis  *redis.Client
	sender notify.Sender
}

// WithRedisClient uses client instead of dialing cfg.Redis.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) {
		o.redis = client
	}
}

// WithSender replaces the default logging push sender.
func WithSender(sender notify.Sender) Option {
	return func(o *options) {
		o.sender = sender
	}
}

// New wires the application. Nothing is started.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{sender: notify.LogSender{}}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg}
	a.Deliverer = notify.NewDeliverer(&cfg.Notify, o.sender)

	var (
		dispatcher notify.Dispatcher
		emitter    chat.Emitter
	)
	switch cfg.Store.Driver {
	case docstore.DriverRedis:
		a.Redis = o.redis
		if a.Redis == nil {
			a.Redis = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Username: cfg.Redis.Username,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
		}
		a.Store = docstore.NewRedisStore(a.Redis, cfg.StoreOptions()...)

		publisher := worker.NewPublisher(a.Redis,
			worker.WithPublisherKeyPrefix(cfg.Queue.KeyPrefix),
			worker.WithListMaxLen(cfg.Queue.ListMaxLen),
			worker.WithDefaultPubTimeout(cfg.Queue.PublishTimeout),
		)
		a.Consumers = worker.NewConsumerManager(a.Redis, worker.WithKeyPrefix(cfg.Queue.KeyPrefix))
		dispatcher = notify.NewQueueDispatcher(publisher, cfg.Notify.Topic)
		emitter = chat.NewQueueEmitter(publisher, cfg.Queue.ChatTopic)

		locks := redlock.NewClient(a.Redis,
			redlock.WithTTL(cfg.Queue.SchedulerLockTTL),
			redlock.WithKeyPrefix(cfg.Store.KeyPrefix+"lock:"),
		)
		a.Scheduler = scheduler.New(scheduler.WithLocks(locks))
	case docstore.DriverMemory:
		a.Store = docstore.NewMemoryStore(cfg.StoreOptions()...)
		dispatcher = notify.NewDirectDispatcher(a.Deliverer)
		a.Scheduler = scheduler.New()
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownDriver, cfg.Store.Driver)
	}

	a.Limiter = ratelimit.NewLimiter(&cfg.RateLimit, a.Store)
	a.Recomputer = trending.NewRecomputer(&cfg.Trending, a.Store)
	if err := a.Scheduler.Add(a.Recomputer, cfg.Trending.Interval, false); err != nil {
		return nil, err
	}

	a.Chat = chat.NewHandler(a.Store, dispatcher)
	if emitter == nil {
		emitter = chat.NewInlineEmitter(a.Chat)
	}
	a.Ingestor = chat.NewIngestor(a.Store, emitter)

	a.HTTP = httpapi.New(httpapi.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}, httpapi.Deps{
		Limiter:     a.Limiter,
		Ingestor:    a.Ingestor,
		Jobs:        a.Scheduler,
		TrendingJob: a.Recomputer.Name(),
		Store:       a.Store,
	})
	return a, nil
}

// Components returns the long-running parts in start order.
func (a *App) Components() []lifecycle.Component {
	components := []lifecycle.Component{
		lifecycle.Hook{ID: "store", OnStart: a.Store.Ping},
	}
	if a.Consumers != nil {
		components = append(components, lifecycle.Hook{
			ID:      "consumers",
			OnStart: a.subscribe,
			OnStop:  a.Consumers.Shutdown,
		})
	}
	return append(components, a.Scheduler, a.HTTP)
}

func (a *App) subscribe(context.Context) error {
	q := a.Config.Queue
	_, err := a.Chat.Subscribe(a.Consumers, q.ChatTopic,
		worker.WithBlockTime(q.BlockTime),
		worker.WithConcurrency(q.ChatConcurrency),
		worker.WithMaxAttempts(q.ChatMaxAttempts),
		worker.WithHandlerTimeout(q.HandlerTimeout),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.ChatTopic, err)
	}
	_, err = a.Deliverer.Subscribe(a.Consumers,
		worker.WithBlockTime(q.BlockTime),
		worker.WithHandlerTimeout(q.HandlerTimeout),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", a.Config.Notify.Topic, err)
	}
	return nil
}

// Close releases the Redis connection.
func (a *App) Close() {
	if a.Redis == nil {
		return
	}
	if err := a.Redis.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close redis client")
	}
}
