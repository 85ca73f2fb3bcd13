package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/eventfn/apperr"
)

// requeueTimeout bounds the LPUSH that puts a failed message back.
const requeueTimeout = 5 * time.Second

// Subscription is one topic being consumed.
type Subscription struct {
	rdb         redis.Cmdable
	topic       string
	key         string
	handler     Handler
	opts        subscriptionOptions
	base        context.Context
	processChan chan []byte     // raw payloads from the poller to the processors
	stopChan    chan struct{}   // closed to stop the poller
	managerWg   *sync.WaitGroup // done when the poller exits
	internalWg  sync.WaitGroup  // processors
	stopOnce    sync.Once
}

// Topic returns the consumed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// run polls the list with BRPOP until stopped.
func (s *Subscription) run() {
	defer s.managerWg.Done()

	for i := range s.opts.concurrency {
		go s.runProcessor(i)
	}
	defer close(s.processChan)

	log.Debug().Str("topic", s.topic).Msg("redis list poller loop started (brpop)")

	for {
		select {
		case <-s.stopChan:
			log.Debug().Str("topic", s.topic).Msg("redis list poller loop stopping")
			return
		default:
		}

		// BRPOP is bounded by blockTime; stopChan is checked between calls.
		result, err := s.rdb.BRPop(context.Background(), s.opts.blockTime, s.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				log.Trace().Str("topic", s.topic).Msg("brpop timeout")
				continue
			}
			log.Error().Err(err).Str("topic", s.topic).Msg("error during brpop")
			select {
			case <-time.After(time.Second):
			case <-s.stopChan:
				return
			}
			continue
		}

		// result is [key, payload]
		if len(result) != 2 || result[0] != s.key {
			log.Error().Str("topic", s.topic).Strs("brpop_result", result).Msg("invalid result format from brpop")
			continue
		}

		select {
		case s.processChan <- []byte(result[1]):
		case <-s.stopChan:
			// Already popped: put it back for another consumer.
			s.requeueRaw(result[1])
			return
		}
	}
}

func (s *Subscription) runProcessor(id int) {
	defer s.internalWg.Done()
	for payload := range s.processChan {
		msg, err := decodeMessage(payload)
		if err != nil {
			log.Error().Err(err).Str("topic", s.topic).Int("processor_id", id).Msg("failed to deserialize message payload, skipping")
			continue
		}
		s.process(msg, id)
	}
}

func (s *Subscription) process(msg *Message, processorID int) {
	err := s.execute(msg)
	if err == nil {
		log.Debug().Str("topic", s.topic).Str("message_id", msg.ID).Int("attempt", msg.Attempt).Msg("message handled")
		return
	}

	logger := log.With().Str("topic", s.topic).Str("message_id", msg.ID).Int("attempt", msg.Attempt).Int("processor_id", processorID).Logger()
	if errors.Is(err, ErrMalformed) || !apperr.IsRetryable(err) || msg.Attempt >= s.opts.maxAttempts {
		logger.Error().Err(err).Msg("message handler failed, dropping message")
		return
	}

	msg.Attempt++
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()
	if perr := push(ctx, s.rdb, s.key, msg); perr != nil {
		logger.Error().Err(perr).AnErr("handler_error", err).Msg("failed to requeue message")
		return
	}
	logger.Warn().Err(err).Msg("message handler failed, requeued")
}

// execute runs the handler, turning a panic into a dropped message.
func (s *Subscription) execute(msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("topic", s.topic).Str("message_id", msg.ID).Interface("panic_value", r).Msg("panic recovered during handler execution")
			err = errors.New("handler panicked")
		}
	}()

	ctx := s.base
	if s.opts.handlerTTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.handlerTTL)
		defer cancel()
	}
	return s.handler(ctx, msg)
}

func (s *Subscription) requeueRaw(payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()
	if err := s.rdb.RPush(ctx, s.key, payload).Err(); err != nil {
		log.Error().Err(err).Str("topic", s.topic).Msg("failed to return message to list, message lost")
		return
	}
	log.Warn().Str("topic", s.topic).Msg("subscriber stopping, returned fetched message to list")
}

// stop signals the poller and waits for the processors to drain.
func (s *Subscription) stop() {
	s.stopOnce.Do(func() {
		log.Debug().Str("topic", s.topic).Msg("stopping subscriber...")
		close(s.stopChan)
		s.internalWg.Wait()
		log.Debug().Str("topic", s.topic).Msg("subscriber processor goroutines finished")
	})
}
