package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/toolink/eventfn/apperr"
	"github.com/toolink/eventfn/docstore"
	"github.com/toolink/eventfn/notify"
	"github.com/toolink/eventfn/worker"
)

// Outcome says how a MessageCreated event was handled.
type Outcome string

const (
	OutcomeNotified       Outcome = "notified"
	OutcomeChatNotFound   Outcome = "chat_not_found"
	OutcomeNotApplicable  Outcome = "not_applicable" // not exactly one recipient
	OutcomeNoToken        Outcome = "no_token"
	OutcomeDispatchFailed Outcome = "dispatch_failed"
)

// Handler handles MessageCreated events.
type Handler struct {
	store      docstore.Store
	dispatcher notify.Dispatcher
}

// NewHandler creates a Handler.
func NewHandler(store docstore.Store, dispatcher notify.Dispatcher) *Handler {
	return &Handler{store: store, dispatcher: dispatcher}
}

// OnMessageCreated updates the chat preview and notifies the recipient.
//
// A missing chat, a chat without exactly one recipient and a recipient without
// a push token end the invocation without error. Notification delivery is best
// effort: its failure is logged and reported as OutcomeDispatchFailed. Store
// failures abort with apperr.ErrTransient.
func (h *Handler) OnMessageCreated(ctx context.Context, ev MessageCreated) (Outcome, error) {
	logger := log.With().Str("chat_id", ev.ChatID).Str("message_id", ev.MessageID).Logger()
	chatPath := docstore.Doc(ChatsCollection, ev.ChatID)

	err := h.store.Update(ctx, chatPath, docstore.Fields{
		fieldLastMessage:   ev.Text,
		fieldLastMessageAt: docstore.ServerTimestamp,
	})
	if errors.Is(err, apperr.ErrNotFound) {
		logger.Warn().Msg("message for unknown chat, nothing to update")
		return OutcomeChatNotFound, nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to update chat preview")
		return "", apperr.Transient(fmt.Errorf("update chat %s: %w", ev.ChatID, err))
	}

	chat, err := h.store.Get(ctx, chatPath)
	if errors.Is(err, apperr.ErrNotFound) {
		// deleted between the update and the read
		return OutcomeChatNotFound, nil
	}
	if err != nil {
		return "", apperr.Transient(fmt.Errorf("read chat %s: %w", ev.ChatID, err))
	}

	recipient, ok := otherParticipant(chat.Strings(fieldParticipants), ev.SenderID)
	if !ok {
		logger.Debug().Msg("chat is not two-party, no notification")
		return OutcomeNotApplicable, nil
	}
	logger = logger.With().Str("recipient", recipient).Logger()

	token, err := h.recipientToken(ctx, recipient)
	if err != nil {
		return "", err
	}
	if token == "" {
		logger.Debug().Msg("recipient has no push token")
		return OutcomeNoToken, nil
	}

	n := notify.Notification{
		Token: token,
		Title: NotificationTitle,
		Body:  Truncate(ev.Text, PreviewRunes),
		Data: map[string]string{
			"chatId": ev.ChatID,
			"type":   NotificationType,
		},
		ClickAction: ClickAction,
	}
	if err := h.dispatcher.Dispatch(ctx, n); err != nil {
		logger.Error().Err(err).Msg("failed to dispatch notification")
		return OutcomeDispatchFailed, nil
	}

	logger.Debug().Msg("notification dispatched")
	return OutcomeNotified, nil
}

func (h *Handler) recipientToken(ctx context.Context, uid string) (string, error) {
	user, err := h.store.Get(ctx, docstore.Doc(UsersCollection, uid))
	if errors.Is(err, apperr.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Transient(fmt.Errorf("read user %s: %w", uid, err))
	}
	return user.String(fieldFCMToken), nil
}

// otherParticipant returns the single participant that is not sender.
func otherParticipant(participants []string, sender string) (string, bool) {
	others := slices.DeleteFunc(slices.Clone(participants), func(p string) bool { return p == sender })
	if len(others) != 1 {
		return "", false
	}
	return others[0], true
}

// Subscribe consumes MessageCreated events from topic on cm.
func (h *Handler) Subscribe(cm *worker.ConsumerManager, topic string, opts ...worker.SubscriptionOption) (*worker.Subscription, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	return cm.Subscribe(topic, worker.Handle(func(ctx context.Context, ev MessageCreated) error {
		outcome, err := h.OnMessageCreated(ctx, ev)
		level := zerolog.DebugLevel
		if outcome == OutcomeDispatchFailed {
			level = zerolog.WarnLevel
		}
		log.WithLevel(level).Str("chat_id", ev.ChatID).Str("outcome", string(outcome)).Err(err).Msg("message created event handled")
		return err
	}), opts...)
}
