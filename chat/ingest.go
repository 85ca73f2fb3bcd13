package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolink/eventfn/apperr"
	"github.com/toolink/eventfn/docstore"
	"github.com/toolink/eventfn/worker"
)

// Emitter delivers MessageCreated events to the message trigger.
type Emitter interface {
	Emit(ctx context.Context, ev MessageCreated) error
}

// QueueEmitter publishes events on a Redis list consumed by Handler.Subscribe.
type QueueEmitter struct {
	publisher *worker.Publisher
	topic     string
}

// NewQueueEmitter creates an emitter publishing to topic.
func NewQueueEmitter(publisher *worker.Publisher, topic string) *QueueEmitter {
	if topic == "" {
		topic = DefaultTopic
	}
	return &QueueEmitter{publisher: publisher, topic: topic}
}

func (e *QueueEmitter) Emit(ctx context.Context, ev MessageCreated) error {
	if err := e.publisher.PubCtx(ctx, e.topic, ev); err != nil {
		return apperr.Transient(fmt.Errorf("publish message created: %w", err))
	}
	return nil
}

// InlineEmitter runs the handler in the caller's goroutine.
type InlineEmitter struct {
	handler *Handler
}

// NewInlineEmitter creates an emitter that calls h directly.
func NewInlineEmitter(h *Handler) *InlineEmitter {
	return &InlineEmitter{handler: h}
}

func (e *InlineEmitter) Emit(ctx context.Context, ev MessageCreated) error {
	_, err := e.handler.OnMessageCreated(ctx, ev)
	return err
}

// Ingestor stores new messages and emits their MessageCreated event.
type Ingestor struct {
	store   docstore.Store
	emitter Emitter
	clock   func() time.Time
}

// NewIngestor creates an Ingestor.
func NewIngestor(store docstore.Store, emitter Emitter) *Ingestor {
	return &Ingestor{store: store, emitter: emitter, clock: time.Now}
}

// PostMessage writes a message from sender into chatID and emits its event.
// The sender must be a participant of the chat. Once the message is stored the
// call succeeds: a failed emit is logged and not returned, so a retrying client
// never writes the message twice.
func (i *Ingestor) PostMessage(ctx context.Context, chatID, sender, text string) (MessageCreated, error) {
	if sender == "" {
		return MessageCreated{}, fmt.Errorf("post message: %w", apperr.ErrUnauthenticated)
	}
	if strings.TrimSpace(text) == "" {
		return MessageCreated{}, fmt.Errorf("post message: empty text: %w", apperr.ErrInvalidArgument)
	}
	if chatID == "" || strings.Contains(chatID, "/") {
		return MessageCreated{}, fmt.Errorf("post message: invalid chat id %q: %w", chatID, apperr.ErrInvalidArgument)
	}

	chat, err := i.store.Get(ctx, docstore.Doc(ChatsCollection, chatID))
	if errors.Is(err, apperr.ErrNotFound) {
		return MessageCreated{}, fmt.Errorf("chat %s: %w", chatID, err)
	}
	if err != nil {
		return MessageCreated{}, apperr.Transient(fmt.Errorf("read chat %s: %w", chatID, err))
	}
	if !slices.Contains(chat.Strings(fieldParticipants), sender) {
		return MessageCreated{}, fmt.Errorf("%s in chat %s: %w", sender, chatID, apperr.ErrPermissionDenied)
	}

	ev := MessageCreated{
		ChatID:    chatID,
		MessageID: uuid.NewString(),
		SenderID:  sender,
		Text:      text,
		CreatedAt: i.clock().UTC(),
	}
	path := docstore.Doc(ChatsCollection, chatID, MessagesCollection, ev.MessageID)
	err = i.store.Set(ctx, path, docstore.Fields{
		fieldSenderID:  ev.SenderID,
		fieldText:      ev.Text,
		fieldCreatedAt: docstore.ServerTimestamp,
	})
	if err != nil {
		return MessageCreated{}, apperr.Transient(fmt.Errorf("write message: %w", err))
	}

	if err := i.emitter.Emit(ctx, ev); err != nil {
		log.Error().Err(err).Str("chat_id", chatID).Str("message_id", ev.MessageID).Msg("message stored but trigger not emitted")
		return ev, nil
	}
	log.Debug().Str("chat_id", chatID).Str("message_id", ev.MessageID).Msg("message posted")
	return ev, nil
}
