// Package chat reacts to new chat messages: it keeps the conversation preview
// current and notifies the other participant of a two-party chat.
package chat

import (
	"time"
	"unicode/utf8"
)

// Stored layout of conversations and users.
const (
	ChatsCollection    = "chats"
	MessagesCollection = "messages"
	UsersCollection    = "users"

	fieldParticipants  = "participants"
	fieldLastMessage   = "lastMessage"
	fieldLastMessageAt = "lastMessageAt"
	fieldFCMToken      = "fcmToken"
	fieldSenderID      = "senderId"
	fieldText          = "text"
	fieldCreatedAt     = "createdAt"
)

// Notification content.
const (
	NotificationTitle = "New Message"
	NotificationType  = "chat_message"
	ClickAction       = "FLUTTER_NOTIFICATION_CLICK"

	// PreviewRunes is the longest notification body kept before truncation.
	PreviewRunes = 50
	ellipsis     = "..."
)

// DefaultTopic is the queue carrying MessageCreated events.
const DefaultTopic = "chat.message.created"

// MessageCreated is emitted once per new message document.
type MessageCreated struct {
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Truncate shortens s to n runes followed by "..." when it is longer than n
// runes. Shorter strings are returned unchanged.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := 0
	for i := range s {
		if runes == n {
			return s[:i] + ellipsis
		}
		runes++
	}
	return s
}
