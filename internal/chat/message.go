package chat

import (
	"strings"
	"time"

	"github.com/driftcast/driftcast-client/internal/identity"
	"github.com/google/uuid"
)

const (
	channelPrefix      = "stream-"
	optimisticIDPrefix = "local-"
)

// ChatMessage is the display form of a channel delivery, enriched with the
// sender's display identity and ready for rendering.
type ChatMessage struct {
	ID          string
	SenderID    string
	DisplayName string
	AvatarURL   string
	Text        string
	IsHost      bool
	Kind        Kind
	Gift        *Gift
	CreatedAt   time.Time
}

// Optimistic reports whether the message is a locally created entry awaiting
// server confirmation.
func (m ChatMessage) Optimistic() bool {
	return strings.HasPrefix(m.ID, optimisticIDPrefix)
}

// ChannelID derives the deterministic channel identifier for a stream, so
// re-joining the same stream always resolves to the same channel.
func ChannelID(streamID string) string {
	return channelPrefix + strings.TrimSpace(streamID)
}

// IDProvider issues identifiers for locally created entries.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewOptimisticMessage builds the locally rendered copy of a message before
// server confirmation.
func NewOptimisticMessage(provider IDProvider, sender identity.DisplayIdentity, text string, isHost bool, createdAt time.Time) (ChatMessage, error) {
	id, err := provider.NewID()
	if err != nil {
		return ChatMessage{}, err
	}
	return ChatMessage{
		ID:          optimisticIDPrefix + id,
		SenderID:    sender.UserID,
		DisplayName: sender.DisplayName,
		AvatarURL:   sender.AvatarURL,
		Text:        text,
		IsHost:      isHost,
		Kind:        KindText,
		CreatedAt:   createdAt,
	}, nil
}

// DisplayMessage converts a confirmed event into display form using the
// resolved identity of its sender.
func DisplayMessage(event Event, sender identity.DisplayIdentity) ChatMessage {
	message := ChatMessage{
		ID:          event.EventID(),
		SenderID:    sender.UserID,
		DisplayName: sender.DisplayName,
		AvatarURL:   sender.AvatarURL,
		CreatedAt:   event.OccurredAt(),
	}
	switch typed := event.(type) {
	case TextMessage:
		message.Kind = KindText
		message.Text = typed.Text
		message.IsHost = typed.IsHost
	case GiftEvent:
		gift := typed.Gift
		message.Kind = KindGift
		message.Gift = &gift
		message.Text = gift.Name
	case SystemEvent:
		message.Kind = typed.Kind
	}
	return message
}
