package chat

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a chat message for rendering.
type Kind string

const (
	// KindText is an ordinary chat line.
	KindText Kind = "text"
	// KindGift is a gift broadcast rendered inline with chat.
	KindGift Kind = "gift"
	// KindJoin marks a member joining the stream.
	KindJoin Kind = "join"
	// KindLeave marks a member leaving the stream.
	KindLeave Kind = "leave"
)

// ErrUnknownEventType indicates a wire payload outside the supported set.
var ErrUnknownEventType = errors.New("chat: unknown event type")

// Gift identifies a gift broadcast through the channel.
type Gift struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IconURL string `json:"icon_url"`
	Cost    int    `json:"cost"`
}

// Event is the closed set of channel deliveries. Payloads are parsed into a
// variant exactly once at the transport boundary so downstream code switches
// over the set instead of probing optional fields.
type Event interface {
	EventID() string
	OccurredAt() time.Time
	isEvent()
}

// TextMessage is a confirmed chat line delivered by the channel.
type TextMessage struct {
	ID        string
	SenderID  string
	Text      string
	IsHost    bool
	CreatedAt time.Time
}

func (m TextMessage) EventID() string       { return m.ID }
func (m TextMessage) OccurredAt() time.Time { return m.CreatedAt }
func (TextMessage) isEvent()                {}

// GiftEvent is a gift broadcast delivered through the same channel as chat.
type GiftEvent struct {
	ID        string
	SenderID  string
	Gift      Gift
	CreatedAt time.Time
}

func (e GiftEvent) EventID() string       { return e.ID }
func (e GiftEvent) OccurredAt() time.Time { return e.CreatedAt }
func (GiftEvent) isEvent()                {}

// SystemEvent is a membership signal (join or leave) for the stream.
type SystemEvent struct {
	ID        string
	SenderID  string
	Kind      Kind
	CreatedAt time.Time
}

func (e SystemEvent) EventID() string       { return e.ID }
func (e SystemEvent) OccurredAt() time.Time { return e.CreatedAt }
func (SystemEvent) isEvent()                {}

// Envelope is the wire form of a channel delivery. The gateway provider and
// the stub backend share it.
type Envelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text,omitempty"`
	IsHost    bool      `json:"is_host,omitempty"`
	Gift      *Gift     `json:"gift,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	envelopeTypeMessage = "message"
	envelopeTypeGift    = "gift"
	envelopeTypeJoin    = "member_joined"
	envelopeTypeLeave   = "member_left"
)

// ParseEvent converts a wire envelope into its Event variant.
func ParseEvent(envelope Envelope) (Event, error) {
	switch envelope.Type {
	case envelopeTypeMessage:
		return TextMessage{
			ID:        envelope.ID,
			SenderID:  envelope.SenderID,
			Text:      envelope.Text,
			IsHost:    envelope.IsHost,
			CreatedAt: envelope.CreatedAt,
		}, nil
	case envelopeTypeGift:
		gift := Gift{}
		if envelope.Gift != nil {
			gift = *envelope.Gift
		}
		return GiftEvent{
			ID:        envelope.ID,
			SenderID:  envelope.SenderID,
			Gift:      gift,
			CreatedAt: envelope.CreatedAt,
		}, nil
	case envelopeTypeJoin:
		return SystemEvent{ID: envelope.ID, SenderID: envelope.SenderID, Kind: KindJoin, CreatedAt: envelope.CreatedAt}, nil
	case envelopeTypeLeave:
		return SystemEvent{ID: envelope.ID, SenderID: envelope.SenderID, Kind: KindLeave, CreatedAt: envelope.CreatedAt}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, envelope.Type)
	}
}

// EncodeEvent converts an Event variant back into its wire envelope.
func EncodeEvent(event Event) Envelope {
	switch typed := event.(type) {
	case TextMessage:
		return Envelope{
			Type:      envelopeTypeMessage,
			ID:        typed.ID,
			SenderID:  typed.SenderID,
			Text:      typed.Text,
			IsHost:    typed.IsHost,
			CreatedAt: typed.CreatedAt,
		}
	case GiftEvent:
		gift := typed.Gift
		return Envelope{
			Type:      envelopeTypeGift,
			ID:        typed.ID,
			SenderID:  typed.SenderID,
			Gift:      &gift,
			CreatedAt: typed.CreatedAt,
		}
	case SystemEvent:
		envelopeType := envelopeTypeJoin
		if typed.Kind == KindLeave {
			envelopeType = envelopeTypeLeave
		}
		return Envelope{Type: envelopeType, ID: typed.ID, SenderID: typed.SenderID, CreatedAt: typed.CreatedAt}
	default:
		return Envelope{}
	}
}
