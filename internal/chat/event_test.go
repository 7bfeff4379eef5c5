package chat

import (
	"errors"
	"testing"
	"time"
)

func TestParseEventCoversClosedVariantSet(t *testing.T) {
	createdAt := time.Unix(1700000000, 0).UTC()
	gift := Gift{ID: "rose", Name: "Rose", IconURL: "gifts/rose.png", Cost: 10}

	tests := []struct {
		name     string
		envelope Envelope
		verify   func(t *testing.T, event Event)
	}{
		{
			name:     "text message",
			envelope: Envelope{Type: "message", ID: "m1", SenderID: "u1", Text: "hi", IsHost: true, CreatedAt: createdAt},
			verify: func(t *testing.T, event Event) {
				message, ok := event.(TextMessage)
				if !ok {
					t.Fatalf("expected TextMessage, got %T", event)
				}
				if message.Text != "hi" || !message.IsHost {
					t.Fatalf("unexpected message %#v", message)
				}
			},
		},
		{
			name:     "gift event",
			envelope: Envelope{Type: "gift", ID: "g1", SenderID: "u1", Gift: &gift, CreatedAt: createdAt},
			verify: func(t *testing.T, event Event) {
				typed, ok := event.(GiftEvent)
				if !ok {
					t.Fatalf("expected GiftEvent, got %T", event)
				}
				if typed.Gift.Name != "Rose" || typed.Gift.Cost != 10 {
					t.Fatalf("unexpected gift %#v", typed.Gift)
				}
			},
		},
		{
			name:     "member joined",
			envelope: Envelope{Type: "member_joined", ID: "j1", SenderID: "u2", CreatedAt: createdAt},
			verify: func(t *testing.T, event Event) {
				typed, ok := event.(SystemEvent)
				if !ok {
					t.Fatalf("expected SystemEvent, got %T", event)
				}
				if typed.Kind != KindJoin {
					t.Fatalf("expected join kind, got %s", typed.Kind)
				}
			},
		},
		{
			name:     "member left",
			envelope: Envelope{Type: "member_left", ID: "l1", SenderID: "u2", CreatedAt: createdAt},
			verify: func(t *testing.T, event Event) {
				typed, ok := event.(SystemEvent)
				if !ok {
					t.Fatalf("expected SystemEvent, got %T", event)
				}
				if typed.Kind != KindLeave {
					t.Fatalf("expected leave kind, got %s", typed.Kind)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			event, err := ParseEvent(tc.envelope)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tc.verify(t, event)

			reencoded := EncodeEvent(event)
			if reencoded.Type != tc.envelope.Type || reencoded.ID != tc.envelope.ID {
				t.Fatalf("expected stable encoding, got %#v", reencoded)
			}
		})
	}
}

func TestParseEventRejectsUnknownType(t *testing.T) {
	if _, err := ParseEvent(Envelope{Type: "presence"}); !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestChannelIDIsDeterministic(t *testing.T) {
	if ChannelID(" 77 ") != "stream-77" {
		t.Fatalf("expected stream-77, got %q", ChannelID(" 77 "))
	}
}
