package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/driftcast/driftcast-client/internal/identity"
)

type fakeAdapter struct {
	mu          sync.Mutex
	events      chan Event
	recent      []Event
	sendErr     error
	sendStarted chan struct{}
	sendRelease chan struct{}
	initCalls   int
	leaveCalls  int
	sentTexts   []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{events: make(chan Event, 16)}
}

func (a *fakeAdapter) Initialize(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initCalls++
	return nil
}

func (a *fakeAdapter) ConnectUser(context.Context, User) error { return nil }

func (a *fakeAdapter) JoinStream(_ context.Context, streamID string) (string, error) {
	return ChannelID(streamID), nil
}

func (a *fakeAdapter) SendMessage(_ context.Context, text string) error {
	if a.sendStarted != nil {
		a.sendStarted <- struct{}{}
	}
	if a.sendRelease != nil {
		<-a.sendRelease
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.sentTexts = append(a.sentTexts, text)
	return nil
}

func (a *fakeAdapter) SendGiftEvent(context.Context, Gift) error { return nil }

func (a *fakeAdapter) RecentMessages(context.Context, int) ([]Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Event(nil), a.recent...), nil
}

func (a *fakeAdapter) Subscribe(context.Context) (<-chan Event, func()) {
	return a.events, func() {}
}

func (a *fakeAdapter) LeaveChannel(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leaveCalls++
	return nil
}

type staticResolver struct {
	identities map[string]identity.DisplayIdentity
}

func (r *staticResolver) Resolve(_ context.Context, userID string) identity.DisplayIdentity {
	if resolved, ok := r.identities[userID]; ok {
		return resolved
	}
	return identity.Fallback(userID, "")
}

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("seq-%d", p.next), nil
}

func mustSession(t *testing.T, adapter Adapter, overrides func(*SessionConfig)) *Session {
	t.Helper()
	cfg := SessionConfig{
		Adapter: adapter,
		Profiles: &staticResolver{identities: map[string]identity.DisplayIdentity{
			"self": {UserID: "self", DisplayName: "Me"},
			"host": {UserID: "host", DisplayName: "The Host"},
		}},
		StreamID:   "77",
		HostID:     "host",
		User:       User{ID: "self", Username: "me"},
		IDProvider: &sequenceIDProvider{},
	}
	if overrides != nil {
		overrides(&cfg)
	}
	session, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	return session
}

func startSession(t *testing.T, session *Session) {
	t.Helper()
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if session.State() != SessionConnected {
		t.Fatalf("expected connected session, got %s", session.State())
	}
}

func waitForCondition(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func textEvent(id, sender, text string) TextMessage {
	return TextMessage{ID: id, SenderID: sender, Text: text, CreatedAt: time.Unix(1700000000, 0).UTC()}
}

func TestSessionSeedsHistoryOldestFirst(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.recent = []Event{
		textEvent("m1", "host", "welcome"),
		textEvent("m2", "self", "hi"),
	}
	session := mustSession(t, adapter, nil)
	startSession(t, session)

	messages := session.Messages()
	if len(messages) != 2 {
		t.Fatalf("expected 2 seeded messages, got %d", len(messages))
	}
	if messages[0].ID != "m1" || messages[1].ID != "m2" {
		t.Fatalf("expected oldest-first order, got %#v", messages)
	}
	if messages[0].DisplayName != "The Host" {
		t.Fatalf("expected enriched host identity, got %q", messages[0].DisplayName)
	}
	if !messages[0].IsHost {
		t.Fatal("expected host message to be flagged")
	}
}

func TestSessionDeduplicatesInboundEventsByID(t *testing.T) {
	adapter := newFakeAdapter()
	session := mustSession(t, adapter, nil)
	startSession(t, session)

	adapter.events <- textEvent("m1", "host", "hello")
	adapter.events <- textEvent("m1", "host", "hello")
	adapter.events <- textEvent("m2", "host", "again")

	waitForCondition(t, func() bool {
		messages := session.Messages()
		return len(messages) == 2 && messages[0].ID == "m1" && messages[1].ID == "m2"
	})

	time.Sleep(20 * time.Millisecond)
	if count := len(session.Messages()); count != 2 {
		t.Fatalf("expected redelivered event to be dropped, got %d messages", count)
	}
}

func TestSessionRollsBackOptimisticEntryOnSendFailure(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.sendErr = errors.New("transport rejected")
	session := mustSession(t, adapter, nil)
	startSession(t, session)

	err := session.SendMessage(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected send error")
	}
	for _, message := range session.Messages() {
		if message.Optimistic() {
			t.Fatalf("expected optimistic entry to be rolled back, found %#v", message)
		}
	}
}

func TestSessionOptimisticThenConfirmedShowsExactlyOneEntry(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.sendStarted = make(chan struct{}, 1)
	adapter.sendRelease = make(chan struct{})
	session := mustSession(t, adapter, nil)
	startSession(t, session)

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- session.SendMessage(context.Background(), "hello")
	}()

	<-adapter.sendStarted
	messages := session.Messages()
	if len(messages) != 1 || !messages[0].Optimistic() || messages[0].Text != "hello" {
		t.Fatalf("expected one optimistic hello before confirmation, got %#v", messages)
	}
	if messages[0].DisplayName != "Me" {
		t.Fatalf("expected own resolved display name, got %q", messages[0].DisplayName)
	}

	close(adapter.sendRelease)
	if err := <-sendDone; err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	adapter.events <- textEvent("server-1", "self", "hello")

	waitForCondition(t, func() bool {
		current := session.Messages()
		if len(current) != 1 {
			return false
		}
		return current[0].ID == "server-1" && !current[0].Optimistic()
	})
}

func TestSessionCapsListWithFIFOEviction(t *testing.T) {
	adapter := newFakeAdapter()
	session := mustSession(t, adapter, func(cfg *SessionConfig) {
		cfg.HistoryLimit = 5
	})
	startSession(t, session)

	for i := 0; i < 8; i++ {
		adapter.events <- textEvent(fmt.Sprintf("m%d", i), "host", "line")
	}

	waitForCondition(t, func() bool {
		messages := session.Messages()
		return len(messages) == 5 && messages[0].ID == "m3" && messages[4].ID == "m7"
	})
}

func TestSessionIgnoresBlankAndDisconnectedSends(t *testing.T) {
	adapter := newFakeAdapter()
	session := mustSession(t, adapter, nil)

	if err := session.SendMessage(context.Background(), "hello"); err != nil {
		t.Fatalf("expected disconnected send to be a no-op, got %v", err)
	}

	startSession(t, session)
	if err := session.SendMessage(context.Background(), "   "); err != nil {
		t.Fatalf("expected blank send to be a no-op, got %v", err)
	}
	if len(session.Messages()) != 0 {
		t.Fatalf("expected no messages, got %d", len(session.Messages()))
	}
}

func TestSessionMergesGiftEventsInline(t *testing.T) {
	adapter := newFakeAdapter()
	session := mustSession(t, adapter, nil)
	startSession(t, session)

	adapter.events <- textEvent("m1", "host", "hello")
	adapter.events <- GiftEvent{
		ID:        "g1",
		SenderID:  "self",
		Gift:      Gift{ID: "rose", Name: "Rose", Cost: 10},
		CreatedAt: time.Unix(1700000001, 0).UTC(),
	}

	waitForCondition(t, func() bool {
		messages := session.Messages()
		if len(messages) != 2 {
			return false
		}
		gift := messages[1]
		return gift.Kind == KindGift && gift.Gift != nil && gift.Gift.Name == "Rose"
	})
}

func TestSessionStartIsReentrancyGuardedAndCloseReArms(t *testing.T) {
	adapter := newFakeAdapter()
	session := mustSession(t, adapter, nil)
	startSession(t, session)

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adapter.initCalls != 1 {
		t.Fatalf("expected a single initialization, got %d", adapter.initCalls)
	}

	session.Close(context.Background())
	if session.State() != SessionClosed {
		t.Fatalf("expected closed state, got %s", session.State())
	}
	if adapter.leaveCalls != 1 {
		t.Fatalf("expected channel leave on close, got %d", adapter.leaveCalls)
	}

	startSession(t, session)
	if adapter.initCalls != 2 {
		t.Fatalf("expected re-initialization after close, got %d", adapter.initCalls)
	}
}
