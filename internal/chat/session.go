package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/driftcast/driftcast-client/internal/identity"
	"go.uber.org/zap"
)

// SessionState is the lifecycle of one chat session.
type SessionState string

const (
	// SessionIdle is the state before Start.
	SessionIdle SessionState = "idle"
	// SessionInitializing covers credential exchange, connect, and join.
	SessionInitializing SessionState = "initializing"
	// SessionConnected means live events are flowing.
	SessionConnected SessionState = "connected"
	// SessionClosed is the state after Close.
	SessionClosed SessionState = "closed"
	// SessionError means initialization or the connection failed.
	SessionError SessionState = "error"
)

const defaultHistoryLimit = 100

var (
	errMissingAdapter  = errors.New("chat: adapter is required")
	errMissingResolver = errors.New("chat: profile resolver is required")
	errMissingStreamID = errors.New("chat: stream id is required")
	// ErrNotConnected indicates a send attempted outside the connected state.
	ErrNotConnected = errors.New("chat: session not connected")
)

// Adapter is the transport surface the session drives. *Service satisfies it.
type Adapter interface {
	Initialize(ctx context.Context) error
	ConnectUser(ctx context.Context, user User) error
	JoinStream(ctx context.Context, streamID string) (string, error)
	SendMessage(ctx context.Context, text string) error
	SendGiftEvent(ctx context.Context, gift Gift) error
	RecentMessages(ctx context.Context, limit int) ([]Event, error)
	Subscribe(ctx context.Context) (<-chan Event, func())
	LeaveChannel(ctx context.Context) error
}

// Resolver enriches sender ids into display identities. profile.Cache
// satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, userID string) identity.DisplayIdentity
}

// SessionConfig describes one chat session.
type SessionConfig struct {
	Adapter      Adapter
	Profiles     Resolver
	StreamID     string
	HostID       string
	User         User
	HistoryLimit int
	IDProvider   IDProvider
	Clock        func() time.Time
	Logger       *zap.Logger
	// OnUpdate, when set, fires after every list or state change. It runs on
	// the mutating goroutine and must not call back into the session.
	OnUpdate func()
}

// Session reconciles optimistic local messages, inbound realtime events, and
// historical backfill into a single ordered, deduplicated message list.
type Session struct {
	adapter    Adapter
	profiles   Resolver
	streamID   string
	hostID     string
	user       User
	limit      int
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	onUpdate   func()

	mu          sync.Mutex
	state       SessionState
	started     bool
	connErr     error
	messages    []ChatMessage
	present     map[string]struct{}
	unsubscribe func()
	cancelPump  context.CancelFunc
}

// NewSession constructs a session. Start establishes the connection.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Adapter == nil {
		return nil, errMissingAdapter
	}
	if cfg.Profiles == nil {
		return nil, errMissingResolver
	}
	if strings.TrimSpace(cfg.StreamID) == "" {
		return nil, errMissingStreamID
	}
	if strings.TrimSpace(cfg.User.ID) == "" {
		return nil, errMissingUserID
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		adapter:    cfg.Adapter,
		profiles:   cfg.Profiles,
		streamID:   strings.TrimSpace(cfg.StreamID),
		hostID:     strings.TrimSpace(cfg.HostID),
		user:       cfg.User,
		limit:      limit,
		idProvider: idProvider,
		clock:      clock,
		logger:     logger,
		onUpdate:   cfg.OnUpdate,
		state:      SessionIdle,
		present:    make(map[string]struct{}),
	}, nil
}

// Start connects the session: credential exchange, user connection, channel
// join, historical seed, then live subscription. A second Start while one is
// in flight (or after a successful one) is a no-op; Close re-arms it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.state = SessionInitializing
	s.connErr = nil
	s.mu.Unlock()
	s.notify()

	if err := s.initialize(ctx); err != nil {
		s.mu.Lock()
		s.state = SessionError
		s.connErr = err
		s.started = false
		s.mu.Unlock()
		s.notify()
		return err
	}

	s.mu.Lock()
	s.state = SessionConnected
	s.mu.Unlock()
	s.notify()
	return nil
}

func (s *Session) initialize(ctx context.Context) error {
	if err := s.adapter.Initialize(ctx); err != nil {
		return err
	}
	if err := s.adapter.ConnectUser(ctx, s.user); err != nil {
		return err
	}
	if _, err := s.adapter.JoinStream(ctx, s.streamID); err != nil {
		return err
	}

	history, err := s.adapter.RecentMessages(ctx, s.limit)
	if err != nil {
		return err
	}

	seed := make([]ChatMessage, 0, len(history))
	for _, event := range history {
		seed = append(seed, s.enrich(ctx, event))
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	stream, unsubscribe := s.adapter.Subscribe(pumpCtx)

	s.mu.Lock()
	s.messages = nil
	s.present = make(map[string]struct{})
	for _, message := range seed {
		s.appendLocked(message)
	}
	s.unsubscribe = unsubscribe
	s.cancelPump = cancel
	s.mu.Unlock()

	go s.consume(pumpCtx, stream)
	return nil
}

// SendMessage appends an optimistic entry and forwards the text to the
// transport. Blank text and sends outside the connected state are rejected
// as no-ops with a warning, mirroring how the UI treats them. On transport
// failure the optimistic entry is rolled back and the error returned.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		s.logger.Warn("ignoring blank chat message")
		return nil
	}

	s.mu.Lock()
	if s.state != SessionConnected {
		state := s.state
		s.mu.Unlock()
		s.logger.Warn("ignoring chat message outside connected state", zap.String("state", string(state)))
		return nil
	}
	s.mu.Unlock()

	sender := s.profiles.Resolve(ctx, s.user.ID)
	if sender.DisplayName == "" {
		sender = identity.Fallback(s.user.ID, s.user.Username)
	}

	optimistic, err := NewOptimisticMessage(s.idProvider, sender, trimmed, s.user.ID == s.hostID, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("chat: optimistic id generation failed: %w", err)
	}

	s.mu.Lock()
	s.appendLocked(optimistic)
	s.mu.Unlock()
	s.notify()

	if err := s.adapter.SendMessage(ctx, trimmed); err != nil {
		s.removeMessage(optimistic.ID)
		return err
	}

	// The confirmed copy arrives through the subscription with the
	// server-assigned id and timestamp; synthesizing it here would
	// double-account it.
	s.removeMessage(optimistic.ID)
	return nil
}

// SendGift broadcasts a gift signal through the channel. Gifts carry no
// optimistic entry; the confirmed event renders inline when it arrives.
func (s *Session) SendGift(ctx context.Context, gift Gift) error {
	s.mu.Lock()
	if s.state != SessionConnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.mu.Unlock()
	return s.adapter.SendGiftEvent(ctx, gift)
}

// Messages returns a copy of the current ordered message list.
func (s *Session) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]ChatMessage, len(s.messages))
	copy(snapshot, s.messages)
	return snapshot
}

// State reports the session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionError returns the error that moved the session into SessionError.
func (s *Session) ConnectionError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connErr
}

// Close unsubscribes, leaves the channel, and re-arms Start so a fast
// reopen of the chat screen can initialize cleanly.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	cancel := s.cancelPump
	s.unsubscribe = nil
	s.cancelPump = nil
	s.state = SessionClosed
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if err := s.adapter.LeaveChannel(ctx); err != nil {
		s.logger.Warn("leaving chat channel failed", zap.Error(err))
	}
	s.notify()
}

func (s *Session) consume(ctx context.Context, stream <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			message := s.enrich(ctx, event)
			s.mu.Lock()
			appended := s.appendLocked(message)
			s.mu.Unlock()
			if appended {
				s.notify()
			}
		}
	}
}

func (s *Session) enrich(ctx context.Context, event Event) ChatMessage {
	senderID := ""
	switch typed := event.(type) {
	case TextMessage:
		senderID = typed.SenderID
	case GiftEvent:
		senderID = typed.SenderID
	case SystemEvent:
		senderID = typed.SenderID
	}
	sender := s.profiles.Resolve(ctx, senderID)
	message := DisplayMessage(event, sender)
	if message.Kind == KindText && senderID == s.hostID {
		message.IsHost = true
	}
	return message
}

// appendLocked inserts a message, dropping duplicates by id and evicting from
// the oldest end beyond the cap. Caller holds s.mu.
func (s *Session) appendLocked(message ChatMessage) bool {
	if message.ID == "" {
		return false
	}
	if _, duplicate := s.present[message.ID]; duplicate {
		return false
	}
	s.present[message.ID] = struct{}{}
	s.messages = append(s.messages, message)
	for len(s.messages) > s.limit {
		evicted := s.messages[0]
		s.messages = s.messages[1:]
		delete(s.present, evicted.ID)
	}
	return true
}

func (s *Session) removeMessage(messageID string) {
	s.mu.Lock()
	if _, ok := s.present[messageID]; ok {
		delete(s.present, messageID)
		filtered := s.messages[:0]
		for _, message := range s.messages {
			if message.ID != messageID {
				filtered = append(filtered, message)
			}
		}
		s.messages = filtered
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	if s.onUpdate != nil {
		s.onUpdate()
	}
}
