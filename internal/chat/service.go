package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/driftcast/driftcast-client/internal/api"
	"go.uber.org/zap"
)

var (
	// ErrNotInitialized indicates the adapter was used before Initialize and
	// ConnectUser completed.
	ErrNotInitialized = errors.New("chat: service not initialized")
	// ErrSendFailed indicates a message or event send was rejected by the
	// transport. Callers roll back optimistic state on it.
	ErrSendFailed = errors.New("chat: send failed")

	errMissingProvider    = errors.New("chat: provider is required")
	errMissingCredentials = errors.New("chat: credential source is required")
	errMissingUserID      = errors.New("chat: user id is required")
)

// User identifies the connected chat participant.
type User struct {
	ID       string
	Username string
}

// OutboundEvent is a send intent handed to the provider.
type OutboundEvent struct {
	Kind Kind
	Text string
	Gift *Gift
}

// Provider is the hosted chat capability the service delegates to. The
// production implementation is the websocket Gateway; tests supply fakes.
type Provider interface {
	Connect(ctx context.Context, credentials api.ChatCredentials, user User) error
	Disconnect(ctx context.Context) error
	JoinChannel(ctx context.Context, channelID string) error
	LeaveChannel(ctx context.Context, channelID string) error
	Send(ctx context.Context, channelID string, event OutboundEvent) error
	Recent(ctx context.Context, channelID string, limit int) ([]Event, error)
	Events() <-chan Event
}

// CredentialSource exchanges backend auth for hosted-chat credentials.
// api.Client satisfies it.
type CredentialSource interface {
	FetchChatCredentials(ctx context.Context) (api.ChatCredentials, error)
}

// ServiceConfig describes the dependencies of the transport adapter.
type ServiceConfig struct {
	Provider    Provider
	Credentials CredentialSource
	Logger      *zap.Logger
}

// Service hides hosted-chat connection setup behind a narrow adapter surface:
// credential exchange, user connection, channel lifecycle, sends, and event
// subscription. One Service serves one user at a time.
type Service struct {
	provider    Provider
	credentials CredentialSource
	logger      *zap.Logger

	mu          sync.Mutex
	initialized bool
	chatCreds   api.ChatCredentials
	user        User
	connected   bool
	channelID   string
	pumpOnce    sync.Once

	dispatcher *eventDispatcher
}

// NewService constructs the transport adapter.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		provider:    cfg.Provider,
		credentials: cfg.Credentials,
		logger:      logger,
		dispatcher:  newEventDispatcher(),
	}, nil
}

// Initialize performs the one-time credential exchange. Safe to call again;
// subsequent calls are no-ops.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	creds, err := s.credentials.FetchChatCredentials(ctx)
	if err != nil {
		return fmt.Errorf("chat: credential exchange failed: %w", err)
	}

	s.mu.Lock()
	s.chatCreds = creds
	s.initialized = true
	s.mu.Unlock()
	return nil
}

// ConnectUser connects the given user to the hosted chat. Connecting the same
// user id again is a no-op; a different user first disconnects the prior one.
func (s *Service) ConnectUser(ctx context.Context, user User) error {
	if strings.TrimSpace(user.ID) == "" {
		return errMissingUserID
	}

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if s.connected && s.user.ID == user.ID {
		s.mu.Unlock()
		return nil
	}
	priorConnected := s.connected
	creds := s.chatCreds
	s.mu.Unlock()

	if priorConnected {
		if err := s.provider.Disconnect(ctx); err != nil {
			s.logger.Warn("disconnecting prior chat user failed", zap.Error(err))
		}
	}

	if err := s.provider.Connect(ctx, creds, user); err != nil {
		return fmt.Errorf("chat: user connection failed: %w", err)
	}

	s.mu.Lock()
	s.user = user
	s.connected = true
	s.channelID = ""
	s.mu.Unlock()

	s.pumpOnce.Do(func() {
		go s.pumpEvents()
	})
	return nil
}

// JoinStream joins (or creates) the channel for the stream. The channel id is
// derived deterministically from the stream id.
func (s *Service) JoinStream(ctx context.Context, streamID string) (string, error) {
	s.mu.Lock()
	if !s.initialized || !s.connected {
		s.mu.Unlock()
		return "", ErrNotInitialized
	}
	channelID := ChannelID(streamID)
	if s.channelID == channelID {
		s.mu.Unlock()
		return channelID, nil
	}
	s.mu.Unlock()

	if err := s.provider.JoinChannel(ctx, channelID); err != nil {
		return "", fmt.Errorf("chat: channel join failed: %w", err)
	}

	s.mu.Lock()
	s.channelID = channelID
	s.mu.Unlock()
	return channelID, nil
}

// SendMessage forwards a chat line to the active channel.
func (s *Service) SendMessage(ctx context.Context, text string) error {
	return s.send(ctx, OutboundEvent{Kind: KindText, Text: text})
}

// SendGiftEvent broadcasts a gift signal through the active channel. It is
// delivered to subscribers as a synthetic chat message of the gift kind.
func (s *Service) SendGiftEvent(ctx context.Context, gift Gift) error {
	sent := gift
	return s.send(ctx, OutboundEvent{Kind: KindGift, Gift: &sent})
}

func (s *Service) send(ctx context.Context, event OutboundEvent) error {
	s.mu.Lock()
	if !s.initialized || !s.connected {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	channelID := s.channelID
	s.mu.Unlock()

	if channelID == "" {
		return fmt.Errorf("%w: no active channel", ErrSendFailed)
	}
	if err := s.provider.Send(ctx, channelID, event); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// RecentMessages returns up to limit recent channel deliveries, oldest first.
func (s *Service) RecentMessages(ctx context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	if !s.initialized || !s.connected {
		s.mu.Unlock()
		return nil, ErrNotInitialized
	}
	channelID := s.channelID
	s.mu.Unlock()

	if channelID == "" {
		return nil, fmt.Errorf("%w: no active channel", ErrSendFailed)
	}
	return s.provider.Recent(ctx, channelID, limit)
}

// Subscribe registers for live channel events. The returned cancel releases
// the subscription; cancelling the context does the same.
func (s *Service) Subscribe(ctx context.Context) (<-chan Event, func()) {
	return s.dispatcher.subscribe(ctx)
}

// LeaveChannel leaves the active channel, keeping the user connection.
func (s *Service) LeaveChannel(ctx context.Context) error {
	s.mu.Lock()
	channelID := s.channelID
	s.channelID = ""
	s.mu.Unlock()

	if channelID == "" {
		return nil
	}
	return s.provider.LeaveChannel(ctx, channelID)
}

// Disconnect tears down the user connection and any active channel.
func (s *Service) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	connected := s.connected
	s.connected = false
	s.channelID = ""
	s.user = User{}
	s.mu.Unlock()

	if !connected {
		return nil
	}
	return s.provider.Disconnect(ctx)
}

// CurrentUser reports the connected user, if any.
func (s *Service) CurrentUser() (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.connected
}

func (s *Service) pumpEvents() {
	for event := range s.provider.Events() {
		s.dispatcher.publish(event)
	}
}

// eventDispatcher fans provider events out to subscribers over buffered
// channels, dropping deliveries a slow subscriber cannot keep up with.
type eventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      int64
	bufferSize  int
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		subscribers: make(map[int64]chan Event),
		bufferSize:  16,
	}
}

func (d *eventDispatcher) subscribe(ctx context.Context) (<-chan Event, func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	stream := make(chan Event, d.bufferSize)
	d.subscribers[id] = stream
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

func (d *eventDispatcher) publish(event Event) {
	d.mu.RLock()
	copies := make([]chan Event, 0, len(d.subscribers))
	for _, stream := range d.subscribers {
		copies = append(copies, stream)
	}
	d.mu.RUnlock()

	for _, stream := range copies {
		select {
		case stream <- event:
		default:
		}
	}
}
