package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	channelWriteWait = 10 * time.Second

	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
	defaultMaxAttempts = 5
)

var (
	// ErrNotSupported indicates the notification endpoint structurally cannot
	// succeed (for example, it does not exist). The channel degrades to
	// polling instead of retrying.
	ErrNotSupported = errors.New("notify: realtime endpoint not supported")

	errMissingURL = errors.New("notify: websocket url required")
)

// DialFunc opens a websocket connection. The indirection exists for tests.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, *http.Response, error)

// ChannelConfig describes the realtime notification channel.
type ChannelConfig struct {
	URL         string
	Token       string
	UserID      string
	Dial        DialFunc
	Logger      *zap.Logger
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
	// OnEvent receives every parsed server frame. It runs on the read
	// goroutine.
	OnEvent func(Event)
	// OnState receives every connection state transition.
	OnState func(ConnectionState)
}

// Channel is the hand-rolled websocket client for push notifications. It
// reconnects with exponential backoff on abnormal closes, and degrades
// permanently (until a manual Connect) when the endpoint is absent.
type Channel struct {
	url         string
	token       string
	userID      string
	dial        DialFunc
	logger      *zap.Logger
	backoffBase time.Duration
	backoffCap  time.Duration
	maxAttempts int
	onEvent     func(Event)
	onState     func(ConnectionState)

	mu             sync.Mutex
	state          ConnectionState
	conn           *websocket.Conn
	attempts       int
	notSupported   bool
	manualClose    bool
	reconnectTimer *time.Timer
}

// NewChannel constructs a disconnected channel.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingURL
	}
	dial := cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context, url string) (*websocket.Conn, *http.Response, error) {
			return websocket.DefaultDialer.DialContext(ctx, url, nil)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	backoffCap := cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = defaultBackoffCap
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Channel{
		url:         cfg.URL,
		token:       cfg.Token,
		userID:      cfg.UserID,
		dial:        dial,
		logger:      logger,
		backoffBase: base,
		backoffCap:  backoffCap,
		maxAttempts: maxAttempts,
		onEvent:     cfg.OnEvent,
		onState:     cfg.OnState,
		state:       StateDisconnected,
	}, nil
}

// Connect establishes the channel. Without a token and user it is a no-op:
// an unauthenticated client has nothing to subscribe to. A manual Connect
// resets the reconnect budget and clears a prior not-supported verdict.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.attempts = 0
	c.notSupported = false
	c.manualClose = false
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Channel) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.token == "" || c.userID == "" {
		c.mu.Unlock()
		c.logger.Debug("skipping notification connect without credentials")
		return nil
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.setState(StateConnecting)

	conn, response, err := c.dial(ctx, c.url)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusNotFound {
			c.markNotSupported()
			return ErrNotSupported
		}
		c.setState(StateDisconnected)
		c.scheduleReconnect()
		return err
	}

	auth := clientFrame{Type: frameAuthenticate, Token: c.token}
	payload, marshalErr := json.Marshal(auth)
	if marshalErr == nil {
		conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
		marshalErr = conn.WriteMessage(websocket.TextMessage, payload)
	}
	if marshalErr != nil {
		conn.Close()
		c.setState(StateDisconnected)
		c.scheduleReconnect()
		return marshalErr
	}

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()
	c.setState(StateConnected)

	go c.readLoop(conn)
	return nil
}

// Disconnect closes the channel normally and cancels any pending reconnect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	conn := c.conn
	c.conn = nil
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(channelWriteWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
	c.setState(StateDisconnected)
}

// MarkAsRead sends a fire-and-forget read receipt. Dropped unless Connected;
// disconnected callers rely on the REST fallback.
func (c *Channel) MarkAsRead(notificationID string) {
	c.fireAndForget(clientFrame{Type: frameMarkAsRead, NotificationID: notificationID})
}

// RequestStats asks the server for a fresh stats snapshot. Dropped unless
// Connected.
func (c *Channel) RequestStats() {
	c.fireAndForget(clientFrame{Type: frameGetStats})
}

// State reports the current connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts reports how many reconnect attempts have been scheduled since the
// last successful connection.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// BackoffDelay computes the reconnect delay for the given 1-based attempt:
// the base doubles each attempt and is capped.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func (c *Channel) fireAndForget(frame clientFrame) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.logger.Debug("dropping notification frame while disconnected", zap.String("type", frame.Type))
		return
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.Debug("notification frame write failed", zap.Error(err))
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(conn, err)
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.logger.Warn("dropping malformed notification frame", zap.Error(err))
			continue
		}
		event, ok := frame.toEvent()
		if !ok {
			c.logger.Debug("ignoring notification frame", zap.String("type", frame.Type))
			continue
		}
		if c.onEvent != nil {
			c.onEvent(event)
		}
	}
}

func (c *Channel) handleReadError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	manual := c.manualClose
	c.mu.Unlock()
	conn.Close()

	if manual {
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure {
			c.setState(StateDisconnected)
			return
		}
		if closeReasonNotSupported(closeErr.Text) {
			c.markNotSupported()
			return
		}
	}

	c.logger.Warn("notification channel closed abnormally", zap.Error(err))
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

// closeReasonNotSupported infers a structurally missing endpoint from the
// close reason text. An explicit server capability flag would be better; the
// server contract only exposes this today.
func closeReasonNotSupported(reason string) bool {
	lowered := strings.ToLower(reason)
	return strings.Contains(lowered, "404") || strings.Contains(lowered, "not found")
}

func (c *Channel) markNotSupported() {
	c.mu.Lock()
	c.notSupported = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()
	c.logger.Warn("notification endpoint not supported, falling back to polling")
	c.setState(StateDegraded)
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.notSupported || c.manualClose {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.maxAttempts {
		c.mu.Unlock()
		c.logger.Warn("notification reconnect budget exhausted", zap.Int("attempts", c.maxAttempts))
		return
	}
	c.attempts++
	delay := BackoffDelay(c.attempts, c.backoffBase, c.backoffCap)
	attempt := c.attempts
	c.reconnectTimer = time.AfterFunc(delay, func() {
		if err := c.connect(context.Background()); err != nil {
			c.logger.Debug("notification reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		}
	})
	c.mu.Unlock()
	c.logger.Info("notification reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
}

func (c *Channel) setState(state ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(state)
	}
}
