package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/driftcast/driftcast-client/internal/api"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 30 * time.Second
	invalidateTimeout   = 5 * time.Second
)

var errMissingStatsSource = errors.New("notify: stats source is required")

// StatsSource fetches the inbox counters over REST. api.Client satisfies it.
type StatsSource interface {
	FetchNotificationStats(ctx context.Context) (api.NotificationStats, error)
}

// InboxInvalidator drops any cached notification list so the next read
// refetches. store.Store satisfies it.
type InboxInvalidator interface {
	InvalidateInbox(ctx context.Context) error
}

// Snapshot is the read-only projection the UI subscribes to.
type Snapshot struct {
	State ConnectionState
	Stats Stats
}

// CenterConfig describes the notification center's dependencies.
type CenterConfig struct {
	Stats        StatsSource
	Inbox        InboxInvalidator
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Center is the process-wide source of truth for notification connection
// state and unread counters, constructed once per authenticated session and
// torn down on logout. Exactly one stats source is authoritative at a time:
// the realtime channel while it is connected, the REST poller while the
// channel is degraded.
type Center struct {
	stats        StatsSource
	inbox        InboxInvalidator
	pollInterval time.Duration
	logger       *zap.Logger

	mu          sync.RWMutex
	current     Snapshot
	pollStop    chan struct{}
	subscribers map[int64]chan Snapshot
	nextID      int64
	closed      bool
}

// NewCenter constructs the center in the disconnected state.
func NewCenter(cfg CenterConfig) (*Center, error) {
	if cfg.Stats == nil {
		return nil, errMissingStatsSource
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Center{
		stats:        cfg.Stats,
		inbox:        cfg.Inbox,
		pollInterval: interval,
		logger:       logger,
		current:      Snapshot{State: StateDisconnected},
		subscribers:  make(map[int64]chan Snapshot),
	}, nil
}

// HandleEvent ingests one realtime channel event. Stats snapshots replace the
// local value unconditionally; mutations additionally invalidate the cached
// inbox list. Wire it to ChannelConfig.OnEvent.
func (c *Center) HandleEvent(event Event) {
	if event.Kind == EventError {
		c.logger.Warn("notification channel reported error", zap.String("message", event.Message))
		return
	}

	if event.Mutation() && c.inbox != nil {
		ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
		if err := c.inbox.InvalidateInbox(ctx); err != nil {
			c.logger.Warn("inbox cache invalidation failed", zap.Error(err))
		}
		cancel()
	}

	if event.Stats == nil {
		return
	}
	c.mu.Lock()
	c.current.Stats = *event.Stats
	snapshot := c.current
	c.mu.Unlock()
	c.publish(snapshot)
}

// HandleStateChange tracks the channel state and switches the authoritative
// stats source: polling starts when the channel degrades and stops the moment
// push delivery is live again. Wire it to ChannelConfig.OnState.
func (c *Center) HandleStateChange(state ConnectionState) {
	c.mu.Lock()
	c.current.State = state
	snapshot := c.current
	shouldPoll := state == StateDegraded
	var stop chan struct{}
	if shouldPoll && c.pollStop == nil && !c.closed {
		c.pollStop = make(chan struct{})
		stop = c.pollStop
	}
	if !shouldPoll && c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
	c.mu.Unlock()

	c.publish(snapshot)
	if stop != nil {
		go c.pollLoop(stop)
	}
}

// RefreshStats performs one REST poll and installs the result.
func (c *Center) RefreshStats(ctx context.Context) error {
	fetched, err := c.stats.FetchNotificationStats(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.current.Stats = Stats{Total: fetched.Total, Unread: fetched.Unread}
	snapshot := c.current
	c.mu.Unlock()
	c.publish(snapshot)
	return nil
}

// Snapshot returns the current state and stats.
func (c *Center) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Subscribe registers for snapshot updates. The stream is buffered; a slow
// subscriber misses intermediate snapshots, never the latest state read via
// Snapshot.
func (c *Center) Subscribe(ctx context.Context) (<-chan Snapshot, func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	stream := make(chan Snapshot, 4)
	c.subscribers[id] = stream
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Close stops polling and detaches subscribers. Called on logout.
func (c *Center) Close() {
	c.mu.Lock()
	c.closed = true
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
	c.subscribers = make(map[int64]chan Snapshot)
	c.mu.Unlock()
}

func (c *Center) pollLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	c.pollOnce()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

func (c *Center) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
	defer cancel()
	if err := c.RefreshStats(ctx); err != nil {
		c.logger.Warn("notification stats poll failed", zap.Error(err))
	}
}

func (c *Center) publish(snapshot Snapshot) {
	c.mu.RLock()
	copies := make([]chan Snapshot, 0, len(c.subscribers))
	for _, stream := range c.subscribers {
		copies = append(copies, stream)
	}
	c.mu.RUnlock()

	for _, stream := range copies {
		select {
		case stream <- snapshot:
		default:
		}
	}
}
