package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/driftcast/driftcast-client/internal/api"
)

type fakeStatsSource struct {
	mu    sync.Mutex
	stats api.NotificationStats
	calls int
}

func (f *fakeStatsSource) FetchNotificationStats(context.Context) (api.NotificationStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.stats, nil
}

func (f *fakeStatsSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeInvalidator struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeInvalidator) InvalidateInbox(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeInvalidator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func mustCenter(t *testing.T, stats StatsSource, inbox InboxInvalidator, interval time.Duration) *Center {
	t.Helper()
	center, err := NewCenter(CenterConfig{Stats: stats, Inbox: inbox, PollInterval: interval})
	if err != nil {
		t.Fatalf("unexpected center error: %v", err)
	}
	t.Cleanup(center.Close)
	return center
}

func TestStatsUpdateReplacesPolledValue(t *testing.T) {
	source := &fakeStatsSource{stats: api.NotificationStats{Total: 9, Unread: 9}}
	center := mustCenter(t, source, nil, time.Hour)

	if err := center.RefreshStats(context.Background()); err != nil {
		t.Fatalf("unexpected poll error: %v", err)
	}
	if center.Snapshot().Stats != (Stats{Total: 9, Unread: 9}) {
		t.Fatalf("expected polled stats, got %#v", center.Snapshot().Stats)
	}

	center.HandleEvent(Event{Kind: EventStats, Stats: &Stats{Total: 5, Unread: 2}})

	snapshot := center.Snapshot()
	if snapshot.Stats != (Stats{Total: 5, Unread: 2}) {
		t.Fatalf("expected pushed stats to replace polled value, got %#v", snapshot.Stats)
	}
}

func TestMutationEventsInvalidateInboxCache(t *testing.T) {
	inbox := &fakeInvalidator{}
	center := mustCenter(t, &fakeStatsSource{}, inbox, time.Hour)

	center.HandleEvent(Event{Kind: EventNew, Stats: &Stats{Total: 1, Unread: 1}})
	center.HandleEvent(Event{Kind: EventDeleted, Stats: &Stats{Total: 0, Unread: 0}})
	center.HandleEvent(Event{Kind: EventStats, Stats: &Stats{Total: 0, Unread: 0}})

	if inbox.callCount() != 2 {
		t.Fatalf("expected 2 invalidations for mutation events, got %d", inbox.callCount())
	}
}

func TestErrorEventsDoNotTouchStats(t *testing.T) {
	center := mustCenter(t, &fakeStatsSource{}, nil, time.Hour)
	center.HandleEvent(Event{Kind: EventStats, Stats: &Stats{Total: 3, Unread: 1}})

	center.HandleEvent(Event{Kind: EventError, Message: "authentication failed"})

	if center.Snapshot().Stats != (Stats{Total: 3, Unread: 1}) {
		t.Fatalf("expected stats untouched by error frame, got %#v", center.Snapshot().Stats)
	}
}

func TestDegradedStateStartsPollingAndConnectedStopsIt(t *testing.T) {
	source := &fakeStatsSource{stats: api.NotificationStats{Total: 4, Unread: 3}}
	center := mustCenter(t, source, nil, 5*time.Millisecond)

	center.HandleStateChange(StateDegraded)

	waitFor(t, func() bool { return source.callCount() >= 2 })
	waitFor(t, func() bool {
		return center.Snapshot().Stats == (Stats{Total: 4, Unread: 3})
	})

	center.HandleStateChange(StateConnected)
	settled := source.callCount()
	time.Sleep(30 * time.Millisecond)
	if source.callCount() > settled+1 {
		t.Fatalf("expected polling to stop once connected, got %d extra polls", source.callCount()-settled)
	}
	if center.Snapshot().State != StateConnected {
		t.Fatalf("expected connected state, got %s", center.Snapshot().State)
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	center := mustCenter(t, &fakeStatsSource{}, nil, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := center.Subscribe(ctx)
	defer cleanup()

	center.HandleEvent(Event{Kind: EventStats, Stats: &Stats{Total: 7, Unread: 4}})

	select {
	case snapshot := <-stream:
		if snapshot.Stats != (Stats{Total: 7, Unread: 4}) {
			t.Fatalf("unexpected snapshot %#v", snapshot)
		}
	case <-time.After(time.Second):
		t.Fatal("expected snapshot within deadline")
	}
}

func TestCloseStopsPollingPermanently(t *testing.T) {
	source := &fakeStatsSource{}
	center := mustCenter(t, source, nil, 5*time.Millisecond)

	center.HandleStateChange(StateDegraded)
	waitFor(t, func() bool { return source.callCount() >= 1 })

	center.Close()
	settled := source.callCount()
	time.Sleep(30 * time.Millisecond)
	if source.callCount() > settled+1 {
		t.Fatal("expected no polling after close")
	}
}
