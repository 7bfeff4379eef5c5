package notify

import "github.com/driftcast/driftcast-client/internal/api"

// ConnectionState tracks the notification realtime channel lifecycle.
type ConnectionState string

const (
	// StateDisconnected means no connection exists and none is being made.
	StateDisconnected ConnectionState = "disconnected"
	// StateConnecting means a dial or reconnect attempt is in flight.
	StateConnecting ConnectionState = "connecting"
	// StateConnected means the authenticate frame was sent and traffic flows.
	StateConnected ConnectionState = "connected"
	// StateDegraded means push delivery is unavailable and the caller should
	// rely on periodic polling instead.
	StateDegraded ConnectionState = "degraded"
)

// Stats is the inbox counter snapshot exposed to the UI. Whatever source is
// authoritative replaces it wholesale; it is never merged client-side.
type Stats struct {
	Total  int
	Unread int
}

// EventKind enumerates server-pushed notification events.
type EventKind string

const (
	EventNew     EventKind = "new_notification"
	EventUpdated EventKind = "notification_updated"
	EventDeleted EventKind = "notification_deleted"
	EventCleared EventKind = "notifications_cleared"
	EventStats   EventKind = "stats_update"
	EventError   EventKind = "error"
)

// Event is one parsed server frame.
type Event struct {
	Kind           EventKind
	Notification   *api.Notification
	NotificationID string
	Stats          *Stats
	Message        string
}

// Mutation reports whether the event changes the inbox contents, which
// invalidates any cached notification list.
func (e Event) Mutation() bool {
	switch e.Kind {
	case EventNew, EventUpdated, EventDeleted, EventCleared:
		return true
	default:
		return false
	}
}

const (
	frameAuthenticate = "authenticate"
	frameMarkAsRead   = "mark_as_read"
	frameGetStats     = "get_stats"
)

type clientFrame struct {
	Type           string `json:"type"`
	Token          string `json:"token,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`
}

type statsPayload struct {
	TotalNotifications  int `json:"total_notifications"`
	UnreadNotifications int `json:"unread_notifications"`
}

type serverFrame struct {
	Type           string            `json:"type"`
	Notification   *api.Notification `json:"notification,omitempty"`
	NotificationID string            `json:"notification_id,omitempty"`
	Stats          *statsPayload     `json:"stats,omitempty"`
	Message        string            `json:"message,omitempty"`
}

func (f serverFrame) toEvent() (Event, bool) {
	event := Event{
		Notification:   f.Notification,
		NotificationID: f.NotificationID,
		Message:        f.Message,
	}
	switch f.Type {
	case string(EventNew):
		event.Kind = EventNew
	case string(EventUpdated):
		event.Kind = EventUpdated
	case string(EventDeleted):
		event.Kind = EventDeleted
	case string(EventCleared):
		event.Kind = EventCleared
	case string(EventStats):
		event.Kind = EventStats
	case string(EventError):
		event.Kind = EventError
	default:
		return Event{}, false
	}
	if f.Stats != nil {
		event.Stats = &Stats{Total: f.Stats.TotalNotifications, Unread: f.Stats.UnreadNotifications}
	}
	return event, true
}
