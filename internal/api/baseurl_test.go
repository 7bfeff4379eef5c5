package api

import (
	"errors"
	"testing"
)

func TestResolveBaseURLPrefersProductionHost(t *testing.T) {
	probeCalled := false
	probe := func() (string, error) {
		probeCalled = true
		return "10.0.0.5", nil
	}

	resolved, err := ResolveBaseURL("api.driftcast.app", probe)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != "https://api.driftcast.app" {
		t.Fatalf("expected production url, got %q", resolved)
	}
	if probeCalled {
		t.Fatal("probe must not run when a production host is configured")
	}
}

func TestResolveBaseURLKeepsExplicitScheme(t *testing.T) {
	resolved, err := ResolveBaseURL("http://staging.driftcast.app/", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != "http://staging.driftcast.app" {
		t.Fatalf("expected scheme preserved, got %q", resolved)
	}
}

func TestResolveBaseURLFallsBackToProbe(t *testing.T) {
	resolved, err := ResolveBaseURL("", func() (string, error) { return "192.168.1.20", nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != "http://192.168.1.20:8000" {
		t.Fatalf("expected probed dev url, got %q", resolved)
	}
}

func TestResolveBaseURLPropagatesProbeFailure(t *testing.T) {
	probeErr := errors.New("no route")
	if _, err := ResolveBaseURL("", func() (string, error) { return "", probeErr }); !errors.Is(err, probeErr) {
		t.Fatalf("expected probe error, got %v", err)
	}
}

func TestNotificationsWSURL(t *testing.T) {
	tests := []struct {
		base     string
		expected string
	}{
		{"https://api.driftcast.app", "wss://api.driftcast.app/ws/notifications/"},
		{"http://192.168.1.20:8000/", "ws://192.168.1.20:8000/ws/notifications/"},
	}
	for _, tc := range tests {
		if derived := NotificationsWSURL(tc.base); derived != tc.expected {
			t.Fatalf("expected %q, got %q", tc.expected, derived)
		}
	}
}
