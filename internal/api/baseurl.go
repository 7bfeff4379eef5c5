package api

import (
	"fmt"
	"net"
	"strings"
)

const (
	devAPIPort            = 8000
	probeTarget           = "8.8.8.8:80"
	notificationsWSSuffix = "/ws/notifications/"
)

// ResolveBaseURL selects the backend base URL. A configured production host
// always wins; otherwise the local network address is probed and a
// development URL synthesized from it. The probe parameter exists for tests
// and defaults to ProbeLocalAddress.
func ResolveBaseURL(productionHost string, probe func() (string, error)) (string, error) {
	host := strings.TrimSpace(productionHost)
	if host != "" {
		if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
			return strings.TrimRight(host, "/"), nil
		}
		return "https://" + strings.TrimRight(host, "/"), nil
	}

	if probe == nil {
		probe = ProbeLocalAddress
	}
	address, err := probe()
	if err != nil {
		return "", fmt.Errorf("api: base url resolution failed: %w", err)
	}
	return fmt.Sprintf("http://%s:%d", address, devAPIPort), nil
}

// ProbeLocalAddress discovers the machine's outbound IP address by opening a
// UDP socket toward a public resolver. No traffic is sent; the kernel's route
// selection does the work.
func ProbeLocalAddress() (string, error) {
	conn, err := net.Dial("udp", probeTarget)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("api: unexpected local address type %T", conn.LocalAddr())
	}
	return localAddr.IP.String(), nil
}

// NotificationsWSURL derives the notification websocket endpoint from an HTTP
// base URL, switching the scheme to ws(s).
func NotificationsWSURL(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(trimmed, "https://"):
		trimmed = "wss://" + strings.TrimPrefix(trimmed, "https://")
	case strings.HasPrefix(trimmed, "http://"):
		trimmed = "ws://" + strings.TrimPrefix(trimmed, "http://")
	}
	return trimmed + notificationsWSSuffix
}
