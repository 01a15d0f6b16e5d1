package util

import (
	"strings"
)

// Takes a gateway "host" string and returns an appropriate websocket URL. Defaults to
// wss://, except for loopback hosts. Converts http/https to ws/wss, and keeps any path.
func WebsocketURLForHost(host string) string {
	if host == "" {
		return ""
	}
	if strings.HasPrefix(host, "wss://") || strings.HasPrefix(host, "ws://") {
		return host
	}
	if rest, ok := strings.CutPrefix(host, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(host, "http://"); ok {
		return "ws://" + rest
	}
	if strings.Contains(host, "://") {
		// unknown scheme; leave it for the dialer to reject
		return host
	}
	if strings.HasPrefix(host, "127.0.0.") || strings.HasPrefix(host, "[::1]") {
		return "ws://" + host
	}
	hostname, _, _ := strings.Cut(host, ":")
	hostname, _, _ = strings.Cut(hostname, "/")
	if hostname == "localhost" {
		return "ws://" + host
	}
	return "wss://" + host
}
