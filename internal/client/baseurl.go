package client

import (
	"net"
	"strings"
)

// ResolveBaseURL derives the backend base URL from the host the chat page was served from: a loopback
// page talks to the backend on localhost, any other host talks to the backend on that same host.
// pageHost may carry a port, which is ignored.
func ResolveBaseURL(pageHost, port string) string {
	host := pageHost
	if h, _, err := net.SplitHostPort(pageHost); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")

	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return "http://localhost:" + port
	}
	return "http://" + net.JoinHostPort(host, port)
}
