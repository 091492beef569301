package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"
)

// Error codes for classified delivery failures.
const (
	CodeConnectionRefused = "DELIVERY_CONNECTION_REFUSED"
	CodeDNSError          = "DELIVERY_DNS_ERROR"
	CodeConnectionReset   = "DELIVERY_CONNECTION_RESET"
	CodeTimeout           = "DELIVERY_TIMEOUT"
	CodeGeneric           = "DELIVERY_ERROR"
)

// maxSafeMessageLen bounds the preview text carried in a delivery error so no
// unbounded response body ends up persisted.
const maxSafeMessageLen = 200

// Error is a classified delivery failure. SafeMessage never contains raw
// message content, only short bounded previews of transport or status text.
type Error struct {
	Code        string
	SafeMessage string
	Status      int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.SafeMessage)
}

// classifyTransportError maps a transport failure to a delivery error code.
func classifyTransportError(err error, targetURL string) *Error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Code: CodeDNSError, SafeMessage: "DNS resolution failed for delivery target"}
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		msg := "connection refused by delivery target"
		if isLoopbackURL(targetURL) {
			msg += " (loopback URLs resolve to this container, not the host; use the host alias)"
		}
		return &Error{Code: CodeConnectionRefused, SafeMessage: msg}
	}

	if errors.Is(err, syscall.ECONNRESET) {
		return &Error{Code: CodeConnectionReset, SafeMessage: "connection reset by delivery target"}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Code: CodeTimeout, SafeMessage: "delivery request timed out"}
	}

	return &Error{Code: CodeGeneric, SafeMessage: truncate(err.Error(), maxSafeMessageLen)}
}

// isLoopbackURL reports whether the URL host is a loopback address.
func isLoopbackURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max]) + "..."
}
