package outbound

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// ErrorHeader names the response header carrying OutboundError.Code.
const ErrorHeader = "X-Streamguard-Error"

// OutboundError is a structured connection failure. The predefined values
// below are templates; failures returned by Transport wrap the cause.
type OutboundError struct {
	HTTPCode int
	Code     string
	Message  string
	Err      error
}

func (e *OutboundError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *OutboundError) Unwrap() error { return e.Err }

// Is matches on Code so that errors.Is(err, ErrUpstreamTimeout) holds for
// wrapped instances.
func (e *OutboundError) Is(target error) bool {
	t, ok := target.(*OutboundError)
	return ok && t.Code == e.Code
}

func (e *OutboundError) wrap(err error) *OutboundError {
	return &OutboundError{HTTPCode: e.HTTPCode, Code: e.Code, Message: e.Message, Err: err}
}

var (
	ErrUpstreamConnectFailed = &OutboundError{
		HTTPCode: http.StatusBadGateway,
		Code:     "UPSTREAM_CONNECT_FAILED",
		Message:  "Failed to connect to upstream",
	}
	ErrUpstreamTimeout = &OutboundError{
		HTTPCode: http.StatusGatewayTimeout,
		Code:     "UPSTREAM_TIMEOUT",
		Message:  "Upstream connection or response timed out",
	}
	ErrUpstreamRequestFailed = &OutboundError{
		HTTPCode: http.StatusBadGateway,
		Code:     "UPSTREAM_REQUEST_FAILED",
		Message:  "Upstream request failed",
	}
	ErrProxyAuthFailed = &OutboundError{
		HTTPCode: http.StatusBadGateway,
		Code:     "PROXY_AUTH_FAILED",
		Message:  "Proxy rejected the supplied credentials",
	}
	ErrRequestBody = &OutboundError{
		HTTPCode: http.StatusBadRequest,
		Code:     "REQUEST_BODY_UNREADABLE",
		Message:  "Failed to read request body",
	}
)

// classifyUpstreamError maps a failed attempt to an OutboundError. Returns
// nil for context.Canceled: a caller that went away is not a connection
// failure and must not advance to the next candidate.
func classifyUpstreamError(err error) *OutboundError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	var oe *OutboundError
	if errors.As(err, &oe) {
		return oe
	}
	if os.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return ErrUpstreamTimeout.wrap(err)
	}
	if isProxyAuthError(err) {
		return ErrProxyAuthFailed.wrap(err)
	}
	if isDialError(err) {
		return ErrUpstreamConnectFailed.wrap(err)
	}
	return ErrUpstreamRequestFailed.wrap(err)
}

// isProxyAuthError recognises a CONNECT rejected with 407. net/http reports
// it as an error carrying the status text rather than as a response.
func isProxyAuthError(err error) bool {
	return strings.Contains(err.Error(), http.StatusText(http.StatusProxyAuthRequired))
}

func isDialError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "dial ") || strings.Contains(msg, "proxyconnect")
}

// WriteError writes err as a plain-text response. Errors that are not an
// OutboundError are reported as UPSTREAM_REQUEST_FAILED.
func WriteError(w http.ResponseWriter, err error) {
	oe := classifyUpstreamError(err)
	if oe == nil {
		oe = ErrUpstreamRequestFailed.wrap(err)
	}
	w.Header().Set(ErrorHeader, oe.Code)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(oe.HTTPCode)
	w.Write([]byte(oe.Message))
}
