package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/ton"
)

// TransientError wraps a failure that may succeed when retried:
// network errors, rate limiting and server side errors.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying. Cancellation never is.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

var transportSentinels = []error{
	context.DeadlineExceeded,
	io.EOF,
	io.ErrUnexpectedEOF,
	liteclient.ErrADNLReqTimeout,
	liteclient.ErrNoActiveConnections,
	liteclient.ErrNoNodesLeft,
	liteclient.ErrNoConnections,
}

// Lower-cased fragments of transport failures that reach us only as text
var transportPatterns = []string{
	"connection reset by peer",
	"connection refused",
	"timeout",
	"timed out",
	"temporary failure",
	"network is unreachable",
	"broken pipe",
	"no such host",
	"dial tcp",
}

// isTransportError reports whether a lite server call failed on the way to or
// from the server. Lite server rejections (LSError) are answers, not transport
// failures.
func isTransportError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var lsErr ton.LSError
	if errors.As(err, &lsErr) {
		return false
	}
	for _, sentinel := range transportSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transportPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ExitCodeError is returned when a get-method finished with a non-zero exit code
type ExitCodeError struct {
	Method string
	Code   int32
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("get-method %s exited with code %d", e.Method, e.Code)
}
