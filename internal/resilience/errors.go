package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"

	"github.com/sells-group/storefront-sync/internal/model"
)

// ErrConfig marks a misconfiguration (missing column, bad template, missing
// reference dataset). It is never retried.
var ErrConfig = eris.New("configuration error")

// ConfigErrorf wraps ErrConfig with a formatted message.
func ConfigErrorf(format string, args ...any) error {
	return eris.Wrapf(ErrConfig, format, args...)
}

// AttemptError is the failure of a single storefront attempt.
type AttemptError struct {
	Class      model.ErrorClass
	StatusCode int
	URL        string
	Err        error
}

func (e *AttemptError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d from %s: %v", e.Class, e.StatusCode, e.URL, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// Terminal reports whether another attempt cannot change the outcome.
func (e *AttemptError) Terminal() bool {
	return e.Class == model.ErrorClassNotFound || e.Class == model.ErrorClassReferenceMiss
}

// NewStatusError reports an unexpected HTTP status.
func NewStatusError(url string, status int) *AttemptError {
	return &AttemptError{
		Class:      model.ErrorClassHTTPStatus,
		StatusCode: status,
		URL:        url,
		Err:        eris.Errorf("unexpected status %d", status),
	}
}

// NewNotFoundError reports a status the storefront declared as "no such app".
func NewNotFoundError(url string, status int) *AttemptError {
	return &AttemptError{
		Class:      model.ErrorClassNotFound,
		StatusCode: status,
		URL:        url,
		Err:        eris.Errorf("not found (status %d)", status),
	}
}

// NewBlockedError reports an anti-bot page served instead of the storefront
// response. kind names the protection that was detected.
func NewBlockedError(url string, status int, kind string) *AttemptError {
	return &AttemptError{
		Class:      model.ErrorClassBlocked,
		StatusCode: status,
		URL:        url,
		Err:        eris.Errorf("blocked by %s", kind),
	}
}

// NewExtractError reports a response that did not carry the expected fields.
func NewExtractError(url string, err error) *AttemptError {
	return &AttemptError{Class: model.ErrorClassExtract, URL: url, Err: err}
}

// IsRetryable is the default retry predicate: every attempt failure is worth
// another try except configuration errors, terminal outcomes and cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConfig) || errors.Is(err, context.Canceled) {
		return false
	}
	var ae *AttemptError
	if errors.As(err, &ae) && ae.Terminal() {
		return false
	}
	return true
}

// Classify maps an attempt error to the class recorded in failure tables.
func Classify(err error) model.ErrorClass {
	if err == nil {
		return ""
	}
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Class
	}
	if errors.Is(err, ErrCircuitOpen) {
		return model.ErrorClassCircuitOpen
	}
	if errors.Is(err, context.Canceled) {
		return model.ErrorClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrorClassTimeout
	}
	return model.ErrorClassTransport
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}

// IsTransient returns true for network-level failures that usually clear up
// on their own (timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// TripsBreaker reports whether err signals an unhealthy storefront rather
// than a problem with one identifier.
func TripsBreaker(err error) bool {
	var ae *AttemptError
	if errors.As(err, &ae) {
		switch ae.Class {
		case model.ErrorClassBlocked:
			return true
		case model.ErrorClassHTTPStatus:
			return ae.StatusCode == 429 || ae.StatusCode >= 500
		}
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}
