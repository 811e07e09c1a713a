package remote

import (
	"errors"
	"fmt"
	"net/http"

	mapset "github.com/deckarep/golang-set/v2"
)

var (
	ErrNoBaseURL       = errors.New("remote: base url missing")
	ErrInvalidEndpoint = errors.New("remote: invalid endpoint")
)

// 4xx codes that are worth retrying. Every other 4xx is permanent.
var transientClientCodes = mapset.NewThreadUnsafeSet(
	http.StatusRequestTimeout,
	http.StatusTooEarly,
	http.StatusTooManyRequests,
)

// PermanentRejectionError means the remote API refused the request in a way
// that repeating it unchanged cannot fix.
type PermanentRejectionError struct {
	StatusCode int
	Message    string
}

func (e *PermanentRejectionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote rejected request: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("remote rejected request: %d %s", e.StatusCode, e.Message)
}

// NetworkFailureError covers everything that may succeed later: transport
// errors, timeouts, 5xx and the retryable 4xx codes.
type NetworkFailureError struct {
	StatusCode int // 0 when no response was received
	Timeout    bool
	Cause      error
}

func (e *NetworkFailureError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("remote timeout: %v", e.Cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("remote unavailable: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	default:
		return fmt.Sprintf("remote unreachable: %v", e.Cause)
	}
}

func (e *NetworkFailureError) Unwrap() error { return e.Cause }

// IsPermanent reports whether err is a permanent rejection.
func IsPermanent(err error) bool {
	var perm *PermanentRejectionError
	return errors.As(err, &perm)
}

// IsNetworkFailure reports whether err is transient.
func IsNetworkFailure(err error) bool {
	var nf *NetworkFailureError
	return errors.As(err, &nf)
}

// classifyStatus maps a non-2xx status to its error kind.
func classifyStatus(status int, message string) error {
	if status >= 400 && status < 500 && !transientClientCodes.Contains(status) {
		return &PermanentRejectionError{StatusCode: status, Message: message}
	}
	return &NetworkFailureError{StatusCode: status}
}
