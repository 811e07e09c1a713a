package outbox

import "errors"

var (
	// ErrStorageUnavailable means the durable store could not be read or
	// written. The action was NOT saved and offline durability is degraded.
	ErrStorageUnavailable = errors.New("outbox: storage unavailable")

	// ErrNotFound means the referenced action no longer exists.
	ErrNotFound = errors.New("outbox: action not found")

	ErrUnknownActionType = errors.New("outbox: unknown action type")
	ErrMissingEndpoint   = errors.New("outbox: target endpoint missing")
	ErrRelativeEndpoint  = errors.New("outbox: target endpoint must start with /")
	ErrInvalidPayload    = errors.New("outbox: payload is not valid json")
	ErrQueueClosed       = errors.New("outbox: queue not open")
)
