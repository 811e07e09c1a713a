package controlplane

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/herdsync/herdsync/internal/dispatch"
	"github.com/herdsync/herdsync/internal/outbox"
)

const (
	CodeOk                    string = "OK"
	ErrCodeBadRequest         string = "ERR_BAD_REQUEST"
	ErrCodeUnauthorized       string = "ERR_UNAUTHORIZED"
	ErrCodeNotFound           string = "ERR_NOT_FOUND"
	ErrCodeRejected           string = "ERR_REJECTED"
	ErrCodeSyncRunning        string = "ERR_SYNC_RUNNING"
	ErrCodeStorageUnavailable string = "ERR_STORAGE_UNAVAILABLE"
	ErrCodeUnknownError       string = "ERR_UNKNOWN_ERROR"
	ErrCodeMethodNotAllowed   string = "ERR_METHOD_NOT_ALLOWED"
)

type ControlPlaneResponse struct {
	Code string `json:"code"`
}

type ControlPlaneError struct {
	ErrorCode string `json:"code"`
	Error     string `json:"error"`
}

func AbortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	c.Error(err)
	c.PureJSON(status, ControlPlaneError{
		ErrorCode: code,
		Error:     err.Error(),
	})
}

type ActionListResponse struct {
	Actions []*outbox.PendingAction `json:"actions"`
}

type ActionCountResponse struct {
	Count        int        `json:"count"`
	PendingSince *time.Time `json:"pendingSince,omitempty"`
}

type RejectedListResponse struct {
	Actions []*outbox.RejectedAction `json:"actions"`
}

type HistoryResponse struct {
	Passes []*dispatch.PassResult `json:"passes"`
}

type ConnectivityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

type ConnectivityResponse struct {
	Online bool `json:"online"`
}

// SubmitResponse is returned for POST /v1/actions. Exactly one of Action
// (queued) or the remote status/body (sent) is set.
type SubmitResponse struct {
	Queued       bool                  `json:"queued"`
	Action       *outbox.PendingAction `json:"action,omitempty"`
	Cause        string                `json:"cause,omitempty"`
	RemoteStatus int                   `json:"remoteStatus,omitempty"`
	RemoteBody   any                   `json:"remoteBody,omitempty"`
}
