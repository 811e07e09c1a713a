package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/herdsync/herdsync/internal/dispatch"
	"github.com/herdsync/herdsync/internal/outbox"
	"github.com/herdsync/herdsync/internal/remote"
)

// Dispatcher is the part of dispatch.Dispatcher the control plane drives.
type Dispatcher interface {
	Submit(ctx context.Context, in *outbox.PendingActionInput) (*dispatch.SubmitResult, error)
	TriggerSync(ctx context.Context) (*dispatch.PassResult, error)
	RetryRejected(ctx context.Context, id int64) (*outbox.PendingAction, error)
	Status(ctx context.Context) (*dispatch.Status, error)
	History() []*dispatch.PassResult
	Subscribe() <-chan *dispatch.Event
	Unsubscribe(ch <-chan *dispatch.Event)
}

// Store is the read and housekeeping side of the outbox.
type Store interface {
	ListPending(ctx context.Context) ([]*outbox.PendingAction, error)
	Oldest(ctx context.Context) (*outbox.PendingAction, error)
	Count(ctx context.Context) (int, error)
	Remove(ctx context.Context, id int64) error
	ListRejected(ctx context.Context) ([]*outbox.RejectedAction, error)
	DiscardRejected(ctx context.Context, id int64) error
}

// Reporter receives raw connectivity signals from the UI.
type Reporter interface {
	Report(online bool)
	IsOnline() bool
}

type Handler struct {
	dispatcher Dispatcher
	store      Store
	reporter   Reporter
}

func NewHandler(d Dispatcher, s Store, r Reporter) *Handler {
	return &Handler{dispatcher: d, store: s, reporter: r}
}

func (h *Handler) Status(c *gin.Context) {
	status, err := h.dispatcher.Status(c.Request.Context())
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) ListActions(c *gin.Context) {
	actions, err := h.store.ListPending(c.Request.Context())
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, ActionListResponse{Actions: actions})
}

func (h *Handler) CountActions(c *gin.Context) {
	ctx := c.Request.Context()
	count, err := h.store.Count(ctx)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}

	resp := ActionCountResponse{Count: count}
	if count > 0 {
		oldest, err := h.store.Oldest(ctx)
		if err != nil {
			abortWithStoreError(c, err)
			return
		}
		if oldest != nil {
			resp.PendingSince = &oldest.EnqueuedAt
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) SubmitAction(c *gin.Context) {
	var in outbox.PendingActionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	// the UI may lose interest, the action must not be lost with it
	result, err := h.dispatcher.Submit(context.WithoutCancel(c.Request.Context()), &in)
	if err != nil {
		var perm *remote.PermanentRejectionError
		switch {
		case errors.As(err, &perm):
			status := perm.StatusCode
			if status == 0 {
				status = http.StatusUnprocessableEntity
			}
			AbortWithError(c, status, ErrCodeRejected, err)
		case errors.Is(err, outbox.ErrUnknownActionType),
			errors.Is(err, outbox.ErrMissingEndpoint),
			errors.Is(err, outbox.ErrRelativeEndpoint),
			errors.Is(err, outbox.ErrInvalidPayload):
			AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		default:
			abortWithStoreError(c, err)
		}
		return
	}

	if result.Queued {
		c.JSON(http.StatusAccepted, SubmitResponse{Queued: true, Action: result.Action, Cause: result.Cause})
		return
	}

	resp := SubmitResponse{RemoteStatus: result.Response.StatusCode}
	if len(result.Response.Body) > 0 && json.Valid(result.Response.Body) {
		resp.RemoteBody = json.RawMessage(result.Response.Body)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) DiscardAction(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.store.Remove(c.Request.Context(), id); err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, ControlPlaneResponse{Code: CodeOk})
}

func (h *Handler) Sync(c *gin.Context) {
	// only going offline aborts a manual pass
	result, err := h.dispatcher.TriggerSync(context.WithoutCancel(c.Request.Context()))
	if errors.Is(err, dispatch.ErrSyncAlreadyRunning) {
		AbortWithError(c, http.StatusConflict, ErrCodeSyncRunning, err)
		return
	}
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) ListRejected(c *gin.Context) {
	actions, err := h.store.ListRejected(c.Request.Context())
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, RejectedListResponse{Actions: actions})
}

func (h *Handler) DiscardRejected(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.store.DiscardRejected(c.Request.Context(), id); err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, ControlPlaneResponse{Code: CodeOk})
}

func (h *Handler) RetryRejected(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	action, err := h.dispatcher.RetryRejected(c.Request.Context(), id)
	if err != nil {
		abortWithStoreError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, action)
}

func (h *Handler) SetConnectivity(c *gin.Context) {
	var req ConnectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}
	h.reporter.Report(*req.Online)
	c.JSON(http.StatusOK, ConnectivityResponse{Online: h.reporter.IsOnline()})
}

func (h *Handler) History(c *gin.Context) {
	c.JSON(http.StatusOK, HistoryResponse{Passes: h.dispatcher.History()})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Errorf("invalid id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

func abortWithStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, outbox.ErrNotFound):
		AbortWithError(c, http.StatusNotFound, ErrCodeNotFound, err)
	case errors.Is(err, outbox.ErrStorageUnavailable):
		AbortWithError(c, http.StatusServiceUnavailable, ErrCodeStorageUnavailable, err)
	default:
		AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
	}
}
