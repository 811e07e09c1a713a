package outbox

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ActionType tags the domain operation a PendingAction performs remotely.
type ActionType string

const (
	ActionCreateLivestock   ActionType = "create-livestock"
	ActionUpdateLivestock   ActionType = "update-livestock"
	ActionDeleteLivestock   ActionType = "delete-livestock"
	ActionBookAppointment   ActionType = "book-appointment"
	ActionUpdateAppointment ActionType = "update-appointment"
	ActionCancelAppointment ActionType = "cancel-appointment"
	ActionCreateReport      ActionType = "create-report"
	ActionUpdateReport      ActionType = "update-report"
	ActionAcknowledgeAlert  ActionType = "acknowledge-alert"
)

var actionMethods = map[ActionType]string{
	ActionCreateLivestock:   http.MethodPost,
	ActionUpdateLivestock:   http.MethodPut,
	ActionDeleteLivestock:   http.MethodDelete,
	ActionBookAppointment:   http.MethodPost,
	ActionUpdateAppointment: http.MethodPut,
	ActionCancelAppointment: http.MethodPut,
	ActionCreateReport:      http.MethodPost,
	ActionUpdateReport:      http.MethodPut,
	ActionAcknowledgeAlert:  http.MethodPut,
}

// ActionTypes lists every known action type.
func ActionTypes() []ActionType {
	types := make([]ActionType, 0, len(actionMethods))
	for t := range actionMethods {
		types = append(types, t)
	}
	return types
}

// Method returns the HTTP verb used to replay the action.
func (t ActionType) Method() (string, error) {
	m, ok := actionMethods[t]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownActionType, t)
	}
	return m, nil
}

// IsCreate reports whether replays of this action create a new remote record.
func (t ActionType) IsCreate() bool {
	return actionMethods[t] == http.MethodPost
}

// PendingActionInput is what a caller hands to Enqueue.
type PendingActionInput struct {
	ActionType     ActionType      `json:"actionType"`
	TargetEndpoint string          `json:"targetEndpoint"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	AuthToken      string          `json:"authToken,omitempty"`
	// IdempotencyKey is generated for creates when left empty. Callers that
	// already sent the request once pass the key they used.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

func (in *PendingActionInput) Validate() error {
	if _, err := in.ActionType.Method(); err != nil {
		return err
	}
	if strings.TrimSpace(in.TargetEndpoint) == "" {
		return ErrMissingEndpoint
	}
	if !strings.HasPrefix(in.TargetEndpoint, "/") {
		return fmt.Errorf("%w: %q", ErrRelativeEndpoint, in.TargetEndpoint)
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return ErrInvalidPayload
	}
	return nil
}

// PendingAction is a mutation that has not been confirmed by the remote API.
type PendingAction struct {
	ID             int64           `json:"id"`
	ActionType     ActionType      `json:"actionType"`
	TargetEndpoint string          `json:"targetEndpoint"`
	HTTPMethod     string          `json:"httpMethod"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	AuthToken      string          `json:"-"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	RetryCount     int             `json:"retryCount"`
	LastError      string          `json:"lastError,omitempty"`
	LastAttemptAt  *time.Time      `json:"lastAttemptAt,omitempty"`
}

func (a *PendingAction) String() string {
	return fmt.Sprintf("#%d %s %s %s (retries %d)", a.ID, a.ActionType, a.HTTPMethod, a.TargetEndpoint, a.RetryCount)
}

// RejectedAction is an action taken out of the pending queue because it can
// never succeed as-is. It stays visible until the user discards or requeues it.
type RejectedAction struct {
	PendingAction
	Reason     string    `json:"reason"`
	StatusCode int       `json:"statusCode,omitempty"`
	RejectedAt time.Time `json:"rejectedAt"`
}
