// Package backend defines the REST collaborator the delivery core talks to
// and an HTTP implementation of it.
package backend

import (
	"context"
	"errors"
	"fmt"

	"edunotify/internal/notification"
)

// RegisterRequest registers a push token; idempotent on (UserID, Token).
type RegisterRequest struct {
	UserID     string `json:"userId"`
	Token      string `json:"token"`
	DeviceType string `json:"deviceType"`
	ClientInfo string `json:"clientInfo,omitempty"`
}

// TestRequest asks the backend to send a verification notification.
type TestRequest struct {
	UserID      string                `json:"userId"`
	Title       string                `json:"title"`
	Body        string                `json:"body"`
	Priority    notification.Priority `json:"priority"`
	ActionURL   string                `json:"actionUrl,omitempty"`
	ActionLabel string                `json:"actionLabel,omitempty"`
	// Tag lets the caller recognize the resulting push event.
	Tag string `json:"tag,omitempty"`
}

// Backend is the set of endpoints consumed by the delivery core.
type Backend interface {
	RegisterToken(ctx context.Context, req RegisterRequest) error
	UnregisterToken(ctx context.Context, userID string) error
	FetchPending(ctx context.Context, userID string) ([]notification.Notification, error)
	MarkDelivered(ctx context.Context, notificationID string) error
	SendTest(ctx context.Context, req TestRequest) (notificationID string, err error)
}

// ErrValidation is returned for requests the backend refuses as invalid (4xx).
var ErrValidation = errors.New("backend: request rejected")

// StatusError carries a non-2xx response.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend %s: status %d: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("backend %s: status %d", e.Op, e.Code)
}

func (e *StatusError) Unwrap() error {
	if e.Code >= 400 && e.Code < 500 {
		return ErrValidation
	}
	return nil
}

// Temporary reports whether retrying the same request may succeed.
func Temporary(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == 429
	}
	return !errors.Is(err, context.Canceled)
}
