// Package platform describes the host the delivery core runs in: its
// notification permission, push service, background execution context,
// in-page notification surface and navigation.
//
// The background context is an externally scheduled actor. The core only
// reaches it by message passing (Post + Acks) or by asking it to render
// directly, always under a timeout.
package platform

import (
	"context"

	"edunotify/internal/notification"
)

// Permissions exposes the tri-state notification permission.
type Permissions interface {
	// Current returns the permission without prompting.
	Current(ctx context.Context) (notification.Permission, error)
	// Request prompts the user. Callers must only call it when Current
	// returned PermissionDefault.
	Request(ctx context.Context) (notification.Permission, error)
}

// PushService is the host's push-notification capability.
type PushService interface {
	// Supported reports whether the host exposes push and a background context.
	Supported() bool
	// Token acquires the push identity token for this installation.
	Token(ctx context.Context) (string, error)
	// Listen blocks, handing every push event to handle, until ctx is done
	// (nil) or the push channel breaks (non-nil).
	Listen(ctx context.Context, token string, handle func(notification.Notification)) error
}

type MessageKind string

const (
	// MessageShow asks the background context to show a notification and
	// acknowledge it.
	MessageShow MessageKind = "show_notification"
)

// Message is posted to the background context.
type Message struct {
	Kind         MessageKind
	Tag          string
	Notification notification.Notification
}

type AckStatus string

const (
	AckShown AckStatus = "shown"
	AckError AckStatus = "error"
)

// Ack is the background context's answer to a posted Message.
type Ack struct {
	Tag    string
	Status AckStatus
	Error  string
}

// Background is the message-passing boundary to the background execution context.
type Background interface {
	// Ready reports whether the background context is registered and active.
	Ready() bool
	// Post hands msg to the background context without waiting for it.
	Post(ctx context.Context, msg Message) error
	// Acks streams acknowledgments for posted messages.
	Acks() <-chan Ack
	// Render asks the background context's own rendering API to show n.
	// It returns when the render call resolves or ctx is done.
	Render(ctx context.Context, n notification.Notification) error
}

// Page is the in-page notification surface used as the last fallback.
type Page interface {
	Supported() bool
	Show(ctx context.Context, n notification.Notification) error
}

// Navigator moves the user to a destination inside the application.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}
