package notification

import (
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Category is an opaque routing tag. Only auto-open looks at it.
type Category string

const (
	CategoryGrade           Category = "grade"
	CategoryAttendance      Category = "attendance"
	CategoryAttendanceAlert Category = "attendance_alert"
	CategoryMessage         Category = "message"
	CategoryConnection      Category = "connection_request"
	CategoryPayment         Category = "payment"
	CategoryEmergency       Category = "emergency"
	CategorySecurity        Category = "security"
	CategorySystem          Category = "system"
)

// Notification is the unit of delivery. ID is stable across attempts and is
// the dedup key for "delivered" reports.
type Notification struct {
	ID          string   `json:"id" validate:"required,max=128"`
	Title       string   `json:"title" validate:"required_without=Body"`
	Body        string   `json:"body"`
	Category    Category `json:"category,omitempty"`
	Priority    Priority `json:"priority,omitempty" validate:"omitempty,oneof=low normal high urgent"`
	ActionURL   string   `json:"actionUrl,omitempty"`
	ActionLabel string   `json:"actionLabel,omitempty"`
}

// Tag is the key used to match display acknowledgments from the
// background context to this notification.
func (n Notification) Tag() string { return "notification-" + n.ID }

// EffectivePriority returns Priority, treating an empty value as normal.
func (n Notification) EffectivePriority() Priority {
	p := Priority(strings.ToLower(strings.TrimSpace(string(n.Priority))))
	if p == "" {
		return PriorityNormal
	}
	return p
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the fields the core relies on (id, some text, known priority).
func Validate(n Notification) error {
	return validatorInstance().Struct(n)
}

// Mode is the session-wide delivery mode. Exactly one is active per session.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModePush     Mode = "push"
	ModePolling  Mode = "polling"
)

func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModePush:
		return ModePush
	case ModePolling:
		return ModePolling
	default:
		return ModeDisabled
	}
}

// Permission is the host platform's tri-state notification permission.
type Permission string

const (
	PermissionDefault Permission = "default" // not yet asked
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

func ParsePermission(s string) Permission {
	switch Permission(strings.ToLower(strings.TrimSpace(s))) {
	case PermissionGranted:
		return PermissionGranted
	case PermissionDenied:
		return PermissionDenied
	default:
		return PermissionDefault
	}
}
