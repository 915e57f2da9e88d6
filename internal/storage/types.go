package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Setting keys.
const (
	KeyAutoOpen   = "auto_open"
	KeyLastMode   = "last_mode"
	KeyPermission = "permission"
	KeyPushToken  = "push_token"

	// KeyInstallation identifies this installation to the push relay.
	KeyInstallation = "installation_id"
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (default)
//   - "file": JSON snapshot + JSON Lines journal
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the delivery core.
type Store interface {
	GetSetting(ctx context.Context, key string) (value string, ok bool, err error)
	PutSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error

	// MarkDelivered records id as reported delivered at the given time.
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	Delivered(ctx context.Context, id string) (bool, error)
	// PruneDelivered drops ledger entries recorded before cutoff.
	PruneDelivered(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
