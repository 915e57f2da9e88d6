package notification

import (
	"errors"
	"fmt"
)

// Token lifecycle.
var (
	ErrUnsupportedPlatform    = errors.New("push: unsupported platform")
	ErrPermissionDenied       = errors.New("push: notification permission denied")
	ErrTokenAcquisitionFailed = errors.New("push: token acquisition failed")
	ErrRegistrationRejected   = errors.New("push: token registration rejected")
)

// Delivery.
var (
	ErrDisplayFailed               = errors.New("dispatch: all display paths failed")
	ErrDeliveryConfirmationTimeout = errors.New("dispatch: display confirmation timeout")
	ErrFetchFailed                 = errors.New("poller: fetch failed")
)

// Retryable marks err as worth retrying by the caller (e.g. a transient
// backend error during token registration).
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

// IsRetryable reports whether err was wrapped with Retryable.
func IsRetryable(err error) bool {
	var e retryableError
	return errors.As(err, &e)
}

type retryableError struct{ err error }

func (e retryableError) Error() string { return fmt.Sprintf("retryable: %v", e.err) }
func (e retryableError) Unwrap() error { return e.err }
