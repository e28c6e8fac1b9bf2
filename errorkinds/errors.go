package errorkinds

import (
	"context"
	"errors"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
)

// The different general error types.
var (
	ErrSessionStart   = errors.New("cannot start session")
	ErrMethodCall     = errors.New("cannot call method")
	ErrAlreadyRunning = errors.New("orchestrator is already running")
	ErrNotRunning     = errors.New("orchestrator is not running")

	ErrInvalidAddress  = errors.New("invalid Bluetooth address")
	ErrAdapterNotFound = errors.New("adapter not found")
	ErrDeviceNotFound  = errors.New("device not found")
	ErrGroupNotFound   = errors.New("coordinated set not found")

	ErrInvalidProfile    = errors.New("invalid profile")
	ErrInvalidPolicy     = errors.New("invalid connection policy")
	ErrInvalidState      = errors.New("invalid connection state")
	ErrInvalidDeviceType = errors.New("invalid device type")
	ErrProfileNotFound   = errors.New("profile service not found")

	ErrNoHistory       = errors.New("no connection history for profile")
	ErrStoreClosed     = errors.New("policy store is closed")
	ErrScenarioInvalid = errors.New("invalid scenario")

	ErrPropertyDataParse = errors.New("error parsing property data")
	ErrEventDataParse    = errors.New("error parsing event data")
)

// Wrap attaches the call site, optional key/value metadata, an internal tag
// and a user-facing message to err.
func Wrap(err error, at, msg string, kv ...string) error {
	if err == nil {
		return nil
	}

	return fault.Wrap(err,
		fctx.With(context.Background(), append([]string{"error_at", at}, kv...)...),
		ftag.With(ftag.Internal),
		fmsg.With(msg),
	)
}

// NotFound is like Wrap, but tags the error as a missing resource.
func NotFound(err error, at, msg string, kv ...string) error {
	if err == nil {
		return nil
	}

	return fault.Wrap(err,
		fctx.With(context.Background(), append([]string{"error_at", at}, kv...)...),
		ftag.With(ftag.NotFound),
		fmsg.With(msg),
	)
}

// IsNotFound reports whether err was tagged as a missing resource,
// or wraps one of the not-found sentinels.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	if ftag.Get(err) == ftag.NotFound {
		return true
	}

	return errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrNoHistory) ||
		errors.Is(err, ErrGroupNotFound)
}
