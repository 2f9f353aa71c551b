package modelgate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrUnknownModel        = errors.New("modelgate: unknown model")
	ErrNoCandidate         = errors.New("modelgate: no candidate models available")
	ErrFraudBlocked        = errors.New("modelgate: request blocked by fraud gate")
	ErrStoreUnavailable    = errors.New("modelgate: backing store unavailable")
	ErrProviderUnavailable = errors.New("modelgate: provider unavailable")
	ErrRateLimited         = errors.New("modelgate: rate limited by provider")
	ErrAuthFailed          = errors.New("modelgate: provider authentication failed")
	ErrInvalidRequest      = errors.New("modelgate: invalid provider request")
	ErrAllFailed           = errors.New("modelgate: all candidates failed")
	ErrDuplicateEvent      = errors.New("modelgate: duplicate usage event")
)

// ConfigError reports an invalid configuration at startup. Fatal; the
// engine refuses to construct a catalog from a bad config.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "modelgate: config: " + e.Msg
	}
	return fmt.Sprintf("modelgate: config: %s: %s", e.Field, e.Msg)
}

// RouteError wraps a failure with routing context so callers can tell
// which provider/model/attempt produced it.
type RouteError struct {
	Err      error
	Provider string
	Model    string
	UserID   string
	Attempts int
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("modelgate: provider=%s model=%s user=%s attempts=%d: %v",
		e.Provider, e.Model, e.UserID, e.Attempts, e.Err)
}

func (e *RouteError) Unwrap() error {
	return e.Err
}

// IsPolicy reports whether the error is a policy veto (fraud or quota)
// rather than an availability problem. Surfaced distinctly so clients
// cannot probe the fraud gate as a cost signal.
func IsPolicy(err error) bool {
	return errors.Is(err, ErrFraudBlocked) || errors.Is(err, ErrUnknownModel)
}

// IsAvailability reports whether the error is a dependency being down,
// which the caller may retry against another candidate.
func IsAvailability(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrRateLimited)
}

// IsFatal reports whether a provider error should not be retried with
// another candidate.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnknownModel)
}
