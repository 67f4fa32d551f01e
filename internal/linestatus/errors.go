package linestatus

import (
	"errors"
	"fmt"
)

// Fetch errors. ErrNetwork and ErrNavigationTimeout are transport failures;
// ErrEmptyContent and ErrElementNotFound are content failures.
var (
	ErrNetwork           = errors.New("network error")
	ErrNavigationTimeout = errors.New("navigation timeout")
	ErrElementNotFound   = errors.New("status element not found")
	ErrEmptyContent      = errors.New("status text is empty")
	ErrScrapingExhausted = errors.New("scraping failed")
)

// Delivery and boundary errors.
var (
	ErrSubscriptionGone = errors.New("subscription gone")
	ErrUnauthorized     = errors.New("unauthorized")
)

// IsContentError reports whether err came from a page that loaded but did
// not yield usable status text.
func IsContentError(err error) bool {
	return errors.Is(err, ErrEmptyContent) || errors.Is(err, ErrElementNotFound)
}

// ScrapingError is the terminal error returned once the retry budget is spent.
type ScrapingError struct {
	Attempts int
	Err      error
}

func (e *ScrapingError) Error() string {
	return fmt.Sprintf("scraping failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ScrapingError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrScrapingExhausted.
func (e *ScrapingError) Is(target error) bool {
	return target == ErrScrapingExhausted
}

// DeliveryError describes a single failed push delivery.
type DeliveryError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("deliver to %s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("deliver to %s: %v", e.Endpoint, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Gone reports whether the push service says the endpoint no longer exists.
func (e *DeliveryError) Gone() bool {
	return errors.Is(e.Err, ErrSubscriptionGone)
}

// ValidationError reports a malformed request at the boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
