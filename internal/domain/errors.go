package domain

import (
	"errors"
	"fmt"
)

// Error types for consistent error handling across the billing service.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in a payment provider or backing store call.
// Adapters never let provider-specific error types escape; they wrap them here.
type ErrExternalService struct {
	Service string
	Timeout bool
	Err     error
}

func (e *ErrExternalService) Error() string {
	if e.Timeout {
		return fmt.Sprintf("external service timeout [%s]: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input or malformed payload).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrLimitExceeded indicates a plan resource limit was reached.
type ErrLimitExceeded struct {
	LimitType string
	Limit     int
	Current   int
}

func (e *ErrLimitExceeded) Error() string {
	return fmt.Sprintf("limit exceeded [%s]: limit=%d current=%d", e.LimitType, e.Limit, e.Current)
}

// ErrForbidden indicates the caller lacks permission for the operation.
type ErrForbidden struct {
	Action string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Action)
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ErrConflict indicates a resource already exists (duplicate subdomain, email, reference).
type ErrConflict struct {
	Resource string
	Message  string
}

func (e *ErrConflict) Error() string {
	if e.Resource == "" {
		return e.Message
	}
	return fmt.Sprintf("%s conflict: %s", e.Resource, e.Message)
}

// ErrVersionConflict indicates a conditional update lost a race against another writer.
type ErrVersionConflict struct {
	Resource string
	ID       string
	Expected int64
}

func (e *ErrVersionConflict) Error() string {
	return fmt.Sprintf("%s %s was modified concurrently (expected version %d)", e.Resource, e.ID, e.Expected)
}

// ErrInconsistency indicates local state that points at something that no longer exists,
// e.g. a subscription linked to a missing tenant. Logged, never returned to callers.
type ErrInconsistency struct {
	Message string
}

func (e *ErrInconsistency) Error() string {
	return "internal inconsistency: " + e.Message
}

// ErrReconciliationPending indicates the provider side of an operation succeeded
// but the local follow-up did not; the monitoring sweep converges it.
type ErrReconciliationPending struct {
	SubscriptionID string
	Err            error
}

func (e *ErrReconciliationPending) Error() string {
	return fmt.Sprintf("subscription %s cancelled at provider, local update pending: %v", e.SubscriptionID, e.Err)
}

func (e *ErrReconciliationPending) Unwrap() error {
	return e.Err
}

// ErrEntitlement is returned by the entitlement gate with a stable machine-readable code.
type ErrEntitlement struct {
	Code       EntitlementCode
	Message    string
	RedirectTo string
}

func (e *ErrEntitlement) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is (or wraps) an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// IsConflict reports whether err is (or wraps) an ErrConflict.
func IsConflict(err error) bool {
	var c *ErrConflict
	return errors.As(err, &c)
}
