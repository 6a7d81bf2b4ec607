package referrals

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput indicates a missing or blank code or account identifier.
	ErrInvalidInput = errors.New("referrals: invalid input")
	// ErrInvalidCode indicates the presented code does not resolve to an owner.
	ErrInvalidCode = errors.New("referrals: invalid code")
	// ErrSelfReferralRejected indicates an account presented its own code.
	ErrSelfReferralRejected = errors.New("referrals: self referral rejected")
	// ErrAlreadyReferred indicates the referred account already owns an attribution edge.
	ErrAlreadyReferred = errors.New("referrals: account already referred")
	// ErrCodeCollision indicates a generated candidate was rejected by the code uniqueness constraint.
	ErrCodeCollision = errors.New("referrals: code collision")
	// ErrGenerationExhausted indicates every bounded issuance attempt collided.
	ErrGenerationExhausted = errors.New("referrals: code generation exhausted")
	// ErrNotFound indicates the counter increment target has no code.
	ErrNotFound = errors.New("referrals: not found")
	// ErrPersistenceUnavailable wraps transport and storage failures.
	ErrPersistenceUnavailable = errors.New("referrals: persistence unavailable")
)

var errorKinds = []error{
	ErrInvalidInput,
	ErrInvalidCode,
	ErrSelfReferralRejected,
	ErrAlreadyReferred,
	ErrCodeCollision,
	ErrGenerationExhausted,
	ErrNotFound,
	ErrPersistenceUnavailable,
}

// ServiceError pairs a stable dotted code with the error kind and the underlying cause.
type ServiceError struct {
	code string
	kind error
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %v", e.code, e.kind)
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *ServiceError) Unwrap() []error {
	wrapped := make([]error, 0, 2)
	if e.kind != nil {
		wrapped = append(wrapped, e.kind)
	}
	if e.err != nil {
		wrapped = append(wrapped, e.err)
	}
	return wrapped
}

func (e *ServiceError) Code() string {
	return e.code
}

func (e *ServiceError) Kind() error {
	return e.kind
}

func newServiceError(operation, reason string, kind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, err: cause}
}

// KindOf returns the error kind carried by err, or ErrPersistenceUnavailable for unclassified errors.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrPersistenceUnavailable
}

func unavailable(cause error) error {
	return fmt.Errorf("%w: %w", ErrPersistenceUnavailable, cause)
}
