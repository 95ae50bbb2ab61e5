package messages

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Error kinds. Every error returned by this package matches exactly one of them with
// errors.Is.
var (
	ErrValidation       = errors.New("validation failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrWindowExpired    = errors.New("recall window expired")
	ErrStoreUnavailable = errors.New("store unavailable")
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingEventLog   = errors.New("event log is required")
	errMissingMembership = errors.New("membership oracle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "operation.reason" code alongside its kind and cause.
type ServiceError struct {
	code string
	kind error
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %v", e.code, e.kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.code, e.kind, e.err)
}

func (e *ServiceError) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
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

// KindOf returns the error kind sentinel matching err, or nil when err is not one of
// ours.
func KindOf(err error) error {
	for _, kind := range []error{ErrValidation, ErrPermissionDenied, ErrNotFound, ErrWindowExpired, ErrStoreUnavailable} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// CodeOf returns the ServiceError code carried by err, if any.
func CodeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
