package gateway

import (
	"errors"
	"fmt"
	"net/http"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Kind classifies a gateway-facing error by its recovery-policy taxonomy.
type Kind string

const (
	KindAuthInvalid      Kind = "AuthInvalid"
	KindNoCapacity       Kind = "NoCapacity"
	KindInitializing     Kind = "Initializing"
	KindCreationFailed   Kind = "CreationFailed"
	KindUserCodeError    Kind = "UserCodeError"
	KindUserCodeTimeout  Kind = "UserCodeTimeout"
	KindTransportFailure Kind = "TransportFailure"
	KindInternalError    Kind = "InternalError"
)

// TypedError pairs a taxonomy Kind with the apimachinery-style status
// error pkg/router/errors.go uses throughout, and the operator-facing
// detail message. DestroySession reports whether this error's kind
// unconditionally destroys the bound sandbox.
type TypedError struct {
	Kind           Kind
	Status         *apierrors.StatusError
	Detail         string
	DestroySession bool
}

func (e *TypedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *TypedError) Unwrap() error { return e.Status }

// HTTPStatus maps a Kind to its corresponding HTTP status code.
func (e *TypedError) HTTPStatus() int {
	switch e.Kind {
	case KindAuthInvalid:
		return http.StatusUnauthorized
	case KindNoCapacity, KindInitializing, KindCreationFailed:
		return http.StatusServiceUnavailable
	case KindUserCodeError, KindUserCodeTimeout:
		return http.StatusBadRequest
	case KindTransportFailure:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func newTypedError(kind Kind, detail string, destroy bool) *TypedError {
	var status *apierrors.StatusError
	switch kind {
	case KindNoCapacity, KindInitializing, KindCreationFailed:
		status = apierrors.NewServiceUnavailable(detail)
	case KindUserCodeError, KindUserCodeTimeout:
		status = apierrors.NewBadRequest(detail)
	case KindAuthInvalid:
		status = apierrors.NewUnauthorized(detail)
	case KindTransportFailure:
		status = apierrors.NewTimeoutError(detail, 0)
	default:
		status = apierrors.NewInternalError(errors.New(detail))
	}
	return &TypedError{Kind: kind, Status: status, Detail: detail, DestroySession: destroy}
}

// Constructors for each taxonomy member.
func errAuthInvalid() *TypedError { return newTypedError(KindAuthInvalid, "invalid or missing auth token", false) }

func errNoCapacity() *TypedError {
	return newTypedError(KindNoCapacity, "pool at capacity, no idle sandbox available", false)
}

func errInitializing() *TypedError {
	return newTypedError(KindInitializing, "pool is still initializing", false)
}

func errCreationFailed() *TypedError {
	return newTypedError(KindCreationFailed, "sandbox creation exhausted retries", false)
}

func errUserCode(detail string) *TypedError {
	return newTypedError(KindUserCodeError, detail, false)
}

func errUserCodeTimeout(detail string) *TypedError {
	return newTypedError(KindUserCodeTimeout, detail, true)
}

func errTransportFailure(detail string) *TypedError {
	return newTypedError(KindTransportFailure, detail, true)
}

func errInternal(detail string) *TypedError {
	return newTypedError(KindInternalError, detail, true)
}
