package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, details)
}

func unauthorized(message string) *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func conflict(code, message string, details any) *DomainError {
	return domainError(http.StatusConflict, code, message, details)
}

func unavailable(message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, "UNAVAILABLE", message, nil)
}

var (
	errRunLocked      = conflict("RUN_LOCKED", "Run is locked", nil)
	errOwnerImmutable = domainError(http.StatusBadRequest, "OWNER_IMMUTABLE", "The project owner cannot be changed or removed", nil)
)
