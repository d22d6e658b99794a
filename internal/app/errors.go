package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"internflow/internal/auth"
	"internflow/internal/workflow"
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

var errUnauthorized = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)

var statusByKind = map[workflow.Kind]int{
	workflow.KindNotFound:              http.StatusNotFound,
	workflow.KindForbidden:             http.StatusForbidden,
	workflow.KindIllegalTransition:     http.StatusConflict,
	workflow.KindValidation:            http.StatusBadRequest,
	workflow.KindConflict:              http.StatusConflict,
	workflow.KindDownstreamUnavailable: http.StatusServiceUnavailable,
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var wfErr *workflow.Error
	if errors.As(err, &wfErr) {
		httpStatus, ok := statusByKind[wfErr.Kind]
		if !ok {
			httpStatus = http.StatusInternalServerError
		}
		if len(wfErr.Details) == 0 {
			return httpStatus, string(wfErr.Kind), wfErr.Message, nil
		}
		return httpStatus, string(wfErr.Kind), wfErr.Message, wfErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
