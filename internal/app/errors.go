package app

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAllocationExhausted = errors.New("allocation exhausted")
	ErrIncompleteAnswers   = errors.New("incomplete answers")
	ErrIdentityNotReady    = errors.New("identity not ready")
	ErrSubmissionFailed    = errors.New("submission failed")
	ErrLoadFailed          = errors.New("load failed")
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func allocationExhausted(cause error) *DomainError {
	err := domainError(http.StatusServiceUnavailable, "ALLOCATION_EXHAUSTED", "Could not allocate a session code, try again", nil)
	err.Err = ErrAllocationExhausted
	if cause != nil {
		err.Err = fmt.Errorf("%w: %w", ErrAllocationExhausted, cause)
	}
	return err
}

func incompleteAnswers(missing []string) *DomainError {
	err := domainError(http.StatusUnprocessableEntity, "INCOMPLETE_ANSWERS", "Every question needs an answer", map[string]any{"missingQuestionIds": missing})
	err.Err = ErrIncompleteAnswers
	return err
}

func identityNotReady(state string) *DomainError {
	err := domainError(http.StatusUnprocessableEntity, "IDENTITY_NOT_READY", "Choose a display name before submitting", map[string]any{"state": state})
	err.Err = ErrIdentityNotReady
	return err
}

func submissionFailed(cause error) *DomainError {
	err := domainError(http.StatusServiceUnavailable, "SUBMISSION_FAILED", "Submission failed, your answers were not locked", nil)
	err.Err = fmt.Errorf("%w: %w", ErrSubmissionFailed, cause)
	return err
}

func loadFailed(cause error) *DomainError {
	err := domainError(http.StatusServiceUnavailable, "LOAD_FAILED", "Could not load session data", nil)
	err.Err = fmt.Errorf("%w: %w", ErrLoadFailed, cause)
	return err
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func unauthorized() *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
}
