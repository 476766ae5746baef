package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ApiError is a non-2xx answer from the collaborator backend.
type ApiError struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

func (e *ApiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
func (e *ApiError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

func IsNotFound(err error) bool {
	var e *ApiError
	return errors.As(err, &e) && e.StatusCode == http.StatusNotFound
}

func IsConflict(err error) bool {
	var e *ApiError
	return errors.As(err, &e) && e.StatusCode == http.StatusConflict
}

func StatusCode(err error) int {
	var e *ApiError
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}
