package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type ErrorKind string

const (
	KindRateLimit ErrorKind = "rate_limit"
	KindTimeout   ErrorKind = "timeout"
	KindServer    ErrorKind = "server"
	KindAuth      ErrorKind = "auth"
	KindModel     ErrorKind = "model"
	KindEndpoint  ErrorKind = "endpoint"
	KindEmpty     ErrorKind = "empty_response"
	KindUnknown   ErrorKind = "unknown"
)

// Error is a classified provider failure.
type Error struct {
	Kind       ErrorKind
	Message    string
	Retryable  bool
	StatusCode int
	Model      string
	Cause      error
}

func (e *Error) Error() string {
	parts := []string{string(e.Kind)}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", e.StatusCode))
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	parts = append(parts, e.Message)

	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", strings.Join(parts, " "), e.Cause)
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error { return e.Cause }

// Transient satisfies retry.Transient.
func (e *Error) Transient() bool { return e.Retryable }

func NewError(kind ErrorKind, message string, retryable bool, cause error) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryable, Cause: cause}
}

// ClassifyError maps a raw provider error onto an *Error. Rate limits,
// timeouts, connection failures and 5xx responses are retryable; auth,
// unknown model and missing endpoint are not.
func ClassifyError(err error, model string) *Error {
	if err == nil {
		return nil
	}

	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr
	}

	classified := classify(err)
	classified.Model = model
	return classified
}

func classify(err error) *Error {
	if errors.Is(err, context.Canceled) {
		return NewError(KindUnknown, "request canceled", false, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "request timeout", true, err)
	}

	status := statusCode(err)
	lower := strings.ToLower(err.Error())

	switch {
	case status == http.StatusTooManyRequests || strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") || strings.Contains(lower, "overloaded"):
		return withStatus(NewError(KindRateLimit, "rate limited", true, err), status)

	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "invalid x-api-key"):
		return withStatus(NewError(KindAuth, "authentication failed", false, err), status)

	case strings.Contains(lower, "model") &&
		(strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist")):
		return withStatus(NewError(KindModel, "model not found", false, err), status)

	case status == http.StatusNotFound:
		return withStatus(NewError(KindEndpoint, "endpoint not found", false, err), status)

	case status == http.StatusRequestTimeout || strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline exceeded"):
		return withStatus(NewError(KindTimeout, "request timeout", true, err), status)

	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") || strings.Contains(lower, "eof"):
		return withStatus(NewError(KindEndpoint, "connection failed", true, err), status)

	case status >= 500:
		return withStatus(NewError(KindServer, "server error", true, err), status)
	}

	return withStatus(NewError(KindUnknown, "llm error", false, err), status)
}

func withStatus(e *Error, status int) *Error {
	e.StatusCode = status
	return e
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	for _, code := range []int{429, 401, 403, 404, 408, 500, 502, 503, 504, 529} {
		if strings.Contains(err.Error(), fmt.Sprintf("status code: %d", code)) ||
			strings.Contains(err.Error(), fmt.Sprintf("HTTP %d", code)) {
			return code
		}
	}
	return 0
}
