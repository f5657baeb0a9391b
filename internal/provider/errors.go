package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"syscall"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoProvider indicates no configured provider serves the requested model.
var ErrNoProvider = errors.New("no provider serves model")

// ErrorClass categorizes upstream failures for retry decisions.
type ErrorClass string

const (
	// ClassTransient covers 429/502/503 and connection resets: one retry.
	ClassTransient ErrorClass = "transient"

	// ClassPermanent covers non-429 4xx: surfaced verbatim, no retry.
	ClassPermanent ErrorClass = "permanent"

	// ClassUnknown covers everything else: no retry, surfaced as upstream
	// failure.
	ClassUnknown ErrorClass = "unknown"
)

// UpstreamError is a structured failure from an upstream provider.
type UpstreamError struct {
	Provider string
	Model    string
	Status   int
	Class    ErrorClass
	Cause    error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s (model %s): HTTP %d: %v", e.Provider, e.Model, e.Status, e.Cause)
	}
	return fmt.Sprintf("provider %s (model %s): %v", e.Provider, e.Model, e.Cause)
}

func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether one retry is warranted.
func (e *UpstreamError) Retryable() bool {
	return e.Class == ClassTransient
}

// classify maps an upstream failure to its class and HTTP status.
func classify(err error) (ErrorClass, int) {
	if err == nil {
		return ClassUnknown, 0
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests,
			apiErr.HTTPStatusCode == http.StatusBadGateway,
			apiErr.HTTPStatusCode == http.StatusServiceUnavailable:
			return ClassTransient, apiErr.HTTPStatusCode
		case apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500:
			return ClassPermanent, apiErr.HTTPStatusCode
		case apiErr.HTTPStatusCode >= 500:
			return ClassUnknown, apiErr.HTTPStatusCode
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.HTTPStatusCode {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
			return ClassTransient, reqErr.HTTPStatusCode
		}
		if reqErr.HTTPStatusCode >= 400 && reqErr.HTTPStatusCode < 500 {
			return ClassPermanent, reqErr.HTTPStatusCode
		}
		return ClassUnknown, reqErr.HTTPStatusCode
	}

	if errors.Is(err, syscall.ECONNRESET) {
		return ClassTransient, 0
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") {
		return ClassTransient, 0
	}
	return ClassUnknown, 0
}
