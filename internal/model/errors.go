package model

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass categorizes provider errors for telemetry.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassDisabled        ErrorClass = "DISABLED"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

var classPatterns = []struct {
	class    ErrorClass
	patterns []string
}{
	{ErrorClassAuth, []string{"401", "403", "unauthorized", "forbidden", "invalid key", "invalid api key"}},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests"}},
	{ErrorClassTimeout, []string{"deadline exceeded", "timeout", "timed out"}},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds"}},
	{ErrorClassContextOverflow, []string{"context_length", "context length", "token limit", "max tokens", "maximum context", "context window"}},
}

// ClassifyError returns the most specific class matching err.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorClassUnknown
	case errors.Is(err, ErrDisabled):
		return ErrorClassDisabled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, cp := range classPatterns {
		for _, p := range cp.patterns {
			if strings.Contains(msg, p) {
				return cp.class
			}
		}
	}
	return ErrorClassUnknown
}
