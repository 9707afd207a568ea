package errorclass

import (
	"strings"
)

// Class is the classified category of a backend call error.
type Class string

const (
	RateLimit        Class = "RATE_LIMIT"
	AuthError        Class = "AUTH_ERROR"
	Timeout          Class = "TIMEOUT"
	ModelUnavailable Class = "MODEL_UNAVAILABLE"
	NetworkError     Class = "NETWORK_ERROR"
	InvalidRequest   Class = "INVALID_REQUEST"
	ContextTooLong   Class = "CONTEXT_TOO_LONG"
	ReasoningError   Class = "REASONING_ERROR"
	OutputError      Class = "OUTPUT_ERROR"
	ContextError     Class = "CONTEXT_ERROR"
	SandboxError     Class = "SANDBOX_ERROR"
	Unknown          Class = "UNKNOWN"
)

// pattern maps lowercase substrings to a class. First match wins, so the more
// specific backend-flavored patterns come before the generic transport ones.
type pattern struct {
	needles []string
	class   Class
}

var patterns = []pattern{
	{[]string{"context_length_exceeded", "context too long", "maximum context", "prompt is too long"}, ContextTooLong},
	{[]string{"reasoning_error", "reasoning failure"}, ReasoningError},
	{[]string{"output_error", "malformed output", "output parsing"}, OutputError},
	{[]string{"context_error"}, ContextError},
	{[]string{"sandbox_error", "sandbox violation"}, SandboxError},
	{[]string{"rate limit", "rate_limit", "429", "too many requests", "quota exceeded"}, RateLimit},
	{[]string{"unauthorized", "401", "403", "invalid api key", "authentication", "credential"}, AuthError},
	{[]string{"timed out", "timeout", "deadline exceeded"}, Timeout},
	{[]string{"model unavailable", "model_not_found", "overloaded", "503", "service unavailable", "capacity"}, ModelUnavailable},
	{[]string{"connection refused", "connection reset", "no such host", "network", "eof", "broken pipe"}, NetworkError},
	{[]string{"invalid request", "400", "bad request", "invalid argument", "malformed request"}, InvalidRequest},
}

// Classify maps a free-form error string to its class.
func Classify(errStr string) Class {
	s := strings.ToLower(errStr)
	for _, p := range patterns {
		for _, n := range p.needles {
			if strings.Contains(s, n) {
				return p.class
			}
		}
	}
	return Unknown
}

// ClassifyErr classifies an error, treating nil as Unknown.
func ClassifyErr(err error) Class {
	if err == nil {
		return Unknown
	}
	return Classify(err.Error())
}

var retryable = map[Class]bool{
	RateLimit:        true,
	Timeout:          true,
	NetworkError:     true,
	ModelUnavailable: true,
	ReasoningError:   true,
	OutputError:      true,
}

var nonRetryable = map[Class]bool{
	AuthError:      true,
	InvalidRequest: true,
	ContextTooLong: true,
	ContextError:   true,
	SandboxError:   true,
}

// Retryable reports whether a class is worth retrying against the same
// backend. Unknown errors are retried: transient infrastructure noise is far
// more common than a novel permanent failure.
func Retryable(c Class) bool {
	if nonRetryable[c] {
		return false
	}
	if retryable[c] {
		return true
	}
	return c == Unknown
}

// ExitCode maps a class to the engine's documented exit codes.
func ExitCode(c Class) int {
	switch c {
	case Timeout:
		return 124
	case AuthError, InvalidRequest, ContextTooLong, ContextError, SandboxError:
		return 2
	default:
		return 1
	}
}
