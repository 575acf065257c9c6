package blockchain

import (
	"strings"
)

// CallError classifies a failed RPC call
type CallError struct {
	Code      int
	Raw       string
	Message   string
	Retryable bool
}

func (e *CallError) Error() string {
	return e.Message
}

// ClassifyError converts an RPC failure to a human-readable error with a
// retryability hint
func ClassifyError(err error) *CallError {
	if err == nil {
		return nil
	}

	raw := err.Error()
	callErr := &CallError{Raw: raw, Retryable: true}

	// Parse error code
	rpcErr, ok := err.(*RPCError)
	if ok {
		callErr.Code = rpcErr.Code
	}

	// Match known error patterns and translate
	switch {

	// Rate limiting
	case contains(raw, "429"):
		callErr.Message = "⚠️ RATE LIMITED - Too many requests"

	case contains(raw, "rate limit"):
		callErr.Message = "⚠️ RATE LIMITED - RPC throttled"

	// Network errors
	case contains(raw, "connection refused"):
		callErr.Message = "❌ RPC CONNECTION FAILED"

	case contains(raw, "timeout"), contains(raw, "deadline exceeded"):
		callErr.Message = "⚠️ RPC TIMEOUT - Network slow"

	// Node state
	case contains(raw, "node is behind"):
		callErr.Message = "⚠️ NODE BEHIND - RPC lagging the cluster"

	case contains(raw, "unhealthy"):
		callErr.Message = "⚠️ NODE UNHEALTHY"

	// Account errors
	case contains(raw, "could not find account"), contains(raw, "account not found"):
		callErr.Message = "❌ ACCOUNT NOT FOUND"
		callErr.Retryable = false

	case contains(raw, "invalid param"):
		callErr.Message = "❌ INVALID PARAM - Bad address or mint"
		callErr.Retryable = false

	// Default
	default:
		callErr.Message = "❌ RPC CALL FAILED"
	}

	return callErr
}

// HumanError returns a human-readable error string
func HumanError(err error) string {
	if err == nil {
		return ""
	}
	return ClassifyError(err).Message
}

func contains(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
