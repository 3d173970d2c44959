package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// RecoverableError is implemented by errors that know whether repeating the
// failed call may succeed.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// Message fragments, lower-cased, that RPC nodes, bridges and wallets return.
// Final conditions are checked first, so "insufficient funds for gas"
// stays final even though it is also slow to clear.
var (
	finalPatterns = []string{
		"insufficient funds",
		"insufficient balance",
		"nonce too low",
		"execution reverted",
		"user rejected",
		"user denied",
	}
	transientPatterns = []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"rate limit",
		"too many requests",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"network congestion",
		"header not found",
		"replacement transaction underpriced",
	}
)

// JSON-RPC error codes a node returns for conditions that clear up on their
// own: internal error, resource unavailable and limit exceeded.
var transientRPCCodes = map[int]bool{
	-32603: true,
	-32002: true,
	-32005: true,
}

// RPCError is a JSON-RPC error returned by a node or bridge endpoint.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsRecoverable reports whether the node may accept the call if it is sent
// again. Message patterns decide when the code alone does not.
func (e *RPCError) IsRecoverable() bool {
	if transientRPCCodes[e.Code] {
		return true
	}
	return classifyMessage(e.Message)
}

// IsRecoverable reports whether a failed chain call is worth repeating.
// Errors carrying their own verdict win; then context, transport and message
// checks apply. A cancelled context is never repeated.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var verdict RecoverableError
	if errors.As(err, &verdict) {
		return verdict.IsRecoverable()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return classifyMessage(err.Error())
}

func classifyMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, p := range finalPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// transientError marks a failure the caller knows will clear, such as a
// transaction waiting on confirmations.
type transientError struct {
	err error
}

func (e *transientError) Error() string       { return e.err.Error() }
func (e *transientError) Unwrap() error       { return e.err }
func (e *transientError) IsRecoverable() bool { return true }

// NewRecoverableError marks err as safe to retry.
func NewRecoverableError(err error) error {
	return &transientError{err: err}
}

// NonRecoverableError stops Do immediately, whatever the wrapped message
// says. Use it for failures that resending cannot fix, such as a reverted
// contract call.
type NonRecoverableError struct {
	err error
}

func (e *NonRecoverableError) Error() string       { return e.err.Error() }
func (e *NonRecoverableError) Unwrap() error       { return e.err }
func (e *NonRecoverableError) IsRecoverable() bool { return false }

// NewNonRecoverableError marks err as final.
func NewNonRecoverableError(err error) *NonRecoverableError {
	return &NonRecoverableError{err: err}
}
