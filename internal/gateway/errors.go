package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// FailureCode is the single classification vocabulary for gateway faults.
// Raw gateway error text never crosses the adapter boundary unclassified.
type FailureCode string

const (
	CodeTimeout             FailureCode = "timeout"
	CodeRejected            FailureCode = "rejected"
	CodeInsufficientBalance FailureCode = "insufficient_balance"
	CodeInvalidRecipient    FailureCode = "invalid_recipient"
	CodeRateLimited         FailureCode = "rate_limited"
	CodeUnknown             FailureCode = "unknown"
	// CodeOrphanedPayout marks a payout that the gateway accepted but whose
	// outcome could not be recorded; it needs manual reconciliation.
	CodeOrphanedPayout FailureCode = "orphaned_payout"
)

// Error is the classified gateway failure surfaced to callers.
type Error struct {
	Code FailureCode
	Op   string // "fiat.payment", "crypto.payout", ...
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s [%s]", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a classified gateway error, if err carries one.
func AsError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// classifyTransport maps transport-level failures (timeouts, refused
// connections) before any response body exists.
func classifyTransport(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Op: op, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Code: CodeTimeout, Op: op, Err: err}
	}
	return &Error{Code: CodeUnknown, Op: op, Err: err}
}

// classifyResponse maps a non-2xx gateway response. Gateways report
// machine codes inconsistently, so the body text is matched here and only
// here.
func classifyResponse(op string, status int, code, message string) *Error {
	err := fmt.Errorf("gateway status %d: %s %s", status, code, message)
	if status == http.StatusTooManyRequests {
		return &Error{Code: CodeRateLimited, Op: op, Err: err}
	}
	if status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout {
		return &Error{Code: CodeTimeout, Op: op, Err: err}
	}
	lower := strings.ToLower(code + " " + message)
	switch {
	case strings.Contains(lower, "insufficient"), strings.Contains(lower, "balance"):
		return &Error{Code: CodeInsufficientBalance, Op: op, Err: err}
	case strings.Contains(lower, "recipient"), strings.Contains(lower, "invalid address"),
		strings.Contains(lower, "invalid account"), strings.Contains(lower, "unknown operator"):
		return &Error{Code: CodeInvalidRecipient, Op: op, Err: err}
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many"):
		return &Error{Code: CodeRateLimited, Op: op, Err: err}
	case strings.Contains(lower, "rejected"), strings.Contains(lower, "declined"),
		strings.Contains(lower, "compliance"):
		return &Error{Code: CodeRejected, Op: op, Err: err}
	}
	return &Error{Code: CodeUnknown, Op: op, Err: err}
}
