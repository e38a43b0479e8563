package ivxp

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode identifies a protocol error kind. The set is closed: callers can
// switch over these constants instead of matching message strings.
type ErrorCode string

const (
	ErrCodeInsufficientBalance ErrorCode = "insufficient_balance"
	ErrCodeTxFailed            ErrorCode = "transaction_failed"
	ErrCodeTxSubmitFailed      ErrorCode = "transaction_submit_failed"
	ErrCodePaymentNotFound     ErrorCode = "payment_not_found"
	ErrCodePaymentPending      ErrorCode = "payment_pending"
	ErrCodePaymentFailed       ErrorCode = "payment_failed"
	ErrCodeAmountMismatch      ErrorCode = "amount_mismatch"
	ErrCodeSignatureInvalid    ErrorCode = "signature_invalid"
	ErrCodePaymentNotVerified  ErrorCode = "payment_not_verified"
	ErrCodeOrderNotFound       ErrorCode = "order_not_found"
	ErrCodeOrderExpired        ErrorCode = "order_expired"
	ErrCodeServiceUnavailable  ErrorCode = "service_unavailable"
	ErrCodeMaxPollAttempts     ErrorCode = "max_poll_attempts_exceeded"
	ErrCodePartialSuccess      ErrorCode = "partial_success"
	ErrCodeMalformedURL        ErrorCode = "malformed_url"
	ErrCodeMalformedRequest    ErrorCode = "malformed_request"
	ErrCodeMalformedResponse   ErrorCode = "malformed_response"
	ErrCodeOrderIDMismatch     ErrorCode = "order_id_mismatch"
	ErrCodeInvalidTransition   ErrorCode = "invalid_transition"
	ErrCodeDeliverableNotReady ErrorCode = "deliverable_not_ready"
)

// Error is a protocol error. Code is stable across releases; the structured
// fields carry the facts a caller needs to act without parsing Message.
type Error struct {
	Code    ErrorCode
	Message string

	OrderID    string
	TxHash     string
	Expected   string
	Actual     string
	Attempts   int
	HTTPStatus int

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the preserved cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the protocol error code, or "" for foreign errors.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err carries the given protocol code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// AsError extracts the protocol error, or nil.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

func NewInsufficientBalanceError(balance, required string) *Error {
	return &Error{
		Code:     ErrCodeInsufficientBalance,
		Message:  fmt.Sprintf("balance %s USDC is below required %s USDC", balance, required),
		Expected: required,
		Actual:   balance,
	}
}

func NewTxFailedError(txHash string) *Error {
	return &Error{
		Code:    ErrCodeTxFailed,
		Message: fmt.Sprintf("transaction %s reverted on chain", txHash),
		TxHash:  txHash,
	}
}

func NewTxSubmitFailedError(cause error) *Error {
	return &Error{
		Code:    ErrCodeTxSubmitFailed,
		Message: fmt.Sprintf("transaction submission failed: %v", cause),
		cause:   cause,
	}
}

func NewPaymentNotFoundError(txHash string) *Error {
	return &Error{
		Code:    ErrCodePaymentNotFound,
		Message: fmt.Sprintf("no matching token transfer found for %s", txHash),
		TxHash:  txHash,
	}
}

func NewPaymentPendingError(txHash string) *Error {
	return &Error{
		Code:    ErrCodePaymentPending,
		Message: fmt.Sprintf("transaction %s is not yet mined", txHash),
		TxHash:  txHash,
	}
}

func NewPaymentFailedError(txHash string) *Error {
	return &Error{
		Code:    ErrCodePaymentFailed,
		Message: fmt.Sprintf("payment transaction %s reverted", txHash),
		TxHash:  txHash,
	}
}

func NewAmountMismatchError(expected, actual string) *Error {
	return &Error{
		Code:     ErrCodeAmountMismatch,
		Message:  fmt.Sprintf("transfer amount %s does not match expected %s", actual, expected),
		Expected: expected,
		Actual:   actual,
	}
}

func NewSignatureInvalidError(reason string) *Error {
	if reason == "" {
		reason = "signature verification failed"
	}
	return &Error{Code: ErrCodeSignatureInvalid, Message: reason}
}

func NewPaymentNotVerifiedError(reason string) *Error {
	if reason == "" {
		reason = "payment could not be verified"
	}
	return &Error{Code: ErrCodePaymentNotVerified, Message: reason}
}

func NewOrderNotFoundError(orderID string) *Error {
	return &Error{
		Code:    ErrCodeOrderNotFound,
		Message: fmt.Sprintf("order %s not found", orderID),
		OrderID: orderID,
	}
}

func NewOrderExpiredError(orderID string, expiresAt time.Time) *Error {
	return &Error{
		Code:    ErrCodeOrderExpired,
		Message: fmt.Sprintf("order %s expired at %s", orderID, FormatTime(expiresAt)),
		OrderID: orderID,
	}
}

func NewServiceUnavailableError(message string, cause error) *Error {
	if message == "" {
		message = "service unavailable"
	}
	return &Error{Code: ErrCodeServiceUnavailable, Message: message, cause: cause}
}

func NewMaxPollAttemptsError(attempts int) *Error {
	return &Error{
		Code:     ErrCodeMaxPollAttempts,
		Message:  fmt.Sprintf("target status not reached after %d polls", attempts),
		Attempts: attempts,
	}
}

// NewPartialSuccessError records that funds moved but a follow-up step
// failed. The tx hash must survive so the caller never re-sends payment.
func NewPartialSuccessError(txHash string, cause error) *Error {
	return &Error{
		Code:    ErrCodePartialSuccess,
		Message: fmt.Sprintf("payment %s sent but provider notification failed: %v", txHash, cause),
		TxHash:  txHash,
		cause:   cause,
	}
}

func NewMalformedURLError(reason string) *Error {
	return &Error{Code: ErrCodeMalformedURL, Message: reason}
}

func NewMalformedRequestError(reason string) *Error {
	return &Error{Code: ErrCodeMalformedRequest, Message: reason}
}

// NewMalformedResponseError reports a response-schema violation. It carries
// the violation count, never the offending payload.
func NewMalformedResponseError(kind string, issues int) *Error {
	return &Error{
		Code:     ErrCodeMalformedResponse,
		Message:  fmt.Sprintf("%s failed schema validation with %d issue(s)", kind, issues),
		Attempts: issues,
	}
}

func NewOrderIDMismatchError(requested, received string) *Error {
	return &Error{
		Code:     ErrCodeOrderIDMismatch,
		Message:  fmt.Sprintf("requested order %s but response is for %s", requested, received),
		OrderID:  requested,
		Expected: requested,
		Actual:   received,
	}
}

func NewInvalidTransitionError(orderID string, from, to OrderStatus) *Error {
	return &Error{
		Code:     ErrCodeInvalidTransition,
		Message:  fmt.Sprintf("order %s cannot move from %s to %s", orderID, from, to),
		OrderID:  orderID,
		Expected: string(to),
		Actual:   string(from),
	}
}

func NewDeliverableNotReadyError(orderID string, status OrderStatus) *Error {
	return &Error{
		Code:    ErrCodeDeliverableNotReady,
		Message: fmt.Sprintf("order %s has no deliverable yet (status %s)", orderID, status),
		OrderID: orderID,
		Actual:  string(status),
	}
}

// ErrorFromHTTPStatus maps a provider response status to the client-side
// error class. The status drives the class; the body only enriches Message.
func ErrorFromHTTPStatus(status int, body *ErrorBody) *Error {
	message := http.StatusText(status)
	bodyCode := ErrorCode("")
	if body != nil {
		if body.Message != "" {
			message = body.Message
		}
		bodyCode = ErrorCode(body.Code)
	}

	var e *Error
	switch {
	case status == http.StatusUnauthorized:
		e = NewSignatureInvalidError(message)
	case status == http.StatusPaymentRequired:
		e = NewPaymentNotVerifiedError(message)
	case status == http.StatusNotFound:
		e = &Error{Code: ErrCodeOrderNotFound, Message: message}
	case status >= 500:
		e = NewServiceUnavailableError(message, nil)
	case knownCode(bodyCode):
		e = &Error{Code: bodyCode, Message: message}
	default:
		e = NewMalformedRequestError(message)
	}
	e.HTTPStatus = status
	return e
}

// HTTPStatusForCode is the server-side inverse of ErrorFromHTTPStatus.
func HTTPStatusForCode(code ErrorCode) int {
	switch code {
	case ErrCodeSignatureInvalid:
		return http.StatusUnauthorized
	case ErrCodePaymentNotVerified, ErrCodePaymentNotFound, ErrCodePaymentPending,
		ErrCodePaymentFailed, ErrCodeAmountMismatch, ErrCodeInsufficientBalance:
		return http.StatusPaymentRequired
	case ErrCodeOrderNotFound:
		return http.StatusNotFound
	case ErrCodeOrderExpired:
		return http.StatusGone
	case ErrCodeMalformedRequest, ErrCodeMalformedURL, ErrCodeInvalidTransition,
		ErrCodeOrderIDMismatch, ErrCodeMalformedResponse:
		return http.StatusBadRequest
	case ErrCodeDeliverableNotReady:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func knownCode(code ErrorCode) bool {
	switch code {
	case ErrCodeInsufficientBalance, ErrCodeTxFailed, ErrCodeTxSubmitFailed,
		ErrCodePaymentNotFound, ErrCodePaymentPending, ErrCodePaymentFailed,
		ErrCodeAmountMismatch, ErrCodeSignatureInvalid, ErrCodePaymentNotVerified,
		ErrCodeOrderNotFound, ErrCodeOrderExpired, ErrCodeServiceUnavailable,
		ErrCodeMaxPollAttempts, ErrCodePartialSuccess, ErrCodeMalformedURL,
		ErrCodeMalformedRequest, ErrCodeMalformedResponse, ErrCodeOrderIDMismatch,
		ErrCodeInvalidTransition, ErrCodeDeliverableNotReady:
		return true
	}
	return false
}
