package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for callers and the HTTP layer.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindConflict          Kind = "conflict"
	KindExternalService   Kind = "external_service_error"
	KindTerminalFailure   Kind = "terminal_failure"
	KindNotFound          Kind = "not_found"
)

// Error is the typed error returned by services.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind, and on Code when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Kind sentinels. errors.Is(err, ErrConflict) matches any conflict.
var (
	ErrValidation        = &Error{Kind: KindValidation, Message: "validation error"}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds, Code: "insufficient_funds", Message: "insufficient funds"}
	ErrConflict          = &Error{Kind: KindConflict, Message: "conflict"}
	ErrExternalService   = &Error{Kind: KindExternalService, Message: "external service error"}
	ErrTerminalFailure   = &Error{Kind: KindTerminalFailure, Message: "terminal failure"}
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "not found"}
)

// Specific errors.
var (
	ErrNotHeld              = Conflict("not_held", "not held")
	ErrHoldExists           = Conflict("hold_exists", "bounty already has an active hold")
	ErrAlreadyResolved      = Validation("already_resolved", "already resolved")
	ErrNothingToRefund      = Validation("nothing_to_refund", "nothing to refund")
	ErrCategoryNotPermitted = Validation("category_not_permitted", "category not permitted")
	ErrAccountNotFound      = NotFound("account_not_found", "account not found")
	ErrHoldNotFound         = NotFound("hold_not_found", "escrow hold not found")
	ErrEntryNotFound        = NotFound("entry_not_found", "ledger entry not found")
	ErrTransferNotFound     = NotFound("transfer_not_found", "transfer attempt not found")
	ErrEventNotFound        = NotFound("event_not_found", "processor event not found")
	ErrDepositMismatch      = Validation("deposit_mismatch", "deposit confirmation does not match the ledger entry")
	ErrRetriesExhausted     = &Error{Kind: KindTerminalFailure, Code: "retries_exhausted", Message: "transfer retries exhausted"}
)

func Validation(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

func Conflict(code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg}
}

func NotFound(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

// ExternalService wraps a collaborator failure.
func ExternalService(code string, err error) *Error {
	return &Error{Kind: KindExternalService, Code: code, Message: "external service error", Err: err}
}

// KindOf returns the Kind of err, or "" when err is not a domain error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// CodeOf returns the Code of err, or "" when err is not a domain error.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
