package bounty

import (
	"errors"
	"fmt"
	"strings"
)

// Kind groups errors by how a caller should react to them.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindTransition          Kind = "transition"
	KindNotFound            Kind = "not_found"
	KindMalformedRecord     Kind = "malformed_record"
	KindChain               Kind = "chain"
	KindConflict            Kind = "conflict"
	KindDuplicateContractID Kind = "duplicate_contract_id"
	KindSigner              Kind = "signer"
	KindStore               Kind = "store"
)

// Code narrows a Kind to the concrete failure.
type Code string

const (
	CodeInvalidInput         Code = "INVALID_INPUT"
	CodeInvalidAmount        Code = "INVALID_AMOUNT"
	CodeDeadlineInPast       Code = "DEADLINE_IN_PAST"
	CodeInvalidAddress       Code = "INVALID_ADDRESS"
	CodeTaskTooLong          Code = "TASK_TOO_LONG"
	CodeWrongStatus          Code = "WRONG_STATUS"
	CodeNotAuthorized        Code = "NOT_AUTHORIZED"
	CodeDeadlineNotReached   Code = "DEADLINE_NOT_REACHED"
	CodeNotFound             Code = "NOT_FOUND"
	CodeMalformedRecord      Code = "MALFORMED_RECORD"
	CodeChainFailure         Code = "CHAIN_FAILURE"
	CodeConfirmationTimeout  Code = "CONFIRMATION_TIMEOUT"
	CodeTransitionConflict   Code = "TRANSITION_CONFLICT"
	CodeBoxReferenceMismatch Code = "BOX_REFERENCE_MISMATCH"
	CodeBoxBudgetExceeded    Code = "BOX_BUDGET_EXCEEDED"
	CodeAlreadyInLedger      Code = "ALREADY_IN_LEDGER"
	CodeDuplicateContractID  Code = "DUPLICATE_CONTRACT_ID"
	CodeUserRejected         Code = "USER_REJECTED"
	CodeSignerTimeout        Code = "SIGNER_TIMEOUT"
	CodeStoreFailure         Code = "STORE_FAILURE"
)

// Error is the single error type returned across the bounty core.
// Current and Required are set on transition errors so callers can tell
// what state the record was in and what the action needed.
type Error struct {
	Kind     Kind
	Code     Code
	Message  string
	Current  *Status
	Required []Status
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Current != nil {
		fmt.Fprintf(&b, " (current=%s", e.Current)
		if len(e.Required) > 0 {
			names := make([]string, len(e.Required))
			for i, s := range e.Required {
				names[i] = s.String()
			}
			fmt.Fprintf(&b, " required=%s", strings.Join(names, "|"))
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code when the target carries one, otherwise on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Kind == t.Kind
}

// Retryable reports whether the same request may succeed if sent again.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeConfirmationTimeout, CodeBoxReferenceMismatch, CodeSignerTimeout, CodeChainFailure:
		return true
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrTransition          = &Error{Kind: KindTransition}
	ErrInvalidAmount       = &Error{Kind: KindValidation, Code: CodeInvalidAmount}
	ErrDeadlineInPast      = &Error{Kind: KindValidation, Code: CodeDeadlineInPast}
	ErrInvalidAddress      = &Error{Kind: KindValidation, Code: CodeInvalidAddress}
	ErrTaskTooLong         = &Error{Kind: KindValidation, Code: CodeTaskTooLong}
	ErrWrongStatus         = &Error{Kind: KindTransition, Code: CodeWrongStatus}
	ErrNotAuthorized       = &Error{Kind: KindTransition, Code: CodeNotAuthorized}
	ErrDeadlineNotReached  = &Error{Kind: KindTransition, Code: CodeDeadlineNotReached}
	ErrNotFound            = &Error{Kind: KindNotFound, Code: CodeNotFound}
	ErrMalformedRecord     = &Error{Kind: KindMalformedRecord, Code: CodeMalformedRecord}
	ErrChain               = &Error{Kind: KindChain}
	ErrConfirmationTimeout = &Error{Kind: KindChain, Code: CodeConfirmationTimeout}
	ErrTransitionConflict  = &Error{Kind: KindConflict, Code: CodeTransitionConflict}
	ErrBoxRefMismatch      = &Error{Kind: KindConflict, Code: CodeBoxReferenceMismatch}
	ErrBoxBudgetExceeded   = &Error{Kind: KindChain, Code: CodeBoxBudgetExceeded}
	ErrAlreadyInLedger     = &Error{Kind: KindConflict, Code: CodeAlreadyInLedger}
	ErrDuplicateContractID = &Error{Kind: KindDuplicateContractID, Code: CodeDuplicateContractID}
	ErrUserRejected        = &Error{Kind: KindSigner, Code: CodeUserRejected}
	ErrSignerTimeout       = &Error{Kind: KindSigner, Code: CodeSignerTimeout}
)

func Validation(code Code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func Malformed(format string, args ...any) *Error {
	return &Error{Kind: KindMalformedRecord, Code: CodeMalformedRecord, Message: fmt.Sprintf(format, args...)}
}

// Chain wraps a transport or submission failure.
func Chain(code Code, err error, format string, args ...any) *Error {
	kind := KindChain
	switch code {
	case CodeTransitionConflict, CodeBoxReferenceMismatch, CodeAlreadyInLedger:
		kind = KindConflict
	}
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func Signer(code Code, err error, format string, args ...any) *Error {
	return &Error{Kind: KindSigner, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func Store(err error, format string, args ...any) *Error {
	return &Error{Kind: KindStore, Code: CodeStoreFailure, Message: fmt.Sprintf(format, args...), Err: err}
}

// NewTransitionError reports an action the current state does not allow.
func NewTransitionError(code Code, current Status, required []Status, format string, args ...any) *Error {
	cur := current
	return &Error{
		Kind:     KindTransition,
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Current:  &cur,
		Required: required,
	}
}

// As extracts the *Error from err's chain, if any.
func As(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or "" for foreign errors.
func KindOf(err error) Kind {
	if be, ok := As(err); ok {
		return be.Kind
	}
	return ""
}
