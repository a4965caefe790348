package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind classifies governance failures so callers (and the HTTP edge) can
// branch on them without string matching.
type ErrorKind string

const (
	KindPolicyNotFound          ErrorKind = "POLICY_NOT_FOUND"
	KindArtifactNotApproved     ErrorKind = "ARTIFACT_NOT_APPROVED"
	KindInvalidStateTransition  ErrorKind = "INVALID_STATE_TRANSITION"
	KindIssuerOrgMismatch       ErrorKind = "ISSUER_ORG_MISMATCH"
	KindTokenNotFound           ErrorKind = "TOKEN_NOT_FOUND"
	KindTokenOrgMismatch        ErrorKind = "TOKEN_ORG_MISMATCH"
	KindAlreadyRevoked          ErrorKind = "ALREADY_REVOKED"
	KindTaskNotFound            ErrorKind = "TASK_NOT_FOUND"
	KindNoApprovalsFound        ErrorKind = "NO_APPROVALS_FOUND"
	KindValidation              ErrorKind = "VALIDATION_ERROR"
	KindBundleNotFound          ErrorKind = "BUNDLE_NOT_FOUND"
	KindChainIntegrityViolation ErrorKind = "CHAIN_INTEGRITY_VIOLATION"
)

// Error is the typed failure returned by every mutating governance operation.
// Two Errors match under errors.Is when their kinds are equal.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so sentinel comparisons work on wrapped errors.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrPolicyNotFound          = &Error{Kind: KindPolicyNotFound}
	ErrArtifactNotApproved     = &Error{Kind: KindArtifactNotApproved}
	ErrInvalidStateTransition  = &Error{Kind: KindInvalidStateTransition}
	ErrIssuerOrgMismatch       = &Error{Kind: KindIssuerOrgMismatch}
	ErrTokenNotFound           = &Error{Kind: KindTokenNotFound}
	ErrTokenOrgMismatch        = &Error{Kind: KindTokenOrgMismatch}
	ErrAlreadyRevoked          = &Error{Kind: KindAlreadyRevoked}
	ErrTaskNotFound            = &Error{Kind: KindTaskNotFound}
	ErrNoApprovalsFound        = &Error{Kind: KindNoApprovalsFound}
	ErrValidation              = &Error{Kind: KindValidation}
	ErrBundleNotFound          = &Error{Kind: KindBundleNotFound}
	ErrChainIntegrityViolation = &Error{Kind: KindChainIntegrityViolation}
)

// Errorf builds a typed error with a formatted detail message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause.
func Wrap(kind ErrorKind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
