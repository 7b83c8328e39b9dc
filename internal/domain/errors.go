package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how callers should react to them.
type ErrorKind int

const (
	KindAuth ErrorKind = iota + 1
	KindValidation
	KindPrecondition
	KindStoreUnavailable
	KindRaceLoss
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindRaceLoss:
		return "race_loss"
	}
	return "unknown"
}

// Error codes are part of the wire contract with clients.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeBadPayload       = "BAD_PAYLOAD"
	CodeUnknownIntent    = "UNKNOWN_INTENT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"

	CodeRoomNotFound = "ROOM_NOT_FOUND"
	CodeRoomClosed   = "ROOM_CLOSED"
	CodeNotInRoom    = "NOT_IN_ROOM"

	CodeInvalidTarget = "INVALID_TARGET"
	CodeCallerBusy    = "CALLER_BUSY"
	CodeTargetBusy    = "TARGET_BUSY"
	CodeCallNotFound  = "CALL_NOT_FOUND"
	CodeForbidden     = "FORBIDDEN"
	CodeNotRinging    = "NOT_RINGING"
	CodeCallEnded     = "CALL_ENDED"

	CodeNotVideoGroupRoom = "NOT_VIDEO_GROUP_ROOM"
	CodeVGNotActive       = "VG_NOT_ACTIVE"
	CodeVGFull            = "VG_FULL"
	CodeOwnerOnly         = "OWNER_ONLY"
	CodeNotMember         = "NOT_MEMBER"
)

var (
	ErrUnauthorized     = &Error{Kind: KindAuth, Code: CodeUnauthorized}
	ErrStoreUnavailable = &Error{Kind: KindStoreUnavailable, Code: CodeStoreUnavailable}
)

// Error is a coordinator failure that is reported to the client as Code.
type Error struct {
	Kind   ErrorKind
	Code   string
	CallID CallID
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so sentinels and freshly built errors compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Retryable reports whether the caller may retry the same intent unchanged.
func (e *Error) Retryable() bool { return e.Kind == KindStoreUnavailable }

func Validation(code string) *Error   { return &Error{Kind: KindValidation, Code: code} }
func Precondition(code string) *Error { return &Error{Kind: KindPrecondition, Code: code} }

// Unavailable wraps a store failure as a retryable error.
func Unavailable(err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Code: CodeStoreUnavailable, Err: err}
}

// CodeOf extracts the wire code of err, mapping unknown errors to fallback.
func CodeOf(err error, fallback string) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return fallback
}
