package chat

import (
	"errors"
	"fmt"
)

// ErrorCode classifies SDK errors so callers can branch without string
// matching. Feature attach/detach codes identify which contributor a
// lifecycle failure originated from.
type ErrorCode int

const (
	CodeNone ErrorCode = iota

	// Registry / configuration.
	CodeRoomOptionsConflict
	CodeRoomReleasedBeforeOperation
	CodeChannelAlreadyRequested

	// Invalid state for an operation.
	CodeRoomReleased
	CodeRoomReleasing
	CodeRoomInFailedState
	CodePreviousOperationFailed
	CodeRoomLifecycleError

	// Per-feature attachment failures.
	CodeMessagesAttachmentFailed
	CodePresenceAttachmentFailed
	CodeTypingAttachmentFailed
	CodeReactionsAttachmentFailed
	CodeOccupancyAttachmentFailed

	// Per-feature detachment failures.
	CodeMessagesDetachmentFailed
	CodePresenceDetachmentFailed
	CodeTypingDetachmentFailed
	CodeReactionsDetachmentFailed
	CodeOccupancyDetachmentFailed
)

func (c ErrorCode) String() string {
	switch c {
	case CodeRoomOptionsConflict:
		return "room options conflict"
	case CodeRoomReleasedBeforeOperation:
		return "room released before operation could complete"
	case CodeChannelAlreadyRequested:
		return "channel already requested"
	case CodeRoomReleased:
		return "room is released"
	case CodeRoomReleasing:
		return "room is releasing"
	case CodeRoomInFailedState:
		return "room is in failed state"
	case CodePreviousOperationFailed:
		return "previous operation failed"
	case CodeRoomLifecycleError:
		return "room lifecycle error"
	case CodeMessagesAttachmentFailed:
		return "messages attachment failed"
	case CodePresenceAttachmentFailed:
		return "presence attachment failed"
	case CodeTypingAttachmentFailed:
		return "typing attachment failed"
	case CodeReactionsAttachmentFailed:
		return "reactions attachment failed"
	case CodeOccupancyAttachmentFailed:
		return "occupancy attachment failed"
	case CodeMessagesDetachmentFailed:
		return "messages detachment failed"
	case CodePresenceDetachmentFailed:
		return "presence detachment failed"
	case CodeTypingDetachmentFailed:
		return "typing detachment failed"
	case CodeReactionsDetachmentFailed:
		return "reactions detachment failed"
	case CodeOccupancyDetachmentFailed:
		return "occupancy detachment failed"
	default:
		return "unknown"
	}
}

// Error is the SDK error type: a code, a human message and an optional
// wrapped cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches two *Error values by code, so errors.Is works against
// newError(code, ...) sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the ErrorCode from an error chain, or CodeNone.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeNone
}
