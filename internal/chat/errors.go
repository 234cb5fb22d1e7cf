package chat

import (
	"errors"

	"github.com/ceyewan/genesis/xerrors"
)

var (
	// ErrValidation covers missing username, room id, text or malformed payloads.
	ErrValidation = xerrors.New("validation failed")
	// ErrRoomLocked rejects a join against a locked room.
	ErrRoomLocked = xerrors.New("room is locked")
	// ErrNotFound is returned when an edit targets an unknown message.
	ErrNotFound = xerrors.New("message not found")
	// ErrForbidden is returned when a user edits a message they do not own.
	ErrForbidden = xerrors.New("not allowed")
	// ErrStoreFailure wraps any durable read or write failure.
	ErrStoreFailure = xerrors.New("store failure")
	// ErrNoSession marks events from connections that never joined.
	ErrNoSession = xerrors.New("no active session")
)

// clientMessage turns a handler error into the text sent in an `error` event.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, ErrRoomLocked):
		return "This room is locked. New users cannot join right now."
	case errors.Is(err, ErrForbidden):
		return "You can only edit your own messages"
	case errors.Is(err, ErrNotFound):
		return "Message not found"
	case errors.Is(err, ErrStoreFailure):
		return "Something went wrong saving your changes"
	}
	var verr *validationError
	if errors.As(err, &verr) {
		return verr.msg
	}
	return "Unexpected error"
}

// validationError carries a user-facing reason and matches ErrValidation.
type validationError struct {
	msg string
}

func invalid(msg string) error {
	return &validationError{msg: msg}
}

func (e *validationError) Error() string {
	return e.msg
}

func (e *validationError) Is(target error) bool {
	return target == ErrValidation
}
