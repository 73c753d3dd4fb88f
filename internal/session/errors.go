package session

import "errors"

// Validation failures: the action is refused and nothing changes.
var (
	ErrEmptyMessage      = errors.New("message is empty")
	ErrCharacterNotBound = errors.New("no character is bound to the session")
	ErrBusy              = errors.New("session is awaiting a response")
	ErrInvalidMode       = errors.New("unknown interaction mode")
	ErrNotRegenerable    = errors.New("only npc messages can be regenerated")
	ErrNothingToRetry    = errors.New("no failed message to retry")
	ErrInvalidCharacter  = errors.New("character name and role are required")
	ErrAlreadyBound      = errors.New("character id is already bound")
	ErrConversationFull  = errors.New("conversation has reached its message limit")
)

// Lookup failures.
var (
	ErrMessageNotFound = errors.New("message not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session is closed")
)

// Transport failures.
var (
	ErrTransport       = errors.New("dialogue service request failed")
	ErrResponseTimeout = errors.New("timed out waiting for a response")
	ErrCapacity        = errors.New("session capacity reached")
)
