package chat

import "errors"

var (
	// ErrInvalidParticipants is returned when a conversation is requested
	// between fewer than two distinct identities.
	ErrInvalidParticipants = errors.New("conversation requires two distinct participants")

	// ErrNotAParticipant is returned when the acting identity is not one
	// of the conversation's two participants.
	ErrNotAParticipant = errors.New("not a participant in this conversation")

	// ErrEmptyContent is returned when message content is blank after trimming.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrConversationNotFound is returned for unknown conversation ids.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrBackendUnavailable wraps store failures surfaced to a channel
	// command's originator.
	ErrBackendUnavailable = errors.New("conversation store unavailable")
)

// Error codes carried on the wire in error events.
const (
	CodeNotAParticipant     = "NotAParticipant"
	CodeInvalidParticipants = "InvalidParticipants"
	CodeEmptyContent        = "EmptyContent"
	CodeBackendUnavailable  = "BackendUnavailable"
	CodeMalformedCommand    = "MalformedCommand"
	CodeUnknownConversation = "UnknownConversation"
)

// errorCode maps a store error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotAParticipant):
		return CodeNotAParticipant
	case errors.Is(err, ErrInvalidParticipants):
		return CodeInvalidParticipants
	case errors.Is(err, ErrEmptyContent):
		return CodeEmptyContent
	case errors.Is(err, ErrConversationNotFound):
		return CodeUnknownConversation
	default:
		return CodeBackendUnavailable
	}
}
