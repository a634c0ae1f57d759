// Package wschannel carries the signaling channel over a WebSocket. The
// server side fronts the shared store; the client side implements
// signaling.Channel so call managers are indifferent to whether the store is
// in-process or remote.
package wschannel

import (
	"errors"
	"fmt"

	"github.com/solstice-social/solstice-calls/internal/callstate"
	"github.com/solstice-social/solstice-calls/internal/signaling"
)

const ProtocolVersion = 1

// Request ops. Every client frame is a Request; hello must come first unless
// credentials were supplied in the query string.
const (
	OpHello            = "hello"
	OpCreate           = "createSession"
	OpOffer            = "publishOffer"
	OpAnswer           = "publishAnswer"
	OpCandidate        = "appendCandidate"
	OpStatus           = "setStatus"
	OpWatchSession     = "watchSession"
	OpWatchCandidates  = "watchCandidates"
	OpWatchIncoming    = "watchIncoming"
	OpCancelWatch      = "cancelWatch"
	OpDeleteCandidates = "deleteCandidates"
)

// Push event kinds.
const (
	EventSession   = "session"
	EventRemoved   = "removed"
	EventCandidate = "candidate"
	EventIncoming  = "incoming"
)

type Request struct {
	Version int    `json:"version"`
	ID      uint64 `json:"id"`
	Op      string `json:"op"`

	// hello
	UserID string `json:"userId,omitempty"`
	APIKey string `json:"apiKey,omitempty"`

	CallID   string `json:"callId,omitempty"`
	CalleeID string `json:"calleeId,omitempty"`
	Kind     string `json:"mediaKind,omitempty"`
	Status   string `json:"status,omitempty"`

	// Offer, answer, or candidate blob depending on op.
	Payload string `json:"payload,omitempty"`

	// Sender whose candidates a watchCandidates subscription follows.
	FromSenderID string `json:"fromSenderId,omitempty"`

	WatchID uint64 `json:"watchId,omitempty"`
}

// Response frames both replies (ID echoes the request) and pushes (ID zero,
// WatchID names the subscription).
type Response struct {
	Version int        `json:"version"`
	ID      uint64     `json:"id,omitempty"`
	Op      string     `json:"op"`
	Error   *WireError `json:"error,omitempty"`

	CallID  string `json:"callId,omitempty"`
	WatchID uint64 `json:"watchId,omitempty"`

	Event     string               `json:"event,omitempty"`
	Session   *signaling.Session   `json:"session,omitempty"`
	Candidate *signaling.Candidate `json:"candidate,omitempty"`
}

const (
	OpResult = "result"
	OpEvent  = "event"
)

type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes on the wire. Each maps to the sentinel the in-process store
// returns, so client code handles both transports with the same errors.Is
// checks.
const (
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodeNotAuthorized     = "not_authorized"
	CodeTerminal          = "terminal"
	CodeEmptyIdentity     = "empty_identity"
	CodeIllegalTransition = "illegal_transition"
	CodeAlreadyTerminal   = "already_terminal"
	CodeUnknownStatus     = "unknown_status"
	CodeBadRequest        = "bad_request"
	CodeInternal          = "internal"
)

var codeToErr = map[string]error{
	CodeNotFound:          signaling.ErrNotFound,
	CodeConflict:          signaling.ErrConflict,
	CodeNotAuthorized:     signaling.ErrNotAuthorized,
	CodeTerminal:          signaling.ErrTerminal,
	CodeEmptyIdentity:     signaling.ErrEmptyIdentity,
	CodeIllegalTransition: callstate.ErrIllegalTransition,
	CodeAlreadyTerminal:   callstate.ErrAlreadyTerminal,
	CodeUnknownStatus:     callstate.ErrUnknownStatus,
}

// EncodeError translates a store error into a wire error.
func EncodeError(err error) *WireError {
	code := CodeInternal
	switch {
	case errors.Is(err, signaling.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, signaling.ErrConflict):
		code = CodeConflict
	case errors.Is(err, signaling.ErrNotAuthorized):
		code = CodeNotAuthorized
	case errors.Is(err, signaling.ErrTerminal):
		code = CodeTerminal
	case errors.Is(err, signaling.ErrEmptyIdentity):
		code = CodeEmptyIdentity
	case errors.Is(err, callstate.ErrAlreadyTerminal):
		code = CodeAlreadyTerminal
	case errors.Is(err, callstate.ErrIllegalTransition):
		code = CodeIllegalTransition
	case errors.Is(err, callstate.ErrUnknownStatus):
		code = CodeUnknownStatus
	}
	return &WireError{Code: code, Message: err.Error()}
}

// DecodeError translates a wire error back into the matching sentinel.
func DecodeError(we *WireError) error {
	if we == nil {
		return nil
	}
	if sentinel, ok := codeToErr[we.Code]; ok {
		return fmt.Errorf("%w (remote: %s)", sentinel, we.Message)
	}
	return fmt.Errorf("wschannel: remote error %s: %s", we.Code, we.Message)
}
