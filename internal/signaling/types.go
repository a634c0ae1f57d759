package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/solstice-social/solstice-calls/internal/callstate"
)

// MediaKind selects the media profile of a call session.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// ValidMediaKind reports whether k is a known media kind.
func ValidMediaKind(k MediaKind) bool {
	return k == MediaAudio || k == MediaVideo
}

// Session is the shared call record. It is created by the caller, mutated by
// whichever party is the legitimate actor for each transition, and owned
// jointly by both parties until it reaches a terminal status.
//
// Offer and Answer are opaque negotiation blobs; each is write-once.
type Session struct {
	ID       string             `json:"id"`
	CallerID string             `json:"callerId"`
	CalleeID string             `json:"calleeId"`
	Kind     MediaKind          `json:"mediaKind"`
	Status   callstate.Status   `json:"status"`
	Offer    string             `json:"offer,omitempty"`
	Answer   string             `json:"answer,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

// Clone returns a copy safe to hand to subscribers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// Candidate is one append-only network-negotiation record. Records are
// partitioned per sender within a session; a candidate is only ever delivered
// to the other party, never back to its sender.
//
// Seq is a per-session monotonic sequence used for ordering, not uniqueness.
type Candidate struct {
	CallID    string    `json:"callId"`
	SenderID  string    `json:"senderId"`
	Payload   string    `json:"candidate"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionEvent is one change notification from a session watch.
//
// Removed is set (and Session is nil) when the record disappeared from the
// store without a terminal status ever being observed.
type SessionEvent struct {
	Session *Session
	Removed bool
}

// CancelFunc tears down a watch. Safe to call more than once.
type CancelFunc func()

// Errors rejected at the store boundary. Protocol violations are never
// silently swallowed or partially applied.
var (
	ErrNotFound      = errors.New("signaling: session not found")
	ErrConflict      = errors.New("signaling: write-once field already set")
	ErrNotAuthorized = errors.New("signaling: actor not authorized for transition")
	ErrTerminal      = errors.New("signaling: session is terminal")
	ErrEmptyIdentity = errors.New("signaling: empty identity")
	ErrClosed        = errors.New("signaling: channel closed")
)

// Channel is the signaling contract consumed by call managers on both sides
// of a call. Implementations are safe for concurrent use.
type Channel interface {
	// CreateSession creates a new pending session and returns its id.
	// Fails with ErrEmptyIdentity if either identifier is empty.
	CreateSession(ctx context.Context, callerID, calleeID string, kind MediaKind) (string, error)

	// PublishOffer stores the caller's offer on behalf of callerID; any other
	// actor fails with ErrNotAuthorized. Write-once: a second call fails with
	// ErrConflict and the stored value is preserved.
	PublishOffer(ctx context.Context, callID, callerID, offer string) error

	// PublishAnswer stores the callee's answer on behalf of calleeID.
	// Write-once and callee-only, like PublishOffer is caller-only.
	PublishAnswer(ctx context.Context, callID, calleeID, answer string) error

	// AppendCandidate appends one candidate record. It succeeds while the
	// session is non-terminal and fails with ErrTerminal afterwards.
	AppendCandidate(ctx context.Context, callID, senderID, payload string) error

	// SetStatus applies a status transition on behalf of actorID, enforcing
	// the transition table and the acting party's role.
	SetStatus(ctx context.Context, callID, actorID string, status callstate.Status) error

	// WatchSession delivers the full session record on every change, plus a
	// removed event if the record disappears. Only the two parties may watch;
	// anyone else fails with ErrNotAuthorized.
	WatchSession(ctx context.Context, callID, actorID string) (<-chan SessionEvent, CancelFunc, error)

	// WatchCandidates delivers candidate records from the named sender in
	// creation order, at-least-once. Candidates already stored at subscribe
	// time are replayed first. actorID must be a party and fromSenderID must
	// be the other party; a sender's own partition is never readable back.
	WatchCandidates(ctx context.Context, callID, actorID, fromSenderID string) (<-chan Candidate, CancelFunc, error)

	// WatchIncoming delivers pending sessions naming calleeID as callee,
	// most recent first at subscribe time, then each new one as it is created.
	WatchIncoming(ctx context.Context, calleeID string) (<-chan *Session, CancelFunc, error)

	// DeleteCandidates removes all candidate records for a session. It is a
	// best-effort housekeeping step; deleting an unknown session is a no-op.
	DeleteCandidates(ctx context.Context, callID string) error

	Close() error
}
