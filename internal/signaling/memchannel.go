package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solstice-social/solstice-calls/internal/callstate"
	"github.com/solstice-social/solstice-calls/internal/pump"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// MemoryChannel is the in-memory reference implementation of Channel.
//
// A single mutex serializes every mutation, which is exactly the store
// guarantee the protocol relies on: concurrent status transitions on the same
// session are applied one at a time, so the transition table is checked
// against the actual current status, never a stale read.
//
// It backs the signaling daemon (all connected clients share one instance)
// and doubles as the store for in-process tests.
type MemoryChannel struct {
	clock Clock

	mu       sync.Mutex
	closed   bool
	sessions map[string]*memSession
	incoming map[string][]*pump.Pump[*Session]
}

type memSession struct {
	sess       *Session
	nextSeq    uint64
	candidates []Candidate

	sessWatchers []*pump.Pump[SessionEvent]
	candWatchers []*candWatcher
}

type candWatcher struct {
	fromSenderID string
	w            *pump.Pump[Candidate]
}

// NewMemoryChannel constructs an empty channel. A nil clock means wall time.
func NewMemoryChannel(clock Clock) *MemoryChannel {
	return &MemoryChannel{
		clock:    clock,
		sessions: make(map[string]*memSession),
		incoming: make(map[string][]*pump.Pump[*Session]),
	}
}

func (c *MemoryChannel) now() time.Time {
	if c.clock != nil {
		return c.clock.Now()
	}
	return time.Now()
}

func (c *MemoryChannel) CreateSession(ctx context.Context, callerID, calleeID string, kind MediaKind) (string, error) {
	if callerID == "" || calleeID == "" {
		return "", ErrEmptyIdentity
	}
	if !ValidMediaKind(kind) {
		return "", fmt.Errorf("signaling: invalid media kind %q", kind)
	}

	sess := &Session{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Kind:      kind,
		Status:    callstate.StatusPending,
		CreatedAt: c.now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}

	c.sessions[sess.ID] = &memSession{sess: sess}
	for _, w := range c.incoming[calleeID] {
		w.Push(sess.Clone())
	}
	return sess.ID, nil
}

func (c *MemoryChannel) PublishOffer(ctx context.Context, callID, callerID, offer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms, err := c.lookupLocked(callID)
	if err != nil {
		return err
	}
	if callerID != ms.sess.CallerID {
		return fmt.Errorf("%w: offer is caller-only, actor %q", ErrNotAuthorized, callerID)
	}
	if ms.sess.Offer != "" {
		return fmt.Errorf("%w: offer", ErrConflict)
	}
	if ms.sess.Status != callstate.StatusPending {
		return fmt.Errorf("%w: offer while %s", callstate.ErrIllegalTransition, ms.sess.Status)
	}

	ms.sess.Offer = offer
	c.notifySessionLocked(ms)
	return nil
}

func (c *MemoryChannel) PublishAnswer(ctx context.Context, callID, calleeID, answer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms, err := c.lookupLocked(callID)
	if err != nil {
		return err
	}
	if calleeID != ms.sess.CalleeID {
		return fmt.Errorf("%w: answer is callee-only, actor %q", ErrNotAuthorized, calleeID)
	}
	if ms.sess.Answer != "" {
		return fmt.Errorf("%w: answer", ErrConflict)
	}
	if ms.sess.Status != callstate.StatusPending {
		return fmt.Errorf("%w: answer while %s", callstate.ErrIllegalTransition, ms.sess.Status)
	}
	if ms.sess.Offer == "" {
		return fmt.Errorf("%w: answer before offer", callstate.ErrIllegalTransition)
	}

	ms.sess.Answer = answer
	c.notifySessionLocked(ms)
	return nil
}

func (c *MemoryChannel) AppendCandidate(ctx context.Context, callID, senderID, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms, err := c.lookupLocked(callID)
	if err != nil {
		return err
	}
	if senderID != ms.sess.CallerID && senderID != ms.sess.CalleeID {
		return fmt.Errorf("%w: sender %q", ErrNotAuthorized, senderID)
	}
	if callstate.Terminal(ms.sess.Status) {
		return fmt.Errorf("%w: %s", ErrTerminal, ms.sess.Status)
	}

	ms.nextSeq++
	cand := Candidate{
		CallID:    callID,
		SenderID:  senderID,
		Payload:   payload,
		Seq:       ms.nextSeq,
		CreatedAt: c.now(),
	}
	ms.candidates = append(ms.candidates, cand)
	for _, cw := range ms.candWatchers {
		if cw.fromSenderID == senderID {
			cw.w.Push(cand)
		}
	}
	return nil
}

func (c *MemoryChannel) SetStatus(ctx context.Context, callID, actorID string, status callstate.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms, err := c.lookupLocked(callID)
	if err != nil {
		return err
	}
	sess := ms.sess
	if actorID != sess.CallerID && actorID != sess.CalleeID {
		return fmt.Errorf("%w: actor %q", ErrNotAuthorized, actorID)
	}
	if err := callstate.CanTransition(sess.Status, status); err != nil {
		return err
	}

	switch callstate.RequiredRole(sess.Status, status) {
	case callstate.RoleCaller:
		if actorID != sess.CallerID {
			return fmt.Errorf("%w: transition to %s is caller-only", ErrNotAuthorized, status)
		}
	case callstate.RoleCallee:
		if actorID != sess.CalleeID {
			return fmt.Errorf("%w: transition to %s is callee-only", ErrNotAuthorized, status)
		}
	}

	if status == callstate.StatusAnswered && (sess.Offer == "" || sess.Answer == "") {
		return fmt.Errorf("%w: answered requires stored offer and answer", callstate.ErrIllegalTransition)
	}

	sess.Status = status
	if callstate.Terminal(status) {
		sess.EndedAt = c.now()
	}
	c.notifySessionLocked(ms)
	return nil
}

func (c *MemoryChannel) WatchSession(ctx context.Context, callID, actorID string) (<-chan SessionEvent, CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms, err := c.lookupLocked(callID)
	if err != nil {
		return nil, nil, err
	}
	if actorID != ms.sess.CallerID && actorID != ms.sess.CalleeID {
		return nil, nil, fmt.Errorf("%w: actor %q", ErrNotAuthorized, actorID)
	}

	w := pump.New[SessionEvent]()
	ms.sessWatchers = append(ms.sessWatchers, w)
	w.Push(SessionEvent{Session: ms.sess.Clone()})

	cancel := func() {
		c.mu.Lock()
		if cur, ok := c.sessions[callID]; ok {
			cur.sessWatchers = removeWatcher(cur.sessWatchers, w)
		}
		c.mu.Unlock()
		w.Stop()
	}
	return w.Out(), cancel, nil
}

func (c *MemoryChannel) WatchCandidates(ctx context.Context, callID, actorID, fromSenderID string) (<-chan Candidate, CancelFunc, error) {
	if fromSenderID == "" {
		return nil, nil, ErrEmptyIdentity
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ms, err := c.lookupLocked(callID)
	if err != nil {
		return nil, nil, err
	}
	sess := ms.sess
	if actorID != sess.CallerID && actorID != sess.CalleeID {
		return nil, nil, fmt.Errorf("%w: actor %q", ErrNotAuthorized, actorID)
	}
	// A candidate partition is readable by the other party only; a sender
	// never reads its own back, and strangers read nothing.
	if fromSenderID == actorID || (fromSenderID != sess.CallerID && fromSenderID != sess.CalleeID) {
		return nil, nil, fmt.Errorf("%w: candidates from %q are not readable by %q", ErrNotAuthorized, fromSenderID, actorID)
	}

	cw := &candWatcher{fromSenderID: fromSenderID, w: pump.New[Candidate]()}
	ms.candWatchers = append(ms.candWatchers, cw)
	for _, cand := range ms.candidates {
		if cand.SenderID == fromSenderID {
			cw.w.Push(cand)
		}
	}

	cancel := func() {
		c.mu.Lock()
		if cur, ok := c.sessions[callID]; ok {
			for i, other := range cur.candWatchers {
				if other == cw {
					cur.candWatchers = append(cur.candWatchers[:i], cur.candWatchers[i+1:]...)
					break
				}
			}
		}
		c.mu.Unlock()
		cw.w.Stop()
	}
	return cw.w.Out(), cancel, nil
}

func (c *MemoryChannel) WatchIncoming(ctx context.Context, calleeID string) (<-chan *Session, CancelFunc, error) {
	if calleeID == "" {
		return nil, nil, ErrEmptyIdentity
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClosed
	}

	w := pump.New[*Session]()
	c.incoming[calleeID] = append(c.incoming[calleeID], w)

	// Replay the most recent pending session already naming this callee so a
	// client that reconnects mid-ring still sees the call.
	var latest *Session
	for _, ms := range c.sessions {
		s := ms.sess
		if s.CalleeID != calleeID || s.Status != callstate.StatusPending {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest != nil {
		w.Push(latest.Clone())
	}

	cancel := func() {
		c.mu.Lock()
		c.incoming[calleeID] = removeWatcher(c.incoming[calleeID], w)
		c.mu.Unlock()
		w.Stop()
	}
	return w.Out(), cancel, nil
}

func (c *MemoryChannel) DeleteCandidates(ctx context.Context, callID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if ms, ok := c.sessions[callID]; ok {
		ms.candidates = nil
	}
	return nil
}

// RemoveSession drops the session record entirely, as external-store
// housekeeping might. Session watchers receive a removed event.
func (c *MemoryChannel) RemoveSession(callID string) {
	c.mu.Lock()
	ms, ok := c.sessions[callID]
	if ok {
		delete(c.sessions, callID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	for _, w := range ms.sessWatchers {
		w.Push(SessionEvent{Removed: true})
		w.Finish()
	}
	for _, cw := range ms.candWatchers {
		cw.w.Finish()
	}
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.sessions
	incoming := c.incoming
	c.sessions = make(map[string]*memSession)
	c.incoming = make(map[string][]*pump.Pump[*Session])
	c.mu.Unlock()

	for _, ms := range sessions {
		for _, w := range ms.sessWatchers {
			w.Finish()
		}
		for _, cw := range ms.candWatchers {
			cw.w.Finish()
		}
	}
	for _, ws := range incoming {
		for _, w := range ws {
			w.Finish()
		}
	}
	return nil
}

func (c *MemoryChannel) lookupLocked(callID string) (*memSession, error) {
	if c.closed {
		return nil, ErrClosed
	}
	ms, ok := c.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, callID)
	}
	return ms, nil
}

func (c *MemoryChannel) notifySessionLocked(ms *memSession) {
	for _, w := range ms.sessWatchers {
		w.Push(SessionEvent{Session: ms.sess.Clone()})
	}
}

func removeWatcher[T any](ws []*pump.Pump[T], target *pump.Pump[T]) []*pump.Pump[T] {
	for i, w := range ws {
		if w == target {
			return append(ws[:i], ws[i+1:]...)
		}
	}
	return ws
}
