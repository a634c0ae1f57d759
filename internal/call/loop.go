package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/solstice-social/solstice-calls/internal/callstate"
	"github.com/solstice-social/solstice-calls/internal/identity"
	"github.com/solstice-social/solstice-calls/internal/media"
	"github.com/solstice-social/solstice-calls/internal/metrics"
	"github.com/solstice-social/solstice-calls/internal/signaling"
)

// Events delivered to the run loop. Call-scoped events carry the generation
// of the call they belong to; events from a torn-down call are dropped.
type event interface{ callGen() uint64 }

type evIncoming struct{ sess *signaling.Session }

type evIncomingGone struct{ callID string }

type evSession struct {
	gen uint64
	ev  signaling.SessionEvent
}

type evCandidate struct {
	gen     uint64
	payload string
}

type evLocalCandidate struct {
	gen     uint64
	payload string
}

type evRemoteTrack struct {
	gen   uint64
	track RemoteMedia
}

type evConnected struct{ gen uint64 }

type evPeerFailed struct {
	gen uint64
	err error
}

func (evIncoming) callGen() uint64         { return 0 }
func (evIncomingGone) callGen() uint64     { return 0 }
func (e evSession) callGen() uint64        { return e.gen }
func (e evCandidate) callGen() uint64      { return e.gen }
func (e evLocalCandidate) callGen() uint64 { return e.gen }
func (e evRemoteTrack) callGen() uint64    { return e.gen }
func (e evConnected) callGen() uint64      { return e.gen }
func (e evPeerFailed) callGen() uint64     { return e.gen }

func (m *Manager) run() {
	defer func() {
		// Logout path: the active call ends like a hangup, the incoming
		// watcher dies, presentation state clears.
		if m.active != nil {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ActionTimeout)
			m.finishCall(ctx, true, callstate.StatusEnded)
			cancel()
		}
		if m.incoming != nil {
			m.incoming.cancelWatch()
			m.incoming = nil
		}
		if m.cancelIncomingWatch != nil {
			m.cancelIncomingWatch()
		}
		m.publish()
		close(m.runDone)
	}()

	for {
		select {
		case fn := <-m.cmds:
			fn()
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-m.runCtx.Done():
			return
		}
	}
}

func (m *Manager) handleEvent(ev event) {
	if gen := ev.callGen(); gen != 0 {
		if m.active == nil || m.active.gen != gen {
			return
		}
	}

	switch ev := ev.(type) {
	case evIncoming:
		m.handleIncoming(ev.sess)
	case evIncomingGone:
		m.handleIncomingGone(ev.callID)
	case evSession:
		m.handleSessionEvent(ev.ev)
	case evCandidate:
		m.handleRemoteCandidate(ev.payload)
	case evLocalCandidate:
		m.handleLocalCandidate(ev.payload)
	case evRemoteTrack:
		m.active.remote = append(m.active.remote, ev.track)
		m.publish()
	case evConnected:
		m.handleConnected()
	case evPeerFailed:
		m.handlePeerFailed(ev.err)
	}
}

// controllerEvents adapts controller callbacks into loop events for one call
// generation.
func (m *Manager) controllerEvents(gen uint64) ControllerEvents {
	return ControllerEvents{
		OnLocalCandidate: func(payload string) { m.post(evLocalCandidate{gen: gen, payload: payload}) },
		OnRemoteTrack:    func(track RemoteMedia) { m.post(evRemoteTrack{gen: gen, track: track}) },
		OnConnected:      func() { m.post(evConnected{gen: gen}) },
		OnFailed:         func(err error) { m.post(evPeerFailed{gen: gen, err: err}) },
	}
}

func (m *Manager) handleStartCall(calleeID string, kind signaling.MediaKind) error {
	if m.active != nil {
		return m.fail(ErrBusy)
	}
	if calleeID == "" {
		return m.fail(signaling.ErrEmptyIdentity)
	}
	if !signaling.ValidMediaKind(kind) {
		return m.fail(fmt.Errorf("call: invalid media kind %q", kind))
	}

	m.gen++
	gen := m.gen

	ctrl, err := m.cfg.Controllers(m.controllerEvents(gen))
	if err != nil {
		return m.fail(err)
	}

	ctx, cancel := m.opCtx()
	defer cancel()

	// Media is acquired before anything is written to the store, so a capture
	// failure leaves no session record behind and the callee never rings.
	offer, err := ctrl.StartAsCaller(ctx, media.Kind(kind))
	if err != nil {
		ctrl.Teardown()
		if errors.Is(err, media.ErrCaptureUnavailable) {
			m.m.Inc(metrics.CaptureFailed)
		}
		return m.fail(err)
	}

	callID, err := m.cfg.Channel.CreateSession(ctx, m.cfg.SelfID, calleeID, kind)
	if err != nil {
		ctrl.Teardown()
		return m.fail(err)
	}
	if err := m.cfg.Channel.PublishOffer(ctx, callID, m.cfg.SelfID, offer); err != nil {
		m.writeTerminal(ctx, callID, callstate.StatusFailed)
		ctrl.Teardown()
		return m.fail(err)
	}

	sessions, cancelSession, err := m.cfg.Channel.WatchSession(m.runCtx, callID, m.cfg.SelfID)
	if err != nil {
		m.writeTerminal(ctx, callID, callstate.StatusFailed)
		ctrl.Teardown()
		return m.fail(err)
	}
	candidates, cancelCandidates, err := m.cfg.Channel.WatchCandidates(m.runCtx, callID, m.cfg.SelfID, calleeID)
	if err != nil {
		cancelSession()
		m.writeTerminal(ctx, callID, callstate.StatusFailed)
		ctrl.Teardown()
		return m.fail(err)
	}

	m.active = &activeCall{
		gen:              gen,
		id:               callID,
		peerID:           calleeID,
		kind:             kind,
		isCaller:         true,
		status:           callstate.StatusPending,
		ctrl:             ctrl,
		cancelSession:    cancelSession,
		cancelCandidates: cancelCandidates,
	}
	m.forwardWatches(gen, sessions, candidates)

	m.m.Inc(metrics.CallCreated)
	m.log.Info("call started", "call_id", callID, "callee_id", calleeID, "kind", string(kind))
	return m.ok()
}

func (m *Manager) handleAnswer() error {
	if m.active != nil {
		return m.fail(ErrBusy)
	}
	if m.incoming == nil {
		return m.fail(ErrNoIncoming)
	}
	ring := m.incoming
	sess := ring.sess

	ctx, cancel := m.opCtx()
	defer cancel()

	// The ring snapshot may predate the caller's offer; follow the session
	// record until the offer lands.
	sessions, cancelSession, err := m.cfg.Channel.WatchSession(m.runCtx, sess.ID, m.cfg.SelfID)
	if err != nil {
		return m.fail(err)
	}
	offer := sess.Offer
	for offer == "" {
		select {
		case ev, ok := <-sessions:
			if !ok {
				cancelSession()
				return m.fail(signaling.ErrClosed)
			}
			if ev.Removed {
				cancelSession()
				m.clearIncoming()
				m.publish()
				return m.fail(signaling.ErrNotFound)
			}
			if callstate.Terminal(ev.Session.Status) {
				cancelSession()
				m.clearIncoming()
				m.publish()
				return m.fail(fmt.Errorf("%w: call already %s", signaling.ErrTerminal, ev.Session.Status))
			}
			offer = ev.Session.Offer
		case <-ctx.Done():
			cancelSession()
			return m.fail(fmt.Errorf("call: waiting for offer: %w", ctx.Err()))
		}
	}

	m.gen++
	gen := m.gen

	ctrl, err := m.cfg.Controllers(m.controllerEvents(gen))
	if err != nil {
		cancelSession()
		return m.fail(err)
	}

	answer, err := ctrl.StartAsCallee(ctx, offer, media.Kind(sess.Kind))
	if err != nil {
		cancelSession()
		ctrl.Teardown()
		if errors.Is(err, media.ErrCaptureUnavailable) {
			m.m.Inc(metrics.CaptureFailed)
		}
		// The ring stays surfaced; the user can retry or decline.
		return m.fail(err)
	}

	if err := m.cfg.Channel.PublishAnswer(ctx, sess.ID, m.cfg.SelfID, answer); err != nil {
		cancelSession()
		ctrl.Teardown()
		return m.fail(err)
	}
	if err := m.cfg.Channel.SetStatus(ctx, sess.ID, m.cfg.SelfID, callstate.StatusAnswered); err != nil {
		cancelSession()
		ctrl.Teardown()
		return m.fail(err)
	}

	candidates, cancelCandidates, err := m.cfg.Channel.WatchCandidates(m.runCtx, sess.ID, m.cfg.SelfID, sess.CallerID)
	if err != nil {
		cancelSession()
		m.writeTerminal(ctx, sess.ID, callstate.StatusFailed)
		ctrl.Teardown()
		return m.fail(err)
	}

	m.clearIncoming()
	m.active = &activeCall{
		gen:              gen,
		id:               sess.ID,
		peerID:           sess.CallerID,
		kind:             sess.Kind,
		isCaller:         false,
		status:           callstate.StatusAnswered,
		ctrl:             ctrl,
		cancelSession:    cancelSession,
		cancelCandidates: cancelCandidates,
	}
	m.forwardWatches(gen, sessions, candidates)

	m.m.Inc(metrics.CallAnswered)
	m.log.Info("call answered", "call_id", sess.ID, "caller_id", sess.CallerID)
	return m.ok()
}

func (m *Manager) handleDecline() error {
	if m.incoming == nil {
		return m.fail(ErrNoIncoming)
	}
	ring := m.incoming

	ctx, cancel := m.opCtx()
	defer cancel()

	err := m.cfg.Channel.SetStatus(ctx, ring.sess.ID, m.cfg.SelfID, callstate.StatusDeclined)
	if err != nil && !errors.Is(err, callstate.ErrAlreadyTerminal) && !errors.Is(err, signaling.ErrNotFound) {
		return m.fail(err)
	}

	m.clearIncoming()
	go m.cleanupCandidates(ring.sess.ID)
	m.m.Inc(metrics.CallDeclined)
	m.log.Info("call declined", "call_id", ring.sess.ID)
	return m.ok()
}

func (m *Manager) handleEnd() error {
	if m.active == nil {
		// Hanging up twice is not an error and writes nothing.
		return m.ok()
	}
	callID := m.active.id

	ctx, cancel := m.opCtx()
	defer cancel()
	m.finishCall(ctx, true, callstate.StatusEnded)

	m.m.Inc(metrics.CallEnded)
	m.log.Info("call ended", "call_id", callID)
	return m.ok()
}

func (m *Manager) handleToggle(audio bool) (bool, error) {
	if m.active == nil {
		return false, m.fail(ErrNoActiveCall)
	}
	var (
		state bool
		err   error
	)
	if audio {
		state, err = m.active.ctrl.ToggleAudio()
		if err == nil {
			m.active.muted = state
		}
	} else {
		state, err = m.active.ctrl.ToggleVideo()
		if err == nil {
			m.active.videoOff = state
		}
	}
	if err != nil {
		return state, m.fail(err)
	}
	return state, m.ok()
}

func (m *Manager) handleSessionEvent(ev signaling.SessionEvent) {
	a := m.active

	if ev.Removed {
		// The record vanished without a terminal status; treat as failed.
		m.log.Warn("call session vanished", "call_id", a.id)
		m.m.Inc(metrics.CallVanished)
		m.lastErr = fmt.Errorf("%w: session removed", signaling.ErrNotFound)
		ctx, cancel := m.opCtx()
		m.finishCall(ctx, false, callstate.StatusFailed)
		cancel()
		m.publish()
		return
	}

	sess := ev.Session
	a.status = sess.Status

	if a.isCaller && sess.Answer != "" && !a.answerApplied {
		a.answerApplied = true
		if err := a.ctrl.AcceptAnswer(sess.Answer); err != nil {
			m.log.Error("applying answer", "call_id", a.id, "error", err)
			m.lastErr = err
			ctx, cancel := m.opCtx()
			m.finishCall(ctx, true, callstate.StatusFailed)
			cancel()
			m.m.Inc(metrics.CallFailed)
			m.publish()
			return
		}
	}

	if callstate.Terminal(sess.Status) {
		switch sess.Status {
		case callstate.StatusDeclined:
			m.m.Inc(metrics.CallDeclined)
		case callstate.StatusFailed:
			m.m.Inc(metrics.CallFailed)
		default:
			m.m.Inc(metrics.CallEnded)
		}
		m.log.Info("call reached terminal status", "call_id", a.id, "status", string(sess.Status))
		ctx, cancel := m.opCtx()
		// The status is already terminal in the store; only local teardown
		// remains.
		m.finishCall(ctx, false, sess.Status)
		cancel()
	}
	m.publish()
}

func (m *Manager) handleRemoteCandidate(payload string) {
	if err := m.active.ctrl.ApplyRemoteCandidate(payload); err != nil {
		// A bad candidate is surfaced but never ends the call; other
		// candidate pairs can still connect.
		m.log.Warn("applying remote candidate", "call_id", m.active.id, "error", err)
		m.m.Inc(metrics.CandidateApplyFailed)
		m.lastErr = err
		m.publish()
	}
}

func (m *Manager) handleLocalCandidate(payload string) {
	ctx, cancel := m.opCtx()
	defer cancel()
	err := m.cfg.Channel.AppendCandidate(ctx, m.active.id, m.cfg.SelfID, payload)
	switch {
	case err == nil:
		m.m.Inc(metrics.CandidateAppended)
	case errors.Is(err, signaling.ErrTerminal), errors.Is(err, signaling.ErrNotFound):
		// The call ended while the candidate was in flight.
	default:
		m.log.Warn("publishing local candidate", "call_id", m.active.id, "error", err)
	}
}

func (m *Manager) handleConnected() {
	a := m.active
	if a.status != callstate.StatusAnswered {
		return
	}
	ctx, cancel := m.opCtx()
	defer cancel()
	// Either side may record in-progress first; losing that race is fine.
	err := m.cfg.Channel.SetStatus(ctx, a.id, m.cfg.SelfID, callstate.StatusInProgress)
	if errors.Is(err, callstate.ErrAlreadyTerminal) {
		// The call is already over in the store; the terminal session event
		// drives teardown, and the local status must not move forward.
		return
	}
	if err != nil && !errors.Is(err, callstate.ErrIllegalTransition) {
		m.log.Warn("recording in-progress", "call_id", a.id, "error", err)
		m.m.Inc(metrics.StatusWriteError)
	}
	a.status = callstate.StatusInProgress
	m.log.Info("call connected", "call_id", a.id)
	m.publish()
}

func (m *Manager) handlePeerFailed(err error) {
	a := m.active
	m.log.Error("peer connection failed", "call_id", a.id, "error", err)
	m.lastErr = err
	ctx, cancel := m.opCtx()
	m.finishCall(ctx, true, callstate.StatusFailed)
	cancel()
	m.m.Inc(metrics.CallFailed)
	m.publish()
}

func (m *Manager) handleIncoming(sess *signaling.Session) {
	if sess == nil || sess.Status != callstate.StatusPending {
		return
	}
	if m.active != nil {
		// Busy: the ring is suppressed entirely; the caller keeps ringing
		// until they give up.
		m.m.Inc(metrics.IncomingSkipped)
		m.log.Info("suppressing incoming call while busy", "call_id", sess.ID, "caller_id", sess.CallerID)
		return
	}
	if m.incoming != nil {
		if m.incoming.sess.ID == sess.ID {
			return
		}
		// Most recent pending call wins the ring surface.
		m.incoming.cancelWatch()
		m.incoming = nil
	}

	caller := identity.Profile{ID: sess.CallerID, DisplayName: sess.CallerID}
	if m.cfg.Identity != nil {
		ctx, cancel := m.opCtx()
		if prof, err := m.cfg.Identity.Lookup(ctx, sess.CallerID); err == nil {
			caller = prof
		} else {
			m.log.Warn("looking up caller profile", "caller_id", sess.CallerID, "error", err)
		}
		cancel()
	}

	// Follow the ringing session so the surface clears if the caller hangs
	// up before we act.
	events, cancelWatch, err := m.cfg.Channel.WatchSession(m.runCtx, sess.ID, m.cfg.SelfID)
	if err != nil {
		m.log.Warn("watching ringing session", "call_id", sess.ID, "error", err)
		cancelWatch = func() {}
	} else {
		callID := sess.ID
		go func() {
			for ev := range events {
				if ev.Removed || (ev.Session != nil && callstate.Terminal(ev.Session.Status)) {
					m.post(evIncomingGone{callID: callID})
					return
				}
			}
		}()
	}

	m.incoming = &ringingCall{sess: sess, caller: caller, cancelWatch: cancelWatch}
	m.m.Inc(metrics.IncomingSurfaced)
	m.log.Info("incoming call", "call_id", sess.ID, "caller_id", sess.CallerID, "kind", string(sess.Kind))
	m.publish()
}

func (m *Manager) handleIncomingGone(callID string) {
	if m.incoming == nil || m.incoming.sess.ID != callID {
		return
	}
	m.log.Info("incoming call withdrawn", "call_id", callID)
	m.clearIncoming()
	m.publish()
}

func (m *Manager) clearIncoming() {
	if m.incoming != nil {
		m.incoming.cancelWatch()
		m.incoming = nil
	}
}

// finishCall runs the teardown sequence for the active call: best-effort
// terminal status write, watch cancellation, controller teardown, state
// clear, then asynchronous candidate cleanup. It is the only place a call is
// dismantled, so teardown happens exactly once per call.
func (m *Manager) finishCall(ctx context.Context, writeStatus bool, status callstate.Status) {
	a := m.active
	if a == nil {
		return
	}
	m.active = nil

	if writeStatus {
		m.writeTerminal(ctx, a.id, status)
	}

	a.cancelSession()
	a.cancelCandidates()
	a.ctrl.Teardown()

	go m.cleanupCandidates(a.id)
}

// writeTerminal is the best-effort status write of the teardown path. Losing
// the race to the peer's own terminal write is expected and not an error.
func (m *Manager) writeTerminal(ctx context.Context, callID string, status callstate.Status) {
	err := m.cfg.Channel.SetStatus(ctx, callID, m.cfg.SelfID, status)
	if err == nil || errors.Is(err, callstate.ErrAlreadyTerminal) || errors.Is(err, signaling.ErrNotFound) {
		return
	}
	m.log.Warn("terminal status write failed", "call_id", callID, "status", string(status), "error", err)
	m.m.Inc(metrics.StatusWriteError)
}

// cleanupCandidates is fire-and-forget housekeeping after a call is over.
// Failures leave stale rows behind; they are counted and logged so the leak
// is observable.
func (m *Manager) cleanupCandidates(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ActionTimeout)
	defer cancel()

	if err := m.cfg.Channel.DeleteCandidates(ctx, callID); err != nil {
		m.log.Warn("candidate cleanup failed", "call_id", callID, "error", err)
		m.m.Inc(metrics.CandidateCleanupFailed)
		return
	}
	m.m.Inc(metrics.CandidateCleanupDone)
}

// fail records err as the visible error; ok clears it. Every action funnels
// through one of the two so the error resets on the next success.
func (m *Manager) fail(err error) error {
	m.lastErr = err
	m.publish()
	return err
}

func (m *Manager) ok() error {
	m.lastErr = nil
	m.publish()
	return nil
}

func (m *Manager) forwardWatches(gen uint64, sessions <-chan signaling.SessionEvent, candidates <-chan signaling.Candidate) {
	go func() {
		for ev := range sessions {
			m.post(evSession{gen: gen, ev: ev})
		}
	}()
	go func() {
		for cand := range candidates {
			m.post(evCandidate{gen: gen, payload: cand.Payload})
		}
	}()
}
