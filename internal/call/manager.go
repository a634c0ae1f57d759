// Package call orchestrates one user's calls end to end: outbound dialing,
// the incoming-call watcher, answer/decline/hangup, and the teardown path
// that keeps store state, the peer connection, and presentation state
// consistent.
//
// All state lives on a single run loop. Actions and asynchronous events
// (store watches, peer connection callbacks) are funneled through channels,
// so no handler ever races another.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/solstice-social/solstice-calls/internal/callstate"
	"github.com/solstice-social/solstice-calls/internal/identity"
	"github.com/solstice-social/solstice-calls/internal/media"
	"github.com/solstice-social/solstice-calls/internal/metrics"
	"github.com/solstice-social/solstice-calls/internal/signaling"
)

var (
	ErrBusy         = errors.New("call: another call is active")
	ErrNoIncoming   = errors.New("call: no incoming call to act on")
	ErrNoActiveCall = errors.New("call: no active call")
	ErrStopped      = errors.New("call: manager stopped")
)

// RemoteMedia is an opaque handle to one inbound media track.
type RemoteMedia interface {
	// Kind reports "audio" or "video".
	Kind() string
}

// PeerController owns the peer connection for exactly one call. A controller
// is built fresh per call and torn down with it.
type PeerController interface {
	StartAsCaller(ctx context.Context, kind media.Kind) (offer string, err error)
	StartAsCallee(ctx context.Context, offer string, kind media.Kind) (answer string, err error)
	AcceptAnswer(payload string) error
	ApplyRemoteCandidate(payload string) error
	ToggleAudio() (muted bool, err error)
	ToggleVideo() (off bool, err error)
	LocalMedia() *media.Local
	Teardown()
}

// ControllerEvents are the callbacks a controller reports through. They may
// be invoked from any goroutine.
type ControllerEvents struct {
	OnLocalCandidate func(payload string)
	OnRemoteTrack    func(RemoteMedia)
	OnConnected      func()
	OnFailed         func(err error)
}

// ControllerFactory builds the controller for one call.
type ControllerFactory func(events ControllerEvents) (PeerController, error)

type Config struct {
	// SelfID is the local user's identifier; it signs every store write.
	SelfID      string
	Channel     signaling.Channel
	Controllers ControllerFactory
	Identity    identity.Provider
	Logger      *slog.Logger
	Metrics     *metrics.Metrics

	// ActionTimeout bounds each store write made on behalf of an action or
	// event. Defaults to 10s.
	ActionTimeout time.Duration
}

// CallInfo is a snapshot of the active call for presentation.
type CallInfo struct {
	ID       string
	PeerID   string
	Kind     signaling.MediaKind
	Status   callstate.Status
	IsCaller bool
	Muted    bool
	VideoOff bool
	Local    *media.Local
	Remote   []RemoteMedia
}

// IncomingCall is a surfaced ring: a pending session naming this user as
// callee, decorated with the caller's profile.
type IncomingCall struct {
	CallID string
	Kind   signaling.MediaKind
	Caller identity.Profile
}

// State is the reactive snapshot handed to subscribers. Err holds the most
// recent action or event failure and clears on the next successful action.
type State struct {
	Call     *CallInfo
	Incoming *IncomingCall
	Err      error
}

type Manager struct {
	cfg Config
	log *slog.Logger
	m   *metrics.Metrics

	cmds   chan func()
	events chan event

	runCtx  context.Context
	cancel  context.CancelFunc
	runDone chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool

	cancelIncomingWatch signaling.CancelFunc

	// Loop-owned. Never touched outside the run loop after Start.
	active   *activeCall
	incoming *ringingCall
	lastErr  error
	gen      uint64

	stateMu sync.Mutex
	state   State
	subs    map[int]chan State
	nextSub int
}

type activeCall struct {
	gen      uint64
	id       string
	peerID   string
	kind     signaling.MediaKind
	isCaller bool
	status   callstate.Status
	ctrl     PeerController

	cancelSession    signaling.CancelFunc
	cancelCandidates signaling.CancelFunc

	answerApplied bool
	muted         bool
	videoOff      bool
	remote        []RemoteMedia
}

type ringingCall struct {
	sess        *signaling.Session
	caller      identity.Profile
	cancelWatch signaling.CancelFunc
}

func New(cfg Config) (*Manager, error) {
	if cfg.SelfID == "" {
		return nil, signaling.ErrEmptyIdentity
	}
	if cfg.Channel == nil {
		return nil, errors.New("call: signaling channel is required")
	}
	if cfg.Controllers == nil {
		return nil, errors.New("call: controller factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		log:     cfg.Logger.With("self_id", cfg.SelfID),
		m:       cfg.Metrics,
		cmds:    make(chan func()),
		events:  make(chan event, 64),
		runDone: make(chan struct{}),
		subs:    make(map[int]chan State),
	}, nil
}

// Start subscribes the incoming-call watcher and launches the run loop. The
// watcher lives for the whole session, not per call; ctx cancellation is
// equivalent to Stop.
func (m *Manager) Start(ctx context.Context) error {
	var startErr error
	m.startOnce.Do(func() {
		m.runCtx, m.cancel = context.WithCancel(ctx)

		sessions, cancelWatch, err := m.cfg.Channel.WatchIncoming(m.runCtx, m.cfg.SelfID)
		if err != nil {
			m.cancel()
			close(m.runDone)
			startErr = err
			return
		}
		m.cancelIncomingWatch = cancelWatch
		m.started = true

		go func() {
			for sess := range sessions {
				m.post(evIncoming{sess: sess})
			}
		}()
		go m.run()
	})
	return startErr
}

// Stop ends any active call, cancels the incoming-call watcher, and waits for
// the run loop to drain.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if !m.started {
			return
		}
		m.cancel()
		<-m.runDone
	})
}

// StartCall dials calleeID. Fails with ErrBusy while any call is active.
func (m *Manager) StartCall(ctx context.Context, calleeID string, kind signaling.MediaKind) error {
	var err error
	if derr := m.do(ctx, func() { err = m.handleStartCall(calleeID, kind) }); derr != nil {
		return derr
	}
	return err
}

// Answer accepts the currently surfaced incoming call.
func (m *Manager) Answer(ctx context.Context) error {
	var err error
	if derr := m.do(ctx, func() { err = m.handleAnswer() }); derr != nil {
		return derr
	}
	return err
}

// Decline rejects the currently surfaced incoming call without ever building
// a peer connection.
func (m *Manager) Decline(ctx context.Context) error {
	var err error
	if derr := m.do(ctx, func() { err = m.handleDecline() }); derr != nil {
		return derr
	}
	return err
}

// End hangs up the active call. Calling it with no active call is a no-op;
// hanging up twice never produces extra store writes.
func (m *Manager) End(ctx context.Context) error {
	var err error
	if derr := m.do(ctx, func() { err = m.handleEnd() }); derr != nil {
		return derr
	}
	return err
}

// ToggleMute flips the outgoing audio track and reports the new muted state.
func (m *Manager) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	var err error
	if derr := m.do(ctx, func() { muted, err = m.handleToggle(true) }); derr != nil {
		return false, derr
	}
	return muted, err
}

// ToggleVideo flips the outgoing video track and reports whether video is now
// off.
func (m *Manager) ToggleVideo(ctx context.Context) (bool, error) {
	var off bool
	var err error
	if derr := m.do(ctx, func() { off, err = m.handleToggle(false) }); derr != nil {
		return false, derr
	}
	return off, err
}

// State returns the latest published snapshot.
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// Subscribe registers for state snapshots. Delivery is latest-wins: a slow
// subscriber only ever misses intermediate states, never the newest one.
func (m *Manager) Subscribe() (<-chan State, signaling.CancelFunc) {
	ch := make(chan State, 1)

	m.stateMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = ch
	ch <- m.state
	m.stateMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.stateMu.Lock()
			delete(m.subs, id)
			m.stateMu.Unlock()
		})
	}
	return ch, cancel
}

// do runs fn on the loop and waits for it to finish.
func (m *Manager) do(ctx context.Context, fn func()) error {
	if m.runCtx == nil {
		return ErrStopped
	}
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}

	select {
	case m.cmds <- wrapped:
	case <-m.runCtx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-m.runDone:
		return ErrStopped
	}
}

func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.runCtx.Done():
	}
}

// publish rebuilds the snapshot from loop state and fans it out.
func (m *Manager) publish() {
	st := State{Err: m.lastErr}
	if a := m.active; a != nil {
		info := CallInfo{
			ID:       a.id,
			PeerID:   a.peerID,
			Kind:     a.kind,
			Status:   a.status,
			IsCaller: a.isCaller,
			Muted:    a.muted,
			VideoOff: a.videoOff,
			Local:    a.ctrl.LocalMedia(),
			Remote:   append([]RemoteMedia(nil), a.remote...),
		}
		st.Call = &info
	}
	if r := m.incoming; r != nil {
		st.Incoming = &IncomingCall{
			CallID: r.sess.ID,
			Kind:   r.sess.Kind,
			Caller: r.caller,
		}
	}

	m.stateMu.Lock()
	m.state = st
	for _, ch := range m.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
	m.stateMu.Unlock()
}

func (m *Manager) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(m.runCtx, m.cfg.ActionTimeout)
}
