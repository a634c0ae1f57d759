package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/solstice-social/solstice-calls/internal/media"
)

var (
	// ErrNoTrack reports a mute/disable request for a kind the local side
	// never captured.
	ErrNoTrack = errors.New("webrtcpeer: no local track of that kind")

	ErrNotStarted = errors.New("webrtcpeer: controller not started")
)

// Hooks are invoked from pion goroutines; implementations must not call back
// into the Controller synchronously except for ApplyRemoteCandidate and
// Teardown, which are safe.
type Hooks struct {
	// OnLocalCandidate receives each gathered local candidate, already
	// encoded for the signaling channel.
	OnLocalCandidate func(payload string)

	// OnRemoteTrack fires once per inbound media track.
	OnRemoteTrack func(track *webrtc.TrackRemote)

	// OnConnected fires when the connection first reaches the connected
	// state.
	OnConnected func()

	// OnFailed fires when the connection fails permanently.
	OnFailed func(err error)
}

type Config struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Media      media.Source
	Logger     *slog.Logger
	Hooks      Hooks
}

// Controller drives one PeerConnection through a single call. It is not
// reusable: after Teardown a new Controller is built for the next call.
type Controller struct {
	log        *slog.Logger
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	source     media.Source
	hooks      Hooks

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	local     *media.Local
	senders   map[webrtc.RTPCodecType]*senderState
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	teardown sync.Once
}

type senderState struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
	off    bool
}

func New(cfg Config) (*Controller, error) {
	if cfg.Media == nil {
		return nil, fmt.Errorf("webrtcpeer: media source is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := cfg.API
	if api == nil {
		var err error
		if api, err = NewAPI(APIOptions{}); err != nil {
			return nil, err
		}
	}
	return &Controller{
		log:        logger,
		api:        api,
		iceServers: cfg.ICEServers,
		source:     cfg.Media,
		hooks:      cfg.Hooks,
		senders:    make(map[webrtc.RTPCodecType]*senderState),
	}, nil
}

// StartAsCaller acquires local media, builds the PeerConnection, and returns
// the encoded offer. Local capture failure aborts before any connection
// state exists, so there is nothing to tear down besides the Controller
// itself.
func (c *Controller) StartAsCaller(ctx context.Context, kind media.Kind) (string, error) {
	if err := c.start(ctx, kind); err != nil {
		return "", err
	}

	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return EncodeSessionDescription(&offer)
}

// StartAsCallee acquires local media, applies the caller's offer, and returns
// the encoded answer.
func (c *Controller) StartAsCallee(ctx context.Context, offerPayload string, kind media.Kind) (string, error) {
	offer, err := DecodeSessionDescription(offerPayload)
	if err != nil {
		return "", err
	}
	if err := c.start(ctx, kind); err != nil {
		return "", err
	}

	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()

	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	c.flushPending(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return EncodeSessionDescription(&answer)
}

// AcceptAnswer applies the callee's answer on the caller side.
func (c *Controller) AcceptAnswer(payload string) error {
	answer, err := DecodeSessionDescription(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return ErrNotStarted
	}

	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	c.flushPending(pc)
	return nil
}

// ApplyRemoteCandidate feeds one trickled candidate from the peer. Candidates
// arriving before the remote description are buffered and applied once it is
// set; a failure to apply one candidate never fails the connection, other
// candidate pairs can still succeed.
func (c *Controller) ApplyRemoteCandidate(payload string) error {
	init, err := DecodeCandidate(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.pc == nil || !c.remoteSet {
		c.pending = append(c.pending, init)
		c.mu.Unlock()
		return nil
	}
	pc := c.pc
	c.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// ToggleAudio swaps the outgoing audio track out for silence and back.
// Reports the new muted state. No renegotiation happens; the sender stays in
// the SDP.
func (c *Controller) ToggleAudio() (bool, error) {
	return c.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo pauses and resumes the outgoing video track. Reports whether
// video is now off.
func (c *Controller) ToggleVideo() (bool, error) {
	return c.toggle(webrtc.RTPCodecTypeVideo)
}

// LocalMedia exposes the captured tracks for local presentation. Nil until a
// Start call succeeds.
func (c *Controller) LocalMedia() *media.Local {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Teardown closes the PeerConnection and releases capture devices. Safe to
// call multiple times and at any point after New.
func (c *Controller) Teardown() {
	c.teardown.Do(func() {
		c.mu.Lock()
		pc := c.pc
		local := c.local
		c.mu.Unlock()

		if pc != nil {
			if err := pc.Close(); err != nil {
				c.log.Warn("closing peer connection", "error", err)
			}
		}
		local.Close()
	})
}

func (c *Controller) start(ctx context.Context, kind media.Kind) error {
	local, err := c.source.Acquire(ctx, kind)
	if err != nil {
		return err
	}

	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.iceServers})
	if err != nil {
		local.Close()
		return fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.hooks.OnLocalCandidate == nil {
			return
		}
		payload, err := EncodeCandidate(cand)
		if err != nil {
			c.log.Warn("encoding local candidate", "error", err)
			return
		}
		c.hooks.OnLocalCandidate(payload)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info("remote track", "kind", track.Kind().String(), "id", track.ID())
		if c.hooks.OnRemoteTrack != nil {
			c.hooks.OnRemoteTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if c.hooks.OnConnected != nil {
				c.hooks.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if c.hooks.OnFailed != nil {
				c.hooks.OnFailed(errors.New("peer connection failed"))
			}
		}
	})

	haveKind := map[webrtc.RTPCodecType]bool{}
	for _, track := range local.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			local.Close()
			_ = pc.Close()
			return fmt.Errorf("add track: %w", err)
		}
		codecType := track.Kind()
		haveKind[codecType] = true
		c.mu.Lock()
		c.senders[codecType] = &senderState{sender: sender, track: track}
		c.mu.Unlock()
		go drainRTCP(sender)
	}

	// Receive-only transceivers cover the directions we cannot send in, so a
	// degraded capture (no camera) still receives the peer's media.
	wantKinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if kind == media.KindVideo {
		wantKinds = append(wantKinds, webrtc.RTPCodecTypeVideo)
	}
	for _, codecType := range wantKinds {
		if haveKind[codecType] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			local.Close()
			_ = pc.Close()
			return fmt.Errorf("add recvonly transceiver: %w", err)
		}
	}

	c.mu.Lock()
	c.pc = pc
	c.local = local
	c.mu.Unlock()
	return nil
}

func (c *Controller) toggle(codecType webrtc.RTPCodecType) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pc == nil {
		return false, ErrNotStarted
	}
	st, ok := c.senders[codecType]
	if !ok {
		return false, ErrNoTrack
	}

	if st.off {
		if err := st.sender.ReplaceTrack(st.track); err != nil {
			return st.off, fmt.Errorf("resume track: %w", err)
		}
		st.off = false
	} else {
		if err := st.sender.ReplaceTrack(nil); err != nil {
			return st.off, fmt.Errorf("pause track: %w", err)
		}
		st.off = true
	}
	return st.off, nil
}

func (c *Controller) flushPending(pc *webrtc.PeerConnection) {
	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, init := range pending {
		if err := pc.AddICECandidate(init); err != nil {
			c.log.Warn("applying buffered candidate", "error", err)
		}
	}
}

// drainRTCP keeps interceptor feedback (NACK, REMB) flowing for a sender.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
