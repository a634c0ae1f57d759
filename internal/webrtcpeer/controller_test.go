package webrtcpeer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/solstice-social/solstice-calls/internal/media"
	"github.com/solstice-social/solstice-calls/internal/webrtcpeer"
)

type fakeSource struct {
	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample
}

func newFakeSource(t *testing.T) *fakeSource {
	t.Helper()

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "fake")
	if err != nil {
		t.Fatalf("new video track: %v", err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "fake")
	if err != nil {
		t.Fatalf("new audio track: %v", err)
	}
	return &fakeSource{videoTrack: video, audioTrack: audio}
}

func (s *fakeSource) Acquire(_ context.Context, kind media.Kind) (*media.Local, error) {
	tracks := []webrtc.TrackLocal{s.audioTrack}
	if kind == media.KindVideo {
		tracks = append(tracks, s.videoTrack)
	}
	return media.NewLocal(tracks, nil), nil
}

type failingSource struct{}

func (failingSource) Acquire(context.Context, media.Kind) (*media.Local, error) {
	return nil, media.ErrCaptureUnavailable
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestControllerNegotiatesOverVNet(t *testing.T) {
	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apiA, err := webrtcpeer.NewAPI(webrtcpeer.APIOptions{Net: netA})
	if err != nil {
		t.Fatalf("new api A: %v", err)
	}
	apiB, err := webrtcpeer.NewAPI(webrtcpeer.APIOptions{Net: netB})
	if err != nil {
		t.Fatalf("new api B: %v", err)
	}

	candToB := make(chan string, 64)
	candToA := make(chan string, 64)
	connectedA := make(chan struct{}, 1)
	connectedB := make(chan struct{}, 1)
	remoteTracksB := make(chan *webrtc.TrackRemote, 4)

	sourceA := newFakeSource(t)

	ctrlA, err := webrtcpeer.New(webrtcpeer.Config{
		API:    apiA,
		Media:  sourceA,
		Logger: testLogger(),
		Hooks: webrtcpeer.Hooks{
			OnLocalCandidate: func(payload string) { candToB <- payload },
			OnConnected: func() {
				select {
				case connectedA <- struct{}{}:
				default:
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("new controller A: %v", err)
	}
	t.Cleanup(ctrlA.Teardown)

	ctrlB, err := webrtcpeer.New(webrtcpeer.Config{
		API:    apiB,
		Media:  newFakeSource(t),
		Logger: testLogger(),
		Hooks: webrtcpeer.Hooks{
			OnLocalCandidate: func(payload string) { candToA <- payload },
			OnRemoteTrack:    func(track *webrtc.TrackRemote) { remoteTracksB <- track },
			OnConnected: func() {
				select {
				case connectedB <- struct{}{}:
				default:
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("new controller B: %v", err)
	}
	t.Cleanup(ctrlB.Teardown)

	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case payload := <-candToB:
				_ = ctrlB.ApplyRemoteCandidate(payload)
			case payload := <-candToA:
				_ = ctrlA.ApplyRemoteCandidate(payload)
			case <-stop:
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	offer, err := ctrlA.StartAsCaller(ctx, media.KindVideo)
	if err != nil {
		t.Fatalf("start as caller: %v", err)
	}
	answer, err := ctrlB.StartAsCallee(ctx, offer, media.KindVideo)
	if err != nil {
		t.Fatalf("start as callee: %v", err)
	}
	if err := ctrlA.AcceptAnswer(answer); err != nil {
		t.Fatalf("accept answer: %v", err)
	}

	waitSignal := func(ch chan struct{}, what string) {
		t.Helper()
		select {
		case <-ch:
		case <-time.After(20 * time.Second):
			t.Fatalf("timed out waiting for %s", what)
		}
	}
	waitSignal(connectedA, "caller connected")
	waitSignal(connectedB, "callee connected")

	if ctrlA.LocalMedia() == nil {
		t.Fatalf("caller local media handle is nil after start")
	}

	// Keep frames flowing until the callee observes the inbound track.
	go func() {
		ticker := time.NewTicker(33 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = sourceA.videoTrack.WriteSample(pionmedia.Sample{
					Data:     []byte{0x90, 0x00, 0x01, 0x02, 0x03},
					Duration: 33 * time.Millisecond,
				})
			case <-stop:
				return
			}
		}
	}()

	select {
	case track := <-remoteTracksB:
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			t.Errorf("remote track kind = %s, want video", track.Kind())
		}
	case <-time.After(20 * time.Second):
		t.Fatalf("timed out waiting for remote track on callee")
	}

	muted, err := ctrlA.ToggleAudio()
	if err != nil {
		t.Fatalf("toggle audio: %v", err)
	}
	if !muted {
		t.Errorf("first toggle should mute")
	}
	muted, err = ctrlA.ToggleAudio()
	if err != nil {
		t.Fatalf("toggle audio again: %v", err)
	}
	if muted {
		t.Errorf("second toggle should unmute")
	}

	ctrlA.Teardown()
	ctrlA.Teardown() // idempotent
}

func TestControllerCaptureFailureAbortsStart(t *testing.T) {
	ctrl, err := webrtcpeer.New(webrtcpeer.Config{
		Media:  failingSource{},
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(ctrl.Teardown)

	_, err = ctrl.StartAsCaller(context.Background(), media.KindAudio)
	if !errors.Is(err, media.ErrCaptureUnavailable) {
		t.Fatalf("start err = %v, want ErrCaptureUnavailable", err)
	}
	if ctrl.LocalMedia() != nil {
		t.Errorf("local media should be nil after capture failure")
	}
}

func TestControllerBuffersEarlyCandidates(t *testing.T) {
	ctrl, err := webrtcpeer.New(webrtcpeer.Config{
		Media:  newFakeSource(t),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(ctrl.Teardown)

	payload := `{"candidate":"candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host","sdpMid":"0"}`
	if err := ctrl.ApplyRemoteCandidate(payload); err != nil {
		t.Fatalf("candidate before start should buffer, got %v", err)
	}

	if err := ctrl.ApplyRemoteCandidate(`not json`); err == nil {
		t.Fatalf("malformed candidate should error")
	}
}

func TestToggleWithoutStart(t *testing.T) {
	ctrl, err := webrtcpeer.New(webrtcpeer.Config{
		Media:  newFakeSource(t),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	if _, err := ctrl.ToggleAudio(); !errors.Is(err, webrtcpeer.ErrNotStarted) {
		t.Fatalf("toggle err = %v, want ErrNotStarted", err)
	}
}

func TestSessionDescriptionCodec(t *testing.T) {
	sd := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	payload, err := webrtcpeer.EncodeSessionDescription(&sd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := webrtcpeer.DecodeSessionDescription(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != sd.Type || got.SDP != sd.SDP {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := webrtcpeer.EncodeSessionDescription(&webrtc.SessionDescription{}); err == nil {
		t.Errorf("empty description should not encode")
	}
	if _, err := webrtcpeer.DecodeSessionDescription(`{"type":"offer"}`); err == nil {
		t.Errorf("missing sdp should not decode")
	}
}
