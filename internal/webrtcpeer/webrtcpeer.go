// Package webrtcpeer owns the RTCPeerConnection lifecycle for one call:
// building the webrtc API, producing and consuming session descriptions, and
// feeding trickled ICE candidates in both directions. It never talks to the
// signaling channel; callers move the opaque payloads.
package webrtcpeer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// APIOptions configures the shared webrtc API that PeerConnections are built
// from. The zero value registers the default codecs on a real network.
type APIOptions struct {
	// PopulateEngine registers codecs on the media engine. Capture sources
	// that encode locally must register their own codecs here so the tracks
	// they produce can bind. Defaults to RegisterDefaultCodecs.
	PopulateEngine func(*webrtc.MediaEngine) error

	// Net substitutes the network stack, used by tests to run over vnet.
	Net transport.Net

	// ICE liveness tuning. Zero values keep pion defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

func NewAPI(opts APIOptions) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	populate := opts.PopulateEngine
	if populate == nil {
		populate = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := populate(mediaEngine); err != nil {
		return nil, fmt.Errorf("populate media engine: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	if opts.DisconnectedTimeout > 0 || opts.FailedTimeout > 0 || opts.KeepAliveInterval > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// Session descriptions and ICE candidates travel through the signaling
// channel as opaque JSON strings. Both ends of a call must agree on these
// encodings; nothing in between inspects them.

func EncodeSessionDescription(sd *webrtc.SessionDescription) (string, error) {
	if sd == nil || sd.SDP == "" {
		return "", fmt.Errorf("empty session description")
	}
	b, err := json.Marshal(sd)
	if err != nil {
		return "", fmt.Errorf("encode session description: %w", err)
	}
	return string(b), nil
}

func DecodeSessionDescription(payload string) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal([]byte(payload), &sd); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decode session description: %w", err)
	}
	if sd.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("decode session description: missing sdp")
	}
	return sd, nil
}

func EncodeCandidate(c *webrtc.ICECandidate) (string, error) {
	b, err := json.Marshal(c.ToJSON())
	if err != nil {
		return "", fmt.Errorf("encode ice candidate: %w", err)
	}
	return string(b), nil
}

func DecodeCandidate(payload string) (webrtc.ICECandidateInit, error) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &init); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode ice candidate: %w", err)
	}
	if init.Candidate == "" {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode ice candidate: missing candidate")
	}
	return init, nil
}
