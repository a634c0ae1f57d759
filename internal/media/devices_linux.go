//go:build linux && cgo

package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

// DeviceSource captures from the local camera and microphone. VP8 and Opus
// are the only codecs offered so that both ends negotiate the encoders we can
// actually produce.
type DeviceSource struct {
	log      *slog.Logger
	selector *mediadevices.CodecSelector
}

func NewDeviceSource(logger *slog.Logger) (*DeviceSource, error) {
	vp8, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vp8.BitRate = 500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &DeviceSource{
		log: logger,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vp8),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// PopulateEngine registers the selector's codecs on the media engine used to
// build PeerConnections. Tracks from Acquire only bind to connections created
// from an engine populated here.
func (s *DeviceSource) PopulateEngine(me *webrtc.MediaEngine) error {
	s.selector.Populate(me)
	return nil
}

// Acquire opens capture devices for the given kind. A video call degrades in
// steps when devices are missing: camera+microphone, then camera only, then
// microphone only. Only when every attempt fails is ErrCaptureUnavailable
// returned.
func (s *DeviceSource) Acquire(ctx context.Context, kind Kind) (*Local, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var attempts []mediadevices.MediaStreamConstraints
	if kind == KindVideo {
		attempts = append(attempts,
			mediadevices.MediaStreamConstraints{Video: s.videoConstraint, Audio: s.audioConstraint, Codec: s.selector},
			mediadevices.MediaStreamConstraints{Video: s.videoConstraint, Codec: s.selector},
		)
	}
	attempts = append(attempts,
		mediadevices.MediaStreamConstraints{Audio: s.audioConstraint, Codec: s.selector},
	)

	var lastErr error
	for _, constraints := range attempts {
		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			s.log.Debug("capture attempt failed", "error", err)
			continue
		}

		mdTracks := stream.GetTracks()
		tracks := make([]webrtc.TrackLocal, 0, len(mdTracks))
		for _, track := range mdTracks {
			tracks = append(tracks, track)
		}
		s.log.Info("local media acquired", "kind", string(kind), "tracks", len(tracks))

		return NewLocal(tracks, func() {
			for _, track := range mdTracks {
				if err := track.Close(); err != nil {
					s.log.Warn("closing capture track", "error", err)
				}
			}
		}), nil
	}

	return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, lastErr)
}

func (s *DeviceSource) videoConstraint(c *mediadevices.MediaTrackConstraints) {
	c.Width = prop.Int(640)
	c.Height = prop.Int(480)
}

func (s *DeviceSource) audioConstraint(c *mediadevices.MediaTrackConstraints) {}
