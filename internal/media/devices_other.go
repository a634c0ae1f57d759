//go:build !linux || !cgo

package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// DeviceSource has no capture backend on this platform. Acquire always fails
// with ErrCaptureUnavailable, which callers handle the same way as a missing
// device.
type DeviceSource struct {
	log *slog.Logger
}

func NewDeviceSource(logger *slog.Logger) (*DeviceSource, error) {
	return &DeviceSource{log: logger}, nil
}

func (s *DeviceSource) PopulateEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (s *DeviceSource) Acquire(ctx context.Context, kind Kind) (*Local, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: no capture backend on this platform", ErrCaptureUnavailable)
}
