// Package media defines the local media source consumed by the peer
// connection controller. Capture hardware access is pluggable; the device
// implementation lives behind a build tag and tests substitute fakes.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Kind selects which tracks to capture.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ErrCaptureUnavailable reports that local capture failed: permission denied,
// no device present, or the platform build has no capture support.
var ErrCaptureUnavailable = errors.New("media: capture unavailable")

// Source acquires local media for a call.
type Source interface {
	Acquire(ctx context.Context, kind Kind) (*Local, error)
}

// Local owns the captured local tracks for one call. Close is idempotent and
// must be called on every exit path from a call.
type Local struct {
	tracks []webrtc.TrackLocal

	closeOnce sync.Once
	closeFn   func()
}

// NewLocal wraps captured tracks and their release function.
func NewLocal(tracks []webrtc.TrackLocal, closeFn func()) *Local {
	return &Local{tracks: tracks, closeFn: closeFn}
}

func (l *Local) Tracks() []webrtc.TrackLocal {
	if l == nil {
		return nil
	}
	return l.tracks
}

func (l *Local) Close() {
	if l == nil {
		return
	}
	l.closeOnce.Do(func() {
		if l.closeFn != nil {
			l.closeFn()
		}
	})
}
