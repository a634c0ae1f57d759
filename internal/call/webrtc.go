package call

import (
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/solstice-social/solstice-calls/internal/media"
	"github.com/solstice-social/solstice-calls/internal/webrtcpeer"
)

// WebRTCControllers builds the production controller factory: one
// webrtcpeer.Controller per call, sharing the given API and ICE servers.
func WebRTCControllers(api *webrtc.API, iceServers []webrtc.ICEServer, source media.Source, logger *slog.Logger) ControllerFactory {
	return func(events ControllerEvents) (PeerController, error) {
		return webrtcpeer.New(webrtcpeer.Config{
			API:        api,
			ICEServers: iceServers,
			Media:      source,
			Logger:     logger,
			Hooks: webrtcpeer.Hooks{
				OnLocalCandidate: events.OnLocalCandidate,
				OnRemoteTrack: func(track *webrtc.TrackRemote) {
					if events.OnRemoteTrack != nil {
						events.OnRemoteTrack(remoteTrack{track})
					}
				},
				OnConnected: events.OnConnected,
				OnFailed:    events.OnFailed,
			},
		})
	}
}

type remoteTrack struct{ *webrtc.TrackRemote }

func (r remoteTrack) Kind() string { return r.TrackRemote.Kind().String() }
