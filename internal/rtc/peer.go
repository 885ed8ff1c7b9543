// Package rtc wraps a single peer connection behind a narrow contract so
// call sessions and the group mesh can be driven with fakes in tests.
package rtc

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
)

var (
	// ErrNoVideoSender reports a video track replacement on a connection
	// that never negotiated outgoing video.
	ErrNoVideoSender = errors.New("rtc: no video sender")
	// ErrClosed reports use of a closed peer.
	ErrClosed = errors.New("rtc: peer closed")
)

// Peer is one peer connection. Handlers must be registered before the
// first offer or answer is created so early candidates are not missed.
type Peer interface {
	// AddTrack attaches a local capture track and starts its RTP flow
	// with the negotiated SSRC.
	AddTrack(t media.Track) error
	// ReplaceVideoTrack swaps the outgoing video source on the existing
	// sender without renegotiation.
	ReplaceVideoTrack(t media.Track) error

	// CreateOffer generates and applies the local offer. Candidates
	// trickle through the OnLocalCandidate handler afterward.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	// AcceptAnswer applies the remote answer to a previously created
	// offer.
	AcceptAnswer(ctx context.Context, sdp string) error
	// AddRemoteCandidate feeds one remote candidate in. Candidates that
	// arrive before the remote description are buffered and applied on
	// flush; duplicates are dropped.
	AddRemoteCandidate(candidate string) error
	// RestartICE creates an ICE-restart offer and waits for gathering to
	// complete so the new offer carries fresh candidates.
	RestartICE(ctx context.Context) (string, error)

	OnLocalCandidate(fn func(candidate string))
	OnStateChange(fn func(state webrtc.PeerConnectionState))
	OnRemoteTrack(fn func(track *webrtc.TrackRemote))

	ConnectionState() webrtc.PeerConnectionState
	Stats() webrtc.StatsReport
	Close() error
}

// Factory builds peers. The production factory carries the media engine
// so every connection negotiates the capture codecs.
type Factory interface {
	NewPeer(ctx context.Context, servers []webrtc.ICEServer) (Peer, error)
}
