package session

import (
	"github.com/pion/webrtc/v4"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/callstore"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/directory"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/quality"
)

// UpdateKind tags the UI-facing updates a session emits.
type UpdateKind string

const (
	// UpdateIncoming announces a new inbound call awaiting accept/reject.
	UpdateIncoming UpdateKind = "incoming_call"
	// UpdateState announces a session lifecycle transition.
	UpdateState UpdateKind = "state_changed"
	// UpdateRemoteTrack announces a newly arrived remote media track.
	UpdateRemoteTrack UpdateKind = "remote_track"
	// UpdateQuality carries one connection quality sample.
	UpdateQuality UpdateKind = "quality_sample"
	// UpdateTier announces a video tier change on the outgoing stream.
	UpdateTier UpdateKind = "tier_changed"
	// UpdateError surfaces a non-fatal in-call error banner.
	UpdateError UpdateKind = "call_error"
)

// Update is one UI-facing event. Only the fields relevant to the Kind are
// populated. Delivery is lossy under consumer backpressure; consumers can
// re-read session accessors for current state.
type Update struct {
	Kind     UpdateKind
	CallID   string
	State    State
	Remote   directory.Profile
	CallType callstore.CallType
	IsGroup  bool
	Sample   *quality.Sample
	Tier     media.VideoTier
	Track    *webrtc.TrackRemote
	Err      error
}
