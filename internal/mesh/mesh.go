// Package mesh coordinates full-mesh group calls. Every participant keeps
// one peer connection per remote member, and for each pair exactly one
// side initiates the offer, decided by a total order over user ids.
// Participant rows are the roster's source of truth; pair records carry
// each link's negotiation state.
package mesh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/callstore"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/config"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/directory"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/identity"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/media"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/push"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/rtc"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/signal"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/turncreds"
)

var (
	// ErrNotGroup reports a join against a 1:1 call row.
	ErrNotGroup = errors.New("mesh: call is not a group call")
	// ErrEnded reports an operation against an already-terminal call.
	ErrEnded = errors.New("mesh: call already ended")
	// ErrCallFull reports that the participant cap leaves no seat.
	ErrCallFull = errors.New("mesh: participant limit reached")
	// ErrSharing reports a second screen share while one is running.
	ErrSharing = errors.New("mesh: screen share already running")
	// ErrNotSharing reports a share-stop with no share running.
	ErrNotSharing = errors.New("mesh: no screen share in progress")
	// ErrNoVideo reports a video operation on a voice-only group call.
	ErrNoVideo = errors.New("mesh: call has no video track")
	// ErrPairLost is surfaced when a pair transport failed and the single
	// fresh-offer attempt did not bring it back.
	ErrPairLost = errors.New("mesh: participant connection lost")
)

// defaultMaxParticipants caps the mesh when neither the call row nor the
// configuration carries a limit.
const defaultMaxParticipants = 8

// initiates reports whether a initiates the pair offer toward b. The
// smaller user id always offers, so for any pair exactly one side does.
func initiates(a, b string) bool { return a < b }

// Member is one remote participant as the local side sees them: their
// persisted row state plus the local link's transport condition.
type Member struct {
	Profile       directory.Profile
	Status        callstore.ParticipantStatus
	Muted         bool
	VideoOff      bool
	ScreenSharing bool
	Connected     bool
}

// UpdateKind tags a coordinator update for the UI layer.
type UpdateKind string

const (
	// UpdateRoster carries a fresh member snapshot after any change.
	UpdateRoster UpdateKind = "roster_changed"
	// UpdateRemoteTrack delivers an incoming media track from a member.
	UpdateRemoteTrack UpdateKind = "remote_track"
	// UpdateError surfaces a non-fatal mesh failure.
	UpdateError UpdateKind = "mesh_error"
	// UpdateEnded announces the coordinator is finished.
	UpdateEnded UpdateKind = "call_ended"
)

// Update is one coordinator notification. Delivery follows the notify
// callback's semantics; the roster snapshot is always self-contained.
type Update struct {
	Kind    UpdateKind
	CallID  string
	From    string
	Members []Member
	Track   *webrtc.TrackRemote
	Err     error
}

// Deps bundles the collaborators a coordinator needs. Push and Directory
// may be nil; everything else is required.
type Deps struct {
	Store     callstore.Store
	Feed      signal.Feed
	Media     media.Engine
	Peers     rtc.Factory
	ICE       turncreds.Provider
	Push      push.Dispatcher
	Directory directory.Directory
	Self      identity.Identity
	Audio     media.AudioProcessing
	Quality   config.QualityConfig
	Calls     config.CallsConfig
}

// link is one mesh pair from the local side. recFrom and recTo give the
// canonical pair record direction: the initiator is always recFrom.
type link struct {
	remoteID  string
	initiator bool
	recFrom   string
	recTo     string
	peer      rtc.Peer
	lastOffer string
	rebuilt   bool
}

// pairCandidate and pairState carry transport callbacks onto the event
// loop tagged with the link they belong to.
type pairCandidate struct {
	remoteID  string
	candidate string
}

type pairState struct {
	remoteID string
	state    webrtc.PeerConnectionState
}

// Coordinator runs one group call for the local user. A single event loop
// consumes feed events and transport callbacks in arrival order; teardown
// is idempotent across every exit path.
type Coordinator struct {
	log    calllog.Logger
	deps   Deps
	notify func(Update)

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	candCh  chan pairCandidate
	stateCh chan pairState

	cleaning atomic.Bool

	mu       sync.Mutex
	callID   string
	chatID   string
	callType callstore.CallType
	tier     media.VideoTier
	stream   media.Stream
	screen   media.Stream
	links    map[string]*link
	members  map[string]*Member
	muted    bool
	videoOff bool
	sharing  bool
	joined   bool
	sub      signal.Subscription
	loopDone chan struct{}
}

func newCoordinator(deps Deps, notify func(Update)) *Coordinator {
	tier, err := media.ParseTier(deps.Quality.InitialTier, deps.Media.Class())
	if err != nil {
		tier = media.ClampTier(media.TierHigh, deps.Media.Class())
	}
	lifeCtx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		log:        calllog.L().Named("mesh"),
		deps:       deps,
		notify:     notify,
		lifeCtx:    lifeCtx,
		lifeCancel: cancel,
		candCh:     make(chan pairCandidate, 64),
		stateCh:    make(chan pairState, 16),
		links:      make(map[string]*link),
		members:    make(map[string]*Member),
		tier:       tier,
	}
}

// ---- accessors ----

func (c *Coordinator) CallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callID
}

func (c *Coordinator) ChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

func (c *Coordinator) CallType() callstore.CallType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callType
}

func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Coordinator) VideoOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoOff
}

// Sharing reports whether a screen share is running.
func (c *Coordinator) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing
}

// Ended reports whether the coordinator has torn down.
func (c *Coordinator) Ended() bool {
	return c.cleaning.Load()
}

// Members returns the roster snapshot sorted by user id.
func (c *Coordinator) Members() []Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.membersLocked()
}

func (c *Coordinator) membersLocked() []Member {
	out := make([]Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Profile.UserID < out[j].Profile.UserID
	})
	return out
}

// ---- update plumbing ----

func (c *Coordinator) emit(u Update) {
	u.CallID = c.CallID()
	if c.notify != nil {
		c.notify(u)
	}
}

func (c *Coordinator) emitRoster() {
	c.mu.Lock()
	members := c.membersLocked()
	c.mu.Unlock()
	c.emit(Update{Kind: UpdateRoster, Members: members})
}
