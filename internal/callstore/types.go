// Package callstore persists call, participant, and peer-connection rows.
// The rows double as the signaling substrate: offers, answers, and ICE
// candidates live on them, and every write is mirrored onto the realtime
// feed by the writer.
package callstore

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// CallType distinguishes voice-only from video calls.
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// CallStatus is the persisted call lifecycle state.
// Keep values stable: they are persisted and exchanged over the feed.
type CallStatus string

const (
	CallPending  CallStatus = "pending"
	CallRinging  CallStatus = "ringing"
	CallActive   CallStatus = "active"
	CallEnded    CallStatus = "ended"
	CallRejected CallStatus = "rejected"
)

// Terminal reports whether the status absorbs further transitions.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallRejected
}

// Call is one call session row.
type Call struct {
	ID              string         `db:"id" json:"id"`
	CallerID        string         `db:"caller_id" json:"caller_id"`
	CalleeID        string         `db:"callee_id" json:"callee_id"`
	ChatID          string         `db:"chat_id" json:"chat_id"`
	CallType        CallType       `db:"call_type" json:"call_type"`
	Status          CallStatus     `db:"status" json:"status"`
	IsGroupCall     bool           `db:"is_group_call" json:"is_group_call"`
	MaxParticipants int            `db:"max_participants" json:"max_participants"`
	Offer           sql.NullString `db:"offer" json:"-"`
	Answer          sql.NullString `db:"answer" json:"-"`
	ICECandidates   pq.StringArray `db:"ice_candidates" json:"-"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	StartedAt       sql.NullTime   `db:"started_at" json:"-"`
	EndedAt         sql.NullTime   `db:"ended_at" json:"-"`
}

// ParticipantStatus is the persisted per-user state within a group call.
// Keep values stable: they are persisted and exchanged over the feed.
type ParticipantStatus string

const (
	ParticipantPending    ParticipantStatus = "pending"
	ParticipantRinging    ParticipantStatus = "ringing"
	ParticipantConnecting ParticipantStatus = "connecting"
	ParticipantActive     ParticipantStatus = "active"
	ParticipantLeft       ParticipantStatus = "left"
)

// Participant is one user's row within a call. At most one non-left row
// exists per (call, user).
type Participant struct {
	CallID          string            `db:"call_id" json:"call_id"`
	UserID          string            `db:"user_id" json:"user_id"`
	Status          ParticipantStatus `db:"status" json:"status"`
	IsMuted         bool              `db:"is_muted" json:"is_muted"`
	IsVideoOff      bool              `db:"is_video_off" json:"is_video_off"`
	IsScreenSharing bool              `db:"is_screen_sharing" json:"is_screen_sharing"`
	JoinedAt        sql.NullTime      `db:"joined_at" json:"-"`
	LeftAt          sql.NullTime      `db:"left_at" json:"-"`
}

// ParticipantFlagPatch updates a subset of participant media flags.
// Nil fields are left untouched.
type ParticipantFlagPatch struct {
	Muted         *bool
	VideoOff      *bool
	ScreenSharing *bool
}

// PeerConnectionRecord carries the negotiation state for one directed
// (from, to) pair within a group call. A fresh offer supersedes the pair's
// previous record.
type PeerConnectionRecord struct {
	CallID          string         `db:"call_id" json:"call_id"`
	FromUserID      string         `db:"from_user_id" json:"from_user_id"`
	ToUserID        string         `db:"to_user_id" json:"to_user_id"`
	Offer           sql.NullString `db:"offer" json:"-"`
	Answer          sql.NullString `db:"answer" json:"-"`
	ICECandidates   pq.StringArray `db:"ice_candidates" json:"-"`
	ConnectionState string         `db:"connection_state" json:"connection_state"`
}

// QualitySample is one quality monitor report persisted for post-call
// inspection.
type QualitySample struct {
	CallID        string    `db:"call_id" json:"call_id"`
	UserID        string    `db:"user_id" json:"user_id"`
	SampledAt     time.Time `db:"sampled_at" json:"sampled_at"`
	LatencyMs     float64   `db:"latency_ms" json:"latency_ms"`
	JitterMs      float64   `db:"jitter_ms" json:"jitter_ms"`
	PacketLossPct float64   `db:"packet_loss_pct" json:"packet_loss_pct"`
	AudioKbps     float64   `db:"audio_kbps" json:"audio_kbps"`
	VideoKbps     float64   `db:"video_kbps" json:"video_kbps"`
	Level         string    `db:"level" json:"level"`
	PathType      string    `db:"path_type" json:"path_type"`
}
