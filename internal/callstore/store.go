package callstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no row matches the given id.
	ErrNotFound = errors.New("callstore: not found")
	// ErrOfferAlreadySet is returned when a second offer write is
	// attempted for the same call.
	ErrOfferAlreadySet = errors.New("callstore: offer already set")
	// ErrAnswerAlreadySet is returned when a second answer write is
	// attempted for the same call or pair.
	ErrAnswerAlreadySet = errors.New("callstore: answer already set")
	// ErrNoOffer is returned when an answer is written before any offer
	// exists on the row.
	ErrNoOffer = errors.New("callstore: no offer to answer")
	// ErrCallTerminal is returned when a write targets an ended or
	// rejected call.
	ErrCallTerminal = errors.New("callstore: call already ended")
)

// Store is the call record store. Candidate appends are atomic server-side
// operations: concurrent appends from both call sides never lose updates.
type Store interface {
	CreateCall(ctx context.Context, c *Call) error
	GetCall(ctx context.Context, id string) (*Call, error)
	// SetOffer records the caller's offer and moves the call to ringing.
	SetOffer(ctx context.Context, callID, offer string) error
	// SetAnswer records the callee's answer, moves the call to active and
	// stamps started_at. At most one answer ever lands per call.
	SetAnswer(ctx context.Context, callID, answer string, startedAt time.Time) error
	// SetStatus writes a lifecycle transition. Terminal statuses stamp
	// ended_at; writes against an already-terminal call return
	// ErrCallTerminal.
	SetStatus(ctx context.Context, callID string, status CallStatus, at time.Time) error
	// AppendCandidate atomically appends one serialized candidate to the
	// call row.
	AppendCandidate(ctx context.Context, callID, candidate string) error

	UpsertParticipant(ctx context.Context, p *Participant) error
	SetParticipantStatus(ctx context.Context, callID, userID string, status ParticipantStatus, at time.Time) error
	PatchParticipantFlags(ctx context.Context, callID, userID string, patch ParticipantFlagPatch) error
	Participants(ctx context.Context, callID string) ([]Participant, error)
	// ActiveParticipantCount counts rows that are neither left nor
	// pending-invite ghosts; the mesh ends the call when it reaches zero.
	ActiveParticipantCount(ctx context.Context, callID string) (int, error)

	// UpsertPeerConnection writes a fresh pair record, superseding any
	// previous negotiation state for the same directed pair.
	UpsertPeerConnection(ctx context.Context, rec *PeerConnectionRecord) error
	PeerConnection(ctx context.Context, callID, fromID, toID string) (*PeerConnectionRecord, error)
	SetPeerAnswer(ctx context.Context, callID, fromID, toID, answer string) error
	AppendPeerCandidate(ctx context.Context, callID, fromID, toID, candidate string) error
	SetPeerConnectionState(ctx context.Context, callID, fromID, toID, state string) error

	SaveQualitySample(ctx context.Context, s *QualitySample) error

	Close() error
}
