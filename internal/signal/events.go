// Package signal is the realtime change feed carrying call signaling
// events between endpoints. The call store row remains the source of
// truth; feed events only announce that a row changed and carry the
// changed fields so subscribers can avoid a re-read on the hot path.
package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType tags the kind of row change an event announces.
type EventType string

const (
	// EventCallIncoming is delivered on the callee's user topic when a
	// call row is created for them.
	EventCallIncoming EventType = "call.incoming"
	// EventCallOffer announces the caller's offer landing on the row.
	EventCallOffer EventType = "call.offer"
	// EventCallAnswer announces the callee's answer landing on the row.
	EventCallAnswer EventType = "call.answer"
	// EventCallCandidate announces one appended ICE candidate.
	EventCallCandidate EventType = "call.ice_candidate"
	// EventCallStatus announces a lifecycle transition.
	EventCallStatus EventType = "call.status"

	// EventParticipant announces a participant row insert or update.
	EventParticipant EventType = "participant.updated"

	// EventPeerOffer announces a fresh directed-pair offer.
	EventPeerOffer EventType = "peer.offer"
	// EventPeerAnswer announces a directed-pair answer.
	EventPeerAnswer EventType = "peer.answer"
	// EventPeerCandidate announces one appended pair candidate.
	EventPeerCandidate EventType = "peer.ice_candidate"
	// EventPeerState announces an observed pair transport state.
	EventPeerState EventType = "peer.state"
)

// Event is the wire envelope for one feed message.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	CallID    string          `json:"call_id"`
	FromID    string          `json:"from_id,omitempty"`
	ToID      string          `json:"to_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// SDPPayload carries an offer or answer session description.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload carries one canonically serialized ICE candidate.
type CandidatePayload struct {
	Candidate string `json:"candidate"`
}

// StatusPayload carries a call lifecycle transition.
type StatusPayload struct {
	Status string `json:"status"`
}

// IncomingPayload announces a new call to its callee or invitee.
type IncomingPayload struct {
	ChatID   string `json:"chat_id"`
	CallType string `json:"call_type"`
	IsGroup  bool   `json:"is_group"`
}

// ParticipantPayload carries a participant row snapshot.
type ParticipantPayload struct {
	UserID          string `json:"user_id"`
	Status          string `json:"status"`
	IsMuted         bool   `json:"is_muted"`
	IsVideoOff      bool   `json:"is_video_off"`
	IsScreenSharing bool   `json:"is_screen_sharing"`
}

// StatePayload carries an observed transport state for a directed pair.
type StatePayload struct {
	State string `json:"state"`
}

func newEvent(t EventType, callID, fromID, toID string, payload any) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      t,
		CallID:    callID,
		FromID:    fromID,
		ToID:      toID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		// Payload types here marshal without error by construction.
		data, _ := json.Marshal(payload)
		ev.Payload = data
	}
	return ev
}

// NewIncomingEvent builds the callee-directed new-call announcement.
func NewIncomingEvent(callID, fromID, toID, chatID, callType string, isGroup bool) Event {
	return newEvent(EventCallIncoming, callID, fromID, toID, IncomingPayload{
		ChatID:   chatID,
		CallType: callType,
		IsGroup:  isGroup,
	})
}

// NewOfferEvent announces the call offer.
func NewOfferEvent(callID, fromID, sdp string) Event {
	return newEvent(EventCallOffer, callID, fromID, "", SDPPayload{SDP: sdp})
}

// NewAnswerEvent announces the call answer.
func NewAnswerEvent(callID, fromID, sdp string) Event {
	return newEvent(EventCallAnswer, callID, fromID, "", SDPPayload{SDP: sdp})
}

// NewCandidateEvent announces one appended call-level candidate.
func NewCandidateEvent(callID, fromID, candidate string) Event {
	return newEvent(EventCallCandidate, callID, fromID, "", CandidatePayload{Candidate: candidate})
}

// NewStatusEvent announces a call lifecycle transition.
func NewStatusEvent(callID, fromID, status string) Event {
	return newEvent(EventCallStatus, callID, fromID, "", StatusPayload{Status: status})
}

// NewParticipantEvent announces a participant row change.
func NewParticipantEvent(callID string, p ParticipantPayload) Event {
	return newEvent(EventParticipant, callID, p.UserID, "", p)
}

// NewPeerOfferEvent announces a fresh offer for the (from, to) pair.
func NewPeerOfferEvent(callID, fromID, toID, sdp string) Event {
	return newEvent(EventPeerOffer, callID, fromID, toID, SDPPayload{SDP: sdp})
}

// NewPeerAnswerEvent announces the (from, to) pair answer.
func NewPeerAnswerEvent(callID, fromID, toID, sdp string) Event {
	return newEvent(EventPeerAnswer, callID, fromID, toID, SDPPayload{SDP: sdp})
}

// NewPeerCandidateEvent announces one appended pair candidate.
func NewPeerCandidateEvent(callID, fromID, toID, candidate string) Event {
	return newEvent(EventPeerCandidate, callID, fromID, toID, CandidatePayload{Candidate: candidate})
}

// NewPeerStateEvent announces an observed pair transport state.
func NewPeerStateEvent(callID, fromID, toID, state string) Event {
	return newEvent(EventPeerState, callID, fromID, toID, StatePayload{State: state})
}
