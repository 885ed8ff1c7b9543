package callstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

type pairKey struct {
	callID string
	fromID string
	toID   string
}

type participantKey struct {
	callID string
	userID string
}

// MemoryStore is an in-process Store used by tests and by single-node
// deployments that do not need persistence. It enforces the same write
// guards as the PostgreSQL store.
type MemoryStore struct {
	mu           sync.RWMutex
	calls        map[string]*Call
	participants map[participantKey]*Participant
	pairs        map[pairKey]*PeerConnectionRecord
	samples      []QualitySample
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:        make(map[string]*Call),
		participants: make(map[participantKey]*Participant),
		pairs:        make(map[pairKey]*PeerConnectionRecord),
	}
}

func copyCall(c *Call) *Call {
	cp := *c
	cp.ICECandidates = append([]string(nil), c.ICECandidates...)
	return &cp
}

func copyPair(r *PeerConnectionRecord) *PeerConnectionRecord {
	cp := *r
	cp.ICECandidates = append([]string(nil), r.ICECandidates...)
	return &cp
}

func (s *MemoryStore) CreateCall(_ context.Context, c *Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.ID]; ok {
		return fmt.Errorf("call %s already exists", c.ID)
	}
	s.calls[c.ID] = copyCall(c)
	return nil
}

func (s *MemoryStore) GetCall(_ context.Context, id string) (*Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCall(c), nil
}

func (s *MemoryStore) SetOffer(_ context.Context, callID, offer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return ErrNotFound
	}
	if c.Status.Terminal() {
		return ErrCallTerminal
	}
	if c.Offer.Valid {
		return ErrOfferAlreadySet
	}
	c.Offer = sql.NullString{String: offer, Valid: true}
	c.Status = CallRinging
	return nil
}

func (s *MemoryStore) SetAnswer(_ context.Context, callID, answer string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return ErrNotFound
	}
	if c.Status.Terminal() {
		return ErrCallTerminal
	}
	if c.Answer.Valid {
		return ErrAnswerAlreadySet
	}
	if !c.Offer.Valid {
		return ErrNoOffer
	}
	c.Answer = sql.NullString{String: answer, Valid: true}
	c.Status = CallActive
	c.StartedAt = sql.NullTime{Time: startedAt, Valid: true}
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, callID string, status CallStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return ErrNotFound
	}
	if c.Status.Terminal() {
		return ErrCallTerminal
	}
	c.Status = status
	switch {
	case status.Terminal():
		c.EndedAt = sql.NullTime{Time: at, Valid: true}
	case status == CallActive && !c.StartedAt.Valid:
		c.StartedAt = sql.NullTime{Time: at, Valid: true}
	}
	return nil
}

func (s *MemoryStore) AppendCandidate(_ context.Context, callID, candidate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return ErrNotFound
	}
	if c.Status.Terminal() {
		return ErrCallTerminal
	}
	c.ICECandidates = append(c.ICECandidates, candidate)
	return nil
}

func (s *MemoryStore) UpsertParticipant(_ context.Context, p *Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey{p.CallID, p.UserID}
	cp := *p
	if prev, ok := s.participants[key]; ok && prev.JoinedAt.Valid {
		cp.JoinedAt = prev.JoinedAt
	}
	s.participants[key] = &cp
	return nil
}

func (s *MemoryStore) SetParticipantStatus(_ context.Context, callID, userID string, status ParticipantStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantKey{callID, userID}]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	switch status {
	case ParticipantActive:
		if !p.JoinedAt.Valid {
			p.JoinedAt = sql.NullTime{Time: at, Valid: true}
		}
	case ParticipantLeft:
		p.LeftAt = sql.NullTime{Time: at, Valid: true}
	}
	return nil
}

func (s *MemoryStore) PatchParticipantFlags(_ context.Context, callID, userID string, patch ParticipantFlagPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantKey{callID, userID}]
	if !ok {
		return ErrNotFound
	}
	if patch.Muted != nil {
		p.IsMuted = *patch.Muted
	}
	if patch.VideoOff != nil {
		p.IsVideoOff = *patch.VideoOff
	}
	if patch.ScreenSharing != nil {
		p.IsScreenSharing = *patch.ScreenSharing
	}
	return nil
}

func (s *MemoryStore) Participants(_ context.Context, callID string) ([]Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Participant
	for key, p := range s.participants {
		if key.callID == callID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) ActiveParticipantCount(_ context.Context, callID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for key, p := range s.participants {
		if key.callID == callID && p.Status != ParticipantLeft {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpsertPeerConnection(_ context.Context, rec *PeerConnectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyPair(rec)
	cp.Answer = sql.NullString{}
	cp.ICECandidates = nil
	if cp.ConnectionState == "" {
		cp.ConnectionState = "new"
	}
	s.pairs[pairKey{rec.CallID, rec.FromUserID, rec.ToUserID}] = cp
	return nil
}

func (s *MemoryStore) PeerConnection(_ context.Context, callID, fromID, toID string) (*PeerConnectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.pairs[pairKey{callID, fromID, toID}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPair(rec), nil
}

func (s *MemoryStore) SetPeerAnswer(_ context.Context, callID, fromID, toID, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pairs[pairKey{callID, fromID, toID}]
	if !ok {
		return ErrNotFound
	}
	if rec.Answer.Valid {
		return ErrAnswerAlreadySet
	}
	if !rec.Offer.Valid {
		return ErrNoOffer
	}
	rec.Answer = sql.NullString{String: answer, Valid: true}
	return nil
}

func (s *MemoryStore) AppendPeerCandidate(_ context.Context, callID, fromID, toID, candidate string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pairs[pairKey{callID, fromID, toID}]
	if !ok {
		return ErrNotFound
	}
	rec.ICECandidates = append(rec.ICECandidates, candidate)
	return nil
}

func (s *MemoryStore) SetPeerConnectionState(_ context.Context, callID, fromID, toID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.pairs[pairKey{callID, fromID, toID}]
	if !ok {
		return ErrNotFound
	}
	rec.ConnectionState = state
	return nil
}

func (s *MemoryStore) SaveQualitySample(_ context.Context, q *QualitySample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, *q)
	return nil
}

// QualitySamples returns a snapshot of everything saved so far.
func (s *MemoryStore) QualitySamples(callID string) []QualitySample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []QualitySample
	for _, q := range s.samples {
		if q.CallID == callID {
			out = append(out, q)
		}
	}
	return out
}

func (s *MemoryStore) Close() error { return nil }
