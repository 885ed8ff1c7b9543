package rtc

import (
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateGate buffers remote candidates until the remote description is
// in place and drops duplicates. Candidates are compared by canonical
// serialization so the same candidate arriving twice through a lossy feed
// is applied once.
type candidateGate struct {
	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	seen      map[string]struct{}
}

func newCandidateGate() *candidateGate {
	return &candidateGate{seen: make(map[string]struct{})}
}

func candidateKey(candidate string) string {
	s := strings.TrimSpace(candidate)
	s = strings.TrimPrefix(s, "candidate:")
	return strings.Join(strings.Fields(s), " ")
}

// Submit decides what to do with one remote candidate: apply now (true),
// or buffer/drop (false).
func (g *candidateGate) Submit(c webrtc.ICECandidateInit) bool {
	key := candidateKey(c.Candidate)
	if key == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, dup := g.seen[key]; dup {
		return false
	}
	g.seen[key] = struct{}{}

	if !g.remoteSet {
		g.pending = append(g.pending, c)
		return false
	}
	return true
}

// Flush marks the remote description as set and returns everything
// buffered so far, oldest first.
func (g *candidateGate) Flush() []webrtc.ICECandidateInit {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.remoteSet = true
	out := g.pending
	g.pending = nil
	return out
}

// RemoteSet reports whether Flush has run.
func (g *candidateGate) RemoteSet() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remoteSet
}
