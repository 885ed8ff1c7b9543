// Package quality watches a live connection's statistics, classifies the
// experience into an ordered scale and recommends video tier downgrades
// when the network stays poor.
package quality

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Level is the ordered quality scale. Higher is better.
type Level int

const (
	LevelPoor Level = iota
	LevelFair
	LevelGood
	LevelExcellent
)

func (l Level) String() string {
	switch l {
	case LevelExcellent:
		return "excellent"
	case LevelGood:
		return "good"
	case LevelFair:
		return "fair"
	default:
		return "poor"
	}
}

// Classify buckets a latency/loss pair into a Level using fixed threshold
// bands.
func Classify(rtt time.Duration, lossPct float64) Level {
	switch {
	case rtt < 100*time.Millisecond && lossPct < 1:
		return LevelExcellent
	case rtt < 200*time.Millisecond && lossPct < 3:
		return LevelGood
	case rtt < 400*time.Millisecond && lossPct < 5:
		return LevelFair
	default:
		return LevelPoor
	}
}

// PathType names the transport path the selected candidate pair runs
// over.
type PathType string

const (
	PathUnknown         PathType = "unknown"
	PathHost            PathType = "host"
	PathServerReflexive PathType = "server-reflexive"
	PathPeerReflexive   PathType = "peer-reflexive"
	PathRelay           PathType = "relay"
)

func pathFromCandidateType(t webrtc.ICECandidateType) PathType {
	switch t {
	case webrtc.ICECandidateTypeHost:
		return PathHost
	case webrtc.ICECandidateTypeSrflx:
		return PathServerReflexive
	case webrtc.ICECandidateTypePrflx:
		return PathPeerReflexive
	case webrtc.ICECandidateTypeRelay:
		return PathRelay
	default:
		return PathUnknown
	}
}

// Sample is one derived measurement over a poll interval.
type Sample struct {
	At            time.Time
	RTT           time.Duration
	Jitter        time.Duration
	PacketLossPct float64
	AudioKbps     float64
	VideoKbps     float64
	Level         Level
	Path          PathType
}
