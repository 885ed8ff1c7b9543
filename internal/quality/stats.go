package quality

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Snapshot is one raw read of the connection's cumulative counters. The
// monitor derives rates from the delta between consecutive snapshots.
type Snapshot struct {
	At time.Time

	// RTT is the most recent round-trip time reported by the remote end.
	RTT time.Duration
	// JitterSec is the worst jitter across remote inbound streams, in
	// seconds.
	JitterSec float64

	// Cumulative counters for our outgoing streams.
	AudioBytesSent uint64
	VideoBytesSent uint64
	PacketsSent    uint64
	// PacketsLost is the cumulative loss our remote peer reported back.
	PacketsLost int64

	Path PathType
}

// StatsSource reads a snapshot from a live connection. Tests substitute
// scripted sources.
type StatsSource interface {
	Snapshot() (Snapshot, error)
}

// StatsReporter is the slice of a peer connection the stats source needs.
type StatsReporter interface {
	Stats() webrtc.StatsReport
}

// PeerSource reads snapshots from a pion peer connection's stats report.
type PeerSource struct {
	reporter StatsReporter
	now      func() time.Time
}

func NewPeerSource(reporter StatsReporter) *PeerSource {
	return &PeerSource{reporter: reporter, now: time.Now}
}

// Snapshot walks the stats report once, accumulating outbound counters and
// resolving the selected candidate pair to a transport path.
func (p *PeerSource) Snapshot() (Snapshot, error) {
	report := p.reporter.Stats()
	snap := Snapshot{At: p.now(), Path: PathUnknown}

	candidates := make(map[string]webrtc.ICECandidateStats)
	var selectedLocalID string

	for _, s := range report {
		switch stat := s.(type) {
		case webrtc.OutboundRTPStreamStats:
			if stat.Kind == "video" {
				snap.VideoBytesSent += stat.BytesSent
			} else {
				snap.AudioBytesSent += stat.BytesSent
			}
			snap.PacketsSent += uint64(stat.PacketsSent)

		case webrtc.RemoteInboundRTPStreamStats:
			snap.PacketsLost += int64(stat.PacketsLost)
			if stat.RoundTripTime > 0 {
				snap.RTT = time.Duration(stat.RoundTripTime * float64(time.Second))
			}
			if stat.Jitter > snap.JitterSec {
				snap.JitterSec = stat.Jitter
			}

		case webrtc.ICECandidatePairStats:
			if stat.State == webrtc.StatsICECandidatePairStateSucceeded {
				// Prefer the nominated pair when several succeeded.
				if selectedLocalID == "" || stat.Nominated {
					selectedLocalID = stat.LocalCandidateID
				}
			}

		case webrtc.ICECandidateStats:
			candidates[stat.ID] = stat
		}
	}

	if selectedLocalID != "" {
		if c, ok := candidates[selectedLocalID]; ok {
			snap.Path = pathFromCandidateType(c.CandidateType)
		}
	}
	return snap, nil
}

// derive computes one Sample from two consecutive snapshots.
func derive(prev, cur Snapshot) Sample {
	s := Sample{
		At:     cur.At,
		RTT:    cur.RTT,
		Jitter: time.Duration(cur.JitterSec * float64(time.Second)),
		Path:   cur.Path,
	}

	elapsed := cur.At.Sub(prev.At).Seconds()
	if elapsed > 0 {
		s.AudioKbps = deltaKbps(prev.AudioBytesSent, cur.AudioBytesSent, elapsed)
		s.VideoKbps = deltaKbps(prev.VideoBytesSent, cur.VideoBytesSent, elapsed)
	}

	sentDelta := int64(cur.PacketsSent) - int64(prev.PacketsSent)
	lostDelta := cur.PacketsLost - prev.PacketsLost
	if sentDelta > 0 && lostDelta > 0 {
		s.PacketLossPct = float64(lostDelta) / float64(sentDelta+lostDelta) * 100
		if s.PacketLossPct > 100 {
			s.PacketLossPct = 100
		}
	}

	s.Level = Classify(s.RTT, s.PacketLossPct)
	return s
}

func deltaKbps(prev, cur uint64, elapsedSec float64) float64 {
	if cur <= prev {
		return 0
	}
	return float64(cur-prev) * 8 / elapsedSec / 1000
}
