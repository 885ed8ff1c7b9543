package recording

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/rtp"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/config"
)

func newTestArchiver(t *testing.T) (*Archiver, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "rec")
	return NewArchiver(config.RecordingConfig{Enabled: true, Dir: dir}), dir
}

// vp8Packet builds a single-packet VP8 frame. Keyframes carry the header
// bytes that encode 320x240.
func vp8Packet(seq uint16, ts uint32, keyframe bool) *rtp.Packet {
	payload := []byte{0x10} // descriptor: start of partition
	if keyframe {
		payload = append(payload, 0x00, 0x00, 0x00, 0x9d, 0x01, 0x2a, 0x40, 0x01, 0xf0, 0x00)
	} else {
		payload = append(payload, 0x01, 0x00, 0x00)
	}
	payload = append(payload, bytes.Repeat([]byte{0xab}, 24)...)
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         true,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           42,
		},
		Payload: payload,
	}
}

func opusPacket(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           43,
		},
		Payload: bytes.Repeat([]byte{0x5c}, 40),
	}
}

func TestBeginDisabled(t *testing.T) {
	a := NewArchiver(config.RecordingConfig{Enabled: false, Dir: t.TempDir()})
	if _, err := a.Begin("call-1", false); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Begin err = %v, want %v", err, ErrDisabled)
	}
}

func TestVoiceRecordingOpensImmediately(t *testing.T) {
	a, _ := newTestArchiver(t)
	s, err := a.Begin("call-voice", false)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	path := s.Path()
	if path == "" {
		t.Fatal("voice session has no container")
	}
	if filepath.Ext(path) != ".webm" {
		t.Fatalf("unexpected container name %q", path)
	}

	// Opus packets map one-to-one onto blocks; each pops once its
	// successor arrives.
	s.pushAudio(opusPacket(1, 0))
	s.pushAudio(opusPacket(2, 960))
	s.pushAudio(opusPacket(3, 1920))

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("container is empty")
	}
}

func TestVideoRecordingWaitsForKeyframe(t *testing.T) {
	a, _ := newTestArchiver(t)
	s, err := a.Begin("call-video", true)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if s.Path() != "" {
		t.Fatal("container opened before any keyframe")
	}

	// An interframe alone cannot size the container.
	s.pushVideo(vp8Packet(1, 0, false))
	s.pushVideo(vp8Packet(2, 3000, false))
	if s.Path() != "" {
		t.Fatal("container opened from an interframe")
	}

	s.pushVideo(vp8Packet(3, 6000, true))
	s.pushVideo(vp8Packet(4, 9000, false))
	s.pushVideo(vp8Packet(5, 12000, false))
	path := s.Path()
	if path == "" {
		t.Fatal("keyframe did not open the container")
	}
	if s.width != 320 || s.height != 240 {
		t.Fatalf("sniffed dimensions %dx%d, want 320x240", s.width, s.height)
	}

	// Audio rides along once the container exists.
	s.pushAudio(opusPacket(1, 0))
	s.pushAudio(opusPacket(2, 960))

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("container is empty")
	}
}

func TestCloseWithoutMediaLeavesNoFile(t *testing.T) {
	a, dir := newTestArchiver(t)
	s, err := a.Begin("call-silent", true)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if s.Path() != "" {
		t.Fatalf("pathless session reports %q", s.Path())
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		entries, _ := os.ReadDir(dir)
		if len(entries) != 0 {
			t.Fatalf("silent session left %d files behind", len(entries))
		}
	}

	// Packets arriving after close are dropped.
	s.pushVideo(vp8Packet(1, 0, true))
	if s.Path() != "" {
		t.Fatal("closed session opened a container")
	}
}
