// Package recording archives remote call media to WebM files. Tracks are
// consumed as encoded RTP: VP8 samples are reassembled and written with
// their keyframe flag, Opus packets map one-to-one onto blocks. Nothing is
// decoded.
package recording

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/config"
)

// ErrDisabled is returned by Begin when archival is switched off.
var ErrDisabled = errors.New("recording: archival disabled")

const (
	videoClockRate = 90000
	audioClockRate = 48000

	// maxLate bounds how many out-of-order packets the sample builders
	// hold before giving up on a gap.
	maxLate = 10
)

// Archiver creates one recording session per call.
type Archiver struct {
	enabled bool
	dir     string
	log     calllog.Logger
}

// NewArchiver builds an Archiver from the recording config section.
func NewArchiver(cfg config.RecordingConfig) *Archiver {
	return &Archiver{
		enabled: cfg.Enabled,
		dir:     cfg.Dir,
		log:     calllog.L().Named("recording"),
	}
}

// Enabled reports whether Begin will produce sessions.
func (a *Archiver) Enabled() bool { return a.enabled }

// Begin opens a recording session for one call. Voice calls get their
// container immediately; video calls defer it until the first keyframe
// arrives, because the VP8 keyframe header carries the pixel dimensions.
func (a *Archiver) Begin(callID string, withVideo bool) (*Session, error) {
	if !a.enabled {
		return nil, ErrDisabled
	}
	s := &Session{
		log:          a.log.With(calllog.String("call_id", callID)),
		dir:          a.dir,
		callID:       callID,
		withVideo:    withVideo,
		videoBuilder: samplebuilder.New(maxLate, &codecs.VP8Packet{}, videoClockRate),
		audioBuilder: samplebuilder.New(maxLate, &codecs.OpusPacket{}, audioClockRate),
	}
	if !withVideo {
		if err := s.openContainer(0, 0); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Session writes one call's remote tracks into a single WebM file.
type Session struct {
	log       calllog.Logger
	dir       string
	callID    string
	withVideo bool

	mu           sync.Mutex
	path         string
	video        webm.BlockWriteCloser
	audio        webm.BlockWriteCloser
	videoBuilder *samplebuilder.SampleBuilder
	audioBuilder *samplebuilder.SampleBuilder
	videoTS      time.Duration
	audioTS      time.Duration
	width        int
	height       int
	closed       bool
}

// Path returns the output file path, empty until the container exists.
func (s *Session) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// HandleTrack consumes one remote track until it closes. Safe to call for
// every track a call produces; kinds the session does not archive are
// ignored.
func (s *Session) HandleTrack(track *webrtc.TrackRemote) {
	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		go s.readLoop(track, s.pushVideo)
	case webrtc.RTPCodecTypeAudio:
		go s.readLoop(track, s.pushAudio)
	}
}

func (s *Session) readLoop(track *webrtc.TrackRemote, push func(*rtp.Packet)) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			s.log.Debug("track drained",
				calllog.String("kind", track.Kind().String()), calllog.Error(err))
			return
		}
		push(pkt)
	}
}

func (s *Session) pushVideo(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.videoBuilder.Push(pkt)
	for {
		sample := s.videoBuilder.Pop()
		if sample == nil {
			return
		}
		if len(sample.Data) == 0 {
			continue
		}
		keyframe := sample.Data[0]&0x01 == 0
		if s.video == nil {
			if !keyframe || len(sample.Data) < 10 {
				continue
			}
			// The VP8 keyframe header carries the coded dimensions.
			raw := uint(sample.Data[6]) | uint(sample.Data[7])<<8 |
				uint(sample.Data[8])<<16 | uint(sample.Data[9])<<24
			if err := s.openContainer(int(raw&0x3FFF), int((raw>>16)&0x3FFF)); err != nil {
				s.log.Warn("recording container open failed", calllog.Error(err))
				s.closed = true
				return
			}
		}
		s.videoTS += sample.Duration
		if _, err := s.video.Write(keyframe, s.videoTS.Milliseconds(), sample.Data); err != nil {
			s.log.Warn("video block write failed", calllog.Error(err))
		}
	}
}

func (s *Session) pushAudio(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.audioBuilder.Push(pkt)
	for {
		sample := s.audioBuilder.Pop()
		if sample == nil {
			return
		}
		if s.audio == nil {
			// Video calls hold audio until the keyframe sizes the container.
			continue
		}
		s.audioTS += sample.Duration
		if _, err := s.audio.Write(true, s.audioTS.Milliseconds(), sample.Data); err != nil {
			s.log.Warn("audio block write failed", calllog.Error(err))
		}
	}
}

// openContainer creates the output file and the per-track block writers.
// Caller holds s.mu except during Begin, where the session is not yet
// shared.
func (s *Session) openContainer(width, height int) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create recording directory: %w", err)
	}
	name := fmt.Sprintf("call_%s_%s.webm", s.callID, time.Now().Format("2006-01-02_15-04-05"))
	path := filepath.Join(s.dir, name)
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create recording file: %w", err)
	}

	audioEntry := webm.TrackEntry{
		Name:        "Audio",
		TrackNumber: 1,
		TrackUID:    1,
		CodecID:     "A_OPUS",
		TrackType:   2,
		Audio: &webm.Audio{
			SamplingFrequency: float64(audioClockRate),
			Channels:          2,
		},
	}
	var entries []webm.TrackEntry
	if s.withVideo {
		entries = append(entries, webm.TrackEntry{
			Name:            "Video",
			TrackNumber:     1,
			TrackUID:        1,
			CodecID:         "V_VP8",
			TrackType:       1,
			DefaultDuration: uint64(time.Second / 30),
			Video: &webm.Video{
				PixelWidth:  uint64(width),
				PixelHeight: uint64(height),
			},
		})
		audioEntry.TrackNumber = 2
		audioEntry.TrackUID = 2
	}
	entries = append(entries, audioEntry)

	writers, err := webm.NewSimpleBlockWriter(file, entries)
	if err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("create webm writer: %w", err)
	}
	if s.withVideo {
		s.video = writers[0]
		s.audio = writers[1]
		s.width = width
		s.height = height
	} else {
		s.audio = writers[0]
	}
	s.path = path
	s.log.Info("recording started", calllog.String("path", path),
		calllog.Int("width", width), calllog.Int("height", height))
	return nil
}

// Close finalizes the container. A session that never saw enough media to
// open a file closes silently.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.video != nil {
		if err := s.video.Close(); err != nil {
			return fmt.Errorf("close video writer: %w", err)
		}
		s.video = nil
	}
	if s.audio != nil {
		if err := s.audio.Close(); err != nil {
			return fmt.Errorf("close audio writer: %w", err)
		}
		s.audio = nil
	}
	if s.path == "" {
		s.log.Debug("recording closed before any media arrived")
		return nil
	}

	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("verify recording file: %w", err)
	}
	if info.Size() == 0 {
		os.Remove(s.path)
		return fmt.Errorf("recording produced an empty file")
	}
	s.log.Info("recording saved",
		calllog.String("path", s.path), calllog.Int("bytes", int(info.Size())))
	return nil
}
