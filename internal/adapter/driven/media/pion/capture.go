package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/mesh/internal/core/port"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

var ErrNoMedia = errors.New("audio and video are both disabled")

const opusFrame = 20 * time.Millisecond

// opusSilence is a single Opus frame carrying silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// LocalTrack is a sample track created by Source.
type LocalTrack struct {
	track *webrtc.TrackLocalStaticSample
	kind  port.MediaKind
}

func (t *LocalTrack) TrackID() string           { return t.track.ID() }
func (t *LocalTrack) StreamID() string          { return t.track.StreamID() }
func (t *LocalTrack) MediaKind() port.MediaKind { return t.kind }

// Source is a synthetic capture device: a VP8 video track and an Opus audio
// track sharing one stream. The audio track carries silence.
type Source struct {
	video bool
	audio bool
	log   zerolog.Logger

	mu     sync.Mutex
	tracks []port.LocalTrack
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSource(video, audio bool, log zerolog.Logger) *Source {
	return &Source{video: video, audio: audio, log: log}
}

func (s *Source) Acquire(ctx context.Context) ([]port.LocalTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracks != nil {
		return s.tracks, nil
	}
	if !s.video && !s.audio {
		return nil, ErrNoMedia
	}

	stream := uuid.NewString()
	var tracks []port.LocalTrack
	var audio *LocalTrack
	if s.video {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		tracks = append(tracks, &LocalTrack{track: t, kind: port.MediaKindVideo})
	}
	if s.audio {
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream)
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
		audio = &LocalTrack{track: t, kind: port.MediaKindAudio}
		tracks = append(tracks, audio)
	}

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	if audio != nil {
		s.wg.Add(1)
		go s.pumpSilence(pumpCtx, audio.track)
	}
	s.tracks = tracks
	s.log.Info().Str("stream", stream).Int("tracks", len(tracks)).Msg("Local media acquired")
	return tracks, nil
}

func (s *Source) Release() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel, s.tracks = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
}

func (s *Source) pumpSilence(ctx context.Context, t *webrtc.TrackLocalStaticSample) {
	defer s.wg.Done()
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame}); err != nil {
				s.log.Debug().Err(err).Msg("Write audio sample")
			}
		}
	}
}
