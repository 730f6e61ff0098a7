package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Synthetic is a Provider whose devices exist only in memory. Tracks carry
// real pion sample tracks, so they negotiate like captured media. Device
// availability can be changed at runtime to exercise fallback paths.
type Synthetic struct {
	mu          sync.Mutex
	unavailable map[Source]error
	noSysAudio  bool
	seq         int
	issued      []*Track
}

var _ Provider = (*Synthetic)(nil)

// NewSynthetic creates a provider with every device available.
func NewSynthetic() *Synthetic {
	return &Synthetic{unavailable: make(map[Source]error)}
}

// Deny makes source fail with err (ErrPermissionDenied when nil).
func (s *Synthetic) Deny(source Source, err error) {
	if err == nil {
		err = ErrPermissionDenied
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable[source] = err
}

// Allow makes source available again.
func (s *Synthetic) Allow(source Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unavailable, source)
}

// WithoutSystemAudio makes DisplayMedia never return an audio track.
func (s *Synthetic) WithoutSystemAudio() *Synthetic {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noSysAudio = true
	return s
}

// Issued returns every track handed out so far.
func (s *Synthetic) Issued() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Track(nil), s.issued...)
}

func (s *Synthetic) Enumerate(context.Context) ([]DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DeviceInfo
	for _, src := range []Source{SourceMicrophone, SourceCamera} {
		if _, denied := s.unavailable[src]; !denied {
			out = append(out, DeviceInfo{ID: "synthetic-" + string(src), Source: src, Label: "Synthetic " + string(src)})
		}
	}
	return out, nil
}

func (s *Synthetic) UserMedia(ctx context.Context, c Constraints) ([]*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("at least one of audio or video must be requested")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var sources []Source
	if c.Audio {
		sources = append(sources, SourceMicrophone)
	}
	if c.Video {
		sources = append(sources, SourceCamera)
	}
	for _, src := range sources {
		if err := s.unavailable[src]; err != nil {
			return nil, fmt.Errorf("%s: %w", src, err)
		}
	}

	tracks := make([]*Track, 0, len(sources))
	for _, src := range sources {
		t, err := s.newTrackLocked(src)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (s *Synthetic) DisplayMedia(ctx context.Context, withAudio bool) (*Track, *Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unavailable[SourceScreen]; err != nil {
		return nil, nil, fmt.Errorf("%s: %w", SourceScreen, err)
	}

	video, err := s.newTrackLocked(SourceScreen)
	if err != nil {
		return nil, nil, err
	}
	if !withAudio || s.noSysAudio || s.unavailable[SourceSystemAudio] != nil {
		return video, nil, nil
	}
	audio, err := s.newTrackLocked(SourceSystemAudio)
	if err != nil {
		video.Stop()
		return nil, nil, err
	}
	return video, audio, nil
}

func (s *Synthetic) newTrackLocked(src Source) (*Track, error) {
	s.seq++
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	if src.Kind() == KindAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	}
	id := fmt.Sprintf("%s-%d", src, s.seq)
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, "synthetic-"+string(src))
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", src, err)
	}
	t := NewTrack(src, local, nil)
	s.issued = append(s.issued, t)
	return t, nil
}
