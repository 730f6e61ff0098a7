// Package devices models local capture devices and the tracks they produce.
package devices

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied is returned when the user or OS refuses access.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrDeviceNotFound is returned when no matching device exists.
	ErrDeviceNotFound = errors.New("device not found")
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Source is the device a track was captured from.
type Source string

const (
	SourceMicrophone  Source = "microphone"
	SourceCamera      Source = "camera"
	SourceScreen      Source = "screen"
	SourceSystemAudio Source = "system-audio"
)

// Kind returns the media kind produced by the source.
func (s Source) Kind() Kind {
	switch s {
	case SourceMicrophone, SourceSystemAudio:
		return KindAudio
	}
	return KindVideo
}

// Constraints selects which kinds a UserMedia call must produce.
type Constraints struct {
	Audio bool
	Video bool
}

// DeviceInfo describes an available capture device.
type DeviceInfo struct {
	ID     string
	Source Source
	Label  string
}

// Provider acquires capture tracks. Calls either satisfy every requested
// kind or fail.
type Provider interface {
	Enumerate(ctx context.Context) ([]DeviceInfo, error)
	UserMedia(ctx context.Context, c Constraints) ([]*Track, error)
	// DisplayMedia captures the screen, plus system audio when withAudio is
	// set and the platform offers it (audio may then be nil).
	DisplayMedia(ctx context.Context, withAudio bool) (video, audio *Track, err error)
}

// Track is one live capture track. The enabled flag mutes without
// releasing the device; Stop releases it for good.
type Track struct {
	source Source
	local  webrtc.TrackLocal

	enabled atomic.Bool
	live    atomic.Bool

	ended    chan struct{}
	stopOnce sync.Once
	release  func()
}

// NewTrack wraps local as an enabled, live track. release runs once when the
// track stops.
func NewTrack(source Source, local webrtc.TrackLocal, release func()) *Track {
	t := &Track{
		source:  source,
		local:   local,
		ended:   make(chan struct{}),
		release: release,
	}
	t.enabled.Store(true)
	t.live.Store(true)
	return t
}

func (t *Track) Source() Source           { return t.source }
func (t *Track) Kind() Kind               { return t.source.Kind() }
func (t *Track) Local() webrtc.TrackLocal { return t.local }
func (t *Track) ID() string               { return t.local.ID() }
func (t *Track) Enabled() bool            { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool)  { t.enabled.Store(enabled) }
func (t *Track) Live() bool               { return t.live.Load() }
func (t *Track) Ended() <-chan struct{}   { return t.ended }

// Stop releases the device. Safe to call more than once; Ended closes on the
// first call whether the stop came from the owner or from the device.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.live.Store(false)
		if t.release != nil {
			t.release()
		}
		close(t.ended)
	})
}
