package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/meshcall/internal/devices"
)

const reacquireTimeout = 10 * time.Second

// DeviceError is returned when no capture combination could be acquired.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("no usable capture device: %v", e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// MediaController owns the local capture tracks and keeps every attached
// peer connection sending the current ones. Each connection carries exactly
// one audio and one video sender, created by Attach in that order; tracks
// are swapped on those senders and never added or removed, so switching
// sources needs no renegotiation.
type MediaController struct {
	provider devices.Provider
	want     devices.Constraints
	log      logrus.FieldLogger

	mu          sync.Mutex
	notify      func(Notice)
	mic         *devices.Track
	camera      *devices.Track
	screen      *devices.Track
	systemAudio *devices.Track
	restoreMic  *bool
	links       map[*webrtc.PeerConnection]*attachment
	released    bool
	quit        chan struct{}
}

type attachment struct {
	audio     *webrtc.RTPSender
	video     *webrtc.RTPSender
	idleAudio webrtc.TrackLocal
	idleVideo webrtc.TrackLocal
}

// NewMediaController creates a controller that captures what want asks for.
func NewMediaController(provider devices.Provider, want devices.Constraints, log logrus.FieldLogger) *MediaController {
	return &MediaController{
		provider: provider,
		want:     want,
		log:      log.WithField("component", "media"),
		links:    make(map[*webrtc.PeerConnection]*attachment),
		quit:     make(chan struct{}),
	}
}

func (m *MediaController) setNotify(fn func(Notice)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

func (m *MediaController) raise(class AlertClass, message string, err error) {
	m.mu.Lock()
	notify := m.notify
	m.mu.Unlock()
	if notify != nil {
		notify(Notice{Class: class, Message: message, Err: err})
	}
}

// Acquire captures local media, falling back from audio+video to video only
// and then audio only. On exhaustion it returns a *DeviceError joining every
// attempt's failure; connections can still be attached and will only
// receive.
func (m *MediaController) Acquire(ctx context.Context) error {
	var chain []devices.Constraints
	switch {
	case m.want.Audio && m.want.Video:
		chain = []devices.Constraints{{Audio: true, Video: true}, {Video: true}, {Audio: true}}
	case m.want.Video:
		chain = []devices.Constraints{{Video: true}}
	case m.want.Audio:
		chain = []devices.Constraints{{Audio: true}}
	default:
		return nil
	}

	if devs, err := m.provider.Enumerate(ctx); err == nil {
		m.log.WithField("devices", len(devs)).Debug("Enumerated capture devices")
	}

	var errs []error
	for _, c := range chain {
		tracks, err := m.provider.UserMedia(ctx, c)
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{"audio": c.Audio, "video": c.Video}).Debug("Capture attempt failed")
			errs = append(errs, fmt.Errorf("audio=%t video=%t: %w", c.Audio, c.Video, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		for _, t := range tracks {
			if err := m.install(t); err != nil {
				for _, t := range tracks {
					t.Stop()
				}
				return err
			}
		}
		if len(errs) > 0 {
			m.log.WithFields(logrus.Fields{"audio": c.Audio, "video": c.Video}).Info("Using reduced capture")
		}
		return nil
	}

	err := &DeviceError{Err: errors.Join(errs...)}
	m.log.WithError(err).Warn("Joining without local media")
	m.raise(ClassMedia, "Camera and microphone are unavailable", err)
	return err
}

// install makes t the current microphone or camera track.
func (m *MediaController) install(t *devices.Track) error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		t.Stop()
		return ErrClosed
	}
	var old *devices.Track
	var err error
	switch t.Kind() {
	case devices.KindAudio:
		old, m.mic = m.mic, t
		if old != nil {
			t.SetEnabled(old.Enabled())
		}
		err = m.sendAudioLocked()
	case devices.KindVideo:
		old, m.camera = m.camera, t
		if old != nil {
			t.SetEnabled(old.Enabled())
		}
		if m.screen == nil {
			err = m.sendVideoLocked()
		}
	}
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	go m.watch(t)
	return err
}

// Attach adds the audio and video senders to pc. Attaching the same
// connection again is a no-op.
func (m *MediaController) Attach(pc *webrtc.PeerConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return ErrClosed
	}
	if _, ok := m.links[pc]; ok {
		return nil
	}

	att := &attachment{}
	var err error
	if att.idleAudio, err = idleTrack(webrtc.RTPCodecTypeAudio); err != nil {
		return err
	}
	if att.idleVideo, err = idleTrack(webrtc.RTPCodecTypeVideo); err != nil {
		return err
	}
	if att.audio, err = senderFor(pc, webrtc.RTPCodecTypeAudio, m.outgoingAudioLocked(att)); err != nil {
		return fmt.Errorf("attach audio: %w", err)
	}
	if att.video, err = senderFor(pc, webrtc.RTPCodecTypeVideo, m.outgoingVideoLocked(att)); err != nil {
		return fmt.Errorf("attach video: %w", err)
	}
	m.links[pc] = att
	return nil
}

// senderFor reuses the first sending transceiver of kind on pc, or adds one.
func senderFor(pc *webrtc.PeerConnection, kind webrtc.RTPCodecType, track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	for _, tr := range pc.GetTransceivers() {
		if tr.Kind() != kind || tr.Sender() == nil {
			continue
		}
		if tr.Sender().Track() != track {
			if err := tr.Sender().ReplaceTrack(track); err != nil {
				return nil, err
			}
		}
		return tr.Sender(), nil
	}
	tr, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return nil, err
	}
	return tr.Sender(), nil
}

func idleTrack(kind webrtc.RTPCodecType) (webrtc.TrackLocal, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	if kind == webrtc.RTPCodecTypeVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	}
	return webrtc.NewTrackLocalStaticSample(codec, "idle-"+kind.String(), "idle")
}

// Detach forgets pc. The connection itself is left alone.
func (m *MediaController) Detach(pc *webrtc.PeerConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.links, pc)
}

// Attached returns the number of connections being fed.
func (m *MediaController) Attached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// Senders returns the audio and video senders attached to pc.
func (m *MediaController) Senders(pc *webrtc.PeerConnection) (audio, video *webrtc.RTPSender, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.links[pc]
	if !ok {
		return nil, nil, false
	}
	return att.audio, att.video, true
}

func (m *MediaController) outgoingAudioLocked(att *attachment) webrtc.TrackLocal {
	if m.mic != nil {
		return m.mic.Local()
	}
	return att.idleAudio
}

func (m *MediaController) outgoingVideoLocked(att *attachment) webrtc.TrackLocal {
	switch {
	case m.screen != nil:
		return m.screen.Local()
	case m.camera != nil:
		return m.camera.Local()
	}
	return att.idleVideo
}

func (m *MediaController) sendAudioLocked() error {
	var errs []error
	for _, att := range m.links {
		if err := att.audio.ReplaceTrack(m.outgoingAudioLocked(att)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MediaController) sendVideoLocked() error {
	var errs []error
	for _, att := range m.links {
		if err := att.video.ReplaceTrack(m.outgoingVideoLocked(att)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReplaceOutgoingVideo makes track the camera source on every attached
// connection without renegotiating. While a screen is shared the new track
// is held back and takes over when sharing stops. The controller owns track
// from here on and stops the camera track it replaces.
func (m *MediaController) ReplaceOutgoingVideo(track *devices.Track) error {
	if track == nil || track.Kind() != devices.KindVideo {
		return errors.New("replacement must be a video track")
	}
	return m.install(track)
}

// StartScreenShare sends the screen instead of the camera. When system audio
// is captured the microphone is muted until sharing stops; the audio
// senders keep the microphone track.
func (m *MediaController) StartScreenShare(ctx context.Context, withAudio bool) error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.screen != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	video, audio, err := m.provider.DisplayMedia(ctx, withAudio)
	if err != nil {
		m.log.WithError(err).Warn("Screen capture failed")
		m.raise(ClassMedia, "Screen sharing is unavailable", err)
		return fmt.Errorf("screen capture: %w", err)
	}

	m.mu.Lock()
	if m.released || m.screen != nil {
		m.mu.Unlock()
		video.Stop()
		if audio != nil {
			audio.Stop()
		}
		return nil
	}
	m.screen = video
	m.systemAudio = audio
	if audio != nil && m.mic != nil {
		was := m.mic.Enabled()
		m.restoreMic = &was
		m.mic.SetEnabled(false)
	}
	err = m.sendVideoLocked()
	m.mu.Unlock()

	m.log.WithField("system_audio", audio != nil).Info("Screen sharing started")
	go m.watch(video)
	return err
}

// StopScreenShare returns to the camera and restores the microphone's
// state from before sharing. It is a no-op when nothing is shared.
func (m *MediaController) StopScreenShare() error {
	m.mu.Lock()
	screen, audio := m.screen, m.systemAudio
	if screen == nil {
		m.mu.Unlock()
		return nil
	}
	m.screen, m.systemAudio = nil, nil
	if m.restoreMic != nil && m.mic != nil {
		m.mic.SetEnabled(*m.restoreMic)
	}
	m.restoreMic = nil
	err := m.sendVideoLocked()
	m.mu.Unlock()

	screen.Stop()
	if audio != nil {
		audio.Stop()
	}
	m.log.Info("Screen sharing stopped")
	return err
}

// Sharing reports whether the screen is being sent.
func (m *MediaController) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen != nil
}

// SetAudioEnabled mutes or unmutes the microphone. A change made while
// sharing overrides the state that sharing would otherwise restore.
func (m *MediaController) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restoreMic = nil
	if m.mic != nil {
		m.mic.SetEnabled(enabled)
	}
}

// SetVideoEnabled pauses or resumes the camera.
func (m *MediaController) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.camera != nil {
		m.camera.SetEnabled(enabled)
	}
}

// Microphone returns the current microphone track, if any.
func (m *MediaController) Microphone() *devices.Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mic
}

// Camera returns the current camera track, if any.
func (m *MediaController) Camera() *devices.Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.camera
}

// Screen returns the shared screen track, if any.
func (m *MediaController) Screen() *devices.Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen
}

// watch reacts to a track ending on its own: a shared screen stops sharing,
// a lost microphone or camera is captured again.
func (m *MediaController) watch(t *devices.Track) {
	select {
	case <-t.Ended():
	case <-m.quit:
		return
	}

	m.mu.Lock()
	current := t == m.mic || t == m.camera || t == m.screen
	released := m.released
	m.mu.Unlock()
	if !current || released {
		return
	}

	if t.Source() == devices.SourceScreen {
		m.log.Info("Screen capture ended by the system")
		if err := m.StopScreenShare(); err != nil {
			m.log.WithError(err).Warn("Could not restore camera after screen capture ended")
		}
		return
	}

	m.log.WithField("source", t.Source()).Warn("Capture device lost, reacquiring")
	ctx, cancel := context.WithTimeout(context.Background(), reacquireTimeout)
	defer cancel()
	tracks, err := m.provider.UserMedia(ctx, devices.Constraints{
		Audio: t.Kind() == devices.KindAudio,
		Video: t.Kind() == devices.KindVideo,
	})
	if err != nil {
		m.log.WithError(err).WithField("source", t.Source()).Warn("Could not reacquire device")
		m.raise(ClassMedia, fmt.Sprintf("Lost %s", t.Source()), err)
		m.mu.Lock()
		var idleErr error
		switch t {
		case m.mic:
			m.mic = nil
			idleErr = m.sendAudioLocked()
		case m.camera:
			m.camera = nil
			if m.screen == nil {
				idleErr = m.sendVideoLocked()
			}
		}
		m.mu.Unlock()
		if idleErr != nil {
			m.log.WithError(idleErr).Warn("Could not clear lost device from senders")
		}
		return
	}
	for _, nt := range tracks {
		if err := m.install(nt); err != nil {
			m.log.WithError(err).Warn("Could not switch to reacquired device")
		}
	}
}

// Release stops every track and detaches every connection. The controller
// cannot be used afterwards.
func (m *MediaController) Release() {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return
	}
	m.released = true
	close(m.quit)
	tracks := []*devices.Track{m.mic, m.camera, m.screen, m.systemAudio}
	m.mic, m.camera, m.screen, m.systemAudio = nil, nil, nil, nil
	m.links = make(map[*webrtc.PeerConnection]*attachment)
	m.mu.Unlock()

	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
}
