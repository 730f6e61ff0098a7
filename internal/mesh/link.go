package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/models"
)

// ErrClosed is returned by operations on a closed link or session.
var ErrClosed = errors.New("mesh: closed")

var (
	errPeerRestarted = errors.New("peer replaced its connection")
	errGlare         = errors.New("offer collided with our own")
	errOfferStalled  = errors.New("offer went unanswered")
)

const (
	controlChannel  = "mesh"
	eventQueueSize  = 64
	outboxQueueSize = 256
)

// State is the negotiation phase of a link.
type State int32

const (
	StateIdle State = iota
	StateOffering
	StateStable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// resetError asks the owner to replace the link with a fresh one. pending is
// an offer the fresh link must answer instead of making its own. Free resets
// are part of normal negotiation and do not count against the reset budget.
type resetError struct {
	cause   error
	pending *webrtc.SessionDescription
	free    bool
}

func (e *resetError) Error() string { return e.cause.Error() }
func (e *resetError) Unwrap() error { return e.cause }

type linkHooks struct {
	send      func(ctx context.Context, kind models.SignalKind, payload any) error
	reset     func(l *Link, rerr *resetError)
	connected func(l *Link)
	exhausted func(l *Link)
	alert     func(n Notice)
	track     func(peerID string, track *webrtc.TrackRemote)
}

type linkConfig struct {
	self     string
	peer     string
	api      *webrtc.API
	rtc      webrtc.Configuration
	media    *MediaController
	watchdog config.WatchdogConfig
	log      logrus.FieldLogger
	hooks    linkHooks
	// held are candidates that arrived before the link existed.
	held []webrtc.ICECandidateInit
}

type outbound struct {
	kind    models.SignalKind
	payload any
}

// Link is the negotiation state machine for one remote participant. All
// state changes happen on the link's event loop; pion callbacks and callers
// post closures into it. Outgoing signals leave through a separate outbox
// goroutine so mailbox latency never stalls negotiation.
type Link struct {
	self       string
	peerID     string
	polite     bool
	pc         *webrtc.PeerConnection
	log        logrus.FieldLogger
	hooks      linkHooks
	watchdog   *Watchdog
	candidates *CandidateBuffer

	offerTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan func()
	outbox    chan outbound
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	state   atomic.Int32
	applied atomic.Int64

	// Owned by the event loop.
	makingOffer    bool
	ignoreOffer    bool
	pendingRestart bool
	remoteSession  uint64
	remoteUfrag    string
	offerSeq       uint64
}

func newLink(parent context.Context, cfg linkConfig) (*Link, error) {
	pc, err := cfg.api.NewPeerConnection(cfg.rtc)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	polite := IsPolite(cfg.self, cfg.peer)
	l := &Link{
		self:         cfg.self,
		peerID:       cfg.peer,
		polite:       polite,
		pc:           pc,
		log:          cfg.log.WithFields(logrus.Fields{"peer": cfg.peer, "polite": polite}),
		hooks:        cfg.hooks,
		candidates:   NewCandidateBuffer(),
		ctx:          ctx,
		offerTimeout: cfg.watchdog.OfferTimeout,
		cancel:       cancel,
		events:       make(chan func(), eventQueueSize),
		outbox:       make(chan outbound, outboxQueueSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, c := range cfg.held {
		l.candidates.Push(c)
	}

	// Polite links wait longer before restarting ICE so the impolite
	// side's restart offer usually arrives first.
	wd := cfg.watchdog
	if polite {
		wd.Debounce *= 2
	}
	l.watchdog = NewWatchdog(cfg.peer, wd, l.log, WatchdogHooks{
		Restart: func(int) { l.RestartICE() },
		Exhausted: func() {
			if l.hooks.exhausted != nil {
				l.hooks.exhausted(l)
			}
		},
		Alert: func(class AlertClass, message string) {
			if l.hooks.alert != nil {
				l.hooks.alert(Notice{PeerID: l.peerID, Class: class, Message: message})
			}
		},
	})

	if err := l.setup(cfg.media); err != nil {
		cancel()
		_ = pc.Close()
		return nil, err
	}

	go l.run()
	go l.deliverOutbox()
	return l, nil
}

// setup fixes the media layout (one audio, then one video transceiver, then
// the control channel) so both ends agree on every m-line without
// renegotiating when sources change.
func (l *Link) setup(media *MediaController) error {
	if media != nil {
		if err := media.Attach(l.pc); err != nil {
			return fmt.Errorf("attach media: %w", err)
		}
	} else {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := l.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				return fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}

	negotiated := true
	var id uint16
	if _, err := l.pc.CreateDataChannel(controlChannel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	}); err != nil {
		return fmt.Errorf("create control channel: %w", err)
	}

	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		l.post(func() { l.localCandidate(c) })
	})
	l.pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		l.watchdog.Gathering(state)
	})
	l.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		l.post(func() { l.iceStateChanged(state) })
	})
	l.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.post(func() { l.connectionStateChanged(state) })
	})
	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.log.WithFields(logrus.Fields{"kind": track.Kind(), "track": track.ID()}).Info("Receiving remote track")
		if l.hooks.track != nil {
			l.hooks.track(l.peerID, track)
		}
	})
	return nil
}

func (l *Link) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.events:
			if l.closed() {
				return
			}
			fn()
		case <-l.quit:
			return
		}
	}
}

func (l *Link) post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.events <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// call runs fn on the event loop and waits for its result.
func (l *Link) call(fn func() error) error {
	res := make(chan error, 1)
	if !l.post(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-l.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	}
}

// async runs fn on the event loop, handing reset requests to the owner.
func (l *Link) async(op string, fn func() error) {
	l.post(func() {
		err := fn()
		if err == nil {
			return
		}
		var rerr *resetError
		if errors.As(err, &rerr) && l.hooks.reset != nil {
			l.log.WithError(err).Warnf("%s failed, resetting link", op)
			go l.hooks.reset(l, rerr)
			return
		}
		l.log.WithError(err).Warnf("%s failed", op)
	})
}

func (l *Link) enqueue(kind models.SignalKind, payload any) {
	select {
	case l.outbox <- outbound{kind: kind, payload: payload}:
	case <-l.quit:
	}
}

func (l *Link) deliverOutbox() {
	for {
		select {
		case <-l.quit:
			return
		case msg := <-l.outbox:
			if l.hooks.send == nil {
				continue
			}
			if err := l.hooks.send(l.ctx, msg.kind, msg.payload); err != nil {
				if l.ctx.Err() != nil {
					return
				}
				l.log.WithError(err).WithField("kind", msg.kind).Warn("Could not send signal")
			}
		}
	}
}

// Negotiate makes an offer once the link is idle.
func (l *Link) Negotiate() {
	l.async("Offer", func() error { return l.negotiate(false) })
}

// RestartICE makes an ICE restart offer, or marks one to ride on the next
// offer when negotiation is in progress.
func (l *Link) RestartICE() {
	l.async("ICE restart", func() error { return l.negotiate(true) })
}

func (l *Link) negotiate(restart bool) error {
	if restart {
		l.pendingRestart = true
	}
	if l.makingOffer || l.pc.SignalingState() != webrtc.SignalingStateStable {
		l.log.WithField("signaling", l.pc.SignalingState()).Debug("Offer deferred until negotiation settles")
		return nil
	}

	l.makingOffer = true
	defer func() { l.makingOffer = false }()
	l.setState(StateOffering)

	var opts *webrtc.OfferOptions
	if l.pendingRestart && l.pc.CurrentRemoteDescription() != nil {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	l.pendingRestart = false

	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		return &resetError{cause: fmt.Errorf("create offer: %w", err)}
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return &resetError{cause: fmt.Errorf("set local offer: %w", err)}
	}
	l.log.WithField("ice_restart", opts != nil).Debug("Sending offer")
	l.enqueue(models.SignalKindOffer, models.DescriptionPayload{SDP: offer.SDP, Type: offer.Type.String()})
	l.armOfferTimer()
	return nil
}

// armOfferTimer replaces the link if the offer just sent is still
// unanswered after offerTimeout.
func (l *Link) armOfferTimer() {
	l.offerSeq++
	if l.offerTimeout <= 0 {
		return
	}
	seq := l.offerSeq
	time.AfterFunc(l.offerTimeout, func() {
		l.async("Offer", func() error { return l.offerStalled(seq) })
	})
}

func (l *Link) offerStalled(seq uint64) error {
	if seq != l.offerSeq || l.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return nil
	}
	return &resetError{cause: fmt.Errorf("%w after %s", errOfferStalled, l.offerTimeout)}
}

func (l *Link) acceptOffer(desc webrtc.SessionDescription) error {
	if l.peerRestarted(desc) {
		return &resetError{cause: errPeerRestarted, pending: &desc, free: true}
	}

	collision := l.makingOffer || l.pc.SignalingState() != webrtc.SignalingStateStable
	l.ignoreOffer = !l.polite && collision
	if l.ignoreOffer {
		l.log.Debug("Ignoring colliding offer")
		return nil
	}
	if collision {
		// pion cannot roll back a local offer, so the polite side drops
		// the whole connection and answers from a fresh one.
		return &resetError{cause: errGlare, pending: &desc, free: true}
	}

	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return &resetError{cause: fmt.Errorf("set remote offer: %w", err), pending: &desc}
	}
	l.remoteApplied(desc)

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return &resetError{cause: fmt.Errorf("create answer: %w", err), pending: &desc}
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return &resetError{cause: fmt.Errorf("set local answer: %w", err), pending: &desc}
	}
	l.log.Debug("Sending answer")
	l.enqueue(models.SignalKindAnswer, models.DescriptionPayload{SDP: answer.SDP, Type: answer.Type.String()})
	l.setState(StateStable)
	return l.settled()
}

func (l *Link) acceptAnswer(desc webrtc.SessionDescription) error {
	if state := l.pc.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		l.log.WithField("signaling", state).Debug("Discarding answer without a pending offer")
		return nil
	}
	if l.peerRestarted(desc) {
		return &resetError{cause: errPeerRestarted, free: true}
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return &resetError{cause: fmt.Errorf("set remote answer: %w", err)}
	}
	l.remoteApplied(desc)
	l.setState(StateStable)
	return l.settled()
}

// settled runs once the link is back in stable.
func (l *Link) settled() error {
	if l.pendingRestart {
		return l.negotiate(true)
	}
	return nil
}

func (l *Link) addCandidate(c webrtc.ICECandidateInit) error {
	if l.pc.RemoteDescription() == nil {
		if l.candidates.Push(c) {
			l.log.Debug("Buffered early candidate")
		} else {
			l.log.Debug("Dropping duplicate candidate")
		}
		return nil
	}
	if !l.candidates.Admit(c) {
		l.log.Debug("Dropping duplicate candidate")
		return nil
	}
	l.applyCandidate(c)
	return nil
}

func (l *Link) applyCandidate(c webrtc.ICECandidateInit) {
	if err := l.pc.AddICECandidate(c); err != nil {
		if !l.ignoreOffer {
			l.log.WithError(err).Debug("Dropping candidate")
		}
		return
	}
	l.applied.Add(1)
}

// remoteApplied records the new remote description and flushes candidates
// that were waiting for it.
func (l *Link) remoteApplied(desc webrtc.SessionDescription) {
	session, ufrag := describeSDP(desc.SDP)
	l.remoteSession = session
	if ufrag != l.remoteUfrag {
		l.candidates.Rotate()
		l.remoteUfrag = ufrag
	}
	pending := l.candidates.Take()
	for _, c := range pending {
		l.applyCandidate(c)
	}
	if len(pending) > 0 {
		l.log.WithField("count", len(pending)).Debug("Flushed buffered candidates")
	}
}

// peerRestarted reports whether desc comes from a different connection than
// the one already negotiated with.
func (l *Link) peerRestarted(desc webrtc.SessionDescription) bool {
	if l.remoteSession == 0 {
		return false
	}
	session, _ := describeSDP(desc.SDP)
	return session != 0 && session != l.remoteSession
}

// describeSDP extracts the origin session id and the ICE username fragment.
func describeSDP(raw string) (session uint64, ufrag string) {
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(raw); err != nil {
		return 0, ""
	}
	if v, ok := parsed.Attribute("ice-ufrag"); ok {
		return parsed.Origin.SessionID, v
	}
	for _, m := range parsed.MediaDescriptions {
		if v, ok := m.Attribute("ice-ufrag"); ok {
			return parsed.Origin.SessionID, v
		}
	}
	return parsed.Origin.SessionID, ""
}

func (l *Link) localCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		l.log.Debug("Candidate gathering complete")
		return
	}
	init := c.ToJSON()
	l.enqueue(models.SignalKindCandidate, models.CandidatePayload{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	})
}

func (l *Link) iceStateChanged(state webrtc.ICEConnectionState) {
	l.log.WithField("state", state).Debug("ICE connection state changed")
	l.watchdog.ICEState(state)
}

func (l *Link) connectionStateChanged(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		l.log.Info("Connected")
		if l.hooks.connected != nil {
			l.hooks.connected(l)
		}
	case webrtc.PeerConnectionStateFailed:
		l.log.Warn("Connection failed")
	default:
		l.log.WithField("state", state).Debug("Connection state changed")
	}
}

func (l *Link) setState(s State) {
	for {
		cur := l.state.Load()
		if State(cur) == StateClosed || l.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (l *Link) closed() bool {
	select {
	case <-l.quit:
		return true
	default:
		return false
	}
}

// Close tears the link down. Buffered candidates are dropped and pending
// outgoing signals are discarded. Safe to call more than once.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.state.Store(int32(StateClosed))
		close(l.quit)
		l.cancel()
		l.watchdog.Stop()
		if n := l.candidates.Close(); n > 0 {
			l.log.WithField("count", n).Debug("Dropped buffered candidates")
		}
		if err := l.pc.Close(); err != nil {
			l.log.WithError(err).Debug("Closing peer connection")
		}
	})
}

// wait blocks until the event loop has stopped.
func (l *Link) wait() { <-l.done }

// PeerID returns the remote participant's id.
func (l *Link) PeerID() string { return l.peerID }

// Polite reports whether this side yields when offers collide.
func (l *Link) Polite() bool { return l.polite }

// State returns the negotiation phase.
func (l *Link) State() State { return State(l.state.Load()) }

// PeerConnection returns the underlying connection. Callers must not
// renegotiate it directly.
func (l *Link) PeerConnection() *webrtc.PeerConnection { return l.pc }

// SignalingState returns the connection's signaling state.
func (l *Link) SignalingState() webrtc.SignalingState { return l.pc.SignalingState() }

// ICEConnectionState returns the connection's ICE state.
func (l *Link) ICEConnectionState() webrtc.ICEConnectionState { return l.pc.ICEConnectionState() }

// ConnectionState returns the aggregate connection state.
func (l *Link) ConnectionState() webrtc.PeerConnectionState { return l.pc.ConnectionState() }

// Restarts returns the ICE restarts attempted over the link's lifetime.
func (l *Link) Restarts() int { return l.watchdog.Restarts() }

// AppliedCandidates returns how many remote candidates reached the ICE agent.
func (l *Link) AppliedCandidates() int { return int(l.applied.Load()) }

// BufferedCandidates returns how many remote candidates wait for a remote
// description.
func (l *Link) BufferedCandidates() int { return l.candidates.Len() }
