// Package mesh negotiates and maintains one peer connection to every other
// participant of a room, exchanging offers, answers and candidates through a
// store-and-forward mailbox.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/models"
)

const (
	defaultPollInterval = time.Second
	defaultMaxResets    = 1
	seenTTL             = 10 * time.Minute
	maxHeldCandidates   = 32
)

// Mailbox relays signals between room members.
type Mailbox interface {
	SendSignal(ctx context.Context, roomID, fromID, toID string, kind models.SignalKind, payload any) (string, error)
	GetSignals(ctx context.Context, roomID, forUserID string) ([]models.Signal, error)
	AcknowledgeSignals(ctx context.Context, ids []string) error
}

// Roster lists the active members of a room.
type Roster interface {
	Participants(ctx context.Context, roomID string) ([]string, error)
}

// Options configures a Session.
type Options struct {
	RoomID string
	SelfID string
	// JoinedAt drops signals created before this session joined the room.
	JoinedAt time.Time

	Mailbox Mailbox
	// Roster is polled by Poll. Without it the caller drives UpdateRoster.
	Roster Roster

	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// Media feeds local tracks to every link. Nil makes a receive-only
	// participant.
	Media *MediaController

	Watchdog     config.WatchdogConfig
	PollInterval time.Duration
	// MaxResets bounds hard resets per peer between successful connections.
	MaxResets int

	Logger         logrus.FieldLogger
	OnNotice       func(Notice)
	OnParticipants func(count int)
	OnTrack        func(peerID string, track *webrtc.TrackRemote)
}

// Session keeps one Link per remote room member. Failures stay with the link
// they happened on; nothing short of Leave ends the session.
type Session struct {
	roomID       string
	self         string
	joinedAt     time.Time
	mailbox      Mailbox
	roster       Roster
	api          *webrtc.API
	rtc          webrtc.Configuration
	media        *MediaController
	watchdog     config.WatchdogConfig
	pollInterval time.Duration
	maxResets    int
	log          logrus.FieldLogger
	alerts       *alerter

	onParticipants func(int)
	onTrack        func(string, *webrtc.TrackRemote)

	ctx    context.Context
	cancel context.CancelFunc

	// Serializes signal handling so each batch is processed in order.
	handleMu sync.Mutex

	mu        sync.Mutex
	links     map[string]*Link
	resets    map[string]int
	abandoned map[string]struct{}
	// departed peers sent leave; the roster must drop them before they
	// get a new link, unless they offer first.
	departed map[string]struct{}
	// held are candidates from peers that have no link yet.
	held map[string][]webrtc.ICECandidateInit
	// retired counts ICE restarts of links that were replaced.
	retired      map[string]int
	seen         map[string]time.Time
	participants int
	closed       bool
}

// NewSession validates opts and creates an empty session.
func NewSession(opts Options) (*Session, error) {
	if opts.RoomID == "" || opts.SelfID == "" {
		return nil, errors.New("room id and self id are required")
	}
	if opts.Mailbox == nil {
		return nil, errors.New("mailbox is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithFields(logrus.Fields{"room": opts.RoomID, "self": opts.SelfID})

	api := opts.API
	if api == nil {
		var err error
		if api, err = NewAPI(APIOptions{Logger: log}); err != nil {
			return nil, err
		}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxResets <= 0 {
		opts.MaxResets = defaultMaxResets
	}
	if opts.Watchdog == (config.WatchdogConfig{}) {
		opts.Watchdog = config.DefaultWatchdog()
	}
	if opts.Watchdog.OfferTimeout <= 0 {
		opts.Watchdog.OfferTimeout = config.DefaultWatchdog().OfferTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		roomID:         opts.RoomID,
		self:           opts.SelfID,
		joinedAt:       opts.JoinedAt,
		mailbox:        opts.Mailbox,
		roster:         opts.Roster,
		api:            api,
		rtc:            webrtc.Configuration{ICEServers: opts.ICEServers},
		media:          opts.Media,
		watchdog:       opts.Watchdog,
		pollInterval:   opts.PollInterval,
		maxResets:      opts.MaxResets,
		log:            log,
		alerts:         newAlerter(opts.Watchdog.AlertInterval, opts.OnNotice),
		onParticipants: opts.OnParticipants,
		onTrack:        opts.OnTrack,
		ctx:            ctx,
		cancel:         cancel,
		links:          make(map[string]*Link),
		resets:         make(map[string]int),
		abandoned:      make(map[string]struct{}),
		departed:       make(map[string]struct{}),
		held:           make(map[string][]webrtc.ICECandidateInit),
		retired:        make(map[string]int),
		seen:           make(map[string]time.Time),
	}
	if s.media != nil {
		s.media.setNotify(func(n Notice) { s.alerts.raise(n) })
	}
	return s, nil
}

// UpdateRoster converges the link table on ids: peers without a link get
// one and an initial offer, links to peers no longer listed are torn down.
// Calling it again with the same ids changes nothing.
func (s *Session) UpdateRoster(ids []string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	present := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" && id != s.self {
			present[id] = struct{}{}
		}
	}

	var gone []*Link
	for peer, l := range s.links {
		if _, ok := present[peer]; !ok {
			gone = append(gone, l)
			s.forgetLocked(peer)
		}
	}
	for _, set := range []map[string]struct{}{s.abandoned, s.departed} {
		for peer := range set {
			if _, ok := present[peer]; !ok {
				s.forgetLocked(peer)
			}
		}
	}
	for peer := range s.held {
		if _, ok := present[peer]; !ok {
			s.forgetLocked(peer)
		}
	}

	peers := make([]string, 0, len(present))
	for peer := range present {
		peers = append(peers, peer)
	}
	sort.Strings(peers)

	var fresh []*Link
	for _, peer := range peers {
		if _, ok := s.links[peer]; ok {
			continue
		}
		if _, ok := s.abandoned[peer]; ok {
			continue
		}
		if _, ok := s.departed[peer]; ok {
			continue
		}
		l, err := s.newLinkLocked(peer)
		if err != nil {
			s.log.WithError(err).WithField("peer", peer).Warn("Could not create link")
			continue
		}
		fresh = append(fresh, l)
	}

	count := len(present) + 1
	changed := count != s.participants
	s.participants = count
	s.mu.Unlock()

	for _, l := range gone {
		l.Close()
		s.alerts.forget(l.PeerID())
		l.log.Info("Peer left the room")
	}
	for _, l := range fresh {
		l.Negotiate()
	}
	if changed && s.onParticipants != nil {
		s.onParticipants(count)
	}
}

// forgetLocked removes every trace of peer from the session.
func (s *Session) forgetLocked(peer string) {
	if l, ok := s.links[peer]; ok {
		s.detachLocked(l)
		delete(s.links, peer)
	}
	delete(s.resets, peer)
	delete(s.abandoned, peer)
	delete(s.departed, peer)
	delete(s.held, peer)
	delete(s.retired, peer)
}

func (s *Session) detachLocked(l *Link) {
	if s.media != nil {
		s.media.Detach(l.pc)
	}
}

func (s *Session) newLinkLocked(peer string) (*Link, error) {
	l, err := newLink(s.ctx, linkConfig{
		self:     s.self,
		peer:     peer,
		api:      s.api,
		rtc:      s.rtc,
		media:    s.media,
		watchdog: s.watchdog,
		log:      s.log,
		hooks: linkHooks{
			send: func(ctx context.Context, kind models.SignalKind, payload any) error {
				_, err := s.mailbox.SendSignal(ctx, s.roomID, s.self, peer, kind, payload)
				return err
			},
			reset:     s.reset,
			connected: s.linkConnected,
			exhausted: s.linkExhausted,
			alert:     func(n Notice) { s.alerts.raise(n) },
			track:     s.onTrack,
		},
		held: s.held[peer],
	})
	if err != nil {
		return nil, err
	}
	delete(s.held, peer)
	s.links[peer] = l
	l.log.Debug("Link created")
	return l, nil
}

// HandleSignals processes a batch addressed to this participant and then
// acknowledges it. Signals already processed are acknowledged again without
// being reapplied.
func (s *Session) HandleSignals(ctx context.Context, signals []models.Signal) error {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()

	var ack []string
	for _, sig := range signals {
		if sig.ToID != s.self {
			continue
		}
		if s.wasSeen(sig.ID) {
			s.log.WithFields(logrus.Fields{"signal": sig.ID, "kind": sig.Kind}).Debug("Signal already handled")
			ack = append(ack, sig.ID)
			continue
		}
		s.handle(sig)
		s.markSeen(sig.ID)
		ack = append(ack, sig.ID)
	}
	if len(ack) == 0 {
		return nil
	}
	if err := s.mailbox.AcknowledgeSignals(ctx, ack); err != nil {
		s.log.WithError(err).WithField("count", len(ack)).Warn("Could not acknowledge signals")
		return fmt.Errorf("acknowledge signals: %w", err)
	}
	return nil
}

func (s *Session) handle(sig models.Signal) {
	log := s.log.WithFields(logrus.Fields{"signal": sig.ID, "kind": sig.Kind, "peer": sig.FromID})
	if sig.FromID == "" || sig.FromID == s.self {
		log.Debug("Ignoring signal without a remote sender")
		return
	}
	if !s.joinedAt.IsZero() && sig.CreatedAt.Before(s.joinedAt) {
		log.Debug("Dropping signal from before this session joined")
		return
	}

	peer := sig.FromID
	switch sig.Kind {
	case models.SignalKindLeave:
		s.removePeer(peer)

	case models.SignalKindOffer:
		desc, err := sig.DecodeDescription()
		if err != nil {
			log.WithError(err).Debug("Dropping malformed offer")
			return
		}
		if _, err := s.linkFor(peer); err != nil {
			log.WithError(err).Warn("Could not create link for offer")
			return
		}
		offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP}
		s.deliver(peer, func(l *Link) error { return l.acceptOffer(offer) })

	case models.SignalKindAnswer:
		desc, err := sig.DecodeDescription()
		if err != nil {
			log.WithError(err).Debug("Dropping malformed answer")
			return
		}
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}
		if !s.deliver(peer, func(l *Link) error { return l.acceptAnswer(answer) }) {
			log.Debug("Dropping answer for unknown peer")
		}

	case models.SignalKindCandidate:
		p, err := sig.DecodeCandidate()
		if err != nil {
			log.WithError(err).Debug("Dropping malformed candidate")
			return
		}
		c := webrtc.ICECandidateInit{Candidate: p.Candidate, SDPMid: p.SDPMid, SDPMLineIndex: p.SDPMLineIndex}
		if !s.deliver(peer, func(l *Link) error { return l.addCandidate(c) }) {
			s.holdCandidate(peer, c)
			log.Debug("Holding candidate until the peer's link exists")
		}

	default:
		log.Debug("Ignoring unknown signal kind")
	}
}

// deliver runs fn on peer's link. A link replaced while fn was queued gets
// one retry on its replacement. It reports false when no link exists.
func (s *Session) deliver(peer string, fn func(*Link) error) bool {
	for attempt := 0; attempt < 2; attempt++ {
		l := s.Link(peer)
		if l == nil {
			return false
		}
		err := l.call(func() error { return fn(l) })
		if errors.Is(err, ErrClosed) {
			continue
		}
		var rerr *resetError
		if errors.As(err, &rerr) {
			entry := l.log.WithError(rerr.cause)
			if errors.Is(rerr.cause, errGlare) {
				entry.Debug("Answering from a fresh link")
			} else {
				entry.Info("Resetting link")
			}
			s.reset(l, rerr)
		} else if err != nil {
			l.log.WithError(err).Warn("Signal handling failed")
		}
		return true
	}
	return false
}

func (s *Session) linkFor(peer string) (*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if l, ok := s.links[peer]; ok {
		return l, nil
	}
	delete(s.abandoned, peer)
	delete(s.departed, peer)
	return s.newLinkLocked(peer)
}

func (s *Session) holdCandidate(peer string, c webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.departed[peer]; ok {
		return
	}
	held := append(s.held[peer], c)
	if len(held) > maxHeldCandidates {
		held = held[len(held)-maxHeldCandidates:]
	}
	s.held[peer] = held
}

// reset replaces old with a fresh link. The old record is closed before the
// replacement exists, and the candidates it had received carry over.
// Resets caused by our own failures count against MaxResets; once spent the
// peer is given up until it leaves or offers again.
func (s *Session) reset(old *Link, rerr *resetError) {
	peer := old.PeerID()
	s.mu.Lock()
	if s.closed || s.links[peer] != old {
		s.mu.Unlock()
		old.Close()
		return
	}
	delete(s.links, peer)
	s.detachLocked(old)
	giveUp := false
	if !rerr.free {
		if s.resets[peer] >= s.maxResets {
			s.abandoned[peer] = struct{}{}
			giveUp = true
		} else {
			s.resets[peer]++
		}
	}
	s.mu.Unlock()

	old.Close()
	carried := old.candidates.Carry()
	s.mu.Lock()
	s.retired[peer] += old.Restarts()
	s.mu.Unlock()

	if giveUp {
		old.log.WithError(rerr.cause).Warn("Negotiation keeps failing, giving up on peer")
		s.alerts.raise(Notice{
			PeerID:  peer,
			Class:   ClassNegotiation,
			Message: fmt.Sprintf("Could not connect to %s", peer),
			Err:     rerr.cause,
		})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fresh, ok := s.links[peer]
	if !ok {
		var err error
		if fresh, err = s.newLinkLocked(peer); err != nil {
			s.abandoned[peer] = struct{}{}
			s.mu.Unlock()
			s.log.WithError(err).WithField("peer", peer).Warn("Could not recreate link")
			s.alerts.raise(Notice{PeerID: peer, Class: ClassNegotiation, Message: fmt.Sprintf("Could not connect to %s", peer), Err: err})
			return
		}
	}
	s.mu.Unlock()
	fresh.log.WithFields(logrus.Fields{"cause": rerr.cause, "carried": len(carried)}).Debug("Link replaced")

	err := fresh.call(func() error {
		for _, c := range carried {
			if err := fresh.addCandidate(c); err != nil {
				return err
			}
		}
		if rerr.pending == nil {
			return fresh.negotiate(false)
		}
		return fresh.acceptOffer(*rerr.pending)
	})
	var next *resetError
	if errors.As(err, &next) {
		s.reset(fresh, next)
	} else if err != nil && !errors.Is(err, ErrClosed) {
		fresh.log.WithError(err).Warn("Replacement link failed")
	}
}

func (s *Session) linkConnected(l *Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[l.PeerID()] == l {
		delete(s.resets, l.PeerID())
	}
}

// linkExhausted tears down a link whose watchdog gave up. Only that link is
// affected, and the roster does not recreate it while the peer stays.
func (s *Session) linkExhausted(l *Link) {
	s.mu.Lock()
	if s.links[l.PeerID()] == l {
		delete(s.links, l.PeerID())
		s.detachLocked(l)
		s.abandoned[l.PeerID()] = struct{}{}
		s.retired[l.PeerID()] += l.Restarts()
	}
	s.mu.Unlock()
	l.Close()
}

// removePeer handles a peer's leave: its link and all bookkeeping go away.
func (s *Session) removePeer(peer string) {
	s.mu.Lock()
	l := s.links[peer]
	s.forgetLocked(peer)
	if !s.closed {
		s.departed[peer] = struct{}{}
	}
	s.mu.Unlock()

	s.alerts.forget(peer)
	if l != nil {
		l.Close()
		l.log.Info("Peer left")
	}
}

func (s *Session) wasSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

func (s *Session) markSeen(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[id] = time.Now()
}

func (s *Session) pruneSeen() {
	cutoff := time.Now().Add(-seenTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, id)
		}
	}
}

// Poll fetches the roster and pending signals once and applies them.
func (s *Session) Poll(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	var errs []error
	if s.roster != nil {
		ids, err := s.roster.Participants(ctx, s.roomID)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch participants: %w", err))
		} else {
			s.UpdateRoster(ids)
		}
	}
	signals, err := s.mailbox.GetSignals(ctx, s.roomID, s.self)
	if err != nil {
		errs = append(errs, fmt.Errorf("fetch signals: %w", err))
	} else if err := s.HandleSignals(ctx, signals); err != nil {
		errs = append(errs, err)
	}
	s.pruneSeen()
	return errors.Join(errs...)
}

// Run polls until ctx ends or the session is left. A receive on wake
// triggers an immediate poll; wake may be nil.
func (s *Session) Run(ctx context.Context, wake <-chan struct{}) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		if err := s.Poll(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.WithError(err).Warn("Poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// Leave sends a best-effort leave to every peer, then closes all links and
// releases local media. The session cannot be reused.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	links := s.links
	peers := make([]string, 0, len(links)+len(s.abandoned))
	for peer := range links {
		peers = append(peers, peer)
	}
	for peer := range s.abandoned {
		peers = append(peers, peer)
	}
	s.links = make(map[string]*Link)
	s.mu.Unlock()

	var errs []error
	for _, peer := range peers {
		if _, err := s.mailbox.SendSignal(ctx, s.roomID, s.self, peer, models.SignalKindLeave, models.LeavePayload{}); err != nil {
			s.log.WithError(err).WithField("peer", peer).Debug("Could not send leave")
			errs = append(errs, fmt.Errorf("leave %s: %w", peer, err))
		}
	}
	for _, l := range links {
		if s.media != nil {
			s.media.Detach(l.pc)
		}
		l.Close()
		l.wait()
	}
	s.cancel()
	if s.media != nil {
		s.media.Release()
	}
	s.log.Info("Left room")
	return errors.Join(errs...)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Link returns the link to peer, or nil.
func (s *Session) Link(peer string) *Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[peer]
}

// Restarts returns the ICE restarts attempted toward peer, including those of
// links since replaced.
func (s *Session) Restarts(peer string) int {
	s.mu.Lock()
	n := s.retired[peer]
	l := s.links[peer]
	s.mu.Unlock()
	if l != nil {
		n += l.Restarts()
	}
	return n
}

// Links returns the current links ordered by peer id.
func (s *Session) Links() []*Link {
	s.mu.Lock()
	out := make([]*Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].peerID < out[j].peerID })
	return out
}

// Participants returns the room size last seen by UpdateRoster, self
// included.
func (s *Session) Participants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participants
}

// SelfID returns the local participant id.
func (s *Session) SelfID() string { return s.self }
