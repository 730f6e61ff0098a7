package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/meshcall/config"
)

// WatchdogHooks are the actions a Watchdog takes on its link. They run on
// timer goroutines and must not block.
type WatchdogHooks struct {
	// Restart asks the link for an ICE restart. attempt starts at 1.
	Restart func(attempt int)
	// Exhausted reports that MaxRestarts attempts did not bring the link back.
	Exhausted func()
	// Alert raises a rate-limited user notice.
	Alert func(class AlertClass, message string)
}

// Watchdog supervises one link's connectivity. A failed or disconnected ICE
// state that survives the debounce window leads to an ICE restart; after
// MaxRestarts unsuccessful attempts the link is given up.
type Watchdog struct {
	peerID    string
	cfg       config.WatchdogConfig
	log       logrus.FieldLogger
	hooks     WatchdogHooks
	debounced func(func())

	mu          sync.Mutex
	ice         webrtc.ICEConnectionState
	attempts    int
	total       int
	stopped     bool
	gatherTimer *time.Timer
	gatherSeq   int
}

// NewWatchdog creates a watchdog for the link to peerID.
func NewWatchdog(peerID string, cfg config.WatchdogConfig, log logrus.FieldLogger, hooks WatchdogHooks) *Watchdog {
	defaults := config.DefaultWatchdog()
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaults.Debounce
	}
	if cfg.GatherWarn <= 0 {
		cfg.GatherWarn = defaults.GatherWarn
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	return &Watchdog{
		peerID:    peerID,
		cfg:       cfg,
		log:       log.WithField("component", "watchdog"),
		hooks:     hooks,
		debounced: debounce.New(cfg.Debounce),
	}
}

// ICEState feeds an ICE connection state change.
func (w *Watchdog) ICEState(state webrtc.ICEConnectionState) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.ice = state
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		recovered := w.attempts > 0
		w.attempts = 0
		w.mu.Unlock()
		w.debounced(func() {})
		if recovered {
			w.log.Info("Connection recovered")
		}
		return
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
		w.mu.Unlock()
		w.log.WithField("state", state).Debug("Connection degraded, waiting before restart")
		w.debounced(w.check)
		return
	case webrtc.ICEConnectionStateClosed:
		w.mu.Unlock()
		w.Stop()
		return
	}
	w.mu.Unlock()
}

func (w *Watchdog) check() {
	w.mu.Lock()
	if w.stopped || !degraded(w.ice) {
		w.mu.Unlock()
		return
	}
	if w.attempts >= w.cfg.MaxRestarts {
		attempts := w.attempts
		w.stopped = true
		w.stopGatherTimerLocked()
		w.mu.Unlock()

		w.log.WithField("attempts", attempts).Warn("Giving up on connection")
		if w.hooks.Alert != nil {
			w.hooks.Alert(ClassConnectivity, fmt.Sprintf("Lost connection to %s", w.peerID))
		}
		if w.hooks.Exhausted != nil {
			w.hooks.Exhausted()
		}
		return
	}
	w.attempts++
	w.total++
	attempt := w.attempts
	w.mu.Unlock()

	w.log.WithFields(logrus.Fields{"attempt": attempt, "max": w.cfg.MaxRestarts}).Info("Restarting ICE")
	if w.hooks.Restart != nil {
		w.hooks.Restart(attempt)
	}
	// Checked again after another window in case the restart goes unanswered.
	w.debounced(w.check)
}

// Gathering feeds an ICE gathering state change.
func (w *Watchdog) Gathering(state webrtc.ICEGatheringState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	switch state {
	case webrtc.ICEGatheringStateGathering:
		w.stopGatherTimerLocked()
		w.gatherSeq++
		seq := w.gatherSeq
		w.gatherTimer = time.AfterFunc(w.cfg.GatherWarn, func() { w.slowGathering(seq) })
	case webrtc.ICEGatheringStateComplete:
		w.stopGatherTimerLocked()
	}
}

func (w *Watchdog) slowGathering(seq int) {
	w.mu.Lock()
	if w.stopped || seq != w.gatherSeq || w.gatherTimer == nil {
		w.mu.Unlock()
		return
	}
	w.gatherTimer = nil
	w.mu.Unlock()

	w.log.WithField("after", w.cfg.GatherWarn).Warn("Candidate gathering is slow")
	if w.hooks.Alert != nil {
		w.hooks.Alert(ClassSlowGathering, fmt.Sprintf("Connecting to %s is taking longer than usual", w.peerID))
	}
}

func (w *Watchdog) stopGatherTimerLocked() {
	if w.gatherTimer != nil {
		w.gatherTimer.Stop()
		w.gatherTimer = nil
	}
}

// Attempts returns the restart attempts since the link was last connected.
func (w *Watchdog) Attempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts
}

// Restarts returns every restart attempt over the watchdog's lifetime.
func (w *Watchdog) Restarts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.total
}

// Stop cancels pending checks. The watchdog ignores all input afterwards.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.stopGatherTimerLocked()
	w.mu.Unlock()
	w.debounced(func() {})
}

func degraded(state webrtc.ICEConnectionState) bool {
	return state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateDisconnected
}
