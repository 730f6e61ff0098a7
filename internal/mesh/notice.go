package mesh

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AlertClass groups notices for rate limiting.
type AlertClass string

const (
	ClassSlowGathering AlertClass = "slow-gathering"
	ClassConnectivity  AlertClass = "connectivity"
	ClassNegotiation   AlertClass = "negotiation"
	ClassMedia         AlertClass = "media"
)

// Notice is a user-facing alert. PeerID is empty for local problems such as
// device failures.
type Notice struct {
	PeerID  string
	Class   AlertClass
	Message string
	Err     error
	At      time.Time
}

// alerter delivers notices at most once per interval for each peer and class.
type alerter struct {
	mu       sync.Mutex
	interval time.Duration
	limits   map[alertKey]*rate.Sometimes
	deliver  func(Notice)
	now      func() time.Time
}

type alertKey struct {
	peer  string
	class AlertClass
}

func newAlerter(interval time.Duration, deliver func(Notice)) *alerter {
	return &alerter{
		interval: interval,
		limits:   make(map[alertKey]*rate.Sometimes),
		deliver:  deliver,
		now:      time.Now,
	}
}

// raise reports whether the notice was delivered.
func (a *alerter) raise(n Notice) bool {
	if a.deliver == nil {
		return false
	}
	key := alertKey{peer: n.PeerID, class: n.Class}
	a.mu.Lock()
	limit, ok := a.limits[key]
	if !ok {
		limit = &rate.Sometimes{First: 1, Interval: a.interval}
		a.limits[key] = limit
	}
	a.mu.Unlock()

	if n.At.IsZero() {
		n.At = a.now()
	}
	delivered := false
	limit.Do(func() {
		delivered = true
		a.deliver(n)
	})
	return delivered
}

// forget drops every limiter for peer.
func (a *alerter) forget(peer string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.limits {
		if key.peer == peer {
			delete(a.limits, key)
		}
	}
}
