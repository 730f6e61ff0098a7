package mesh

import (
	"fmt"
	"time"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/meshcall/internal/logging"
)

// pion's own ICE timeout defaults, used to fill in partial overrides.
const (
	defaultDisconnectedTimeout = 5 * time.Second
	defaultFailedTimeout       = 25 * time.Second
	defaultKeepAliveInterval   = 2 * time.Second
)

// APIOptions configures the WebRTC stack shared by every link of a session.
type APIOptions struct {
	Logger logrus.FieldLogger
	// Net replaces the host network, e.g. with a vnet for tests.
	Net transport.Net

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// NewAPI builds a pion API with the default codecs and pion logs routed
// into logrus.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if opts.Logger != nil {
		se.LoggerFactory = logging.PionFactory(opts.Logger)
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	if opts.DisconnectedTimeout > 0 || opts.FailedTimeout > 0 || opts.KeepAliveInterval > 0 {
		se.SetICETimeouts(
			orDefault(opts.DisconnectedTimeout, defaultDisconnectedTimeout),
			orDefault(opts.FailedTimeout, defaultFailedTimeout),
			orDefault(opts.KeepAliveInterval, defaultKeepAliveInterval),
		)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se), webrtc.WithMediaEngine(m)), nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// ICEServers converts STUN/TURN urls into a pion configuration entry.
func ICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
