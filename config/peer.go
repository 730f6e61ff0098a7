package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

// PeerConfig configures the headless mesh participant.
type PeerConfig struct {
	ServerURL    string         `yaml:"serverURL"`
	Username     string         `yaml:"username"`
	Room         string         `yaml:"room"` // room id or share code
	ICEServers   []string       `yaml:"iceServers"`
	PollInterval time.Duration  `yaml:"pollInterval"`
	Audio        bool           `yaml:"audio"`
	Video        bool           `yaml:"video"`
	Watchdog     WatchdogConfig `yaml:"watchdog"`
	Log          LogConfig      `yaml:"log"`
}

// WatchdogConfig bounds per-peer connectivity recovery.
type WatchdogConfig struct {
	GatherWarn    time.Duration `yaml:"gatherWarn"`
	Debounce      time.Duration `yaml:"debounce"`
	MaxRestarts   int           `yaml:"maxRestarts"`
	AlertInterval time.Duration `yaml:"alertInterval"`
	// OfferTimeout replaces a link whose offer goes unanswered this long.
	OfferTimeout time.Duration `yaml:"offerTimeout"`
}

// DefaultWatchdog returns the recovery defaults used when nothing overrides them.
func DefaultWatchdog() WatchdogConfig {
	return WatchdogConfig{
		GatherWarn:    10 * time.Second,
		Debounce:      3 * time.Second,
		MaxRestarts:   3,
		AlertInterval: time.Minute,
		OfferTimeout:  15 * time.Second,
	}
}

func peerDefaults() *PeerConfig {
	return &PeerConfig{
		ServerURL:    "http://localhost:8080",
		ICEServers:   []string{"stun:stun.l.google.com:19302"},
		PollInterval: time.Second,
		Audio:        true,
		Video:        true,
		Watchdog:     DefaultWatchdog(),
		Log:          LogConfig{Level: "info", Format: "text"},
	}
}

// LoadPeer resolves the participant configuration the same way Load does.
func LoadPeer(args []string) (*PeerConfig, error) {
	return loadPeer(os.LookupEnv, args)
}

func loadPeer(lookup lookupFunc, args []string) (*PeerConfig, error) {
	cfg := peerDefaults()

	fs := pflag.NewFlagSet("meshpeer", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file (env CONFIG_FILE)")
	server := fs.String("server", "", "mailbox server base URL (env MESH_SERVER_URL)")
	username := fs.StringP("user", "u", "", "username to log in as (env MESH_USERNAME)")
	room := fs.StringP("room", "r", "", "room id or share code (env MESH_ROOM)")
	iceServers := fs.StringSlice("ice-server", nil, "STUN/TURN URL, repeatable (env MESH_ICE_SERVERS)")
	poll := fs.Duration("poll-interval", 0, "mailbox poll interval (env MESH_POLL_INTERVAL)")
	noAudio := fs.Bool("no-audio", false, "do not request a microphone")
	noVideo := fs.Bool("no-video", false, "do not request a camera")
	maxRestarts := fs.Int("max-restarts", 0, "ICE restarts per peer before giving up (env MESH_MAX_RESTARTS)")
	logLevel := fs.String("log-level", "", "log level (env LOG_LEVEL)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	env := environ(lookup)
	path := env.str("CONFIG_FILE", "")
	if fs.Changed("config") {
		path = *configPath
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ServerURL = env.str("MESH_SERVER_URL", cfg.ServerURL)
	cfg.Username = env.str("MESH_USERNAME", cfg.Username)
	cfg.Room = env.str("MESH_ROOM", cfg.Room)
	cfg.ICEServers = env.list("MESH_ICE_SERVERS", cfg.ICEServers)
	cfg.Log.Level = env.str("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = env.str("LOG_FORMAT", cfg.Log.Format)

	var err error
	if cfg.PollInterval, err = env.duration("MESH_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return nil, err
	}
	if cfg.Watchdog.MaxRestarts, err = env.integer("MESH_MAX_RESTARTS", cfg.Watchdog.MaxRestarts); err != nil {
		return nil, err
	}
	if cfg.Watchdog.Debounce, err = env.duration("MESH_RESTART_DEBOUNCE", cfg.Watchdog.Debounce); err != nil {
		return nil, err
	}
	if cfg.Watchdog.GatherWarn, err = env.duration("MESH_GATHER_WARN", cfg.Watchdog.GatherWarn); err != nil {
		return nil, err
	}
	if cfg.Watchdog.OfferTimeout, err = env.duration("MESH_OFFER_TIMEOUT", cfg.Watchdog.OfferTimeout); err != nil {
		return nil, err
	}

	if fs.Changed("server") {
		cfg.ServerURL = *server
	}
	if fs.Changed("user") {
		cfg.Username = *username
	}
	if fs.Changed("room") {
		cfg.Room = *room
	}
	if fs.Changed("ice-server") {
		cfg.ICEServers = *iceServers
	}
	if fs.Changed("poll-interval") {
		cfg.PollInterval = *poll
	}
	if *noAudio {
		cfg.Audio = false
	}
	if *noVideo {
		cfg.Video = false
	}
	if fs.Changed("max-restarts") {
		cfg.Watchdog.MaxRestarts = *maxRestarts
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}

	if cfg.Username == "" {
		return nil, fmt.Errorf("username is required (--user or MESH_USERNAME)")
	}
	if cfg.Room == "" {
		return nil, fmt.Errorf("room is required (--room or MESH_ROOM)")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if cfg.Watchdog.MaxRestarts < 0 {
		return nil, fmt.Errorf("max restarts must not be negative")
	}
	return cfg, nil
}
