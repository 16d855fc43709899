package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_notirelay._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background scan and sweep interval.
	DefaultRefreshInterval = 5 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultLivenessWindow evicts candidates not seen within this window.
	DefaultLivenessWindow = 20 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and candidate tracking behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	LivenessWindow  time.Duration

	SelfDeviceID   string
	DisplayName    string
	ListeningPort  int
	KeyFingerprint string

	registerFn registerFunc
	browseFn   browseFunc
	now        func() time.Time
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.LivenessWindow <= 0 {
		out.LivenessWindow = DefaultLivenessWindow
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		return errors.New("display name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

func (c Config) validateForTracking() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

// Broadcaster advertises local device presence via mDNS. The announcement
// carries no authentication; trust is established only by handshake.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts the mDNS presence announcement.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		"uuid=" + cfg.SelfDeviceID,
		"version=" + strconv.Itoa(cfg.Version),
		"fingerprint=" + cfg.KeyFingerprint,
	}

	server, err := cfg.registerFn(cfg.DisplayName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service coordinates mDNS broadcast and candidate tracking.
type Service struct {
	Broadcaster *Broadcaster
	Tracker     *Tracker
}

// Start starts broadcaster and tracker using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	tracker, err := NewTracker(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := tracker.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{
		Broadcaster: broadcaster,
		Tracker:     tracker,
	}, nil
}

// Stop stops tracker and broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Tracker != nil {
		s.Tracker.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}
