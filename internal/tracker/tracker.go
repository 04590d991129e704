// Package tracker announces to HTTP and UDP trackers and returns the peer
// addresses they hand out. Each announce URL becomes one Source.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/prxssh/warren/internal/meta"
	"github.com/samber/lo"
)

var (
	ErrUnsupportedScheme = errors.New("tracker: unsupported scheme")
	ErrInvalidURL        = errors.New("tracker: invalid announce url")
)

type Config struct {
	// PeerID is the 20-byte client identity reported to trackers.
	PeerID [sha1.Size]byte

	// NumWant is the maximum number of peers to request from the tracker.
	NumWant uint32

	// Port is the TCP port reported to the tracker.
	Port uint16

	// AnnounceTimeout bounds one announce, including UDP retransmits.
	AnnounceTimeout time.Duration

	// EnableIPv6 keeps IPv6 peers and asks HTTP trackers for peers6.
	EnableIPv6 bool
}

func WithDefaultConfig() *Config {
	return &Config{
		NumWant:         50,
		Port:            6881,
		AnnounceTimeout: 15 * time.Second,
	}
}

type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	NumWant    uint32
	Port       uint16
}

type AnnounceResponse struct {
	Interval time.Duration
	Leechers int64
	Seeders  int64
	Peers    []netip.AddrPort
}

type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	default:
		return "stopped"
	}
}

// protocol is one tracker transport.
type protocol interface {
	announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
	close() error
}

// Metrics is a snapshot of a Source's counters.
type Metrics struct {
	TotalAnnounces     uint64
	FailedAnnounces    uint64
	TotalPeersReceived uint64
	LastSeeders        int64
	LastLeechers       int64
	LastSuccess        time.Time
}

type stats struct {
	total       atomic.Uint64
	failed      atomic.Uint64
	peers       atomic.Uint64
	seeders     atomic.Int64
	leechers    atomic.Int64
	lastSuccess atomic.Int64
}

type Opts struct {
	Config *Config
	Logger *slog.Logger
}

// Source announces to a single tracker URL. The first successful announce
// carries the "started" event; later ones carry none.
type Source struct {
	url     *url.URL
	cfg     *Config
	logger  *slog.Logger
	proto   protocol
	started atomic.Bool
	stats   stats
}

// NewSource builds a Source for rawURL. No network I/O happens until the
// first Announce.
func NewSource(rawURL string, opts *Opts) (*Source, error) {
	if opts == nil {
		opts = &Opts{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	logger = logger.With("component", "tracker", "url", u.Redacted())

	var proto protocol
	switch u.Scheme {
	case "http", "https":
		proto = newHTTPTracker(u, cfg.EnableIPv6, logger)
	case "udp":
		proto = newUDPTracker(u, logger)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}

	return &Source{url: u, cfg: cfg, logger: logger, proto: proto}, nil
}

// Announce reports the download of m and returns the peers the tracker
// handed out.
func (s *Source) Announce(ctx context.Context, m *meta.Metainfo) ([]netip.AddrPort, error) {
	if s.cfg.AnnounceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.AnnounceTimeout)
		defer cancel()
	}

	event := EventNone
	if !s.started.Load() {
		event = EventStarted
	}

	params := &AnnounceParams{
		InfoHash: m.InfoHash,
		PeerID:   s.cfg.PeerID,
		Left:     uint64(max(m.Size(), 0)),
		Event:    event,
		NumWant:  s.cfg.NumWant,
		Port:     s.cfg.Port,
	}

	s.stats.total.Add(1)
	resp, err := s.proto.announce(ctx, params)
	if err != nil {
		s.stats.failed.Add(1)
		return nil, err
	}
	s.started.Store(true)

	peers := lo.Filter(resp.Peers, func(ap netip.AddrPort, _ int) bool {
		if !ap.IsValid() || ap.Port() == 0 {
			return false
		}
		return s.cfg.EnableIPv6 || ap.Addr().Unmap().Is4()
	})

	s.stats.peers.Add(uint64(len(peers)))
	s.stats.seeders.Store(resp.Seeders)
	s.stats.leechers.Store(resp.Leechers)
	s.stats.lastSuccess.Store(time.Now().Unix())

	s.logger.Info("announce success",
		"event", event,
		"peers", len(peers),
		"seeders", resp.Seeders,
		"leechers", resp.Leechers,
		"interval", resp.Interval,
	)

	return peers, nil
}

func (s *Source) String() string { return s.url.Redacted() }

// Close releases the transport's resources.
func (s *Source) Close() error { return s.proto.close() }

func (s *Source) Stats() Metrics {
	var last time.Time
	if ts := s.stats.lastSuccess.Load(); ts > 0 {
		last = time.Unix(ts, 0)
	}

	return Metrics{
		TotalAnnounces:     s.stats.total.Load(),
		FailedAnnounces:    s.stats.failed.Load(),
		TotalPeersReceived: s.stats.peers.Load(),
		LastSeeders:        s.stats.seeders.Load(),
		LastLeechers:       s.stats.leechers.Load(),
		LastSuccess:        last,
	}
}
