package peer

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/prxssh/warren/internal/catalog"
	"github.com/prxssh/warren/internal/protocol"
	"github.com/prxssh/warren/internal/supervisor"
)

type Config struct {
	// PeerID is the 20-byte identity sent in the handshake.
	PeerID [sha1.Size]byte

	// DialTimeout bounds the TCP connect plus the handshake exchange.
	DialTimeout time.Duration

	// ReadTimeout is the maximum time to wait for a frame before the
	// connection is considered stalled.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// KeepAliveInterval is how often an idle connection sends keep-alive.
	KeepAliveInterval time.Duration

	// MaxInflightRequests caps outstanding block requests.
	MaxInflightRequests int

	// MaxDownloadRate limits requested bytes per second. 0 = unlimited.
	MaxDownloadRate int64

	// OutboxSize bounds frames queued for the write loop.
	OutboxSize int
}

func WithDefaultConfig() *Config {
	return &Config{
		DialTimeout:         10 * time.Second,
		ReadTimeout:         45 * time.Second,
		WriteTimeout:        30 * time.Second,
		KeepAliveInterval:   2 * time.Minute,
		MaxInflightRequests: 5,
		OutboxSize:          64,
	}
}

type DialerOpts struct {
	Config *Config
	Logger *slog.Logger

	// Dial overrides the network dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// Dialer opens outbound peer sessions for one info hash.
type Dialer struct {
	cfg      *Config
	log      *slog.Logger
	infoHash [sha1.Size]byte
	dial     func(ctx context.Context, network, address string) (net.Conn, error)
}

func NewDialer(infoHash [sha1.Size]byte, opts *DialerOpts) *Dialer {
	if opts == nil {
		opts = &DialerOpts{}
	}

	d := &Dialer{
		cfg:      opts.Config,
		log:      opts.Logger,
		infoHash: infoHash,
		dial:     opts.Dial,
	}
	if d.cfg == nil {
		d.cfg = WithDefaultConfig()
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.dial == nil {
		d.dial = (&net.Dialer{}).DialContext
	}

	return d
}

// Connect dials addr and completes the handshake. On success the returned
// session owns events.
func (d *Dialer) Connect(
	ctx context.Context,
	addr netip.AddrPort,
	cat *catalog.Catalog,
	events *supervisor.Sender,
) (supervisor.Session, error) {
	dctx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	conn, err := d.dial(dctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	if deadline, ok := dctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	remote, err := protocol.NewHandshake(d.infoHash, d.cfg.PeerID).Exchange(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer: handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return newSession(conn, addr, cat, events, &sessionOpts{
		cfg:      d.cfg,
		log:      d.log,
		remoteID: remote.PeerID,
	}), nil
}
