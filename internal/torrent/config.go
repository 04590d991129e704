package torrent

import (
	"github.com/prxssh/warren/internal/config"
	"github.com/prxssh/warren/internal/peer"
	"github.com/prxssh/warren/internal/supervisor"
	"github.com/prxssh/warren/internal/tracker"
)

type Config struct {
	Supervisor *supervisor.Config
	Peer       *peer.Config
	Tracker    *tracker.Config
}

// WithDefaultConfig returns component defaults overridden by the
// process-wide settings in config.Load.
func WithDefaultConfig() *Config {
	g := config.Load()

	sup := supervisor.WithDefaultConfig()
	sup.MaxPeers = g.MaxPeers

	pc := peer.WithDefaultConfig()
	pc.PeerID = g.ClientID
	pc.DialTimeout = g.DialTimeout
	pc.ReadTimeout = g.ReadTimeout
	pc.WriteTimeout = g.WriteTimeout
	pc.KeepAliveInterval = g.KeepAliveInterval
	pc.MaxInflightRequests = g.MaxInflightRequestsPerPeer
	pc.MaxDownloadRate = g.MaxDownloadRate

	tc := tracker.WithDefaultConfig()
	tc.PeerID = g.ClientID
	tc.NumWant = g.NumWant
	tc.Port = g.Port
	tc.AnnounceTimeout = g.AnnounceTimeout
	tc.EnableIPv6 = g.EnableIPv6

	return &Config{Supervisor: sup, Peer: pc, Tracker: tc}
}
