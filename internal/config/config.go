// Package config holds process-wide client settings shared by every
// download: identity, networking limits and rate limits.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// ClientIDPrefix is the Azureus-style tag at the start of our peer ID.
const ClientIDPrefix = "-WRN001-"

var ErrClientIDPrefix = errors.New("config: client ID prefix longer than 20 bytes")

// Config defines behavior and resource limits shared by all downloads.
type Config struct {
	// ========== Identity / Paths ==========

	// DownloadDir is where content is written unless a download names its
	// own directory.
	DownloadDir string

	// ClientID is the 20-byte peer ID sent in handshakes and announces.
	ClientID [sha1.Size]byte

	// ========== Networking ==========

	// DialTimeout bounds establishing a TCP connection plus handshake.
	DialTimeout time.Duration

	// ReadTimeout is the maximum time to wait for data from a peer before
	// considering the connection stalled.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single message write.
	WriteTimeout time.Duration

	// KeepAliveInterval is how often an idle connection sends keep-alive.
	KeepAliveInterval time.Duration

	// MaxPeers caps concurrent peer sessions per download.
	MaxPeers int

	// Port is reported to trackers. Incoming connections are not accepted.
	Port uint16

	// EnableIPv6 allows sessions with IPv6 peers.
	EnableIPv6 bool

	// ========== Tracker / Announce ==========

	// NumWant is the number of peers requested per announce.
	NumWant uint32

	// AnnounceTimeout bounds one announce round trip.
	AnnounceTimeout time.Duration

	// ========== Rate Limits ==========

	// MaxDownloadRate limits download speed in bytes/second per session.
	// 0 = unlimited.
	MaxDownloadRate int64

	// MaxInflightRequestsPerPeer limits outstanding block requests on one
	// connection.
	MaxInflightRequestsPerPeer int
}

func defaultConfig() (Config, error) {
	id, err := GenerateClientID(ClientIDPrefix)
	if err != nil {
		return Config{}, err
	}

	return Config{
		DownloadDir:                defaultDownloadDir(),
		ClientID:                   id,
		DialTimeout:                10 * time.Second,
		ReadTimeout:                45 * time.Second,
		WriteTimeout:               30 * time.Second,
		KeepAliveInterval:          2 * time.Minute,
		MaxPeers:                   50,
		Port:                       6881,
		EnableIPv6:                 hasIPv6(),
		NumWant:                    50,
		AnnounceTimeout:            15 * time.Second,
		MaxDownloadRate:            0,
		MaxInflightRequestsPerPeer: 5,
	}, nil
}

// GenerateClientID returns prefix followed by random bytes.
func GenerateClientID(prefix string) ([sha1.Size]byte, error) {
	var id [sha1.Size]byte
	if len(prefix) > sha1.Size {
		return id, ErrClientIDPrefix
	}

	n := copy(id[:], prefix)
	if _, err := rand.Read(id[n:]); err != nil {
		return [sha1.Size]byte{}, fmt.Errorf("config: client ID: %w", err)
	}

	return id, nil
}

func hasIPv6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP == nil || ipNet.IP.To4() != nil {
				continue
			}
			if ipNet.IP.IsGlobalUnicast() && !ipNet.IP.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "warren")
	default:
		return filepath.Join(home, ".local", "share", "warren", "downloads")
	}
}
