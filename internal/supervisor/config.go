package supervisor

import "time"

type Config struct {
	// EventQueueSize bounds the inbound event queue. Producers block while
	// it is full.
	EventQueueSize int

	// SelectBatchLimit caps how many pieces one availability update may
	// claim.
	SelectBatchLimit int

	// MaxPeers caps the number of sessions spawned from discovery.
	MaxPeers int

	// DiscoveryMaxAttempts bounds discovery rounds. 0 retries forever.
	DiscoveryMaxAttempts int

	// DiscoveryInitialDelay is the wait after the first failed round; it
	// doubles per round up to DiscoveryMaxDelay.
	DiscoveryInitialDelay time.Duration
	DiscoveryMaxDelay     time.Duration

	// ReleaseOnHashFailure unclaims a piece after a buffer from one of its
	// owners fails verification. Other peers holding the piece are offered
	// it before the peer that sent the bad data.
	ReleaseOnHashFailure bool

	// ExitOnComplete stops every session and ends Run once all pieces
	// are verified.
	ExitOnComplete bool

	// ReofferOnRelease re-runs selection for connected peers whenever
	// pieces return to unclaimed.
	ReofferOnRelease bool
}

func WithDefaultConfig() *Config {
	return &Config{
		EventQueueSize:        100,
		SelectBatchLimit:      20,
		MaxPeers:              50,
		DiscoveryMaxAttempts:  8,
		DiscoveryInitialDelay: 2 * time.Second,
		DiscoveryMaxDelay:     time.Minute,
		ReleaseOnHashFailure:  true,
		ExitOnComplete:        true,
		ReofferOnRelease:      true,
	}
}
