// Package torrent wires one download together: it parses the descriptor
// and hands the supervisor its tracker sources, peer dialer and storage
// sink.
package torrent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prxssh/warren/internal/bitfield"
	"github.com/prxssh/warren/internal/config"
	"github.com/prxssh/warren/internal/meta"
	"github.com/prxssh/warren/internal/peer"
	"github.com/prxssh/warren/internal/storage"
	"github.com/prxssh/warren/internal/supervisor"
	"github.com/prxssh/warren/internal/tracker"
	"github.com/spf13/afero"
)

type Opts struct {
	Config *Config
	Logger *slog.Logger

	// Dir is the download directory. Defaults to config.Load().DownloadDir.
	Dir string

	// Fs backs the storage sink. Defaults to the OS filesystem.
	Fs afero.Fs

	// OnPieceVerified runs on the supervisor goroutine and must not block.
	OnPieceVerified func(index int)
}

// TrackerStats pairs a tracker URL with its counters.
type TrackerStats struct {
	URL string
	tracker.Metrics
}

type Stats struct {
	supervisor.Stats
	Progress float64
	Trackers []TrackerStats
}

type Torrent struct {
	Metainfo *meta.Metainfo

	cfg  *Config
	log  *slog.Logger
	sup  *supervisor.Supervisor
	sink *storage.Sink

	mu      sync.Mutex
	sources []*tracker.Source
	cancel  context.CancelFunc

	closeOnce sync.Once
}

// New parses data and prepares the download. Nothing touches the network
// until Run.
func New(data []byte, opts *Opts) (*Torrent, error) {
	if opts == nil {
		opts = &Opts{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dir := opts.Dir
	if dir == "" {
		dir = config.Load().DownloadDir
	}

	m, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, err
	}

	t := &Torrent{
		Metainfo: m,
		cfg:      cfg,
		log:      log.With("torrent", m.Info.Name),
	}

	t.sink, err = storage.NewSink(dir, m.Info.Name, int(m.Info.PieceLength), m.Size(), &storage.Opts{
		Fs:     opts.Fs,
		Logger: t.log,
	})
	if err != nil {
		return nil, err
	}

	t.sup, err = supervisor.New(m, &supervisor.Opts{
		Logger:  t.log,
		Config:  cfg.Supervisor,
		Sources: t.newSource,
		Connector: peer.NewDialer(m.InfoHash, &peer.DialerOpts{
			Config: cfg.Peer,
			Logger: t.log,
		}),
		Writer:          t.sink,
		OnPieceVerified: opts.OnPieceVerified,
	})
	if err != nil {
		_ = t.sink.Close()
		return nil, err
	}

	return t, nil
}

func (t *Torrent) newSource(rawURL string) (supervisor.Source, error) {
	src, err := tracker.NewSource(rawURL, &tracker.Opts{Config: t.cfg.Tracker, Logger: t.log})
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.sources = append(t.sources, src)
	t.mu.Unlock()

	return src, nil
}

// Run downloads until every piece is verified or ctx is cancelled.
func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.log.Info("starting",
		"info_hash", fmt.Sprintf("%x", t.Metainfo.InfoHash),
		"size", t.Metainfo.Size(),
		"pieces", t.sup.Catalog().NumPieces(),
	)

	if err := t.sup.Run(ctx); err != nil {
		return fmt.Errorf("torrent %s: %w", t.Metainfo.Info.Name, err)
	}
	return nil
}

// Stop cancels a running download.
func (t *Torrent) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
}

// Done reports whether every piece has been verified and written.
func (t *Torrent) Done() bool {
	st := t.sup.Stats()
	return st.Complete == st.NumPieces
}

// Verify re-reads the written content and returns the pieces whose hash
// matches.
func (t *Torrent) Verify() (bitfield.Bitfield, error) {
	return t.sink.Recheck(t.sup.Catalog())
}

func (t *Torrent) Path() string { return t.sink.Path() }

// PieceLength returns the length of piece i.
func (t *Torrent) PieceLength(i int) int { return t.sup.Catalog().PieceLength(i) }

func (t *Torrent) Stats() Stats {
	st := t.sup.Stats()

	var progress float64
	if st.NumPieces > 0 {
		progress = float64(st.Complete) / float64(st.NumPieces)
	}

	t.mu.Lock()
	trackers := make([]TrackerStats, 0, len(t.sources))
	for _, src := range t.sources {
		trackers = append(trackers, TrackerStats{URL: src.String(), Metrics: src.Stats()})
	}
	t.mu.Unlock()

	return Stats{Stats: st, Progress: progress, Trackers: trackers}
}

// Close releases the storage file and tracker sockets. Call it after Run
// returns.
func (t *Torrent) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		for _, src := range t.sources {
			if cerr := src.Close(); cerr != nil {
				t.log.Debug("closing tracker failed", "url", src.String(), "error", cerr)
			}
		}
		t.mu.Unlock()

		err = t.sink.Close()
	})
	return err
}
