// Package supervisor coordinates one download: it owns peer membership and
// piece assignment, hands block tasks to peer sessions and verifies every
// piece they complete. All coordination state is mutated by the single
// goroutine running Supervisor.Run; sessions talk to it only through events.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/warren/internal/catalog"
	"github.com/prxssh/warren/internal/meta"
	"github.com/prxssh/warren/internal/piece"
	"github.com/prxssh/warren/internal/retry"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

var (
	ErrDiscoveryExhausted = errors.New("supervisor: no discovery source returned peers")
	ErrMissingDependency  = errors.New("supervisor: missing dependency")

	errNoPeers = errors.New("no source returned peers")
)

type State int32

const (
	StateBootstrapping State = iota
	StateRunning
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "bootstrapping"
	case StateRunning:
		return "running"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stats is a point-in-time snapshot of the supervisor's counters.
type Stats struct {
	Peers        int
	Claimed      int
	Complete     int
	NumPieces    int
	HashFailures int
}

type counters struct {
	peers        atomic.Int64
	claimed      atomic.Int64
	complete     atomic.Int64
	hashFailures atomic.Int64
}

type Opts struct {
	Logger    *slog.Logger
	Config    *Config
	Sources   SourceFactory
	Connector Connector
	Writer    PieceWriter

	// OnPieceVerified runs on the supervisor goroutine after a piece is
	// persisted. It must not block.
	OnPieceVerified func(index int)
}

type Supervisor struct {
	cfg    *Config
	logger *slog.Logger

	meta      *meta.Metainfo
	cat       *catalog.Catalog
	sources   SourceFactory
	connector Connector
	writer    PieceWriter
	onPiece   func(int)

	box      *mailbox
	self     *Sender
	stopOnce sync.Once

	registry *registry
	table    *assignmentTable
	selector selector

	state atomic.Int32
	stats counters
}

func New(m *meta.Metainfo, opts *Opts) (*Supervisor, error) {
	if opts == nil {
		opts = &Opts{}
	}
	if opts.Config == nil {
		opts.Config = WithDefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sources == nil || opts.Connector == nil || opts.Writer == nil {
		return nil, fmt.Errorf("%w: sources, connector and writer are required", ErrMissingDependency)
	}

	cat, err := catalog.FromMetainfo(m)
	if err != nil {
		return nil, err
	}

	box := newMailbox(max(opts.Config.EventQueueSize, 1))
	n := cat.NumPieces()

	return &Supervisor{
		cfg:       opts.Config,
		logger:    opts.Logger.With("component", "supervisor", "info_hash", fmt.Sprintf("%x", m.InfoHash)),
		meta:      m,
		cat:       cat,
		sources:   opts.Sources,
		connector: opts.Connector,
		writer:    opts.Writer,
		onPiece:   opts.OnPieceVerified,
		box:       box,
		self:      box.sender(),
		registry:  newRegistry(n),
		table:     newAssignmentTable(n),
		selector:  selector{cat: cat, limit: max(opts.Config.SelectBatchLimit, 1)},
	}, nil
}

func (s *Supervisor) Catalog() *catalog.Catalog { return s.cat }

func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) Stats() Stats {
	return Stats{
		Peers:        int(s.stats.peers.Load()),
		Claimed:      int(s.stats.claimed.Load()),
		Complete:     int(s.stats.complete.Load()),
		NumPieces:    s.cat.NumPieces(),
		HashFailures: int(s.stats.hashFailures.Load()),
	}
}

// Run discovers peers, spawns a session per address and processes events
// until the queue reaches end-of-stream. It returns nil on cancellation or
// completion and ErrDiscoveryExhausted when discovery gives up.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.state.Store(int32(StateTerminal))

	addrs, err := s.discover(ctx)
	if err != nil {
		s.self.Release()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	sessCtx, cancelSessions := context.WithCancel(ctx)
	defer cancelSessions()

	var g errgroup.Group
	s.spawn(sessCtx, &g, addrs)

	s.state.Store(int32(StateRunning))
	s.logger.Info("running", "candidates", len(addrs), "pieces", s.cat.NumPieces())

	s.loop(ctx, cancelSessions)

	_ = g.Wait()
	s.logger.Info("stopped", "complete", s.table.complete, "pieces", s.cat.NumPieces())
	return nil
}

// discover queries every source in order per round, retrying rounds with
// backoff until one source returns a non-empty address set.
func (s *Supervisor) discover(ctx context.Context) ([]netip.AddrPort, error) {
	var sources []Source
	for _, raw := range s.meta.AnnounceURLs() {
		src, err := s.sources(raw)
		if err != nil {
			s.logger.Debug("skipping announce url", "url", raw, "error", err)
			continue
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no usable announce url", ErrDiscoveryExhausted)
	}

	var found []netip.AddrPort
	round := func(ctx context.Context) error {
		for _, src := range sources {
			addrs, err := src.Announce(ctx, s.meta)
			if err != nil {
				s.logger.Warn("discovery source failed", "source", src.String(), "error", err)
				continue
			}
			if len(addrs) == 0 {
				s.logger.Debug("discovery source returned no peers", "source", src.String())
				continue
			}

			found = addrs
			return nil
		}
		return errNoPeers
	}

	opts := append(
		retry.WithExponentialBackoff(s.cfg.DiscoveryMaxAttempts, s.cfg.DiscoveryInitialDelay, s.cfg.DiscoveryMaxDelay),
		retry.WithOnRetry(func(attempt int, err error, next time.Duration) {
			s.logger.Warn("discovery round failed", "attempt", attempt, "retry_in", next, "error", err)
		}),
	)
	if err := retry.Do(ctx, round, opts...); err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return nil, fmt.Errorf("%w: %w", ErrDiscoveryExhausted, err)
		}
		return nil, err
	}

	found = lo.Uniq(found)
	if s.cfg.MaxPeers > 0 && len(found) > s.cfg.MaxPeers {
		found = found[:s.cfg.MaxPeers]
	}
	return found, nil
}

// spawn starts one goroutine per candidate. Each gets its own Sender clone,
// taken here so the queue cannot close before the session holds it.
func (s *Supervisor) spawn(ctx context.Context, g *errgroup.Group, addrs []netip.AddrPort) {
	for _, addr := range addrs {
		events := s.self.Clone()

		g.Go(func() error {
			sess, err := s.connector.Connect(ctx, addr, s.cat, events)
			if err != nil {
				events.Release()
				s.logger.Debug("peer connect failed", "addr", addr, "error", err)
				return nil
			}

			if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Debug("peer session ended", "addr", addr, "error", err)
			}
			return nil
		})
	}
}

func (s *Supervisor) loop(ctx context.Context, cancelSessions context.CancelFunc) {
	done := ctx.Done()

	for {
		select {
		case <-done:
			done = nil
			s.logger.Info("context done; draining")
			s.stop(cancelSessions)

		case ev, ok := <-s.box.ch:
			if !ok {
				return
			}

			s.dispatch(ev)
			if s.cfg.ExitOnComplete && s.table.done() {
				done = nil
				s.stop(cancelSessions)
			}
		}
	}
}

// stop releases the supervisor's own producer handle and cancels sessions.
// Sessions then report PeerLeft and release theirs, closing the queue.
func (s *Supervisor) stop(cancelSessions context.CancelFunc) {
	s.stopOnce.Do(func() {
		s.self.Release()
		cancelSessions()
	})
}

func (s *Supervisor) dispatch(ev Event) {
	switch ev := ev.(type) {
	case PeerJoined:
		s.join(ev.Peer, ev.Data)
	case PeerLeft:
		s.leave(ev.Peer)
	case AvailabilityChanged:
		if rec, found := s.updateAvailability(ev.Peer, ev.Data); found {
			notify(rec)
		}
	case PieceCompleted:
		s.pieceCompleted(ev.Peer, ev.Data)
	default:
		s.logger.Warn("unexpected event", "type", fmt.Sprintf("%T", ev))
	}
	s.syncStats()
}

func (s *Supervisor) join(id PeerID, d JoinData) {
	prev, replaced := s.registry.join(id, d)
	s.logger.Debug("peer joined", "peer", id, "addr", d.Addr, "replaced", replaced)

	if replaced && prev != nil {
		s.afterRelease(s.table.sweep(id), PeerID{})
	}
}

func (s *Supervisor) leave(id PeerID) {
	if _, ok := s.registry.leave(id); !ok {
		s.logger.Debug("leave for unknown peer", "peer", id)
		return
	}

	freed := s.table.sweep(id)
	s.logger.Debug("peer left", "peer", id, "released", len(freed))
	s.afterRelease(freed, PeerID{})
}

// updateAvailability applies u to the peer's tracker and runs selection. It
// reports whether at least one piece was newly claimed.
func (s *Supervisor) updateAvailability(id PeerID, u Update) (*peerRecord, bool) {
	rec, err := s.registry.updateAvailability(id, u)
	switch {
	case errors.Is(err, ErrUnknownPeer):
		s.logger.Debug("availability for unknown peer", "peer", id)
		return nil, false
	case err != nil:
		s.logger.Warn("rejected availability update", "peer", id, "error", err)
		return nil, false
	}

	claimed := s.selector.pick(rec, u, s.table)
	if len(claimed) > 0 {
		s.logger.Debug("pieces claimed", "peer", id, "pieces", claimed)
	}
	return rec, len(claimed) > 0
}

func (s *Supervisor) pieceCompleted(id PeerID, buf piece.Buffer) {
	err := verify(s.cat, buf)
	switch {
	case errors.Is(err, ErrUnknownPiece):
		s.logger.Warn("dropping buffer", "peer", id, "error", err)
		return
	case errors.Is(err, ErrHashMismatch):
		s.stats.hashFailures.Add(1)
		s.logger.Warn("piece failed verification", "peer", id, "piece", buf.Index)
		if s.cfg.ReleaseOnHashFailure && slices.Contains(s.table.owners(buf.Index), id) &&
			s.table.release(buf.Index) {
			s.afterRelease([]int{buf.Index}, id)
		}
		return
	}

	if s.table.state(buf.Index) == slotComplete {
		s.logger.Debug("ignoring duplicate piece", "peer", id, "piece", buf.Index)
		return
	}

	if err := s.writer.WritePiece(buf.Index, buf.Data); err != nil {
		s.logger.Error("persisting piece failed", "piece", buf.Index, "error", err)
		if s.table.release(buf.Index) {
			s.afterRelease([]int{buf.Index}, PeerID{})
		}
		return
	}

	s.table.markComplete(buf.Index)
	s.logger.Debug("piece verified", "peer", id, "piece", buf.Index,
		"complete", s.table.complete, "pieces", s.cat.NumPieces())

	if s.onPiece != nil {
		s.onPiece(buf.Index)
	}
	if s.table.done() {
		s.logger.Info("all pieces verified")
	}
}

// afterRelease offers freed pieces to the peers still connected. The peer
// named by last, if connected, is offered them only after every other peer.
func (s *Supervisor) afterRelease(freed []int, last PeerID) {
	if len(freed) == 0 || !s.cfg.ReofferOnRelease {
		return
	}

	recs := s.registry.sorted()
	if i := slices.IndexFunc(recs, func(r *peerRecord) bool { return r.id == last }); i >= 0 {
		rec := recs[i]
		recs = append(slices.Delete(recs, i, i+1), rec)
	}

	for _, rec := range recs {
		if claimed := s.selector.scan(rec, s.table); len(claimed) > 0 {
			s.logger.Debug("re-offered pieces", "peer", rec.id, "pieces", claimed)
			notify(rec)
		}
	}
}

// notify wakes the session without blocking; pending wake-ups coalesce.
func notify(rec *peerRecord) {
	if rec.control == nil {
		return
	}

	select {
	case rec.control <- CommandTasksAvailable:
	default:
	}
}

func (s *Supervisor) syncStats() {
	s.stats.peers.Store(int64(s.registry.len()))
	s.stats.claimed.Store(int64(s.table.claimed))
	s.stats.complete.Store(int64(s.table.complete))
}
