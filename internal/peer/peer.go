// Package peer runs outbound peer-wire sessions. A session downloads the
// block tasks the supervisor queues for it and reports availability and
// completed pieces back as events.
package peer

import (
	"cmp"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/warren/internal/bitfield"
	"github.com/prxssh/warren/internal/catalog"
	"github.com/prxssh/warren/internal/piece"
	"github.com/prxssh/warren/internal/protocol"
	"github.com/prxssh/warren/internal/supervisor"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	maskAmInterested   = 1 << 0
	maskPeerChoking    = 1 << 1
	maskPeerInterested = 1 << 2
)

var (
	ErrUnexpectedMessage = errors.New("peer: unexpected message id")
	ErrStalled           = errors.New("peer: no data within read timeout")
)

type stats struct {
	downloaded       atomic.Uint64
	blocksReceived   atomic.Uint64
	piecesCompleted  atomic.Uint64
	requestsSent     atomic.Uint64
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	unsolicited      atomic.Uint64
}

// Metrics is a snapshot of one session's connection and transfer stats.
type Metrics struct {
	Addr            netip.AddrPort
	Downloaded      uint64
	BlocksReceived  uint64
	PiecesCompleted uint64
	RequestsSent    uint64
	Unsolicited     uint64
	Inflight        int
	PeerChoking     bool
	ConnectedAt     time.Time
	LastActive      time.Time
}

type sessionOpts struct {
	cfg      *Config
	log      *slog.Logger
	remoteID [sha1.Size]byte
}

// Session is one established peer connection.
type Session struct {
	id       supervisor.PeerID
	remoteID [sha1.Size]byte
	conn     net.Conn
	addr     netip.AddrPort
	cat      *catalog.Catalog
	events   *supervisor.Sender
	cfg      *Config
	log      *slog.Logger

	queue   *piece.Queue
	control chan supervisor.Command
	wake    chan struct{}
	outbox  chan *protocol.Message
	limiter *rate.Limiter

	state        atomic.Uint32
	lastActivity atomic.Int64
	connectedAt  time.Time
	stats        stats

	mu         sync.Mutex
	inflight   map[piece.Block]struct{}
	assemblers map[int]*piece.Assembler
}

func newSession(
	conn net.Conn,
	addr netip.AddrPort,
	cat *catalog.Catalog,
	events *supervisor.Sender,
	opts *sessionOpts,
) *Session {
	id := supervisor.NewPeerID()

	limit, burst := rate.Inf, piece.MaxBlockLength
	if opts.cfg.MaxDownloadRate > 0 {
		limit = rate.Limit(opts.cfg.MaxDownloadRate)
		burst = max(int(opts.cfg.MaxDownloadRate), piece.MaxBlockLength)
	}

	s := &Session{
		id:          id,
		remoteID:    opts.remoteID,
		conn:        conn,
		addr:        addr,
		cat:         cat,
		events:      events,
		cfg:         opts.cfg,
		log:         opts.log.With("component", "peer", "addr", addr, "peer", id),
		queue:       piece.NewQueue(),
		control:     make(chan supervisor.Command, 1),
		wake:        make(chan struct{}, 1),
		outbox:      make(chan *protocol.Message, max(opts.cfg.OutboxSize, 1)),
		limiter:     rate.NewLimiter(limit, burst),
		connectedAt: time.Now(),
		inflight:    make(map[piece.Block]struct{}),
		assemblers:  make(map[int]*piece.Assembler),
	}
	s.setState(maskPeerChoking, true)
	s.lastActivity.Store(time.Now().UnixNano())

	return s
}

func (s *Session) ID() supervisor.PeerID { return s.id }

// Run announces the session, then reads, writes and requests until ctx is
// cancelled or the connection fails. PeerLeft is always sent before the
// event handle is released.
func (s *Session) Run(ctx context.Context) error {
	defer s.events.Release()
	defer s.conn.Close()

	if err := s.events.SendContext(ctx, supervisor.NewPeerJoined(s.id, s.addr, s.queue, s.control)); err != nil {
		return err
	}
	defer func() {
		if err := s.events.Send(supervisor.NewPeerLeft(s.id)); err != nil {
			s.log.Debug("peer left not delivered", "error", err)
		}
	}()

	s.log.Debug("session started", "remote_id", fmt.Sprintf("%q", s.remoteID[:8]))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = s.conn.Close()
		return nil
	})
	g.Go(func() error { return s.readMessagesLoop(gctx) })
	g.Go(func() error { return s.writeMessagesLoop(gctx) })
	g.Go(func() error { return s.requestLoop(gctx) })

	err := g.Wait()
	s.log.Debug("session ended", "error", err, "downloaded", s.stats.downloaded.Load())

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Session) readMessagesLoop(ctx context.Context) error {
	for {
		message, err := s.readMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if s.Inflight() == 0 {
					continue
				}
				return ErrStalled
			}
			return fmt.Errorf("peer: read: %w", err)
		}

		if err := s.handleMessage(ctx, message); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Session) writeMessagesLoop(ctx context.Context) error {
	keepAlive := s.cfg.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = WithDefaultConfig().KeepAliveInterval
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case message := <-s.outbox:
			if err := s.writeMessage(message); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("peer: write %s: %w", message, err)
			}

		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastActivity.Load())) >= keepAlive {
				if err := s.writeMessage(nil); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("peer: keep-alive: %w", err)
				}
			}
		}
	}
}

// requestLoop turns queued block tasks into Request frames whenever the
// supervisor signals new work or the pipeline drains.
func (s *Session) requestLoop(ctx context.Context) error {
	if err := s.enqueue(ctx, protocol.MessageInterested()); err != nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.control:
			if cmd != supervisor.CommandTasksAvailable {
				s.log.Debug("ignoring command", "command", cmd)
				continue
			}
		case <-s.wake:
		}

		if err := s.fillPipeline(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Session) fillPipeline(ctx context.Context) error {
	for !s.PeerChoking() {
		b, ok := s.reserve()
		if !ok {
			return nil
		}

		if err := s.limiter.WaitN(ctx, b.Length); err != nil {
			return err
		}
		if err := s.enqueue(ctx, protocol.MessageRequest(b)); err != nil {
			return err
		}
	}

	return nil
}

// reserve pops the next block task if the pipeline has room and marks it
// in flight.
func (s *Session) reserve() (piece.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.inflight) >= max(s.cfg.MaxInflightRequests, 1) {
		return piece.Block{}, false
	}

	b, ok := s.queue.Pop()
	if !ok {
		return piece.Block{}, false
	}

	s.inflight[b] = struct{}{}
	if _, ok := s.assemblers[b.Index]; !ok {
		s.assemblers[b.Index] = piece.NewAssembler(b.Index, s.cat.PieceLength(b.Index))
	}

	return b, true
}

// requeueInflight returns outstanding requests to the front of the queue in
// piece order. A choking peer discards them.
func (s *Session) requeueInflight() {
	s.mu.Lock()
	blocks := lo.Keys(s.inflight)
	clear(s.inflight)
	s.mu.Unlock()

	if len(blocks) == 0 {
		return
	}

	slices.SortFunc(blocks, func(a, b piece.Block) int {
		return cmp.Or(cmp.Compare(a.Index, b.Index), cmp.Compare(a.Begin, b.Begin))
	})
	s.queue.PushFront(blocks...)
	s.log.Debug("requeued blocks after choke", "blocks", len(blocks))
}

func (s *Session) handleMessage(ctx context.Context, message *protocol.Message) error {
	if protocol.IsKeepAlive(message) {
		return nil
	}
	if err := message.Validate(); err != nil {
		return err
	}

	switch message.ID {
	case protocol.Choke:
		s.setState(maskPeerChoking, true)
		s.requeueInflight()

	case protocol.Unchoke:
		s.setState(maskPeerChoking, false)
		s.poke()

	case protocol.Interested:
		s.setState(maskPeerInterested, true)

	case protocol.NotInterested:
		s.setState(maskPeerInterested, false)

	case protocol.Bitfield:
		bf := bitfield.FromBytes(message.Payload)
		return s.events.SendContext(ctx, supervisor.NewFullBitfield(s.id, bf))

	case protocol.Have:
		index, err := message.ParseHave()
		if err != nil {
			return err
		}
		return s.events.SendContext(ctx, supervisor.NewHavePiece(s.id, index))

	case protocol.Piece:
		return s.handlePiece(ctx, message)

	case protocol.Request, protocol.Cancel:
		// Uploading is not supported; requests are read and dropped.

	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedMessage, message.ID)
	}

	return nil
}

func (s *Session) handlePiece(ctx context.Context, message *protocol.Message) error {
	index, begin, data, err := message.ParsePiece()
	if err != nil {
		return err
	}
	b := piece.Block{Index: index, Begin: begin, Length: len(data)}

	s.mu.Lock()
	if _, ok := s.inflight[b]; !ok {
		s.mu.Unlock()
		s.stats.unsolicited.Add(1)
		s.log.Debug("dropping unsolicited block", "block", b)
		return nil
	}
	delete(s.inflight, b)

	asm := s.assemblers[index]
	done, err := asm.Put(begin, data)

	var buf piece.Buffer
	if done {
		buf = asm.Buffer()
		delete(s.assemblers, index)
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}

	s.stats.blocksReceived.Add(1)
	s.stats.downloaded.Add(uint64(len(data)))
	s.poke()

	if !done {
		return nil
	}

	s.stats.piecesCompleted.Add(1)
	return s.events.SendContext(ctx, supervisor.NewPieceCompleted(s.id, buf))
}

func (s *Session) readMessage() (*protocol.Message, error) {
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	message, err := protocol.ReadMessage(s.conn)
	if err != nil {
		return nil, err
	}

	s.stats.messagesReceived.Add(1)
	s.lastActivity.Store(time.Now().UnixNano())
	return message, nil
}

func (s *Session) writeMessage(message *protocol.Message) error {
	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}

	if err := protocol.WriteMessage(s.conn, message); err != nil {
		return err
	}

	s.stats.messagesSent.Add(1)
	s.lastActivity.Store(time.Now().UnixNano())

	if message == nil {
		return nil
	}
	switch message.ID {
	case protocol.Interested:
		s.setState(maskAmInterested, true)
	case protocol.NotInterested:
		s.setState(maskAmInterested, false)
	case protocol.Request:
		s.stats.requestsSent.Add(1)
	}

	return nil
}

func (s *Session) enqueue(ctx context.Context, message *protocol.Message) error {
	select {
	case s.outbox <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// poke wakes the request loop; pending wake-ups coalesce.
func (s *Session) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) AmInterested() bool   { return s.getState(maskAmInterested) }
func (s *Session) PeerChoking() bool    { return s.getState(maskPeerChoking) }
func (s *Session) PeerInterested() bool { return s.getState(maskPeerInterested) }

func (s *Session) getState(mask uint32) bool { return s.state.Load()&mask != 0 }

func (s *Session) setState(mask uint32, on bool) {
	for {
		old := s.state.Load()
		next := old &^ mask
		if on {
			next = old | mask
		}

		if s.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// Inflight returns the number of outstanding block requests.
func (s *Session) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.inflight)
}

// Stats returns a snapshot of metrics for this session.
func (s *Session) Stats() Metrics {
	return Metrics{
		Addr:            s.addr,
		Downloaded:      s.stats.downloaded.Load(),
		BlocksReceived:  s.stats.blocksReceived.Load(),
		PiecesCompleted: s.stats.piecesCompleted.Load(),
		RequestsSent:    s.stats.requestsSent.Load(),
		Unsolicited:     s.stats.unsolicited.Load(),
		Inflight:        s.Inflight(),
		PeerChoking:     s.PeerChoking(),
		ConnectedAt:     s.connectedAt,
		LastActive:      time.Unix(0, s.lastActivity.Load()),
	}
}
