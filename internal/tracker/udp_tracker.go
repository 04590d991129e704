package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"
)

const (
	udpProtocolID   = 0x41727101980
	udpBaseTimeout  = 15 * time.Second
	connectionIDTTL = time.Minute
	maxRetries      = 8
	maxUDPPacket    = 4096
)

const (
	actionConnect uint32 = iota
	actionAnnounce
	actionScrape
	actionError
)

var (
	errActionMismatch        = errors.New("action mismatch")
	errTransactionIDMismatch = errors.New("transaction id mismatch")
	errPacketTooShort        = errors.New("packet too short")
	errAttemptsExhausted     = errors.New("tracker: exhausted all attempts")
	errTrackerError          = errors.New("tracker error")
)

var be = binary.BigEndian

// udpTracker speaks BEP 15. Calls are serialized on mu; the connection ID
// is reused until it expires or the tracker stops recognising it.
type udpTracker struct {
	host   string
	logger *slog.Logger

	// baseTimeout is the first retransmit timeout; it doubles per retry.
	baseTimeout time.Duration

	mu           sync.Mutex
	conn         net.Conn
	key          uint32
	connID       uint64
	connIDExpiry time.Time
	buf          []byte
}

func newUDPTracker(u *url.URL, logger *slog.Logger) *udpTracker {
	return &udpTracker{
		host:        u.Host,
		logger:      logger.With("type", "udp"),
		baseTimeout: udpBaseTimeout,
		buf:         make([]byte, maxUDPPacket),
	}
}

func (ut *udpTracker) announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	if err := ut.dial(ctx); err != nil {
		return nil, err
	}

	resp, err := ut.tryAnnounce(ctx, params)
	if isStale(err) {
		ut.logger.Warn("udp session out of sync, reconnecting", "error", err)
		ut.connIDExpiry = time.Time{}
		resp, err = ut.tryAnnounce(ctx, params)
	}

	return resp, err
}

func (ut *udpTracker) close() error {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	if ut.conn == nil {
		return nil
	}
	err := ut.conn.Close()
	ut.conn = nil
	return err
}

func (ut *udpTracker) dial(ctx context.Context) error {
	if ut.conn != nil {
		return nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", ut.host)
	if err != nil {
		return err
	}

	key, err := randU32()
	if err != nil {
		conn.Close()
		return err
	}

	ut.conn, ut.key = conn, key
	return nil
}

func (ut *udpTracker) tryAnnounce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	if time.Now().After(ut.connIDExpiry) {
		body, err := ut.exchange(ctx, actionConnect, connectRequest)
		if err != nil {
			return nil, fmt.Errorf("udp connect: %w", err)
		}
		if len(body) < 8 {
			return nil, errPacketTooShort
		}

		ut.connID = be.Uint64(body)
		ut.connIDExpiry = time.Now().Add(connectionIDTTL)
		ut.logger.Debug("udp connected", "connID", ut.connID)
	}

	body, err := ut.exchange(ctx, actionAnnounce, func(tx uint32) []byte {
		return ut.announceRequest(tx, params)
	})
	if err != nil {
		return nil, fmt.Errorf("udp announce: %w", err)
	}

	return parseUDPAnnounce(body)
}

// exchange sends the request built for a fresh transaction ID and returns
// the body that follows the response header. Lost or unreadable replies are
// retransmitted with a doubling timeout.
func (ut *udpTracker) exchange(ctx context.Context, action uint32, build func(tx uint32) []byte) ([]byte, error) {
	for n := range maxRetries {
		if err := ut.arm(ctx, n); err != nil {
			return nil, err
		}

		tx, err := randU32()
		if err != nil {
			return nil, err
		}

		if _, err := ut.conn.Write(build(tx)); err != nil {
			ut.logger.Warn("udp send failed", "action", action, "error", err, "retry", n)
			continue
		}

		nread, err := ut.conn.Read(ut.buf)
		if err != nil {
			ut.logger.Debug("udp read failed", "action", action, "error", err, "retry", n)
			continue
		}

		body, err := checkResponse(ut.buf[:nread], action, tx)
		switch {
		case err == nil:
			return body, nil
		case errors.Is(err, errTrackerError) || isStale(err):
			return nil, err
		}
		ut.logger.Debug("udp bad reply", "action", action, "error", err, "retry", n)
	}

	return nil, errAttemptsExhausted
}

// arm sets the socket deadline for retry n, bounded by ctx.
func (ut *udpTracker) arm(ctx context.Context, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	timeout := ut.baseTimeout << n
	if deadline, ok := ctx.Deadline(); ok {
		remain := time.Until(deadline)
		if remain <= 0 {
			return context.DeadlineExceeded
		}
		timeout = min(timeout, remain)
	}

	return ut.conn.SetDeadline(time.Now().Add(timeout))
}

func connectRequest(tx uint32) []byte {
	b := make([]byte, 0, 16)
	b = be.AppendUint64(b, udpProtocolID)
	b = be.AppendUint32(b, actionConnect)
	return be.AppendUint32(b, tx)
}

func (ut *udpTracker) announceRequest(tx uint32, p *AnnounceParams) []byte {
	b := make([]byte, 0, 98)
	b = be.AppendUint64(b, ut.connID)
	b = be.AppendUint32(b, actionAnnounce)
	b = be.AppendUint32(b, tx)
	b = append(b, p.InfoHash[:]...)
	b = append(b, p.PeerID[:]...)
	b = be.AppendUint64(b, p.Downloaded)
	b = be.AppendUint64(b, p.Left)
	b = be.AppendUint64(b, p.Uploaded)
	b = be.AppendUint32(b, udpEvent(p.Event))
	b = be.AppendUint32(b, 0) // ip: use the sender address
	b = be.AppendUint32(b, ut.key)
	b = be.AppendUint32(b, p.NumWant)
	return be.AppendUint16(b, p.Port)
}

// checkResponse validates the 8-byte response header and returns the rest.
func checkResponse(packet []byte, want, tx uint32) ([]byte, error) {
	if len(packet) < 8 {
		return nil, errPacketTooShort
	}

	action, body := be.Uint32(packet), packet[8:]
	switch {
	case action == actionError:
		return nil, fmt.Errorf("%w: %s", errTrackerError, body)
	case action != want:
		return nil, errActionMismatch
	case be.Uint32(packet[4:]) != tx:
		return nil, errTransactionIDMismatch
	}

	return body, nil
}

func parseUDPAnnounce(body []byte) (*AnnounceResponse, error) {
	if len(body) < 12 {
		return nil, errPacketTooShort
	}

	// IPv4 trackers answer with 6-byte entries.
	peers, err := decodeCompact(body[12:], false)
	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{
		Interval: time.Duration(be.Uint32(body[0:])) * time.Second,
		Leechers: int64(be.Uint32(body[4:])),
		Seeders:  int64(be.Uint32(body[8:])),
		Peers:    peers,
	}, nil
}

func isStale(err error) bool {
	return errors.Is(err, errActionMismatch) || errors.Is(err, errTransactionIDMismatch)
}

// udpEvent maps an Event onto BEP 15's numbering, which differs from ours.
func udpEvent(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

func randU32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return be.Uint32(b[:]), nil
}
