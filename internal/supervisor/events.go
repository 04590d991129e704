package supervisor

import (
	"fmt"
	"net/netip"

	"github.com/google/uuid"
	"github.com/prxssh/warren/internal/bitfield"
	"github.com/prxssh/warren/internal/piece"
)

// PeerID identifies one peer session for its whole lifetime.
type PeerID uuid.UUID

func NewPeerID() PeerID { return PeerID(uuid.New()) }

func (id PeerID) String() string { return uuid.UUID(id).String() }

// Command is the single directive the supervisor sends to a peer session.
type Command uint8

const (
	// CommandTasksAvailable tells the session its block queue gained work.
	CommandTasksAvailable Command = iota + 1
)

func (c Command) String() string {
	if c == CommandTasksAvailable {
		return "TasksAvailable"
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

// Event is the closed set of messages peer sessions send to the supervisor.
type Event interface {
	event()
	PeerID() PeerID
}

type PeerEvent[T any] struct {
	Peer PeerID
	Data T
}

func (e PeerEvent[T]) event() {}

func (e PeerEvent[T]) PeerID() PeerID { return e.Peer }

func (e PeerEvent[T]) String() string {
	return fmt.Sprintf("%v(peer=%s)", any(e.Data), e.Peer)
}

type (
	PeerJoined          = PeerEvent[JoinData]
	PeerLeft            = PeerEvent[LeaveData]
	AvailabilityChanged = PeerEvent[Update]
	PieceCompleted      = PeerEvent[piece.Buffer]
)

// JoinData carries the handles the supervisor keeps for a new peer.
type JoinData struct {
	Addr    netip.AddrPort
	Queue   *piece.Queue
	Control chan<- Command
}

func (d JoinData) String() string { return fmt.Sprintf("Joined[%s]", d.Addr) }

type LeaveData struct{}

func (LeaveData) String() string { return "Left" }

// Update is an availability announcement: FullBitfield or HavePiece.
type Update interface {
	update()
}

type FullBitfield struct {
	Bits bitfield.Bitfield
}

func (FullBitfield) update() {}

func (u FullBitfield) String() string { return fmt.Sprintf("Bitfield[%d set]", u.Bits.Count()) }

type HavePiece struct {
	Index int
}

func (HavePiece) update() {}

func (u HavePiece) String() string { return fmt.Sprintf("Have[%d]", u.Index) }

func NewPeerJoined(id PeerID, addr netip.AddrPort, q *piece.Queue, control chan<- Command) PeerJoined {
	return PeerJoined{Peer: id, Data: JoinData{Addr: addr, Queue: q, Control: control}}
}

func NewPeerLeft(id PeerID) PeerLeft {
	return PeerLeft{Peer: id}
}

func NewFullBitfield(id PeerID, bits bitfield.Bitfield) AvailabilityChanged {
	return AvailabilityChanged{Peer: id, Data: FullBitfield{Bits: bits}}
}

func NewHavePiece(id PeerID, index int) AvailabilityChanged {
	return AvailabilityChanged{Peer: id, Data: HavePiece{Index: index}}
}

func NewPieceCompleted(id PeerID, buf piece.Buffer) PieceCompleted {
	return PieceCompleted{Peer: id, Data: buf}
}
