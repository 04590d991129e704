// Package protocol implements the peer wire framing: the opening handshake
// and the length-prefixed messages that follow it.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/prxssh/warren/internal/piece"
)

type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	default:
		return fmt.Sprintf("Unknown(%d)", id)
	}
}

// MaxFrameLength bounds the length prefix accepted from a peer. It leaves
// room for a block message and for bitfields of very large torrents.
const MaxFrameLength = 4 << 20

// Message is one length-prefixed frame:
//
//	keep-alive: <length=0>
//	otherwise:  <length:4><id:1><payload:length-1>
//
// A nil *Message denotes a keep-alive frame.
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	ErrShortMessage   = errors.New("protocol: short message")
	ErrFrameTooLarge  = errors.New("protocol: frame exceeds maximum length")
	ErrBadPayloadSize = errors.New("protocol: invalid payload size for message")
	ErrUnexpectedID   = errors.New("protocol: unexpected message id")
)

func IsKeepAlive(m *Message) bool { return m == nil }

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

func MessageHave(index int) *Message {
	payload := binary.BigEndian.AppendUint32(nil, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

func MessageBitfield(bits []byte) *Message {
	return &Message{ID: Bitfield, Payload: append([]byte(nil), bits...)}
}

func MessageRequest(b piece.Block) *Message {
	return &Message{ID: Request, Payload: blockTriple(b)}
}

func MessageCancel(b piece.Block) *Message {
	return &Message{ID: Cancel, Payload: blockTriple(b)}
}

func MessagePiece(index, begin int, data []byte) *Message {
	payload := make([]byte, 8, 8+len(data))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	return &Message{ID: Piece, Payload: append(payload, data...)}
}

func blockTriple(b piece.Block) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(b.Index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(b.Begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(b.Length))
	return payload
}

// ParseHave returns the piece index announced by a Have message.
func (m *Message) ParseHave() (int, error) {
	if err := m.expect(Have); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParseRequest decodes a Request or Cancel payload.
func (m *Message) ParseRequest() (piece.Block, error) {
	if m == nil || (m.ID != Request && m.ID != Cancel) {
		return piece.Block{}, ErrUnexpectedID
	}
	if err := m.Validate(); err != nil {
		return piece.Block{}, err
	}

	return piece.Block{
		Index:  int(binary.BigEndian.Uint32(m.Payload[0:4])),
		Begin:  int(binary.BigEndian.Uint32(m.Payload[4:8])),
		Length: int(binary.BigEndian.Uint32(m.Payload[8:12])),
	}, nil
}

// ParsePiece returns the piece index, begin offset and block data. The data
// aliases the message payload.
func (m *Message) ParsePiece() (index, begin int, data []byte, err error) {
	if err := m.expect(Piece); err != nil {
		return 0, 0, nil, err
	}

	return int(binary.BigEndian.Uint32(m.Payload[0:4])),
		int(binary.BigEndian.Uint32(m.Payload[4:8])),
		m.Payload[8:], nil
}

func (m *Message) expect(id MessageID) error {
	if m == nil || m.ID != id {
		return ErrUnexpectedID
	}
	return m.Validate()
}

// Validate checks the payload size of fixed-layout messages.
func (m *Message) Validate() error {
	if m == nil {
		return nil
	}

	var ok bool
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		ok = len(m.Payload) == 0
	case Have:
		ok = len(m.Payload) == 4
	case Request, Cancel:
		ok = len(m.Payload) == 12
	case Piece:
		ok = len(m.Payload) >= 8
	default:
		ok = true
	}

	if !ok {
		return fmt.Errorf("%w: %s with %d bytes", ErrBadPayloadSize, m.ID, len(m.Payload))
	}
	return nil
}

func (m *Message) String() string {
	if m == nil {
		return "KeepAlive"
	}
	return fmt.Sprintf("%s(%d bytes)", m.ID, len(m.Payload))
}

// WriteTo writes the frame. A nil receiver writes a keep-alive.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	if m == nil {
		var z [4]byte
		n, err := w.Write(z[:])
		return int64(n), err
	}

	frame := make([]byte, 5, 5+len(m.Payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(m.Payload)))
	frame[4] = byte(m.ID)
	frame = append(frame, m.Payload...)

	n, err := w.Write(frame)
	return int64(n), err
}

// ReadMessage reads one frame. It returns (nil, nil) for a keep-alive.
func ReadMessage(r io.Reader) (*Message, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length == 0 {
		return nil, nil
	}
	if length > MaxFrameLength {
		return nil, fmt.Errorf("%w: %d", ErrFrameTooLarge, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortMessage
		}
		return nil, err
	}

	m := &Message{ID: MessageID(buf[0])}
	if length > 1 {
		m.Payload = buf[1:]
	}
	return m, nil
}

// WriteMessage writes m to w. If m is nil, it writes a keep-alive frame.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}
