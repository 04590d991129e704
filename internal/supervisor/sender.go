package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrSenderReleased = errors.New("supervisor: sender already released")

// mailbox is the bounded inbound queue. It closes once the last Sender
// referencing it is released.
type mailbox struct {
	ch   chan Event
	refs atomic.Int64
}

func newMailbox(size int) *mailbox {
	return &mailbox{ch: make(chan Event, size)}
}

func (m *mailbox) sender() *Sender {
	m.refs.Add(1)
	return &Sender{box: m}
}

// NewEventQueue returns a producer handle on a fresh queue plus its
// receiving end. It lets a peer session run without a Supervisor draining
// its events, which is how the peer package tests sessions. The channel
// closes once the handle and all its clones are released.
func NewEventQueue(size int) (*Sender, <-chan Event) {
	box := newMailbox(max(size, 1))
	return box.sender(), box.ch
}

// Sender is a producer handle on the supervisor's event queue. Each holder
// owns one reference; the queue reaches end-of-stream once every Sender has
// been released. Send blocks while the queue is full.
//
// A Sender must not be used after, or concurrently with, its own Release.
type Sender struct {
	box      *mailbox
	once     sync.Once
	released atomic.Bool
}

// Clone returns a new independent handle on the same queue.
func (s *Sender) Clone() *Sender {
	if s.released.Load() {
		panic(ErrSenderReleased)
	}
	return s.box.sender()
}

// Send enqueues ev, waiting for space.
func (s *Sender) Send(ev Event) error {
	if s.released.Load() {
		return ErrSenderReleased
	}

	s.box.ch <- ev
	return nil
}

// SendContext is Send bounded by ctx.
func (s *Sender) SendContext(ctx context.Context, ev Event) error {
	if s.released.Load() {
		return ErrSenderReleased
	}

	select {
	case s.box.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release drops this handle's reference. It is safe to call more than once.
func (s *Sender) Release() {
	s.once.Do(func() {
		s.released.Store(true)
		if s.box.refs.Add(-1) == 0 {
			close(s.box.ch)
		}
	})
}
