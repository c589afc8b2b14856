package controller

import (
	"math"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/foc/motor"
	"go.viam.com/foc/protocol"
)

// Commands are the command fields drained before a cycle. A nil field has no new value.
type Commands struct {
	Vbus     *uint32
	AppState *motor.AppState
	Setpoint *uint32
	Start    *bool
	Kill     bool
}

// Empty reports whether there is nothing to apply.
func (c Commands) Empty() bool {
	return c.Vbus == nil && c.AppState == nil && c.Setpoint == nil && c.Start == nil && !c.Kill
}

// slot holds the latest posted value of one field and the last value handed out.
type slot[V comparable] struct {
	pending V
	posted  bool
	last    V
	hasLast bool
}

func (s *slot[V]) post(v V) {
	s.pending = v
	s.posted = true
}

// take returns the posted value unless it equals the last one taken.
func (s *slot[V]) take() *V {
	if !s.posted {
		return nil
	}
	s.posted = false
	if s.hasLast && s.last == s.pending {
		return nil
	}
	s.last, s.hasLast = s.pending, true
	v := s.pending
	return &v
}

// Mailbox carries commands from the supervisor to one control thread. Each field keeps only the
// latest value and is handed out only when it differs from the last one handed out. A stop posted
// while started is latched, so a stop followed by a start before the next drain is handed out as
// a stop, then the start on the drain after. Kill is sticky.
type Mailbox struct {
	mu       sync.Mutex
	vbus     slot[uint32]
	appState slot[motor.AppState]
	setpoint slot[uint32]
	start    slot[bool]
	stopEdge bool
	kill     bool
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Post stores a command. Unknown types and invalid application states are rejected and leave the
// mailbox unchanged.
func (mb *Mailbox) Post(msg protocol.Message) error {
	if !msg.Type.Valid() {
		return errors.Wrapf(protocol.ErrUnknownMessage, "tag %d", uint8(msg.Type))
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	switch msg.Type {
	case protocol.SetVbus:
		mb.vbus.post(msg.Payload)
	case protocol.SetAppState:
		if msg.Payload > math.MaxUint8 || !motor.AppState(msg.Payload).Valid() {
			return errors.Errorf("invalid application state %d", msg.Payload)
		}
		mb.appState.post(motor.AppState(msg.Payload))
	case protocol.SetSetpoint:
		mb.setpoint.post(msg.Payload)
	case protocol.Start:
		on := msg.Payload != 0
		if !on && mb.start.hasLast && mb.start.last {
			mb.stopEdge = true
		}
		mb.start.post(on)
	case protocol.Kill:
		mb.kill = true
	}
	return nil
}

// PostFrame decodes a wire frame and posts it.
func (mb *Mailbox) PostFrame(buf []byte) error {
	msg, err := protocol.Decode(buf)
	if err != nil {
		return err
	}
	return mb.Post(msg)
}

// Drain hands out the changed fields.
func (mb *Mailbox) Drain() Commands {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return Commands{
		Vbus:     mb.vbus.take(),
		AppState: mb.appState.take(),
		Setpoint: mb.setpoint.take(),
		Start:    mb.takeStart(),
		Kill:     mb.kill,
	}
}

// takeStart hands out a latched stop before anything posted after it. mb.mu must be held.
func (mb *Mailbox) takeStart() *bool {
	if !mb.stopEdge {
		return mb.start.take()
	}
	mb.stopEdge = false
	mb.start.last, mb.start.hasLast = false, true
	if !mb.start.pending {
		mb.start.posted = false
	}
	stop := false
	return &stop
}

// Killed reports whether a kill was posted.
func (mb *Mailbox) Killed() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.kill
}
