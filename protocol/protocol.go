// Package protocol defines the command messages the supervisor sends to control threads. A
// message is 5 bytes on the wire: a type tag followed by a little-endian 32-bit payload.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// MessageSize is the encoded size of a message.
const MessageSize = 5

// Type is the message type tag.
type Type uint8

// Message types. The zero tag is unused so an all-zero frame is rejected.
const (
	SetVbus     Type = 1
	SetAppState Type = 2
	SetSetpoint Type = 3
	// Start arms (payload != 0) or disarms (payload == 0) the motor.
	Start Type = 4
	// Kill ends the control thread. The payload is ignored.
	Kill Type = 5
)

var (
	// ErrUnknownMessage is returned when decoding a frame with an unknown type tag.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrShortMessage is returned when decoding a frame shorter than MessageSize.
	ErrShortMessage = errors.New("short message")
)

func (t Type) String() string {
	switch t {
	case SetVbus:
		return "SET_VBUS"
	case SetAppState:
		return "SET_APPSTATE"
	case SetSetpoint:
		return "SET_SETPOINT"
	case Start:
		return "START"
	case Kill:
		return "KILL"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	return t >= SetVbus && t <= Kill
}

// Message is one command.
type Message struct {
	Type    Type
	Payload uint32
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%d)", m.Type, m.Payload)
}

// Encode returns the wire form of m.
func (m Message) Encode() [MessageSize]byte {
	var buf [MessageSize]byte
	buf[0] = byte(m.Type)
	binary.LittleEndian.PutUint32(buf[1:], m.Payload)
	return buf
}

// Decode parses a message from the first MessageSize bytes of buf.
func Decode(buf []byte) (Message, error) {
	if len(buf) < MessageSize {
		return Message{}, errors.Wrapf(ErrShortMessage, "got %d bytes, need %d", len(buf), MessageSize)
	}
	t := Type(buf[0])
	if !t.Valid() {
		return Message{}, errors.Wrapf(ErrUnknownMessage, "tag %d", buf[0])
	}
	return Message{Type: t, Payload: binary.LittleEndian.Uint32(buf[1:MessageSize])}, nil
}

// Vbus returns a SET_VBUS message for a bus voltage in volts. The payload is in millivolts.
func Vbus(volts float64) Message {
	return Message{Type: SetVbus, Payload: uint32(volts*1000 + 0.5)}
}

// Volts returns the bus voltage of a SET_VBUS payload.
func Volts(payload uint32) float64 {
	return float64(payload) / 1000
}
