package protocol

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestRoundTrip(t *testing.T) {
	payloads := []uint32{0, 1, 500000, 1_000_000, 0xdeadbeef, math.MaxUint32}
	for _, typ := range []Type{SetVbus, SetAppState, SetSetpoint, Start, Kill} {
		for _, p := range payloads {
			msg := Message{Type: typ, Payload: p}
			buf := msg.Encode()
			got, err := Decode(buf[:])
			test.That(t, err, test.ShouldBeNil)
			if diff := cmp.Diff(msg, got); diff != "" {
				t.Errorf("%s round trip mismatch (-want +got):\n%s", msg, diff)
			}
		}
	}
}

func TestWireLayout(t *testing.T) {
	buf := Message{Type: SetSetpoint, Payload: 500000}.Encode()
	test.That(t, buf, test.ShouldResemble, [MessageSize]byte{3, 0x20, 0xa1, 0x07, 0x00})

	// trailing bytes are ignored
	msg, err := Decode([]byte{4, 1, 0, 0, 0, 0xff})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, msg, test.ShouldResemble, Message{Type: Start, Payload: 1})
}

func TestDecodeErrors(t *testing.T) {
	for _, tag := range []byte{0, 6, 0xff} {
		msg, err := Decode([]byte{tag, 1, 2, 3, 4})
		test.That(t, errors.Is(err, ErrUnknownMessage), test.ShouldBeTrue)
		test.That(t, msg, test.ShouldResemble, Message{})
	}

	_, err := Decode([]byte{1, 2, 3})
	test.That(t, errors.Is(err, ErrShortMessage), test.ShouldBeTrue)
	_, err = Decode(nil)
	test.That(t, errors.Is(err, ErrShortMessage), test.ShouldBeTrue)
}

func TestVbus(t *testing.T) {
	msg := Vbus(24.5)
	test.That(t, msg.Type, test.ShouldEqual, SetVbus)
	test.That(t, msg.Payload, test.ShouldEqual, uint32(24500))
	test.That(t, Volts(msg.Payload), test.ShouldEqual, 24.5)
	test.That(t, Type(9).String(), test.ShouldEqual, "Type(9)")
	test.That(t, msg.String(), test.ShouldEqual, "SET_VBUS(24500)")
}
