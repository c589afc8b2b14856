package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/urfave/cli/v2"

	"go.viam.com/foc/motor"
	"go.viam.com/foc/protocol"
)

// parseMessage builds a command from its type name (or tag) and payload. SET_VBUS takes volts,
// SET_APPSTATE also accepts the state names.
func parseMessage(typeName, payload string) (protocol.Message, error) {
	typ, err := parseType(typeName)
	if err != nil {
		return protocol.Message{}, err
	}
	switch typ {
	case protocol.SetVbus:
		volts, err := cast.ToFloat64E(payload)
		if err != nil {
			return protocol.Message{}, errors.Wrap(err, "bus voltage")
		}
		if volts < 0 {
			return protocol.Message{}, errors.Errorf("bus voltage must not be negative, got %v", volts)
		}
		return protocol.Vbus(volts), nil
	case protocol.SetAppState:
		if app, err := parseAppState(payload); err == nil {
			return protocol.Message{Type: typ, Payload: uint32(app)}, nil
		}
	case protocol.Kill:
		if payload == "" {
			return protocol.Message{Type: typ}, nil
		}
	case protocol.SetSetpoint, protocol.Start:
	}
	value, err := cast.ToUint32E(payload)
	if err != nil {
		return protocol.Message{}, errors.Wrapf(err, "%s payload", typ)
	}
	msg := protocol.Message{Type: typ, Payload: value}
	if typ == protocol.SetAppState && !motor.AppState(value).Valid() {
		return protocol.Message{}, errors.Errorf("unknown application state %d", value)
	}
	return msg, nil
}

func parseType(name string) (protocol.Type, error) {
	for t := protocol.SetVbus; t.Valid(); t++ {
		if strings.EqualFold(t.String(), name) {
			return t, nil
		}
	}
	tag, err := cast.ToUint8E(name)
	if err != nil || !protocol.Type(tag).Valid() {
		return 0, errors.Wrapf(protocol.ErrUnknownMessage, "%q", name)
	}
	return protocol.Type(tag), nil
}

func sendAction(c *cli.Context) error {
	if c.Args().Len() < 1 || c.Args().Len() > 2 {
		return errors.New("expected TYPE [PAYLOAD]")
	}
	msg, err := parseMessage(c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return err
	}
	frame := msg.Encode()
	decoded, err := protocol.Decode(frame[:])
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "% x\t%s\n", frame, decoded)
	return nil
}
