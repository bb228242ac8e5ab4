// Package relay implements the PF/VF relay protocol: the fixed binary
// message layout shared with the device firmware and the request/response
// channel that carries it.
//
// Every relay message is a short array of 32-bit words.  The first word is
// the header:
//
//	bit  31     origin (0 = host, 1 = firmware)
//	bits 30:29  message type (request / response / event)
//	bits 28:16  reserved, must be zero
//	bits 15:0   action code
//
// The header layout is fixed by the firmware counterpart and must never
// change.  Bulk data is moved as sequences of bounded messages, never as a
// single oversized one.
package relay

import (
	"errors"
	"fmt"
)

const (
	// MinMsgLen is the smallest valid message: a bare header word.
	MinMsgLen = 1

	// MaxMsgLen bounds every relay message, requests and responses alike.
	MaxMsgLen = 60
)

const (
	originShift  = 31
	typeShift    = 29
	typeMask     = 0x3
	reservedMask = 0x1fff_0000
	actionMask   = 0xffff
)

// Origin tags which side of the relay produced a message.
type Origin uint32

const (
	OriginHost     Origin = 0
	OriginFirmware Origin = 1
)

func (o Origin) String() string {
	if o == OriginHost {
		return "host"
	}

	return "firmware"
}

// Peer returns the opposite side of the relay.
func (o Origin) Peer() Origin {
	return o ^ 1
}

// MsgType identifies the message class carried by a header word.
type MsgType uint32

const (
	TypeRequest  MsgType = 0
	TypeResponse MsgType = 1
	TypeEvent    MsgType = 2
)

func (t MsgType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeEvent:
		return "event"
	}

	return fmt.Sprintf("type(%d)", uint32(t))
}

// Action identifies the semantic operation of a message.  Action codes are
// stable: new ones may be added, existing ones are never renumbered.
type Action uint16

const (
	ActionHandshake Action = 0x0001

	ActionGGTTSize Action = 0x0101
	ActionGGTTSave Action = 0x0102
	ActionGGTTLoad Action = 0x0103

	ActionLMEMSize Action = 0x0111
	ActionLMEMSave Action = 0x0112
	ActionLMEMLoad Action = 0x0113

	ActionFWStateSize Action = 0x0121
	ActionFWStateSave Action = 0x0122
	ActionFWStateLoad Action = 0x0123

	ActionTelemetryPush Action = 0x0201
)

// ActionNames maps action codes to human-readable names for logging.
var ActionNames = map[Action]string{
	ActionHandshake:     "HANDSHAKE",
	ActionGGTTSize:      "GGTT_SIZE",
	ActionGGTTSave:      "GGTT_SAVE",
	ActionGGTTLoad:      "GGTT_LOAD",
	ActionLMEMSize:      "LMEM_SIZE",
	ActionLMEMSave:      "LMEM_SAVE",
	ActionLMEMLoad:      "LMEM_LOAD",
	ActionFWStateSize:   "FWSTATE_SIZE",
	ActionFWStateSave:   "FWSTATE_SAVE",
	ActionFWStateLoad:   "FWSTATE_LOAD",
	ActionTelemetryPush: "TELEMETRY_PUSH",
}

func (a Action) String() string {
	if name, ok := ActionNames[a]; ok {
		return name
	}

	return fmt.Sprintf("ACTION_%#04x", uint16(a))
}

// minRequestLen is the smallest request payload (in words, header excluded)
// that each known action may carry.  Requests shorter than this are
// malformed, not merely unsupported.
var minRequestLen = map[Action]int{
	ActionHandshake:     1,
	ActionGGTTSize:      2,
	ActionGGTTSave:      5,
	ActionGGTTLoad:      5,
	ActionLMEMSize:      2,
	ActionLMEMSave:      5,
	ActionLMEMLoad:      5,
	ActionFWStateSize:   2,
	ActionFWStateSave:   5,
	ActionFWStateLoad:   5,
	ActionTelemetryPush: 5,
}

var (
	// ErrMalformedMessage reports a message that fails header or length
	// validation.  Fatal to that message only; the channel stays usable.
	ErrMalformedMessage = errors.New("malformed relay message")

	// ErrUnsupportedAction reports a structurally valid message whose
	// action code this build does not understand.  Newer peers may send
	// these; they must not be confused with malformed traffic.
	ErrUnsupportedAction = errors.New("unsupported relay action")
)

// Msg is a decoded relay message.
type Msg struct {
	Origin  Origin
	Type    MsgType
	Action  Action
	Payload []uint32
}

// Encode packs m into its wire form.  The payload must fit within
// MaxMsgLen together with the header word.
func Encode(m Msg) ([]uint32, error) {
	if 1+len(m.Payload) > MaxMsgLen {
		return nil, fmt.Errorf("%w: %d payload words exceed max message length %d",
			ErrMalformedMessage, len(m.Payload), MaxMsgLen)
	}

	if m.Type > TypeEvent {
		return nil, fmt.Errorf("%w: message type %d", ErrMalformedMessage, m.Type)
	}

	hdr := uint32(m.Origin)<<originShift |
		uint32(m.Type)<<typeShift |
		uint32(m.Action)&actionMask

	words := make([]uint32, 0, 1+len(m.Payload))
	words = append(words, hdr)
	words = append(words, m.Payload...)

	return words, nil
}

// Decode unpacks words into a Msg.  Exact inverse of Encode for any valid
// message.  A message with an unknown action but a well-formed header
// decodes successfully and additionally returns ErrUnsupportedAction so
// that forward-compatible callers can ignore it deliberately.
func Decode(words []uint32) (Msg, error) {
	if len(words) < MinMsgLen {
		return Msg{}, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}

	if len(words) > MaxMsgLen {
		return Msg{}, fmt.Errorf("%w: %d words exceed max message length %d",
			ErrMalformedMessage, len(words), MaxMsgLen)
	}

	hdr := words[0]

	if hdr&reservedMask != 0 {
		return Msg{}, fmt.Errorf("%w: reserved bits set in header %#08x",
			ErrMalformedMessage, hdr)
	}

	m := Msg{
		Origin: Origin(hdr >> originShift),
		Type:   MsgType(hdr>>typeShift) & typeMask,
		Action: Action(hdr & actionMask),
	}

	if m.Type > TypeEvent {
		return Msg{}, fmt.Errorf("%w: message type %d", ErrMalformedMessage, m.Type)
	}

	if len(words) > 1 {
		m.Payload = append([]uint32(nil), words[1:]...)
	}

	min, known := minRequestLen[m.Action]
	if !known {
		return m, fmt.Errorf("%w: %s", ErrUnsupportedAction, m.Action)
	}

	if m.Type == TypeRequest && len(m.Payload) < min {
		return Msg{}, fmt.Errorf("%w: %s request carries %d payload words, need at least %d",
			ErrMalformedMessage, m.Action, len(m.Payload), min)
	}

	return m, nil
}
