// Package blip implements a client of the BLIP messaging protocol
// (subprotocol "BLIP_3+CBMobile_3"): variable-length frame coding, the
// per-message model, a reader/writer transport pump over a WebSocket, and
// the asynchronous send/receive protocol layer built on top of it.
package blip

import "fmt"

// Kind identifies the role a Message plays in an exchange.
type Kind byte

// Message kinds, matching the low 3 bits of the BLIP flags byte.
const (
	KindRequest      Kind = 0
	KindResponse     Kind = 1
	KindError        Kind = 2
	KindAckRequest   Kind = 4
	KindAckResponse  Kind = 5
	kindMask         byte = 0x07
	flagCompressed   byte = 0x08
	flagUrgent       byte = 0x10
	flagNoReply      byte = 0x20
	flagMoreComing   byte = 0x40
	// KindUnknown is synthesized for any kind byte this package doesn't
	// recognize (see DESIGN.md, Open Question 2): it is logged, never raised.
	KindUnknown Kind = 0xff
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	case KindError:
		return "Error"
	case KindAckRequest:
		return "AckRequest"
	case KindAckResponse:
		return "AckResponse"
	default:
		return "Unknown"
	}
}

// kindFromByte masks a raw flags byte down to a Kind, mapping any value this
// package doesn't recognize to KindUnknown rather than failing.
func kindFromByte(b byte) Kind {
	switch k := Kind(b & kindMask); k {
	case KindRequest, KindResponse, KindError, KindAckRequest, KindAckResponse:
		return k
	default:
		return KindUnknown
	}
}

// Message is a single BLIP exchange unit: a numbered request, response,
// error, or ack, with an ordered property list and an opaque body.
type Message struct {
	Number uint64
	Kind   Kind

	Compressed bool
	Urgent     bool
	NoReply    bool
	MoreComing bool

	Properties Properties
	Body       []byte
}

// NewMessage returns a zero-value Message: number 0, kind Request, no flags
// set, empty properties, empty body. Callers assign a number (see
// numberSource.Next, used by Protocol.Send) before composing it onto the
// wire.
func NewMessage() *Message {
	return &Message{Kind: KindRequest}
}

// FlagsByte composes the outbound BLIP flags byte from the message's kind
// and boolean flag fields.
func (m *Message) FlagsByte() byte {
	b := byte(m.Kind) & kindMask
	if m.Compressed {
		b |= flagCompressed
	}
	if m.Urgent {
		b |= flagUrgent
	}
	if m.NoReply {
		b |= flagNoReply
	}
	if m.MoreComing {
		b |= flagMoreComing
	}
	return b
}

// ApplyFlagsByte decodes a raw BLIP flags byte into the message's kind and
// boolean flag fields.
func (m *Message) ApplyFlagsByte(b byte) {
	m.Kind = kindFromByte(b)
	m.Compressed = b&flagCompressed != 0
	m.Urgent = b&flagUrgent != 0
	m.NoReply = b&flagNoReply != 0
	m.MoreComing = b&flagMoreComing != 0
}

// BodyAsString returns the message body decoded as UTF-8 text.
func (m *Message) BodyAsString() string {
	return string(m.Body)
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{#%d %s flags=%02x properties=%v body=%d bytes}",
		m.Number, m.Kind, m.FlagsByte(), m.Properties, len(m.Body))
}
