package blip

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultReceiveTimeout is the deadline Protocol.Receive uses when the
// caller doesn't specify one (spec.md 4.E).
const DefaultReceiveTimeout = 15 * time.Second

// SendOptions controls the flags and reply correlation of an outbound
// message (spec.md 4.E's send_message signature).
type SendOptions struct {
	Urgent     bool
	Compress   bool
	NoReply    bool
	MoreComing bool
	// ReplyTo, when non-nil, makes this send a reply to the given request
	// number: the message reuses that number and its kind is forced to
	// KindResponse, per spec.md 4.E.
	ReplyTo *uint64
}

// Protocol is the BLIP protocol layer: it allocates message numbers,
// composes/parses frames through a pair of per-direction Messengers, and
// turns inbound Error-kind messages into returned errors so that callers
// (the Replicator) only ever see successfully-decoded, non-error Messages
// (spec.md 4.E, Open Question 3).
type Protocol struct {
	client  *Client
	outMsgr *Messenger
	inMsgr  *Messenger
	numbers *numberSource
	logger  zerolog.Logger
}

// NewProtocol wraps a connected Client with the BLIP protocol layer.
func NewProtocol(client *Client) *Protocol {
	return &Protocol{
		client:  client,
		outMsgr: NewMessenger(),
		inMsgr:  NewMessenger(),
		numbers: newNumberSource(),
		logger:  log.With().Str("component", "blip.Protocol").Logger(),
	}
}

// SetNumberSetSize configures how many consecutive Send calls share one
// allocated message number, for multi-part request emission (spec.md 4.E).
func (p *Protocol) SetNumberSetSize(n uint32) {
	p.numbers.SetSize(n)
}

// Send builds a Message from kind/properties/body/opts, composes it via this
// Protocol's outbound Messenger, and enqueues the resulting frame on the
// underlying Client. It returns the message number so the caller can
// correlate a later reply.
func (p *Protocol) Send(kind Kind, properties Properties, body []byte, opts SendOptions) (uint64, error) {
	m := NewMessage()
	if opts.ReplyTo != nil {
		m.Number = *opts.ReplyTo
		m.Kind = KindResponse
	} else {
		m.Number = p.numbers.Next()
		m.Kind = kind
	}
	m.Urgent = opts.Urgent
	m.Compressed = opts.Compress
	m.NoReply = opts.NoReply
	m.MoreComing = opts.MoreComing
	m.Properties = properties
	m.Body = body

	frame, err := p.outMsgr.Compose(m)
	if err != nil {
		return 0, err
	}
	if err := p.client.Enqueue(frame); err != nil {
		return 0, err
	}
	p.logger.Debug().Uint64("number", m.Number).Str("kind", m.Kind.String()).
		Interface("properties", m.Properties).Msg("sent message")
	return m.Number, nil
}

// Receive blocks for up to timeout (DefaultReceiveTimeout if zero) waiting
// for the next inbound frame, parses it, and returns it — unless it is a
// Error-kind message, in which case it returns a *ProtocolError instead of a
// Message (spec.md 8, invariant 6: "the protocol layer never returns [an
// Error kind] message to the caller").
func (p *Protocol) Receive(timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = DefaultReceiveTimeout
	}
	select {
	case data, ok := <-p.client.ReadQueue():
		if !ok {
			status, failed := p.client.Status()
			if !failed {
				status = ClientError{Status: 500, Message: "connection closed"}
			}
			return nil, &status
		}
		m, err := p.inMsgr.Parse(data)
		if err != nil {
			return nil, err
		}
		p.logger.Debug().Uint64("number", m.Number).Str("kind", m.Kind.String()).
			Interface("properties", m.Properties).Int("body_bytes", len(m.Body)).Msg("received message")
		if m.Kind == KindError {
			return nil, &ProtocolError{Number: m.Number, Properties: m.Properties, Body: m.Body}
		}
		return m, nil
	case <-time.After(timeout):
		return nil, &ClientError{Status: 408, Message: "Receive Timeout"}
	}
}
