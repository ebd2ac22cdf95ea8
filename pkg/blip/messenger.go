package blip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/rs/zerolog/log"

	"github.com/sgblip/goblip/pkg/varint"
)

// deflateTrailer is the 4-byte sync-flush trailer DEFLATE appends after a
// Flush() call; BLIP strips it from the wire and the receiver re-appends it
// before inflating (spec.md section 6).
var deflateTrailer = []byte{0x00, 0x00, 0xff, 0xff}

// CRCMismatchError is raised when a frame's declared trailing CRC-32 doesn't
// match the rolling CRC computed by the receiver, binding frame order and
// content into a single per-connection integrity check (spec.md 4.B).
type CRCMismatchError struct {
	Number uint64
}

func (e *CRCMismatchError) Error() string {
	return fmt.Sprintf("blip: CRC mismatch on message #%d", e.Number)
}

// Messenger composes Messages into BLIP wire frames and parses frames back
// into Messages. One Messenger owns exactly one rolling CRC-32 per
// direction (spec.md design note: "rolling CRC is per-connection, not
// per-message" — it must never be reset between frames).
//
// A single Messenger is used for one direction of one connection (an
// independent Messenger exists for sending and for receiving) so its CRC
// state is never concurrently mutated; see spec.md section 5.
type Messenger struct {
	mu  sync.Mutex
	crc uint32
}

// NewMessenger returns a Messenger with its rolling CRC reset to its
// initial value (0), ready for the first frame of a new connection.
func NewMessenger() *Messenger {
	return &Messenger{}
}

// Compose serializes a Message into a single BLIP wire frame:
// VLQ(number) || VLQ(flags) || payload || CRC32_BE(4), where payload is
// VLQ(prop_len) || props || body, replaced by its raw-DEFLATE form (sync
// trailer stripped) when m.Compressed is set. The rolling CRC always covers
// the decompressed payload (spec.md section 6), never the header.
func (msgr *Messenger) Compose(m *Message) ([]byte, error) {
	var frame []byte
	frame = varint.EncodeUvarint(frame, m.Number)
	frame = varint.EncodeUvarint(frame, uint64(m.FlagsByte()))

	propBytes := m.Properties.Encode()
	var plain []byte
	plain = varint.EncodeUvarint(plain, uint64(len(propBytes)))
	plain = append(plain, propBytes...)
	plain = append(plain, m.Body...)

	msgr.mu.Lock()
	msgr.crc = crc32.Update(msgr.crc, crc32.IEEETable, plain)
	crc := msgr.crc
	msgr.mu.Unlock()

	payload := plain
	if m.Compressed {
		compressed, err := deflateRaw(plain)
		if err != nil {
			return nil, fmt.Errorf("blip: failed to compress message #%d: %w", m.Number, err)
		}
		payload = compressed
	}

	frame = append(frame, payload...)
	frame = binary.BigEndian.AppendUint32(frame, crc)
	return frame, nil
}

// Parse decodes a single BLIP wire frame into a Message, validating it
// against the receiver's rolling CRC. A CRC mismatch returns a
// *CRCMismatchError and the message is not considered delivered by callers
// (spec.md 8, scenario 5).
func (msgr *Messenger) Parse(b []byte) (*Message, error) {
	number, n, err := varint.DecodeUvarint(b)
	if err != nil {
		return nil, fmt.Errorf("blip: failed to read message number: %w", err)
	}
	b = b[n:]
	flags, n, err := varint.DecodeUvarint(b)
	if err != nil {
		return nil, fmt.Errorf("blip: failed to read message flags: %w", err)
	}
	b = b[n:]

	if len(b) < 4 {
		return nil, fmt.Errorf("blip: frame #%d too short for trailing CRC", number)
	}
	declaredCRC := binary.BigEndian.Uint32(b[len(b)-4:])
	wirePayload := b[:len(b)-4]

	m := NewMessage()
	m.Number = number
	m.ApplyFlagsByte(byte(flags))
	if m.Kind == KindUnknown {
		log.Warn().Uint64("number", number).Uint8("flags", uint8(flags)).Msg("blip: received message with unrecognized kind")
	}

	// plainPayload is exactly the bytes Compose fed into the CRC:
	// VLQ(prop_len) || props || body, decompressed if necessary.
	plainPayload := wirePayload
	if m.Compressed {
		plainPayload, err = inflateRaw(wirePayload)
		if err != nil {
			return nil, fmt.Errorf("blip: failed to inflate message #%d: %w", number, err)
		}
	}

	rest := plainPayload
	propLen, n, err := varint.DecodeUvarint(rest)
	if err != nil {
		return nil, fmt.Errorf("blip: failed to read property length on message #%d: %w", number, err)
	}
	rest = rest[n:]
	if uint64(len(rest)) < propLen {
		return nil, fmt.Errorf("blip: message #%d declares %d property bytes, only %d available", number, propLen, len(rest))
	}
	props, err := DecodeProperties(rest[:propLen])
	if err != nil {
		return nil, fmt.Errorf("blip: message #%d: %w", number, err)
	}
	m.Properties = props
	if uint64(len(rest)) > propLen {
		m.Body = rest[propLen:]
	}

	msgr.mu.Lock()
	msgr.crc = crc32.Update(msgr.crc, crc32.IEEETable, plainPayload)
	gotCRC := msgr.crc
	msgr.mu.Unlock()

	if gotCRC != declaredCRC {
		return nil, &CRCMismatchError{Number: number}
	}

	return m, nil
}

// deflateRaw compresses b with raw DEFLATE (no zlib wrapper), flushes with a
// sync flush, and strips the resulting 4-byte sync trailer.
func deflateRaw(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	return bytes.TrimSuffix(out, deflateTrailer), nil
}

// inflateRaw appends the sync-flush trailer DEFLATE expects, followed by an
// empty final stored block so the reader ends cleanly at the end of the input
// instead of reporting io.ErrUnexpectedEOF, and inflates b.
func inflateRaw(b []byte) ([]byte, error) {
	withTrailer := make([]byte, 0, len(b)+len(deflateTrailer)+5)
	withTrailer = append(withTrailer, b...)
	withTrailer = append(withTrailer, deflateTrailer...)
	withTrailer = append(withTrailer, 0x01, 0x00, 0x00, 0xff, 0xff)
	r := flate.NewReader(bytes.NewReader(withTrailer))
	defer r.Close()
	return io.ReadAll(r)
}
