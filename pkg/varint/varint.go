// Package varint implements the variable-length integer (VLQ) coding used by
// the BLIP frame header: 7 payload bits per byte, little-endian, with the
// high bit of every byte but the last set as a continuation marker. Signed
// values are zig-zag encoded first so that small-magnitude negatives stay
// short.
package varint

import "errors"

// maxBytes is the number of bytes needed to hold the continuation-bit
// encoding of a full 64-bit value; any more than this without a terminating
// byte is malformed input.
const maxBytes = 10

// ErrEmpty is returned by the Decode functions when given a zero-length
// input.
var ErrEmpty = errors.New("varint: empty input")

// ErrOverflow is returned by the Decode functions when more than 10 bytes are
// consumed without encountering a terminating (high-bit-clear) byte.
var ErrOverflow = errors.New("varint: overflow")

// EncodeUvarint appends the VLQ encoding of n to dst and returns the
// extended slice.
func EncodeUvarint(dst []byte, n uint64) []byte {
	for n >= 0x80 {
		dst = append(dst, byte(n)|0x80)
		n >>= 7
	}
	return append(dst, byte(n))
}

// DecodeUvarint reads a VLQ-encoded unsigned integer from the start of b. It
// returns the decoded value and the number of bytes consumed.
func DecodeUvarint(b []byte) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrEmpty
	}
	var n uint64
	var shift uint
	for i, c := range b {
		if i == maxBytes {
			return 0, 0, ErrOverflow
		}
		n |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return n, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrOverflow
}

// zigzag maps signed integers to unsigned ones so that small-magnitude
// negative numbers encode as few bytes as small positive ones:
// 0, -1, 1, -2, 2, ... -> 0, 1, 2, 3, 4, ...
func zigzag(n int64) uint64 {
	return uint64((n << 1) ^ (n >> 63))
}

func unzigzag(n uint64) int64 {
	return int64(n>>1) ^ -int64(n&1)
}

// EncodeVarint appends the zig-zag VLQ encoding of a signed n to dst.
func EncodeVarint(dst []byte, n int64) []byte {
	return EncodeUvarint(dst, zigzag(n))
}

// DecodeVarint reads a zig-zag VLQ-encoded signed integer from the start of
// b, returning the decoded value and the number of bytes consumed.
func DecodeVarint(b []byte) (int64, int, error) {
	u, n, err := DecodeUvarint(b)
	if err != nil {
		return 0, 0, err
	}
	return unzigzag(u), n, nil
}
