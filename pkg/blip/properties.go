package blip

import (
	"bytes"
	"fmt"
)

// Property is a single key/value pair. BLIP properties are order-sensitive
// on the wire (they're simply concatenated), so Properties is a slice rather
// than a map.
type Property struct {
	Key, Value string
}

// Properties is an ordered string-to-string map, serialized on the wire as
// "k0\0v0\0k1\0v1\0...\0". Known keys used by the replication profile are
// declared as constants below; unrecognized keys pass through untouched.
type Properties []Property

// Well-known property keys (spec.md section 9).
const (
	PropProfile     = "Profile"
	PropClient      = "client"
	PropRev         = "rev"
	PropErrorDomain = "Error-Domain"
	PropErrorCode   = "Error-Code"
	PropSequence    = "sequence"
	PropID          = "id"
	PropDigest      = "digest"
	PropDocID       = "docID"
)

// Get returns the value of the first Property with the given key, and
// whether it was found.
func (p Properties) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Set appends or replaces the value for key, preserving the position of an
// existing entry.
func (p Properties) Set(key, value string) Properties {
	for i, kv := range p {
		if kv.Key == key {
			p[i].Value = value
			return p
		}
	}
	return append(p, Property{Key: key, Value: value})
}

// NewProperties builds a Properties list from alternating key/value strings,
// keeping them in argument order (which is also their wire order). It panics
// if given an odd number of strings.
func NewProperties(pairs ...string) Properties {
	if len(pairs)%2 != 0 {
		panic("blip: NewProperties requires an even number of key/value strings")
	}
	p := make(Properties, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		p = append(p, Property{Key: pairs[i], Value: pairs[i+1]})
	}
	return p
}

// Encode serializes Properties into the NUL-delimited wire form
// "k0\0v0\0...\0", including the trailing NUL.
func (p Properties) Encode() []byte {
	if len(p) == 0 {
		return []byte{0}
	}
	var buf bytes.Buffer
	for _, kv := range p {
		buf.WriteString(kv.Key)
		buf.WriteByte(0)
		buf.WriteString(kv.Value)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// ErrMalformedProperties is returned by DecodeProperties when the
// NUL-delimited token stream has an odd number of tokens, empty ones
// included (a key without a matching value).
var ErrMalformedProperties = fmt.Errorf("blip: malformed properties: odd number of tokens")

// DecodeProperties parses the NUL-delimited wire form back into a Properties
// list. A single trailing NUL is expected and ignored; any other NUL-run at
// the end still results in an even/odd parity check.
func DecodeProperties(b []byte) (Properties, error) {
	b = bytes.TrimSuffix(b, []byte{0})
	if len(b) == 0 {
		return nil, nil
	}
	tokens := bytes.Split(b, []byte{0})
	if len(tokens)%2 != 0 {
		return nil, ErrMalformedProperties
	}
	p := make(Properties, 0, len(tokens)/2)
	for i := 0; i < len(tokens); i += 2 {
		p = append(p, Property{Key: string(tokens[i]), Value: string(tokens[i+1])})
	}
	return p, nil
}
