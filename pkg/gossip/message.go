package gossip

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

var ErrInvalidEnvelope = errors.New("invalid message envelope")

// Digest identifies a message by the hash of its canonical form.
type Digest [blake2b.Size256]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// ParseDigest reads the hex form produced by Digest.String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(d) {
		return d, fmt.Errorf("invalid digest %q", s)
	}
	copy(d[:], b)
	return d, nil
}

// Envelope is an opaque JSON message. The engine forwards the original bytes
// untouched; only the digest is derived from them.
type Envelope struct {
	raw    []byte
	digest Digest
}

// ParseEnvelope validates that b holds exactly one JSON value and computes
// its digest.
func ParseEnvelope(b []byte) (Envelope, error) {
	canon, err := Canonicalize(b)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		raw:    bytes.Clone(b),
		digest: blake2b.Sum256(canon),
	}, nil
}

// MustEnvelope marshals v and parses the result, panicking on error. Meant
// for tests and constant payloads.
func MustEnvelope(v any) Envelope {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	env, err := ParseEnvelope(b)
	if err != nil {
		panic(err)
	}
	return env
}

func (e Envelope) Bytes() []byte { return e.raw }

func (e Envelope) Digest() Digest { return e.digest }

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.raw == nil {
		return []byte("null"), nil
	}
	return e.raw, nil
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	env, err := ParseEnvelope(b)
	if err != nil {
		return err
	}
	*e = env
	return nil
}

// Canonicalize re-encodes a JSON document with object keys sorted and
// insignificant whitespace removed. Numbers keep their literal text.
func Canonicalize(b []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrInvalidEnvelope)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
