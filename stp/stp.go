// Package stp stands for: signed transfer protocol, or secure telecommunication
// passthrough; or (to anyone involved in internet censorship) suck this, punks.
//
// A connection starts with both peers introducing their long-term identity
// keys in plaintext. After each side has verified the other, a hybrid
// ML-KEM/X25519 handshake derives the session ciphers. From then on every
// frame is an Envelope, signed by its sender and encrypted with a nonce bound
// to its sequence number.
package stp

import (
	"time"

	"github.com/hossein1376/hark/internal/box"
)

type Metadata struct {
	md box.Metadata
}

func (m Metadata) Timestamp() time.Time {
	return m.md.Timestamp
}

func (m Metadata) SequenceNum() uint64 {
	return m.md.Sequence
}

// Frame is a decrypted and verified envelope.
type Frame struct {
	Kind     box.Kind
	Payload  []byte
	Metadata Metadata
}

// Decode unmarshals the frame's payload into dst.
func (f Frame) Decode(dst box.Unmarshaler) error {
	return dst.Unmarshal(f.Payload)
}
