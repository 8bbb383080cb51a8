package stp

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hossein1376/hark/enigma"
	"github.com/hossein1376/hark/internal/attest"
	"github.com/hossein1376/hark/internal/box"
	"github.com/hossein1376/hark/sign"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrOutOfOrder       = errors.New("frame out of order")
)

// Transport is an established, encrypted session. Send may be called from
// multiple goroutines; Receive must only be called from one.
type Transport struct {
	conn      *Conn
	identity  sign.Identity
	remote    *attest.PublicKey
	encoder   *enigma.Enigma
	decoder   *enigma.Enigma
	sessionID string

	sendMu   sync.Mutex
	sent     uint64
	received atomic.Uint64
}

func (t *Transport) Receive() (Frame, error) {
	payload, err := t.conn.ReadFrame()
	if err != nil {
		return Frame{}, fmt.Errorf("reading payload: %w", err)
	}
	seq := t.received.Load() + 1
	decrypted, err := t.decoder.Decrypt(payload, seq)
	if err != nil {
		return Frame{}, fmt.Errorf("decrypting: %w", err)
	}
	var env box.Envelope
	if err = deserialize(decrypted, &env, t.remote); err != nil {
		return Frame{}, fmt.Errorf("deserializing: %w", err)
	}
	if env.Metadata.Sequence != seq {
		return Frame{}, fmt.Errorf(
			"%w: got %d, want %d", ErrOutOfOrder, env.Metadata.Sequence, seq,
		)
	}
	t.received.Store(seq)

	if env.Kind == box.KindClose {
		var c box.Close
		if err := c.Unmarshal(env.Payload); err != nil {
			return Frame{}, fmt.Errorf("unmarshaling close: %w", err)
		}
		_ = t.conn.Close()
		return Frame{}, &CloseError{Reason: Reason(c.Code), Message: c.Reason}
	}

	return Frame{
		Kind:     env.Kind,
		Payload:  env.Payload,
		Metadata: Metadata{md: env.Metadata},
	}, nil
}

func (t *Transport) Send(kind box.Kind, message box.Marshaler) (Metadata, error) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	seq := t.sent + 1
	md := box.Metadata{Sequence: seq, Timestamp: time.Now()}
	env := &box.Envelope{Kind: kind, Payload: message.Marshal(), Metadata: md}
	payload, err := serialize(env, t.identity)
	if err != nil {
		return Metadata{}, err
	}
	encrypted := t.encoder.Encrypt(payload, seq)
	if err := t.conn.WriteFrame(encrypted); err != nil {
		return Metadata{}, fmt.Errorf("writing: %w", err)
	}
	t.sent = seq

	return Metadata{md: md}, nil
}

// CloseWithReason tells the peer why the transport is going away, then
// closes it.
func (t *Transport) CloseWithReason(reason Reason, message string) error {
	_, sendErr := t.Send(box.KindClose, &box.Close{
		Code:   uint32(reason),
		Reason: message,
	})
	closeErr := t.conn.Close()
	if sendErr != nil {
		return fmt.Errorf("sending close: %w", sendErr)
	}

	return closeErr
}

func (t *Transport) Close() error {
	return t.conn.Close()
}

func (t *Transport) IsClosed() bool {
	return t.conn.IsClosed()
}

func (t *Transport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *Transport) SessionID() string {
	return t.sessionID
}

func (t *Transport) Remote() *attest.PublicKey {
	return t.remote
}

func serialize(message box.Marshaler, id sign.Identity) ([]byte, error) {
	msg := message.Marshal()
	sig, err := id.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	st := &box.Signed{Data: msg, Signature: sig}

	return st.Marshal(), nil
}

func deserialize(
	payload []byte, dst box.Unmarshaler, remote *attest.PublicKey,
) error {
	var st box.Signed
	if err := st.Unmarshal(payload); err != nil {
		return fmt.Errorf("unmarshal transport: %w", err)
	}
	if !attest.Verify(remote, st.Data, st.Signature) {
		return ErrInvalidSignature
	}
	if err := dst.Unmarshal(st.Data); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
