package relay

import (
	"bytes"
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hossein1376/hark/internal/attest"
	"github.com/hossein1376/hark/internal/box"
	"github.com/hossein1376/hark/stp"
)

var (
	ErrUnknownRef  = errors.New("relay: no pending pairing with this code")
	ErrKeyMismatch = errors.New("relay: key in the code does not match the device")
)

var crockford = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").
	WithPadding(base32.NoPadding)

type approval struct {
	device Device
	err    error
}

type pairing struct {
	hello    box.Hello
	key      *attest.PublicKey
	expires  time.Time
	approved chan approval
}

// PendingRef is a pairing code waiting for approval.
type PendingRef struct {
	Ref     string
	Name    string
	Expires time.Time
}

// pair offers refs to an unpaired device until one is approved or the
// device has gone through MaxRefs of them.
func (r *Relay) pair(t *stp.Transport, hello box.Hello) error {
	logger := r.logger.With().Str("session", t.SessionID()).Logger()
	approved := make(chan approval, 1)

	gone := make(chan error, 1)
	go func() {
		for {
			frame, err := t.Receive()
			if err != nil {
				gone <- err
				return
			}
			if frame.Kind == box.KindPing {
				_, _ = t.Send(box.KindPong, box.Empty{})
			}
		}
	}()

	for i := range r.cfg.MaxRefs {
		ttl := r.cfg.RefTTL
		if i == 0 {
			ttl = r.cfg.FirstRefTTL
		}
		ref, err := newRef()
		if err != nil {
			return err
		}
		p := &pairing{
			hello:    hello,
			key:      t.Remote(),
			expires:  time.Now().Add(ttl),
			approved: approved,
		}
		r.pending.Add(ref, p)
		if _, err := t.Send(box.KindPairRef, &box.PairRef{Ref: ref, TTL: ttl}); err != nil {
			r.pending.Remove(ref)
			return fmt.Errorf("sending pair ref: %w", err)
		}
		logger.Info().Str("ref", ref).Str("name", hello.Name).Msg("pairing code issued")

		timer := time.NewTimer(ttl)
		select {
		case a := <-approved:
			timer.Stop()
			return r.completePairing(t, a)
		case err := <-gone:
			timer.Stop()
			r.pending.RemoveIf(ref, func(x *pairing) bool { return x == p })
			logger.Info().Stringer("reason", stp.ReasonOf(err)).Msg("pairing abandoned")
			return nil
		case <-timer.C:
			if !r.pending.RemoveIf(ref, func(x *pairing) bool { return x == p }) {
				// Approve already claimed this ref.
				return r.completePairing(t, <-approved)
			}
		}
	}

	logger.Info().Msg("pairing timed out")
	return t.CloseWithReason(stp.TimedOut, "pairing timed out")
}

func (r *Relay) completePairing(t *stp.Transport, a approval) error {
	if a.err != nil {
		_ = t.CloseWithReason(stp.UnavailableService, "could not store device")
		return a.err
	}
	success := &box.PairSuccess{DeviceID: a.device.ID, Name: r.cfg.Name}
	if _, err := t.Send(box.KindPairSuccess, success); err != nil {
		return fmt.Errorf("sending pair success: %w", err)
	}
	r.logger.Info().Str("device", a.device.ID).Msg("device paired")
	return t.CloseWithReason(stp.RestartRequired, "paired")
}

// Approve accepts a pending pairing. code is either the bare ref or the
// full QR payload, "<ref>,<base64 public key>".
func (r *Relay) Approve(code string) (Device, error) {
	ref, key, hasKey := strings.Cut(strings.TrimSpace(code), ",")
	ref = normalizeRef(ref)
	p, ok := r.pending.Get(ref)
	if !ok {
		return Device{}, ErrUnknownRef
	}
	if hasKey {
		claimed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(key))
		if err != nil {
			return Device{}, fmt.Errorf("decoding key: %w", err)
		}
		if !bytes.Equal(claimed, p.key.Marshal()) {
			return Device{}, ErrKeyMismatch
		}
	}
	if !r.pending.RemoveIf(ref, func(x *pairing) bool { return x == p }) {
		return Device{}, ErrUnknownRef
	}

	now := time.Now().UTC()
	device := Device{
		ID:             uuid.NewString(),
		Name:           p.hello.Name,
		PublicKey:      p.key.Marshal(),
		RegistrationID: p.hello.RegistrationID,
		PairedAt:       now,
		LastSeen:       now,
	}
	if err := r.registry.Put(device); err != nil {
		err = fmt.Errorf("storing device: %w", err)
		p.approved <- approval{err: err}
		return Device{}, err
	}
	p.approved <- approval{device: device}
	return device, nil
}

// Pending lists the refs waiting for approval, soonest to expire first.
func (r *Relay) Pending() []PendingRef {
	var refs []PendingRef
	for ref, p := range r.pending.All() {
		refs = append(refs, PendingRef{Ref: ref, Name: p.hello.Name, Expires: p.expires})
	}
	slices.SortFunc(refs, func(a, b PendingRef) int {
		return a.Expires.Compare(b.Expires)
	})
	return refs
}

func newRef() (string, error) {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating ref: %w", err)
	}
	s := crockford.EncodeToString(b[:])
	return s[:4] + "-" + s[4:], nil
}

func normalizeRef(ref string) string {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	if len(ref) == 8 && !strings.Contains(ref, "-") {
		ref = ref[:4] + "-" + ref[4:]
	}
	return ref
}
