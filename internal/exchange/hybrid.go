// Package exchange implements the key agreement of the stp handshake: an
// ML-KEM-768 encapsulation combined with an X25519 Diffie-Hellman exchange.
package exchange

import (
	"crypto/ecdh"
	"crypto/mlkem"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
)

// SecretSize is the length of the combined shared secret.
const SecretSize = mlkem.SharedKeySize + 32

var ErrInvalidKey = errors.New("invalid key type")

// Hybrid is the initiator's half of the agreement. The shared secret is the
// ML-KEM secret followed by the X25519 secret, so it stays sound as long as
// either primitive holds.
type Hybrid struct {
	kem *mlkem.DecapsulationKey768
	dh  *ecdh.PrivateKey
}

func NewHybrid() (*Hybrid, error) {
	kem, err := mlkem.GenerateKey768()
	if err != nil {
		return nil, fmt.Errorf("mlkem: generating key: %w", err)
	}
	dh, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ecdh: generating key: %w", err)
	}
	return &Hybrid{kem: kem, dh: dh}, nil
}

// PublicKeys returns the ML-KEM encapsulation key and the PKIX encoded X25519
// public key.
func (h *Hybrid) PublicKeys() (kemKey, dhKey []byte) {
	return h.kem.EncapsulationKey().Bytes(), marshalDH(h.dh.PublicKey())
}

// Complete derives the shared secret from the responder's ML-KEM ciphertext
// and X25519 public key.
func (h *Hybrid) Complete(ct, remoteDH []byte) ([]byte, error) {
	kemSecret, err := h.kem.Decapsulate(ct)
	if err != nil {
		return nil, fmt.Errorf("mlkem: decapsulating: %w", err)
	}
	dhSecret, err := agree(h.dh, remoteDH)
	if err != nil {
		return nil, err
	}
	return append(kemSecret, dhSecret...), nil
}

// HybridRespond is run by the responder. It returns the shared secret, the
// ML-KEM ciphertext and the responder's PKIX encoded X25519 public key.
func HybridRespond(kemKey, dhKey []byte) (secret, ct, dhPublic []byte, err error) {
	encapsulation, err := mlkem.NewEncapsulationKey768(kemKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("mlkem: parsing encapsulation key: %w", err)
	}
	kemSecret, ct := encapsulation.Encapsulate()

	dh, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ecdh: generating key: %w", err)
	}
	dhSecret, err := agree(dh, dhKey)
	if err != nil {
		return nil, nil, nil, err
	}

	return append(kemSecret, dhSecret...), ct, marshalDH(dh.PublicKey()), nil
}

func agree(private *ecdh.PrivateKey, remote []byte) ([]byte, error) {
	key, err := x509.ParsePKIXPublicKey(remote)
	if err != nil {
		return nil, fmt.Errorf("ecdh: parsing key: %w", err)
	}
	public, ok := key.(*ecdh.PublicKey)
	if !ok || public.Curve() != ecdh.X25519() {
		return nil, ErrInvalidKey
	}
	secret, err := private.ECDH(public)
	if err != nil {
		return nil, fmt.Errorf("ecdh: exchanging: %w", err)
	}
	return secret, nil
}

func marshalDH(public *ecdh.PublicKey) []byte {
	b, err := x509.MarshalPKIXPublicKey(public)
	if err != nil {
		panic(fmt.Errorf("marshalling public key: %w", err))
	}
	return b
}
