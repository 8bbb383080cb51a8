package stp

import (
	"errors"
	"fmt"
	"time"

	"github.com/hossein1376/hark/internal/attest"
	"github.com/hossein1376/hark/internal/box"
	"github.com/hossein1376/hark/sign"
)

var (
	ErrClockSkew          = errors.New("introduction timestamp is out of range")
	ErrVerificationFailed = errors.New("remote verification failed")
)

// RemoteVerifier decides whether a peer's introduced identity is acceptable.
type RemoteVerifier func(key *attest.PublicKey) (err error)

// AcceptAny is a RemoteVerifier that trusts every peer.
func AcceptAny(*attest.PublicKey) error {
	return nil
}

func sendIntroduction(conn *Conn, id sign.Identity) error {
	intro := &box.Introduce{
		Public:    id.MarshalPublicKey(),
		Timestamp: uint32(StampOf(time.Now())),
	}
	if err := conn.WriteFrame(intro.Marshal()); err != nil {
		return fmt.Errorf("writing intro: %w", err)
	}

	return nil
}

func receiveIntroduction(conn *Conn) (*attest.PublicKey, error) {
	payload, err := conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("reading intro: %w", err)
	}
	var introduce box.Introduce
	if err = introduce.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("deserializing introduce message: %w", err)
	}
	if stamp := Stamp(introduce.Timestamp); !stamp.Within(time.Now(), MaxClockSkew) {
		return nil, fmt.Errorf("%w: %s", ErrClockSkew, stamp)
	}
	remote, err := attest.ParsePublicKey(introduce.Public)
	if err != nil {
		return nil, fmt.Errorf("parsing advertised key: %w", err)
	}

	return remote, nil
}

func verify(verifier RemoteVerifier, remote *attest.PublicKey) error {
	if verifier == nil {
		return nil
	}
	if err := verifier(remote); err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	return nil
}
