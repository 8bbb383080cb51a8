// Package authstate keeps the credentials and keys a device needs to resume
// its session with a relay.
package authstate

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"runtime"
	"time"

	"github.com/hossein1376/hark/internal/attest"
)

// Me is the account a device was paired to.
type Me struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Creds struct {
	// IdentityKey is the PKCS #8 encoded ed25519 key of this device.
	IdentityKey     []byte    `json:"identity_key"`
	RegistrationID  uint32    `json:"registration_id"`
	Me              *Me       `json:"me,omitempty"`
	Platform        string    `json:"platform"`
	Registered      bool      `json:"registered"`
	PairedAt        time.Time `json:"paired_at,omitzero"`
	LastConnectedAt time.Time `json:"last_connected_at,omitzero"`
}

// NewCreds returns unregistered credentials with a fresh identity.
func NewCreds() (*Creds, error) {
	id, err := attest.New()
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	key, err := id.MarshalPrivateKey()
	if err != nil {
		return nil, err
	}
	regID, err := registrationID()
	if err != nil {
		return nil, err
	}

	return &Creds{
		IdentityKey:    key,
		RegistrationID: regID,
		Platform:       runtime.GOOS,
	}, nil
}

// Identity parses the identity key.
func (c *Creds) Identity() (*attest.Attest, error) {
	return attest.ParsePrivateKey(c.IdentityKey)
}

func (c *Creds) clone() *Creds {
	cp := *c
	cp.IdentityKey = append([]byte(nil), c.IdentityKey...)
	if c.Me != nil {
		me := *c.Me
		cp.Me = &me
	}
	return &cp
}

// registrationID is a random 14 bit number, never zero.
func registrationID() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generating registration id: %w", err)
	}
	return binary.BigEndian.Uint32(b[:])&0x3fff | 1, nil
}
