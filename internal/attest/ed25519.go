package attest

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/ed25519"

	"github.com/hossein1376/hark/sign"
)

var _ sign.Identity = (*Attest)(nil)

type Attest struct {
	publicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

func New() (*Attest, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Attest{privateKey: private, publicKey: public}, nil
}

func (e *Attest) PublicKey() *PublicKey {
	return &PublicKey{e.publicKey}
}

func (e *Attest) MarshalPublicKey() []byte {
	return e.PublicKey().Marshal()
}

func (e *Attest) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(e.privateKey, msg), nil
}

// MarshalPrivateKey returns the PKCS #8 encoding of the private key.
func (e *Attest) MarshalPrivateKey() ([]byte, error) {
	private, err := x509.MarshalPKCS8PrivateKey(e.privateKey)
	if err != nil {
		return nil, fmt.Errorf("marshalling key: %w", err)
	}
	return private, nil
}

func (e *Attest) Save(path string) error {
	private, err := e.MarshalPrivateKey()
	if err != nil {
		return err
	}
	err = writePEM(path, pemPrivate, private)
	if err != nil {
		return fmt.Errorf("saving private key: %w", err)
	}
	err = writePEM(path+".pub", pemPublic, e.MarshalPublicKey())
	if err != nil {
		return fmt.Errorf("saving public key: %w", err)
	}

	return nil
}

func Verify(r *PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(r.key, msg, sig)
}

type PublicKey struct {
	key ed25519.PublicKey
}

func (p *PublicKey) Marshal() []byte {
	b, err := x509.MarshalPKIXPublicKey(p.key)
	if err != nil {
		panic(fmt.Errorf("marshalling public key: %w", err))
	}
	return b
}

// Fingerprint is the base64 encoded SHA-256 of the PKIX public key.
func (p *PublicKey) Fingerprint() string {
	sum := sha256.Sum256(p.Marshal())
	return base64.RawStdEncoding.EncodeToString(sum[:])
}

func (p *PublicKey) Equal(x crypto.PublicKey) bool {
	switch k := x.(type) {
	case *PublicKey:
		return p.key.Equal(k.key)
	case ed25519.PublicKey:
		return p.key.Equal(k)
	default:
		return false
	}
}

func ParsePublicKey(remote []byte) (*PublicKey, error) {
	pk, err := x509.ParsePKIXPublicKey(remote)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	pub, ok := pk.(ed25519.PublicKey)
	if !ok {
		return nil, ErrInvalidKey
	}

	return &PublicKey{key: pub}, nil
}

// ParsePrivateKey builds an Attest from a PKCS #8 encoded ed25519 key.
func ParsePrivateKey(der []byte) (*Attest, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	private, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	public, ok := private.Public().(ed25519.PublicKey)
	if !ok {
		panic("type assertion: public key is not of type ed25519")
	}

	return &Attest{privateKey: private, publicKey: public}, nil
}

func LoadFromDisk(path string) (*Attest, error) {
	data, err := readPEM(path, pemPrivate)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(data)
}
