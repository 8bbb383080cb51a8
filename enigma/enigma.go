package enigma

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	ArgonTime    = 2
	ArgonMemory  = 64 * 1024
	ArgonThreads = 4
	ArgonKeyLen  = 32

	SaltSize      = 16
	BaseNonceSize = chacha20poly1305.NonceSizeX
)

var (
	ErrInvalidCiphertext = errors.New("ciphertext is not valid")
	ErrInvalidNonce      = errors.New("invalid base nonce size")
)

var transportInfo = []byte("hark stp transport v1")

// Enigma encrypts one direction of a transport. Nonces are derived from the
// base nonce and the message sequence number, so a sequence number must never
// be reused with the same Enigma.
type Enigma struct {
	aead      cipher.AEAD
	baseNonce []byte
}

func NewEnigma(secret, salt, baseNonce []byte) (*Enigma, error) {
	if len(baseNonce) != BaseNonceSize {
		return nil, ErrInvalidNonce
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, secret, salt, transportInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, BaseNonceSize)
	copy(nonce, baseNonce)

	return &Enigma{aead: aead, baseNonce: nonce}, nil
}

func (e *Enigma) Encrypt(plaintext []byte, seq uint64) []byte {
	return e.aead.Seal(nil, e.nonce(seq), plaintext, nil)
}

func (e *Enigma) Decrypt(ciphertext []byte, seq uint64) ([]byte, error) {
	if len(ciphertext) < e.aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, e.nonce(seq), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w", ErrInvalidCiphertext)
	}

	return plaintext, nil
}

func (e *Enigma) nonce(seq uint64) []byte {
	nonce := make([]byte, BaseNonceSize)
	copy(nonce, e.baseNonce)
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], seq)
	offset := BaseNonceSize - len(counter)
	for i, b := range counter {
		nonce[offset+i] ^= b
	}
	return nonce
}

// Seal encrypts data at rest with a key stretched from passphrase. The output
// is salt || nonce || ciphertext.
func Seal(passphrase, plaintext []byte) ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	aead, err := passphraseAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, SaltSize+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, salt), nil
}

func Open(passphrase, sealed []byte) ([]byte, error) {
	if len(sealed) < SaltSize+chacha20poly1305.NonceSizeX {
		return nil, ErrInvalidCiphertext
	}
	salt := sealed[:SaltSize]
	aead, err := passphraseAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	nonce := sealed[SaltSize : SaltSize+aead.NonceSize()]
	ciphertext := sealed[SaltSize+aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, salt)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	return plaintext, nil
}

func passphraseAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(
		passphrase, salt, ArgonTime, ArgonMemory, ArgonThreads, ArgonKeyLen,
	)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}
	return aead, nil
}
