package exchange

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHybrid(t *testing.T) {
	a := require.New(t)

	initiator, err := NewHybrid()
	a.NoError(err)
	kemKey, dhKey := initiator.PublicKeys()

	s1, ct, dhPub, err := HybridRespond(kemKey, dhKey)
	a.NoError(err)
	a.Len(s1, SecretSize)

	s2, err := initiator.Complete(ct, dhPub)
	a.NoError(err)
	a.Equal(s1, s2)

	// Each run agrees on a different secret.
	s3, _, _, err := HybridRespond(kemKey, dhKey)
	a.NoError(err)
	a.NotEqual(s1, s3)
}

func TestHybrid_InvalidInput(t *testing.T) {
	a := require.New(t)
	initiator, err := NewHybrid()
	a.NoError(err)
	kemKey, dhKey := initiator.PublicKeys()
	_, ct, dhPub, err := HybridRespond(kemKey, dhKey)
	a.NoError(err)

	_, _, _, err = HybridRespond([]byte("short"), dhKey)
	a.Error(err)
	_, _, _, err = HybridRespond(kemKey, []byte("garbage"))
	a.Error(err)
	_, err = initiator.Complete(ct[:10], dhPub)
	a.Error(err)
	_, err = initiator.Complete(ct, kemKey)
	a.Error(err)

	p256, err := ecdh.P256().GenerateKey(rand.Reader)
	a.NoError(err)
	wrongCurve, err := x509.MarshalPKIXPublicKey(p256.PublicKey())
	a.NoError(err)
	_, err = initiator.Complete(ct, wrongCurve)
	a.ErrorIs(err, ErrInvalidKey)
}
