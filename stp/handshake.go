package stp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"

	"github.com/hossein1376/hark/enigma"
	"github.com/hossein1376/hark/internal/attest"
	"github.com/hossein1376/hark/internal/box"
	"github.com/hossein1376/hark/internal/exchange"
	"github.com/hossein1376/hark/sign"
)

func requestHandshake(
	conn *Conn, id sign.Identity, remote *attest.PublicKey,
) (*Transport, error) {
	hybrid, err := exchange.NewHybrid()
	if err != nil {
		return nil, fmt.Errorf("creating key exchange: %w", err)
	}
	kemKey, dhKey := hybrid.PublicKeys()
	req := &box.Handshake{
		Key:      kemKey,
		Exchange: dhKey,
		Salt:     randomBytes(enigma.SaltSize),
		Nonce:    randomBytes(enigma.BaseNonceSize),
	}
	reqBytes, err := serialize(req, id)
	if err != nil {
		return nil, fmt.Errorf("serializing handshake req: %w", err)
	}
	if err = conn.WriteFrame(reqBytes); err != nil {
		return nil, fmt.Errorf("writing handshake req: %w", err)
	}

	respBytes, err := conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("reading handshake resp: %w", err)
	}
	var resp box.Handshake
	if err = deserialize(respBytes, &resp, remote); err != nil {
		return nil, fmt.Errorf("deserializing handshake resp: %w", err)
	}
	secret, err := hybrid.Complete(resp.Key, resp.Exchange)
	if err != nil {
		return nil, fmt.Errorf("completing key exchange: %w", err)
	}

	return newTransport(conn, id, remote, secret, req, &resp, true)
}

func acceptHandshake(
	conn *Conn, id sign.Identity, remote *attest.PublicKey,
) (*Transport, error) {
	reqBytes, err := conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("reading handshake req: %w", err)
	}
	var req box.Handshake
	if err = deserialize(reqBytes, &req, remote); err != nil {
		return nil, fmt.Errorf("deserializing handshake req: %w", err)
	}
	secret, ct, dhKey, err := exchange.HybridRespond(req.Key, req.Exchange)
	if err != nil {
		return nil, fmt.Errorf("responding to key exchange: %w", err)
	}

	resp := &box.Handshake{
		Key:      ct,
		Exchange: dhKey,
		Salt:     randomBytes(enigma.SaltSize),
		Nonce:    randomBytes(enigma.BaseNonceSize),
	}
	respBytes, err := serialize(resp, id)
	if err != nil {
		return nil, fmt.Errorf("serializing handshake resp: %w", err)
	}
	if err = conn.WriteFrame(respBytes); err != nil {
		return nil, fmt.Errorf("writing handshake resp: %w", err)
	}

	return newTransport(conn, id, remote, secret, resp, &req, false)
}

func newTransport(
	conn *Conn,
	id sign.Identity,
	remote *attest.PublicKey,
	secret []byte,
	local, peer *box.Handshake,
	dialer bool,
) (*Transport, error) {
	encoder, err := enigma.NewEnigma(secret, local.Salt, local.Nonce)
	if err != nil {
		return nil, fmt.Errorf("creating encrypter: %w", err)
	}
	decoder, err := enigma.NewEnigma(secret, peer.Salt, peer.Nonce)
	if err != nil {
		return nil, fmt.Errorf("creating decrypter: %w", err)
	}

	dialerSalt, acceptorSalt := local.Salt, peer.Salt
	if !dialer {
		dialerSalt, acceptorSalt = peer.Salt, local.Salt
	}

	return &Transport{
		conn:      conn,
		identity:  id,
		remote:    remote,
		encoder:   encoder,
		decoder:   decoder,
		sessionID: sessionID(secret, dialerSalt, acceptorSalt),
	}, nil
}

func sessionID(secret, dialerSalt, acceptorSalt []byte) string {
	h := sha256.New()
	h.Write(secret)
	h.Write(dialerSalt)
	h.Write(acceptorSalt)
	return base32.StdEncoding.WithPadding(base32.NoPadding).
		EncodeToString(h.Sum(nil)[:10])
}

func randomBytes(l int) []byte {
	rnd := make([]byte, l)
	if _, err := rand.Read(rnd); err != nil {
		panic(fmt.Errorf("generating random bytes: %w", err))
	}
	return rnd
}
