// Package socket is the client side of a hark device: it connects to a relay,
// pairs when the device has no account yet and reports what happens through
// event handlers.
package socket

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hossein1376/hark/authstate"
	"github.com/hossein1376/hark/internal/attest"
	"github.com/hossein1376/hark/internal/box"
	"github.com/hossein1376/hark/sign"
	"github.com/hossein1376/hark/stp"
)

const (
	DefaultConnectTimeout    = 20 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
)

var (
	ErrNotConnected     = errors.New("socket: not connected")
	ErrEndpointMismatch = errors.New("socket: relay key differs from the trusted one")
)

// DialFunc opens a transport to a relay.
type DialFunc func(
	ctx context.Context, addr string, id sign.Identity, verifier stp.RemoteVerifier,
) (*stp.Transport, error)

type Config struct {
	Addr              string
	Auth              *authstate.State
	DeviceName        string
	Logger            zerolog.Logger
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	Dial              DialFunc
}

type Socket struct {
	cfg Config

	mu            sync.Mutex
	transport     *stp.Transport
	connHandlers  []ConnectionHandler
	credsHandlers []CredsHandler
	msgHandlers   []MessagesHandler
}

func New(cfg Config) *Socket {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.Dial == nil {
		cfg.Dial = stp.Dial
	}
	return &Socket{cfg: cfg}
}

// Run connects and serves the connection until it ends. It returns the
// *DisconnectError describing the end, or the context's error when ctx was
// cancelled.
func (s *Socket) Run(ctx context.Context) error {
	s.emitConnection(ConnectionUpdate{Connection: StateConnecting})
	dErr := s.run(ctx)
	if dErr.Date.IsZero() {
		dErr.Date = time.Now()
	}
	s.cfg.Logger.Debug().
		Err(dErr.Err).
		Stringer("reason", dErr.Reason).
		Msg("connection closed")
	s.emitConnection(ConnectionUpdate{Connection: StateClose, LastDisconnect: dErr})

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	return dErr
}

func (s *Socket) run(ctx context.Context) *DisconnectError {
	t, err := s.connect(ctx)
	if err != nil {
		reason := stp.ReasonOf(err)
		switch {
		case ctx.Err() != nil:
			reason = stp.ConnectionClosed
		case errors.Is(err, ErrEndpointMismatch):
			reason = stp.Forbidden
		}
		return &DisconnectError{Reason: reason, Err: err}
	}
	s.setTransport(t)
	defer s.setTransport(nil)

	stop := context.AfterFunc(ctx, func() {
		_ = t.CloseWithReason(stp.ConnectionClosed, "client shutting down")
	})
	defer stop()

	logger := s.cfg.Logger.With().Str("session", t.SessionID()).Logger()
	logger.Debug().Msg("handshake completed")

	creds := s.cfg.Auth.Creds()
	hello := &box.Hello{Name: s.cfg.DeviceName, RegistrationID: creds.RegistrationID}
	if creds.Registered && creds.Me != nil {
		hello.DeviceID = creds.Me.ID
	}
	if _, err := t.Send(box.KindHello, hello); err != nil {
		_ = t.Close()
		return &DisconnectError{Reason: stp.ReasonOf(err), Err: err}
	}

	done := make(chan struct{})
	defer close(done)
	go s.keepAlive(t, done, logger)

	for {
		_ = t.SetReadDeadline(time.Now().Add(2 * s.cfg.KeepAliveInterval))
		frame, err := t.Receive()
		if err != nil {
			_ = t.Close()
			reason := stp.ReasonOf(err)
			if ctx.Err() != nil {
				reason = stp.ConnectionClosed
			}
			return &DisconnectError{Reason: reason, Err: err}
		}
		if err := s.handle(frame, logger); err != nil {
			_ = t.CloseWithReason(stp.BadSession, "malformed frame")
			return &DisconnectError{Reason: stp.BadSession, Err: err}
		}
	}
}

func (s *Socket) connect(ctx context.Context) (*stp.Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	var firstUse *attest.PublicKey
	verifier := func(remote *attest.PublicKey) error {
		trusted, err := s.cfg.Auth.EndpointKey(ctx, s.cfg.Addr)
		if err != nil {
			return err
		}
		if trusted == nil {
			firstUse = remote
			return nil
		}
		known, err := attest.ParsePublicKey(trusted.PublicKey)
		if err != nil {
			return fmt.Errorf("parsing trusted key: %w", err)
		}
		if !known.Equal(remote) {
			return ErrEndpointMismatch
		}
		return nil
	}

	t, err := s.cfg.Dial(ctx, s.cfg.Addr, s.cfg.Auth.Identity(), verifier)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", s.cfg.Addr, err)
	}
	if firstUse != nil {
		if err := s.cfg.Auth.TrustEndpoint(ctx, s.cfg.Addr, firstUse); err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("trusting relay key: %w", err)
		}
		s.cfg.Logger.Info().
			Str("fingerprint", firstUse.Fingerprint()).
			Msg("trusting relay key on first use")
		s.emitCreds()
	}

	return t, nil
}

func (s *Socket) handle(frame stp.Frame, logger zerolog.Logger) error {
	switch frame.Kind {
	case box.KindPairRef:
		var ref box.PairRef
		if err := frame.Decode(&ref); err != nil {
			return fmt.Errorf("decoding pair ref: %w", err)
		}
		logger.Debug().Str("ref", ref.Ref).Dur("ttl", ref.TTL).Msg("pairing code received")
		s.emitConnection(ConnectionUpdate{QR: s.qr(ref.Ref), PairingCode: ref.Ref})

	case box.KindPairSuccess:
		var success box.PairSuccess
		if err := frame.Decode(&success); err != nil {
			return fmt.Errorf("decoding pair success: %w", err)
		}
		s.cfg.Auth.Update(func(c *authstate.Creds) {
			c.Me = &authstate.Me{ID: success.DeviceID, Name: s.cfg.DeviceName}
			c.Registered = true
			c.PairedAt = time.Now().UTC()
		})
		logger.Info().Str("device", success.DeviceID).Str("relay", success.Name).Msg("paired")
		s.emitCreds()
		s.emitConnection(ConnectionUpdate{IsNewLogin: true})

	case box.KindReady:
		s.cfg.Auth.Update(func(c *authstate.Creds) {
			c.LastConnectedAt = time.Now().UTC()
		})
		s.emitCreds()
		s.emitConnection(ConnectionUpdate{Connection: StateOpen})

	case box.KindMessage:
		var msg box.Message
		if err := frame.Decode(&msg); err != nil {
			return fmt.Errorf("decoding message: %w", err)
		}
		s.emitMessages(MessagesUpsert{
			Type: UpsertNotify,
			Messages: []Message{{
				ID:           msg.ID,
				From:         msg.From,
				To:           msg.To,
				Conversation: msg.Conversation,
				Timestamp:    msg.Timestamp,
			}},
		})

	case box.KindPong:
	default:
		logger.Debug().Stringer("kind", frame.Kind).Msg("ignoring frame")
	}

	return nil
}

func (s *Socket) keepAlive(t *stp.Transport, done <-chan struct{}, logger zerolog.Logger) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, err := t.Send(box.KindPing, box.Empty{}); err != nil {
				logger.Debug().Err(err).Msg("sending ping")
				return
			}
		}
	}
}

// qr is the payload of the pairing QR code: the ref and this device's key.
func (s *Socket) qr(ref string) string {
	key := base64.StdEncoding.EncodeToString(s.cfg.Auth.Identity().MarshalPublicKey())
	return ref + "," + key
}

// SendText sends text to the device to.
func (s *Socket) SendText(ctx context.Context, to, text string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	t := s.current()
	if t == nil {
		return Message{}, ErrNotConnected
	}
	msg := box.Message{
		ID:           uuid.NewString(),
		To:           to,
		Conversation: text,
		Timestamp:    time.Now().UTC(),
	}
	if creds := s.cfg.Auth.Creds(); creds.Me != nil {
		msg.From = creds.Me.ID
	}
	if _, err := t.Send(box.KindMessage, &msg); err != nil {
		return Message{}, fmt.Errorf("sending message: %w", err)
	}
	return Message{
		ID:           msg.ID,
		From:         msg.From,
		To:           msg.To,
		FromMe:       true,
		Conversation: msg.Conversation,
		Timestamp:    msg.Timestamp,
	}, nil
}

// Logout asks the relay to unpair this device. The relay then closes the
// connection with stp.LoggedOut.
func (s *Socket) Logout(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := s.current()
	if t == nil {
		return ErrNotConnected
	}
	if _, err := t.Send(box.KindLogout, box.Empty{}); err != nil {
		return fmt.Errorf("sending logout: %w", err)
	}
	return nil
}

func (s *Socket) setTransport(t *stp.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
}

func (s *Socket) current() *stp.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}
