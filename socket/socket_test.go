package socket_test

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hossein1376/hark/authstate"
	"github.com/hossein1376/hark/internal/attest"
	"github.com/hossein1376/hark/internal/box"
	"github.com/hossein1376/hark/relay"
	"github.com/hossein1376/hark/socket"
	"github.com/hossein1376/hark/stp"
)

const waitTimeout = 5 * time.Second

func startServer(t *testing.T, handler stp.HandlerFunc) string {
	t.Helper()
	id, err := attest.New()
	require.NoError(t, err)
	srv := stp.NewServer("", id, handler)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return l.Addr().String()
}

func startRelay(t *testing.T) (*relay.Relay, string) {
	t.Helper()
	reg, err := relay.OpenRegistry(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	r := relay.New(relay.Config{Name: "test-relay"}, reg, zerolog.Nop())
	addr := startServer(t, r.Handle)
	t.Cleanup(func() { _ = reg.Close() })
	return r, addr
}

func newState(t *testing.T) *authstate.State {
	t.Helper()
	store, err := authstate.OpenDir(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)
	state, _, err := authstate.Use(t.Context(), store)
	require.NoError(t, err)
	return state
}

type harness struct {
	sock     *socket.Socket
	updates  chan socket.ConnectionUpdate
	messages chan socket.Message
	creds    chan *authstate.Creds
	done     chan error
	cancel   context.CancelFunc
}

func run(t *testing.T, cfg socket.Config) *harness {
	t.Helper()
	if cfg.KeepAliveInterval == 0 {
		cfg.KeepAliveInterval = time.Second
	}
	cfg.DeviceName = "test-device"
	cfg.Logger = zerolog.Nop()

	h := &harness{
		sock:     socket.New(cfg),
		updates:  make(chan socket.ConnectionUpdate, 64),
		messages: make(chan socket.Message, 64),
		creds:    make(chan *authstate.Creds, 64),
		done:     make(chan error, 1),
	}
	h.sock.OnConnectionUpdate(func(u socket.ConnectionUpdate) { h.updates <- u })
	h.sock.OnCredsUpdate(func(c *authstate.Creds) { h.creds <- c })
	h.sock.OnMessagesUpsert(func(u socket.MessagesUpsert) {
		for _, m := range u.Messages {
			h.messages <- m
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)
	go func() { h.done <- h.sock.Run(ctx) }()
	return h
}

func (h *harness) waitFor(t *testing.T, match func(socket.ConnectionUpdate) bool) socket.ConnectionUpdate {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case u := <-h.updates:
			if match(u) {
				return u
			}
		case <-timeout:
			t.Fatal("timed out waiting for connection update")
		}
	}
}

func (h *harness) disconnect(t *testing.T) *socket.DisconnectError {
	t.Helper()
	select {
	case err := <-h.done:
		var dErr *socket.DisconnectError
		require.True(t, errors.As(err, &dErr), "unexpected error: %v", err)
		return dErr
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for disconnect")
		return nil
	}
}

func isOpen(u socket.ConnectionUpdate) bool { return u.Connection == socket.StateOpen }

func hasQR(u socket.ConnectionUpdate) bool { return u.QR != "" }

// pair runs the pairing flow and returns the paired device's ID.
func pair(t *testing.T, r *relay.Relay, addr string, state *authstate.State) string {
	t.Helper()
	h := run(t, socket.Config{Addr: addr, Auth: state})
	u := h.waitFor(t, hasQR)
	device, err := r.Approve(u.QR)
	require.NoError(t, err)
	h.waitFor(t, func(u socket.ConnectionUpdate) bool { return u.IsNewLogin })
	require.Equal(t, stp.RestartRequired, h.disconnect(t).Reason)
	return device.ID
}

func TestSocket_PairThenReceive(t *testing.T) {
	a := require.New(t)
	r, addr := startRelay(t)
	state := newState(t)

	h := run(t, socket.Config{Addr: addr, Auth: state})
	h.waitFor(t, func(u socket.ConnectionUpdate) bool {
		return u.Connection == socket.StateConnecting
	})
	u := h.waitFor(t, hasQR)
	a.Equal(u.PairingCode+",", u.QR[:len(u.PairingCode)+1])
	a.Len(r.Pending(), 1)

	device, err := r.Approve(u.QR)
	a.NoError(err)
	a.Equal("test-device", device.Name)
	h.waitFor(t, func(u socket.ConnectionUpdate) bool { return u.IsNewLogin })
	closed := h.waitFor(t, func(u socket.ConnectionUpdate) bool {
		return u.Connection == socket.StateClose
	})
	a.Equal(stp.RestartRequired, closed.LastDisconnect.Reason)
	a.Equal(stp.RestartRequired, h.disconnect(t).Reason)

	creds := state.Creds()
	a.True(creds.Registered)
	a.Equal(device.ID, creds.Me.ID)
	a.False(creds.PairedAt.IsZero())
	a.Empty(r.Pending())

	// Reconnecting as the paired device opens the session.
	h = run(t, socket.Config{Addr: addr, Auth: state})
	h.waitFor(t, isOpen)
	a.False(state.Creds().LastConnectedAt.IsZero())
	a.True(r.Online(device.ID))

	_, err = r.Deliver(t.Context(), "operator", device.ID, "hello there")
	a.NoError(err)
	select {
	case m := <-h.messages:
		a.Equal("hello there", m.Conversation)
		a.Equal("operator", m.From)
		a.NotEmpty(m.ID)
	case <-time.After(waitTimeout):
		t.Fatal("message was not delivered")
	}

	sent, err := h.sock.SendText(t.Context(), device.ID, "note to self")
	a.NoError(err)
	a.True(sent.FromMe)
	select {
	case m := <-h.messages:
		a.Equal(sent.ID, m.ID)
		a.Equal("note to self", m.Conversation)
		a.Equal(device.ID, m.From)
	case <-time.After(waitTimeout):
		t.Fatal("message was not routed back")
	}

	a.NoError(h.sock.Logout(t.Context()))
	a.Equal(stp.LoggedOut, h.disconnect(t).Reason)
	devices, err := r.Devices()
	a.NoError(err)
	a.Empty(devices)
}

func TestSocket_TrustOnFirstUse(t *testing.T) {
	a := require.New(t)
	_, addr := startRelay(t)
	state := newState(t)

	h := run(t, socket.Config{Addr: addr, Auth: state})
	h.waitFor(t, hasQR)
	select {
	case <-h.creds:
	case <-time.After(waitTimeout):
		t.Fatal("trusting the relay did not update creds")
	}
	key, err := state.EndpointKey(t.Context(), addr)
	a.NoError(err)
	a.NotNil(key)
	h.cancel()

	impostor, err := attest.New()
	a.NoError(err)
	a.NoError(state.TrustEndpoint(t.Context(), addr, impostor.PublicKey()))
	h = run(t, socket.Config{Addr: addr, Auth: state})
	dErr := h.disconnect(t)
	a.Equal(stp.Forbidden, dErr.Reason)
	a.ErrorIs(dErr, socket.ErrEndpointMismatch)
}

func TestSocket_Cancel(t *testing.T) {
	a := require.New(t)
	_, addr := startRelay(t)

	h := run(t, socket.Config{Addr: addr, Auth: newState(t)})
	h.waitFor(t, hasQR)
	h.cancel()

	closed := h.waitFor(t, func(u socket.ConnectionUpdate) bool {
		return u.Connection == socket.StateClose
	})
	a.Equal(stp.ConnectionClosed, closed.LastDisconnect.Reason)
	select {
	case err := <-h.done:
		a.ErrorIs(err, context.Canceled)
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSocket_ConnectionReplaced(t *testing.T) {
	a := require.New(t)
	r, addr := startRelay(t)
	state := newState(t)
	pair(t, r, addr, state)

	first := run(t, socket.Config{Addr: addr, Auth: state})
	first.waitFor(t, isOpen)
	second := run(t, socket.Config{Addr: addr, Auth: state})
	second.waitFor(t, isOpen)

	a.Equal(stp.ConnectionReplaced, first.disconnect(t).Reason)
}

func TestSocket_UnpairedByRelay(t *testing.T) {
	a := require.New(t)
	r, addr := startRelay(t)
	state := newState(t)
	id := pair(t, r, addr, state)

	h := run(t, socket.Config{Addr: addr, Auth: state})
	h.waitFor(t, isOpen)
	a.NoError(r.Unpair(id))
	a.Equal(stp.LoggedOut, h.disconnect(t).Reason)
}

func TestSocket_KeepAliveTimeout(t *testing.T) {
	a := require.New(t)
	// This endpoint swallows every frame, pings included.
	addr := startServer(t, func(tr *stp.Transport) error {
		for {
			if _, err := tr.Receive(); err != nil {
				return nil
			}
		}
	})

	h := run(t, socket.Config{
		Addr:              addr,
		Auth:              newState(t),
		KeepAliveInterval: 50 * time.Millisecond,
	})
	a.Equal(stp.ConnectionLost, h.disconnect(t).Reason)
}

func TestSocket_Unavailable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	h := run(t, socket.Config{Addr: addr, Auth: newState(t)})
	require.Equal(t, stp.UnavailableService, h.disconnect(t).Reason)
}

func TestSocket_NotConnected(t *testing.T) {
	a := require.New(t)
	s := socket.New(socket.Config{Auth: newState(t)})
	_, err := s.SendText(t.Context(), "someone", "hi")
	a.ErrorIs(err, socket.ErrNotConnected)
	a.ErrorIs(s.Logout(t.Context()), socket.ErrNotConnected)
}

func TestSocket_MalformedFrame(t *testing.T) {
	addr := startServer(t, func(tr *stp.Transport) error {
		if _, err := tr.Receive(); err != nil {
			return err
		}
		// A pair ref whose TTL is sent as bytes instead of a varint.
		_, err := tr.Send(box.KindPairRef, rawMessage{0x12, 0x01, 0x00})
		if err != nil {
			return err
		}
		_, _ = tr.Receive()
		return nil
	})

	h := run(t, socket.Config{Addr: addr, Auth: newState(t)})
	require.Equal(t, stp.BadSession, h.disconnect(t).Reason)
}

type rawMessage []byte

func (m rawMessage) Marshal() []byte { return m }
