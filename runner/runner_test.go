package runner

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hossein1376/hark/authstate"
	"github.com/hossein1376/hark/internal/attest"
	"github.com/hossein1376/hark/internal/config"
	"github.com/hossein1376/hark/relay"
	"github.com/hossein1376/hark/socket"
	"github.com/hossein1376/hark/stp"
)

const waitTimeout = 5 * time.Second

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startRelay(t *testing.T) (*relay.Relay, string) {
	t.Helper()
	reg, err := relay.OpenRegistry(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	r := relay.New(relay.Config{Name: "test-relay"}, reg, zerolog.Nop())
	id, err := attest.New()
	require.NoError(t, err)
	srv := stp.NewServer("", id, r.Handle)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = reg.Close()
	})
	return r, l.Addr().String()
}

func testConfig(addr string) config.Config {
	cfg := config.Default()
	cfg.Addr = addr
	cfg.QR = config.QRNever
	cfg.KeepAlive = time.Second
	cfg.Reconnect.InitialInterval = 10 * time.Millisecond
	cfg.Reconnect.MaxInterval = 50 * time.Millisecond
	return cfg
}

type events struct {
	qr       chan string
	open     chan struct{}
	messages chan socket.Message
}

func newEvents() *events {
	return &events{
		qr:       make(chan string, 16),
		open:     make(chan struct{}, 16),
		messages: make(chan socket.Message, 16),
	}
}

func (e *events) options() []Option {
	return []Option{
		WithConnectionHandler(func(u socket.ConnectionUpdate) {
			if u.QR != "" {
				e.qr <- u.QR
			}
			if u.Connection == socket.StateOpen {
				e.open <- struct{}{}
			}
		}),
		WithMessageHandler(func(m socket.Message) { e.messages <- m }),
	}
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestRunner_PairReconnectReceive(t *testing.T) {
	a := require.New(t)
	rel, addr := startRelay(t)
	dir := filepath.Join(t.TempDir(), "sessions")
	store, err := authstate.OpenDir(dir)
	a.NoError(err)

	out := &syncBuffer{}
	ev := newEvents()
	r := New(testConfig(addr), store, zerolog.Nop(), out, ev.options()...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	code := wait(t, ev.qr, "qr")
	device, err := rel.Approve(code)
	a.NoError(err)

	// The relay asks for a restart after pairing; the runner reconnects on
	// its own and the session opens.
	wait(t, ev.open, "open")
	a.Contains(out.String(), "pairing code: ")
	a.Contains(out.String(), "connected")

	_, err = rel.Deliver(ctx, "operator", device.ID, "Olá")
	a.NoError(err)
	m := wait(t, ev.messages, "message")
	a.Equal("Olá", m.Conversation)
	a.Contains(out.String(), "message received: Olá\n")

	sent, err := r.SendText(ctx, device.ID, "echo")
	a.NoError(err)
	a.Equal("echo", wait(t, ev.messages, "echo").Conversation)
	a.NotEmpty(sent.ID)

	state, _, err := authstate.Use(ctx, store)
	a.NoError(err)
	a.True(state.Creds().Registered)
	a.Equal(device.ID, state.Creds().Me.ID)
	a.FileExists(filepath.Join(dir, "creds.json"))

	cancel()
	a.NoError(wait(t, done, "run to return"))
}

func TestRunner_Logout(t *testing.T) {
	a := require.New(t)
	rel, addr := startRelay(t)
	store, err := authstate.OpenBolt(filepath.Join(t.TempDir(), "sessions.db"))
	a.NoError(err)
	defer store.Close()

	ev := newEvents()
	r := New(testConfig(addr), store, zerolog.Nop(), &syncBuffer{}, ev.options()...)
	done := make(chan error, 1)
	go func() { done <- r.Run(t.Context()) }()

	_, err = rel.Approve(wait(t, ev.qr, "qr"))
	a.NoError(err)
	wait(t, ev.open, "open")

	a.NoError(r.Logout(t.Context()))
	err = wait(t, done, "run to return")
	a.ErrorIs(err, ErrLoggedOut)
	var dErr *socket.DisconnectError
	a.True(errors.As(err, &dErr))
	a.Equal(stp.LoggedOut, dErr.Reason)

	_, err = store.ReadCreds(t.Context())
	a.ErrorIs(err, authstate.ErrNotFound)
}

func TestRunner_RepairOnLogout(t *testing.T) {
	a := require.New(t)
	rel, addr := startRelay(t)
	store, err := authstate.OpenDir(t.TempDir())
	a.NoError(err)

	cfg := testConfig(addr)
	cfg.Reconnect.RepairOnLogout = true
	ev := newEvents()
	r := New(cfg, store, zerolog.Nop(), &syncBuffer{}, ev.options()...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	first, err := rel.Approve(wait(t, ev.qr, "qr"))
	a.NoError(err)
	wait(t, ev.open, "open")
	a.NoError(rel.Unpair(first.ID))

	// A fresh identity asks to be paired again.
	second := wait(t, ev.qr, "second qr")
	device, err := rel.Approve(second)
	a.NoError(err)
	a.NotEqual(first.PublicKey, device.PublicKey)
	wait(t, ev.open, "second open")

	cancel()
	a.NoError(wait(t, done, "run to return"))
}

func TestRunner_RetriesExhausted(t *testing.T) {
	a := require.New(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	a.NoError(err)
	addr := l.Addr().String()
	a.NoError(l.Close())

	store, err := authstate.OpenDir(t.TempDir())
	a.NoError(err)
	cfg := testConfig(addr)
	cfg.Reconnect.MaxRetries = 2
	out := &syncBuffer{}
	r := New(cfg, store, zerolog.Nop(), out)

	err = r.Run(t.Context())
	a.ErrorIs(err, ErrRetriesExhausted)
	var dErr *socket.DisconnectError
	a.True(errors.As(err, &dErr))
	a.Equal(stp.UnavailableService, dErr.Reason)
	a.Equal(3, strings.Count(out.String(), "disconnected: unavailable service"))
}

func TestRunner_CancelDuringBackoff(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	store, err := authstate.OpenDir(t.TempDir())
	require.NoError(t, err)
	cfg := testConfig(addr)
	cfg.Reconnect.InitialInterval = time.Hour
	cfg.Reconnect.MaxInterval = time.Hour
	r := New(cfg, store, zerolog.Nop(), &syncBuffer{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))
}

func TestRunner_PrintQR(t *testing.T) {
	a := require.New(t)

	never := &syncBuffer{}
	r := New(config.Config{QR: config.QRNever}, nil, zerolog.Nop(), never)
	r.printQR("ABCD-EFGH,a2V5", "ABCD-EFGH")
	a.Equal("pairing code: ABCD-EFGH\n", never.String())

	// A buffer is not a terminal, so auto skips the QR as well.
	auto := &syncBuffer{}
	r = New(config.Config{QR: config.QRAuto}, nil, zerolog.Nop(), auto)
	r.printQR("ABCD-EFGH,a2V5", "ABCD-EFGH")
	a.Equal(never.String(), auto.String())

	always := &syncBuffer{}
	r = New(config.Config{QR: config.QRAlways}, nil, zerolog.Nop(), always)
	r.printQR("ABCD-EFGH,a2V5", "ABCD-EFGH")
	a.Greater(len(always.String()), len(never.String()))
	a.True(strings.HasSuffix(always.String(), "pairing code: ABCD-EFGH\n"))
}

func TestRunner_MessageWithoutText(t *testing.T) {
	a := require.New(t)
	out := &syncBuffer{}
	var got []socket.Message
	r := New(config.Default(), nil, zerolog.Nop(), out,
		WithMessageHandler(func(m socket.Message) { got = append(got, m) }),
	)

	r.messagesUpsert(socket.MessagesUpsert{
		Type:     socket.UpsertNotify,
		Messages: []socket.Message{{ID: "1", From: "x"}, {ID: "2", From: "x", Conversation: "hi"}},
	})
	a.Equal("message received: \nmessage received: hi\n", out.String())
	a.Len(got, 2)

	// Anything other than a notify upsert is not printed.
	r.messagesUpsert(socket.MessagesUpsert{
		Type:     "append",
		Messages: []socket.Message{{ID: "3", Conversation: "old"}},
	})
	a.Len(got, 2)
}

// pairedStore pairs a device with the relay at addr and returns its session
// folder once the first connection opened.
func pairedStore(t *testing.T, rel *relay.Relay, addr string) string {
	t.Helper()
	dir := t.TempDir()
	store, err := authstate.OpenDir(dir)
	require.NoError(t, err)

	ev := newEvents()
	r := New(testConfig(addr), store, zerolog.Nop(), &syncBuffer{}, ev.options()...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	_, err = rel.Approve(wait(t, ev.qr, "qr"))
	require.NoError(t, err)
	wait(t, ev.open, "open")
	cancel()
	require.NoError(t, wait(t, done, "run to return"))
	return dir
}

func TestRunner_StopsWhenReplaced(t *testing.T) {
	a := require.New(t)
	rel, addr := startRelay(t)
	dir := pairedStore(t, rel, addr)

	first, err := authstate.OpenDir(dir)
	a.NoError(err)
	ev := newEvents()
	r1 := New(testConfig(addr), first, zerolog.Nop(), &syncBuffer{}, ev.options()...)
	done1 := make(chan error, 1)
	go func() { done1 <- r1.Run(t.Context()) }()
	wait(t, ev.open, "first open")

	second, err := authstate.OpenDir(dir)
	a.NoError(err)
	ev2 := newEvents()
	r2 := New(testConfig(addr), second, zerolog.Nop(), &syncBuffer{}, ev2.options()...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done2 := make(chan error, 1)
	go func() { done2 <- r2.Run(ctx) }()
	wait(t, ev2.open, "second open")

	err = wait(t, done1, "first run to return")
	a.ErrorIs(err, ErrReplaced)
	var dErr *socket.DisconnectError
	a.True(errors.As(err, &dErr))
	a.Equal(stp.ConnectionReplaced, dErr.Reason)

	// Replacing does not log the device out.
	_, err = second.ReadCreds(t.Context())
	a.NoError(err)

	cancel()
	a.NoError(wait(t, done2, "second run to return"))
}

func TestRunner_StopsOnUnknownEndpoint(t *testing.T) {
	a := require.New(t)
	_, addr := startRelay(t)
	store, err := authstate.OpenDir(t.TempDir())
	a.NoError(err)

	// The session already trusts a different key for this address.
	state, _, err := authstate.Use(t.Context(), store)
	a.NoError(err)
	impostor, err := attest.New()
	a.NoError(err)
	a.NoError(state.TrustEndpoint(t.Context(), addr, impostor.PublicKey()))

	out := &syncBuffer{}
	r := New(testConfig(addr), store, zerolog.Nop(), out)
	err = r.Run(t.Context())
	a.ErrorIs(err, ErrRejected)
	var dErr *socket.DisconnectError
	a.True(errors.As(err, &dErr))
	a.Equal(stp.Forbidden, dErr.Reason)
	a.Contains(out.String(), "disconnected: forbidden")

	// The session is kept; only the endpoint was wrong.
	_, err = store.ReadCreds(t.Context())
	a.NoError(err)
}
