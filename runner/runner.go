// Package runner keeps a device connected: it loads the auth state, runs a
// socket, prints what happens and decides how to reconnect once it ends.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/hossein1376/hark/authstate"
	"github.com/hossein1376/hark/internal/config"
	"github.com/hossein1376/hark/internal/qr"
	"github.com/hossein1376/hark/socket"
)

type Option func(*Runner)

// WithMessageHandler calls fn for every message the device receives.
func WithMessageHandler(fn func(socket.Message)) Option {
	return func(r *Runner) { r.onMessage = append(r.onMessage, fn) }
}

// WithConnectionHandler calls fn for every connection update.
func WithConnectionHandler(fn func(socket.ConnectionUpdate)) Option {
	return func(r *Runner) { r.onConnection = append(r.onConnection, fn) }
}

// WithDial replaces how the sockets reach the relay.
func WithDial(dial socket.DialFunc) Option {
	return func(r *Runner) { r.dial = dial }
}

type Runner struct {
	cfg    config.Config
	store  authstate.Store
	logger zerolog.Logger
	out    io.Writer
	dial   socket.DialFunc

	onMessage    []func(socket.Message)
	onConnection []func(socket.ConnectionUpdate)

	mu    sync.Mutex
	outMu sync.Mutex
	sock  *socket.Socket
	retry backoff.BackOff
	tries int
}

func New(
	cfg config.Config,
	store authstate.Store,
	logger zerolog.Logger,
	out io.Writer,
	opts ...Option,
) *Runner {
	r := &Runner{cfg: cfg, store: store, logger: logger, out: out}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run connects and reconnects until ctx is done or a disconnect calls for
// stopping. A cancelled ctx is not an error.
func (r *Runner) Run(ctx context.Context) error {
	r.retry = r.newBackoff()

	for {
		dErr, opened, err := r.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if opened {
			r.resetBackoff()
		}

		d := Decide(dErr.Reason, r.cfg.Reconnect.RepairOnLogout)
		r.logger.Info().
			Stringer("reason", dErr.Reason).
			Stringer("action", d.Action).
			Msg("connection closed")

		if d.ClearState {
			if err := r.store.Clear(ctx); err != nil {
				return fmt.Errorf("clearing session: %w", err)
			}
			r.logger.Info().Msg("session cleared")
		}

		switch d.Action {
		case Reconnect, Repair:
			r.resetBackoff()
		case Stop:
			return fmt.Errorf("%w: %w", d.Err, dErr)
		case Backoff:
			wait := r.retry.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("%w: %w", ErrRetriesExhausted, dErr)
			}
			r.tries++
			r.logger.Warn().
				Err(dErr.Err).
				Dur("wait", wait).
				Int("attempt", r.tries).
				Msg("reconnecting after backoff")
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil
			}
		}
	}
}

func (r *Runner) connectOnce(ctx context.Context) (*socket.DisconnectError, bool, error) {
	state, save, err := authstate.Use(ctx, r.store, authstate.WithPassphrase(r.cfg.Store.Passphrase))
	if err != nil {
		return nil, false, fmt.Errorf("loading session: %w", err)
	}

	sock := socket.New(socket.Config{
		Addr:              r.cfg.Addr,
		Auth:              state,
		DeviceName:        r.cfg.DeviceName,
		Logger:            r.logger,
		ConnectTimeout:    r.cfg.ConnectTimeout,
		KeepAliveInterval: r.cfg.KeepAlive,
		Dial:              r.dial,
	})
	var opened bool
	sock.OnConnectionUpdate(func(u socket.ConnectionUpdate) {
		if u.Connection == socket.StateOpen {
			opened = true
		}
		r.connectionUpdate(u)
	})
	sock.OnCredsUpdate(func(*authstate.Creds) {
		if err := save(ctx); err != nil {
			r.logger.Error().Err(err).Msg("saving creds")
		}
	})
	sock.OnMessagesUpsert(r.messagesUpsert)

	r.setSocket(sock)
	defer r.setSocket(nil)

	err = sock.Run(ctx)
	var dErr *socket.DisconnectError
	if !errors.As(err, &dErr) {
		return nil, opened, err
	}
	return dErr, opened, nil
}

func (r *Runner) connectionUpdate(u socket.ConnectionUpdate) {
	if u.QR != "" {
		r.printQR(u.QR, u.PairingCode)
	}
	switch u.Connection {
	case socket.StateConnecting:
		r.logger.Info().Str("addr", r.cfg.Addr).Msg("connecting")
	case socket.StateOpen:
		r.logger.Info().Msg("connection open")
		r.println("connected")
	case socket.StateClose:
		if u.LastDisconnect != nil {
			r.println("disconnected: " + u.LastDisconnect.Reason.String())
		}
	}
	if u.IsNewLogin {
		r.logger.Info().Msg("paired, restarting connection")
	}
	for _, fn := range r.onConnection {
		fn(u)
	}
}

func (r *Runner) messagesUpsert(u socket.MessagesUpsert) {
	if u.Type != socket.UpsertNotify {
		return
	}
	for _, m := range u.Messages {
		r.logger.Info().
			Str("id", m.ID).
			Str("from", m.From).
			Time("sent_at", m.Timestamp).
			Msg("message received")
		r.println("message received: " + m.Conversation)
		for _, fn := range r.onMessage {
			fn(m)
		}
	}
}

func (r *Runner) printQR(payload, code string) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	switch r.cfg.QR {
	case config.QRAlways:
		qr.Render(r.out, payload)
	case config.QRAuto:
		if qr.IsTerminal(r.out) {
			qr.Render(r.out, payload)
		}
	}
	fmt.Fprintf(r.out, "pairing code: %s\n", code)
}

func (r *Runner) println(line string) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintln(r.out, line)
}

// SendText sends text through the current connection.
func (r *Runner) SendText(ctx context.Context, to, text string) (socket.Message, error) {
	sock := r.current()
	if sock == nil {
		return socket.Message{}, socket.ErrNotConnected
	}
	return sock.SendText(ctx, to, text)
}

// Logout unpairs the device. The loop then clears the session.
func (r *Runner) Logout(ctx context.Context) error {
	sock := r.current()
	if sock == nil {
		return socket.ErrNotConnected
	}
	return sock.Logout(ctx)
}

func (r *Runner) newBackoff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.Reconnect.InitialInterval
	exp.MaxInterval = r.cfg.Reconnect.MaxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()
	if r.cfg.Reconnect.MaxRetries > 0 {
		return backoff.WithMaxRetries(exp, uint64(r.cfg.Reconnect.MaxRetries))
	}
	return exp
}

func (r *Runner) resetBackoff() {
	r.retry.Reset()
	r.tries = 0
}

func (r *Runner) setSocket(s *socket.Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sock = s
}

func (r *Runner) current() *socket.Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sock
}
