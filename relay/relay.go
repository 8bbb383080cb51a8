// Package relay is the endpoint hark devices connect to. It pairs new
// devices, keeps track of the ones online and routes messages between them.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hossein1376/hark/internal/box"
	"github.com/hossein1376/hark/internal/cmap"
	"github.com/hossein1376/hark/stp"
)

const helloTimeout = 10 * time.Second

// A device that stays silent for keepAliveGrace keep-alive intervals is
// considered gone.
const keepAliveGrace = 3

var ErrOffline = errors.New("relay: device is offline")

type Config struct {
	Name        string
	FirstRefTTL time.Duration
	RefTTL      time.Duration
	MaxRefs     int
	// KeepAlive is the interval devices ping at.
	KeepAlive time.Duration
}

type Relay struct {
	cfg      Config
	registry *Registry
	logger   zerolog.Logger

	online  *cmap.ConcurrentMap[string, *stp.Transport]
	pending *cmap.ConcurrentMap[string, *pairing]
}

func New(cfg Config, registry *Registry, logger zerolog.Logger) *Relay {
	if cfg.FirstRefTTL <= 0 {
		cfg.FirstRefTTL = 60 * time.Second
	}
	if cfg.RefTTL <= 0 {
		cfg.RefTTL = 20 * time.Second
	}
	if cfg.MaxRefs <= 0 {
		cfg.MaxRefs = 5
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	return &Relay{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		online:   cmap.New[string, *stp.Transport](),
		pending:  cmap.New[string, *pairing](),
	}
}

// Handle serves one device connection. It is an stp.HandlerFunc.
func (r *Relay) Handle(t *stp.Transport) error {
	_ = t.SetReadDeadline(time.Now().Add(helloTimeout))
	frame, err := t.Receive()
	if err != nil {
		return fmt.Errorf("receiving hello: %w", err)
	}
	_ = t.SetReadDeadline(time.Time{})
	if frame.Kind != box.KindHello {
		_ = t.CloseWithReason(stp.BadSession, "expected hello")
		return fmt.Errorf("expected hello, got %s", frame.Kind)
	}
	var hello box.Hello
	if err := frame.Decode(&hello); err != nil {
		_ = t.CloseWithReason(stp.BadSession, "malformed hello")
		return fmt.Errorf("decoding hello: %w", err)
	}

	if hello.DeviceID == "" {
		return r.pair(t, hello)
	}
	device, err := r.registry.Get(hello.DeviceID)
	switch {
	case errors.Is(err, ErrUnknownDevice):
		return r.pair(t, hello)
	case err != nil:
		_ = t.CloseWithReason(stp.UnavailableService, "registry unavailable")
		return fmt.Errorf("looking up device: %w", err)
	}
	if !bytes.Equal(device.PublicKey, t.Remote().Marshal()) {
		r.logger.Warn().Str("device", device.ID).Msg("device key mismatch")
		return t.CloseWithReason(stp.BadSession, "device key does not match")
	}

	return r.serve(t, device)
}

func (r *Relay) serve(t *stp.Transport, device Device) error {
	logger := r.logger.With().
		Str("device", device.ID).
		Str("session", t.SessionID()).
		Logger()

	if old, loaded := r.online.Swap(device.ID, t); loaded {
		logger.Info().Msg("replacing older connection")
		_ = old.CloseWithReason(stp.ConnectionReplaced, "connected elsewhere")
	}
	defer r.online.RemoveIf(device.ID, func(c *stp.Transport) bool { return c == t })

	if err := r.registry.Touch(device.ID, time.Now().UTC()); err != nil {
		logger.Warn().Err(err).Msg("updating last seen")
	}
	if _, err := t.Send(box.KindReady, &box.Ready{DeviceID: device.ID}); err != nil {
		return fmt.Errorf("sending ready: %w", err)
	}
	logger.Info().Str("name", device.Name).Msg("device online")

	idle := keepAliveGrace * r.cfg.KeepAlive
	for {
		_ = t.SetReadDeadline(time.Now().Add(idle))
		frame, err := t.Receive()
		if err != nil {
			_ = t.Close()
			logger.Info().
				Stringer("reason", stp.ReasonOf(err)).
				Msg("device offline")
			return nil
		}

		switch frame.Kind {
		case box.KindPing:
			if _, err := t.Send(box.KindPong, box.Empty{}); err != nil {
				return fmt.Errorf("sending pong: %w", err)
			}
		case box.KindMessage:
			var msg box.Message
			if err := frame.Decode(&msg); err != nil {
				logger.Warn().Err(err).Msg("malformed message")
				continue
			}
			msg.From = device.ID
			if msg.Timestamp.IsZero() {
				msg.Timestamp = frame.Metadata.Timestamp()
			}
			if err := r.route(msg); err != nil {
				logger.Warn().Err(err).Str("to", msg.To).Msg("dropping message")
			}
		case box.KindLogout:
			if err := r.registry.Delete(device.ID); err != nil {
				logger.Warn().Err(err).Msg("removing device")
			}
			logger.Info().Msg("device logged out")
			return t.CloseWithReason(stp.LoggedOut, "logged out")
		default:
			logger.Warn().Stringer("kind", frame.Kind).Msg("unexpected frame")
		}
	}
}

func (r *Relay) route(msg box.Message) error {
	target, ok := r.online.Get(msg.To)
	if !ok {
		return ErrOffline
	}
	if _, err := target.Send(box.KindMessage, &msg); err != nil {
		return fmt.Errorf("forwarding: %w", err)
	}
	return nil
}

// Deliver sends text to the device to, as if from had written it.
func (r *Relay) Deliver(ctx context.Context, from, to, text string) (box.Message, error) {
	if err := ctx.Err(); err != nil {
		return box.Message{}, err
	}
	msg := box.Message{
		ID:           uuid.NewString(),
		From:         from,
		To:           to,
		Conversation: text,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.route(msg); err != nil {
		return box.Message{}, err
	}
	return msg, nil
}

// Unpair forgets the device and logs it out if it is online.
func (r *Relay) Unpair(id string) error {
	if err := r.registry.Delete(id); err != nil {
		return err
	}
	if t, ok := r.online.Get(id); ok {
		_ = t.CloseWithReason(stp.LoggedOut, "unpaired by relay")
	}
	return nil
}

func (r *Relay) Devices() ([]Device, error) {
	return r.registry.List()
}

// Online reports whether the device has an open connection.
func (r *Relay) Online(id string) bool {
	return r.online.Exists(id)
}

// OnlineCount returns how many devices are connected.
func (r *Relay) OnlineCount() int {
	return r.online.Len()
}
