package stp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hossein1376/hark/sign"
)

func Dial(
	ctx context.Context, addr string, id sign.Identity, verifier RemoteVerifier,
) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	return Handshake(ctx, conn, id, verifier)
}

// Handshake runs the dialing side of the protocol over an established
// connection. The connection is closed if the handshake fails.
func Handshake(
	ctx context.Context, c net.Conn, id sign.Identity, verifier RemoteVerifier,
) (t *Transport, err error) {
	conn := newConn(c)
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err = sendIntroduction(conn, id); err != nil {
		return nil, fmt.Errorf("send introduction: %w", err)
	}
	remote, err := receiveIntroduction(conn)
	if err != nil {
		return nil, fmt.Errorf("receive introduction: %w", err)
	}
	if err = verify(verifier, remote); err != nil {
		return nil, fmt.Errorf("verify remote: %w", err)
	}
	t, err = requestHandshake(conn, id, remote)
	if err != nil {
		return nil, fmt.Errorf("request handshake: %w", err)
	}

	if !stop() {
		return nil, fmt.Errorf("handshake: %w", ctx.Err())
	}
	_ = conn.SetDeadline(time.Time{})

	return t, nil
}
