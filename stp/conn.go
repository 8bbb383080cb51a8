package stp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

const (
	MaxFrameSize = 64 * 1024
	headerSize   = 4
)

var (
	ErrAlreadyClosed = errors.New("conn has already been closed")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Conn frames a net.Conn: every frame is a big-endian uint32 length followed
// by that many bytes.
type Conn struct {
	net.Conn
	wmu      sync.Mutex
	isClosed atomic.Bool
}

func newConn(c net.Conn) *Conn {
	return &Conn{Conn: c}
}

func (c *Conn) ReadFrame() ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(c.Conn, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.Conn, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return buf, nil
}

func (c *Conn) WriteFrame(p []byte) error {
	if len(p) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(p))
	}
	buf := make([]byte, headerSize, headerSize+len(p))
	binary.BigEndian.PutUint32(buf, uint32(len(p)))
	buf = append(buf, p...)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.Conn.Write(buf)
	return err
}

func (c *Conn) Close() error {
	if !c.isClosed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	return c.Conn.Close()
}

func (c *Conn) IsClosed() bool {
	return c.isClosed.Load()
}
