package socket

import (
	"fmt"
	"time"

	"github.com/hossein1376/hark/authstate"
	"github.com/hossein1376/hark/stp"
)

type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClose      ConnectionState = "close"
)

// ConnectionUpdate describes a change of the connection. Only the fields
// that changed are set: an update carrying a QR code leaves Connection empty.
type ConnectionUpdate struct {
	Connection     ConnectionState
	QR             string
	PairingCode    string
	LastDisconnect *DisconnectError
	IsNewLogin     bool
}

// DisconnectError is how a connection ended.
type DisconnectError struct {
	Reason stp.Reason
	Err    error
	Date   time.Time
}

func (e *DisconnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("socket: disconnected: %s (%d)", e.Reason, uint32(e.Reason))
	}
	return fmt.Sprintf(
		"socket: disconnected: %s (%d): %v", e.Reason, uint32(e.Reason), e.Err,
	)
}

func (e *DisconnectError) Unwrap() error {
	return e.Err
}

// Message is a text message seen by this device.
type Message struct {
	ID           string
	From         string
	To           string
	FromMe       bool
	Conversation string
	Timestamp    time.Time
}

const UpsertNotify = "notify"

// MessagesUpsert carries new messages. Type is "notify" for messages that
// just arrived.
type MessagesUpsert struct {
	Type     string
	Messages []Message
}

type (
	ConnectionHandler func(ConnectionUpdate)
	CredsHandler      func(*authstate.Creds)
	MessagesHandler   func(MessagesUpsert)
)

// OnConnectionUpdate registers fn. Handlers run on the socket's reader
// goroutine, in the order they were registered.
func (s *Socket) OnConnectionUpdate(fn ConnectionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connHandlers = append(s.connHandlers, fn)
}

func (s *Socket) OnCredsUpdate(fn CredsHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credsHandlers = append(s.credsHandlers, fn)
}

func (s *Socket) OnMessagesUpsert(fn MessagesHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgHandlers = append(s.msgHandlers, fn)
}

func (s *Socket) emitConnection(u ConnectionUpdate) {
	s.mu.Lock()
	handlers := s.connHandlers
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(u)
	}
}

func (s *Socket) emitCreds() {
	s.mu.Lock()
	handlers := s.credsHandlers
	s.mu.Unlock()
	creds := s.cfg.Auth.Creds()
	for _, fn := range handlers {
		fn(creds)
	}
}

func (s *Socket) emitMessages(u MessagesUpsert) {
	s.mu.Lock()
	handlers := s.msgHandlers
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(u)
	}
}
