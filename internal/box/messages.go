package box

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Introduce is exchanged in plaintext when a connection opens.
type Introduce struct {
	Public    []byte
	Timestamp uint32
}

func (m *Introduce) Marshal() []byte {
	b := appendBytes(nil, 1, m.Public)
	return appendVarint(b, 2, uint64(m.Timestamp))
}

func (m *Introduce) Unmarshal(b []byte) error {
	*m = Introduce{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.Public = f.clone()
			return expect(f, protowire.BytesType)
		case 2:
			m.Timestamp = uint32(f.value)
			return expect(f, protowire.VarintType)
		}
		return nil
	})
}

// Handshake carries the key agreement material. The initiator fills Key with
// its ML-KEM encapsulation key; the responder fills it with the ciphertext.
type Handshake struct {
	Key      []byte
	Exchange []byte
	Salt     []byte
	Nonce    []byte
}

func (m *Handshake) Marshal() []byte {
	b := appendBytes(nil, 1, m.Key)
	b = appendBytes(b, 2, m.Exchange)
	b = appendBytes(b, 3, m.Salt)
	return appendBytes(b, 4, m.Nonce)
}

func (m *Handshake) Unmarshal(b []byte) error {
	*m = Handshake{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.Key = f.clone()
		case 2:
			m.Exchange = f.clone()
		case 3:
			m.Salt = f.clone()
		case 4:
			m.Nonce = f.clone()
		default:
			return nil
		}
		return expect(f, protowire.BytesType)
	})
}

// Signed wraps serialized data with the sender's signature over it.
type Signed struct {
	Data      []byte
	Signature []byte
}

func (m *Signed) Marshal() []byte {
	b := appendBytes(nil, 1, m.Data)
	return appendBytes(b, 2, m.Signature)
}

func (m *Signed) Unmarshal(b []byte) error {
	*m = Signed{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.Data = f.clone()
		case 2:
			m.Signature = f.clone()
		default:
			return nil
		}
		return expect(f, protowire.BytesType)
	})
}

type Metadata struct {
	Sequence  uint64
	Timestamp time.Time
}

func (m *Metadata) Marshal() []byte {
	b := appendVarint(nil, 1, m.Sequence)
	return appendTime(b, 2, m.Timestamp)
}

func (m *Metadata) Unmarshal(b []byte) error {
	*m = Metadata{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.Sequence = f.value
			return expect(f, protowire.VarintType)
		case 2:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			ts, err := parseTime(f)
			m.Timestamp = ts
			return err
		}
		return nil
	})
}

// Envelope is the unit a transport signs and encrypts.
type Envelope struct {
	Kind     Kind
	Payload  []byte
	Metadata Metadata
}

func (m *Envelope) Marshal() []byte {
	b := appendVarint(nil, 1, uint64(m.Kind))
	b = appendBytes(b, 2, m.Payload)
	return appendBytes(b, 3, m.Metadata.Marshal())
}

func (m *Envelope) Unmarshal(b []byte) error {
	*m = Envelope{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.Kind = Kind(f.value)
			return expect(f, protowire.VarintType)
		case 2:
			m.Payload = f.clone()
			return expect(f, protowire.BytesType)
		case 3:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			return m.Metadata.Unmarshal(f.bytes)
		}
		return nil
	})
}

// Hello is the first frame a device sends after the handshake. An empty
// DeviceID asks the relay to start pairing.
type Hello struct {
	DeviceID       string
	Name           string
	RegistrationID uint32
}

func (m *Hello) Marshal() []byte {
	b := appendString(nil, 1, m.DeviceID)
	b = appendString(b, 2, m.Name)
	return appendVarint(b, 3, uint64(m.RegistrationID))
}

func (m *Hello) Unmarshal(b []byte) error {
	*m = Hello{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.DeviceID = f.string()
			return expect(f, protowire.BytesType)
		case 2:
			m.Name = f.string()
			return expect(f, protowire.BytesType)
		case 3:
			m.RegistrationID = uint32(f.value)
			return expect(f, protowire.VarintType)
		}
		return nil
	})
}

// PairRef offers a pairing reference that stays valid for TTL.
type PairRef struct {
	Ref string
	TTL time.Duration
}

func (m *PairRef) Marshal() []byte {
	b := appendString(nil, 1, m.Ref)
	return appendVarint(b, 2, uint64(m.TTL/time.Millisecond))
}

func (m *PairRef) Unmarshal(b []byte) error {
	*m = PairRef{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.Ref = f.string()
			return expect(f, protowire.BytesType)
		case 2:
			m.TTL = time.Duration(f.value) * time.Millisecond
			return expect(f, protowire.VarintType)
		}
		return nil
	})
}

type PairSuccess struct {
	DeviceID string
	Name     string
}

func (m *PairSuccess) Marshal() []byte {
	b := appendString(nil, 1, m.DeviceID)
	return appendString(b, 2, m.Name)
}

func (m *PairSuccess) Unmarshal(b []byte) error {
	*m = PairSuccess{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.DeviceID = f.string()
		case 2:
			m.Name = f.string()
		default:
			return nil
		}
		return expect(f, protowire.BytesType)
	})
}

type Ready struct {
	DeviceID string
}

func (m *Ready) Marshal() []byte {
	return appendString(nil, 1, m.DeviceID)
}

func (m *Ready) Unmarshal(b []byte) error {
	*m = Ready{}
	return walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		m.DeviceID = f.string()
		return expect(f, protowire.BytesType)
	})
}

// Message is a text message between devices.
type Message struct {
	ID           string
	From         string
	To           string
	Conversation string
	Timestamp    time.Time
}

func (m *Message) Marshal() []byte {
	b := appendString(nil, 1, m.ID)
	b = appendString(b, 2, m.From)
	b = appendString(b, 3, m.To)
	b = appendString(b, 4, m.Conversation)
	return appendTime(b, 5, m.Timestamp)
}

func (m *Message) Unmarshal(b []byte) error {
	*m = Message{}
	return walk(b, func(f field) error {
		if f.num < 1 || f.num > 5 {
			return nil
		}
		if err := expect(f, protowire.BytesType); err != nil {
			return err
		}
		switch f.num {
		case 1:
			m.ID = f.string()
		case 2:
			m.From = f.string()
		case 3:
			m.To = f.string()
		case 4:
			m.Conversation = f.string()
		case 5:
			ts, err := parseTime(f)
			if err != nil {
				return err
			}
			m.Timestamp = ts
		}
		return nil
	})
}

// Close announces why the sender is about to drop the connection.
type Close struct {
	Code   uint32
	Reason string
}

func (m *Close) Marshal() []byte {
	b := appendVarint(nil, 1, uint64(m.Code))
	return appendString(b, 2, m.Reason)
}

func (m *Close) Unmarshal(b []byte) error {
	*m = Close{}
	return walk(b, func(f field) error {
		switch f.num {
		case 1:
			m.Code = uint32(f.value)
			return expect(f, protowire.VarintType)
		case 2:
			m.Reason = f.string()
			return expect(f, protowire.BytesType)
		}
		return nil
	})
}

// Empty is the payload of frames that carry no data, such as pings.
type Empty struct{}

func (Empty) Marshal() []byte { return nil }

func (*Empty) Unmarshal([]byte) error { return nil }
