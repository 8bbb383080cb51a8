// Package sign describes the long-term identity a peer signs its traffic with.
package sign

// Identity is implemented by every key type a peer can introduce itself with.
type Identity interface {
	MarshalPublicKey() []byte
	Sign(msg []byte) ([]byte, error)
}
