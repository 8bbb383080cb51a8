package authstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hossein1376/hark/enigma"
	"github.com/hossein1376/hark/internal/attest"
)

var (
	ErrPassphraseRequired = errors.New("authstate: creds are sealed, passphrase required")
	ErrWrongPassphrase    = errors.New("authstate: passphrase does not open creds")
)

// SaveFunc persists the current creds.
type SaveFunc func(ctx context.Context) error

type Option func(*State)

// WithPassphrase seals the creds with passphrase before they reach the store.
func WithPassphrase(passphrase string) Option {
	return func(s *State) {
		if passphrase != "" {
			s.passphrase = []byte(passphrase)
		}
	}
}

// State is the loaded auth state of one device.
type State struct {
	store      Store
	passphrase []byte

	mu       sync.RWMutex
	creds    *Creds
	identity *attest.Attest
}

// sealedCreds is what lands in the store when a passphrase is set.
type sealedCreds struct {
	Sealed []byte `json:"sealed"`
}

// EndpointKey is a relay key recorded on first use.
type EndpointKey struct {
	PublicKey []byte    `json:"public_key"`
	FirstSeen time.Time `json:"first_seen"`
}

// Use loads the creds held by store, creating and saving fresh ones when
// there are none.
func Use(ctx context.Context, store Store, opts ...Option) (*State, SaveFunc, error) {
	s := &State{store: store}
	for _, opt := range opts {
		opt(s)
	}

	fresh := false
	creds, err := s.load(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		if creds, err = NewCreds(); err != nil {
			return nil, nil, err
		}
		fresh = true
	default:
		return nil, nil, err
	}
	id, err := creds.Identity()
	if err != nil {
		return nil, nil, fmt.Errorf("parsing identity key: %w", err)
	}
	s.creds, s.identity = creds, id

	if fresh {
		if err := s.save(ctx); err != nil {
			return nil, nil, err
		}
	}
	return s, s.save, nil
}

// Creds returns a copy of the current creds.
func (s *State) Creds() *Creds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.clone()
}

// Update changes the creds in memory. Call the SaveFunc to persist them.
func (s *State) Update(fn func(c *Creds)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.creds)
}

func (s *State) Identity() *attest.Attest {
	return s.identity
}

func (s *State) Store() Store {
	return s.store
}

// EndpointKey returns the key trusted for addr, or nil if there is none.
func (s *State) EndpointKey(ctx context.Context, addr string) (*EndpointKey, error) {
	keys, err := s.store.GetKeys(ctx, KindEndpointKey, addr)
	if err != nil {
		return nil, fmt.Errorf("reading endpoint key: %w", err)
	}
	data, ok := keys[addr]
	if !ok {
		return nil, nil
	}
	var key EndpointKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("decoding endpoint key: %w", err)
	}
	return &key, nil
}

// TrustEndpoint records key as the one addr must present from now on.
func (s *State) TrustEndpoint(ctx context.Context, addr string, key *attest.PublicKey) error {
	data, err := json.Marshal(EndpointKey{
		PublicKey: key.Marshal(),
		FirstSeen: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding endpoint key: %w", err)
	}
	return s.store.SetKeys(ctx, KindEndpointKey, map[string][]byte{addr: data})
}

func (s *State) load(ctx context.Context) (*Creds, error) {
	data, err := s.store.ReadCreds(ctx)
	if err != nil {
		return nil, err
	}
	var sealed sealedCreds
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("decoding creds: %w", err)
	}
	if sealed.Sealed != nil {
		if s.passphrase == nil {
			return nil, ErrPassphraseRequired
		}
		if data, err = enigma.Open(s.passphrase, sealed.Sealed); err != nil {
			return nil, ErrWrongPassphrase
		}
	}

	var creds Creds
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("decoding creds: %w", err)
	}
	return &creds, nil
}

func (s *State) save(ctx context.Context) error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.creds, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encoding creds: %w", err)
	}
	if s.passphrase != nil {
		sealed, err := enigma.Seal(s.passphrase, data)
		if err != nil {
			return fmt.Errorf("sealing creds: %w", err)
		}
		if data, err = json.Marshal(sealedCreds{Sealed: sealed}); err != nil {
			return fmt.Errorf("encoding sealed creds: %w", err)
		}
	}
	if err := s.store.WriteCreds(ctx, data); err != nil {
		return fmt.Errorf("writing creds: %w", err)
	}
	return nil
}
