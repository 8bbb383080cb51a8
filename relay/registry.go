package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	ErrUnknownDevice = errors.New("relay: unknown device")

	devicesBucket = []byte("devices")
)

// Device is a paired device as the relay remembers it.
type Device struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	PublicKey      []byte    `json:"public_key"`
	RegistrationID uint32    `json:"registration_id"`
	PairedAt       time.Time `json:"paired_at"`
	LastSeen       time.Time `json:"last_seen,omitzero"`
}

// Registry stores paired devices in bbolt, keyed by device ID.
type Registry struct {
	db *bolt.DB
}

func OpenRegistry(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(devicesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating devices bucket: %w", err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Get(id string) (Device, error) {
	var d Device
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(devicesBucket).Get([]byte(id))
		if data == nil {
			return ErrUnknownDevice
		}
		return json.Unmarshal(data, &d)
	})
	return d, err
}

func (r *Registry) Put(d Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding device: %w", err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(devicesBucket).Put([]byte(d.ID), data)
	})
}

// Touch sets the device's LastSeen to t.
func (r *Registry) Touch(id string, t time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(devicesBucket)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrUnknownDevice
		}
		var d Device
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		d.LastSeen = t
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func (r *Registry) Delete(id string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(devicesBucket)
		if b.Get([]byte(id)) == nil {
			return ErrUnknownDevice
		}
		return b.Delete([]byte(id))
	})
}

// List returns every device, oldest pairing first.
func (r *Registry) List() ([]Device, error) {
	var devices []Device
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(devicesBucket).ForEach(func(_, v []byte) error {
			var d Device
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			devices = append(devices, d)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	slices.SortFunc(devices, func(a, b Device) int {
		if c := a.PairedAt.Compare(b.PairedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return devices, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}
