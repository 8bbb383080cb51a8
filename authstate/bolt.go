package authstate

import (
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	credsBucket = []byte("creds")
	keysBucket  = []byte("keys")
	credsKey    = []byte("creds")
)

// Bolt keeps the auth state in a single bbolt database. Keys live in one
// nested bucket per kind.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{credsBucket, keysBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) ReadCreds(context.Context) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(credsBucket).Get(credsKey)
		if v == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (b *Bolt) WriteCreds(_ context.Context, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(credsBucket).Put(credsKey, data)
	})
}

func (b *Bolt) GetKeys(
	_ context.Context, kind string, ids ...string,
) (map[string][]byte, error) {
	found := make(map[string][]byte, len(ids))
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(keysBucket).Bucket([]byte(kind))
		if bucket == nil {
			return nil
		}
		for _, id := range ids {
			if v := bucket.Get([]byte(id)); v != nil {
				found[id] = append([]byte(nil), v...)
			}
		}
		return nil
	})
	return found, err
}

func (b *Bolt) SetKeys(_ context.Context, kind string, values map[string][]byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(keysBucket).CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", kind, err)
		}
		for id, value := range values {
			if value == nil {
				err = bucket.Delete([]byte(id))
			} else {
				err = bucket.Put([]byte(id), value)
			}
			if err != nil {
				return fmt.Errorf("storing %s %s: %w", kind, id, err)
			}
		}
		return nil
	})
}

func (b *Bolt) Clear(context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{credsBucket, keysBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("deleting bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
