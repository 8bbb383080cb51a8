package authstate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hossein1376/hark/internal/cmap"
)

const credsFile = "creds.json"

// Dir keeps one JSON file per item inside a folder.
type Dir struct {
	path  string
	locks *cmap.ConcurrentMap[string, *sync.Mutex]
}

// OpenDir uses path as the session folder, creating it if needed.
func OpenDir(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	return &Dir{path: path, locks: cmap.New[string, *sync.Mutex]()}, nil
}

func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) ReadCreds(context.Context) ([]byte, error) {
	data, err := d.read(credsFile)
	if err != nil {
		return nil, fmt.Errorf("reading creds: %w", err)
	}
	return data, nil
}

func (d *Dir) WriteCreds(_ context.Context, data []byte) error {
	return d.write(credsFile, data)
}

func (d *Dir) GetKeys(
	_ context.Context, kind string, ids ...string,
) (map[string][]byte, error) {
	found := make(map[string][]byte, len(ids))
	for _, id := range ids {
		data, err := d.read(keyFile(kind, id))
		switch {
		case err == nil:
			found[id] = data
		case errors.Is(err, ErrNotFound):
		default:
			return nil, fmt.Errorf("reading %s %s: %w", kind, id, err)
		}
	}
	return found, nil
}

func (d *Dir) SetKeys(_ context.Context, kind string, values map[string][]byte) error {
	for id, value := range values {
		name := keyFile(kind, id)
		var err error
		if value == nil {
			err = d.remove(name)
		} else {
			err = d.write(name, value)
		}
		if err != nil {
			return fmt.Errorf("storing %s %s: %w", kind, id, err)
		}
	}
	return nil
}

func (d *Dir) Clear(context.Context) error {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("listing session dir: %w", err)
	}
	for _, entry := range entries {
		if err := d.remove(entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dir) Close() error {
	return nil
}

func (d *Dir) read(name string) ([]byte, error) {
	mu := d.lock(name)
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(filepath.Join(d.path, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (d *Dir) write(name string, data []byte) error {
	mu := d.lock(name)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(d.path, 0700); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	tmp, err := os.CreateTemp(d.path, "."+name+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.path, name)); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func (d *Dir) remove(name string) error {
	mu := d.lock(name)
	mu.Lock()
	defer mu.Unlock()

	err := os.RemoveAll(filepath.Join(d.path, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}

func (d *Dir) lock(name string) *sync.Mutex {
	return d.locks.GetOrAdd(name, func() *sync.Mutex { return new(sync.Mutex) })
}

var fileNameReplacer = strings.NewReplacer("/", "__", ":", "-")

func keyFile(kind, id string) string {
	return fileNameReplacer.Replace(kind+"-"+id) + ".json"
}
