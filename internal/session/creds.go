package session

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"msgate/internal/transport"
)

const shardExt = ".cred"

// CredStore persists opaque credential shards between restarts.
type CredStore interface {
	Load() (transport.Credentials, error)
	Save(shard string, data []byte) error
	Wipe() error
}

// DirStore keeps one file per shard in a directory. Writes go through a temp
// file and rename so a crash never leaves a torn shard behind.
type DirStore struct {
	dir string
	mu  sync.Mutex
}

func NewDirStore(dir string) *DirStore {
	if strings.TrimSpace(dir) == "" {
		dir = "./data/session"
	}
	return &DirStore{dir: dir}
}

func (s *DirStore) Dir() string { return s.dir }

func (s *DirStore) Load() (transport.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials dir: %w", err)
	}
	out := transport.Credentials{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, shardExt) {
			continue
		}
		shard, err := url.PathUnescape(strings.TrimSuffix(name, shardExt))
		if err != nil {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read shard %q: %w", shard, err)
		}
		out[shard] = b
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (s *DirStore) Save(shard string, data []byte) error {
	if shard == "" {
		return errors.New("empty shard name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".shard-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	final := filepath.Join(s.dir, url.PathEscape(shard)+shardExt)
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("commit shard %q: %w", shard, err)
	}
	return nil
}

// Wipe removes every shard. The directory itself is kept.
func (s *DirStore) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
