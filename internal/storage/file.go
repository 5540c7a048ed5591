package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"msgate/pkg/logx"
)

// fileStore keeps everything in plain files next to Path:
//   - <prefix>.interactions.jsonl  (append-only)
//   - <prefix>.profiles.json       (whole-map snapshot, rewritten on put)
//   - <prefix>.dedup.snapshot.json + <prefix>.dedup.journal.jsonl
//
// The dedup journal is compacted into the snapshot every 1000 writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	interactions *os.File

	profilesPath string
	profiles     map[string]ClientProfile

	dedupSnapshotPath string
	dedupJournal      *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	inf, err := os.OpenFile(prefix+".interactions.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	profiles := map[string]ClientProfile{}
	if err := readJSON(prefix+".profiles.json", &profiles); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("profiles snapshot unreadable; starting empty", logx.Err(err))
		profiles = map[string]ClientProfile{}
	}

	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"
	dedup := map[string]int64{}
	_ = readJSON(snapPath, &dedup)
	_ = replayDedupJournal(journalPath, dedup)
	pruneExpiredDedup(dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = inf.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		interactions:      inf,
		profilesPath:      prefix + ".profiles.json",
		profiles:          profiles,
		dedupSnapshotPath: snapPath,
		dedupJournal:      jf,
		dedup:             dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.interactions != nil {
		errs = append(errs, s.interactions.Close())
		s.interactions = nil
	}
	if s.dedupJournal != nil {
		errs = append(errs, s.dedupJournal.Close())
		s.dedupJournal = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interactions == nil {
		return errors.New("file store closed")
	}
	return nil
}

func (s *fileStore) AppendInteraction(_ context.Context, it Interaction) error {
	if it.At.IsZero() {
		it.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interactions == nil {
		return errors.New("interaction log closed")
	}
	return json.NewEncoder(s.interactions).Encode(it)
}

func (s *fileStore) GetClientProfile(_ context.Context, id string) (ClientProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[strings.TrimSpace(id)]
	if !ok {
		return ClientProfile{}, ErrNotFound
	}
	return p, nil
}

func (s *fileStore) PutClientProfile(_ context.Context, p ClientProfile) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return errors.New("client profile id is required")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return writeJSONAtomic(s.profilesPath, s.profiles)
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournal == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms
	if err := json.NewEncoder(s.dedupJournal).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)
	if err := writeJSONAtomic(s.dedupSnapshotPath, s.dedup); err != nil {
		return err
	}
	if err := s.dedupJournal.Truncate(0); err != nil {
		return err
	}
	_, err := s.dedupJournal.Seek(0, 2)
	return err
}

func readJSON(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
