package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"msgate/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log, pruneEvery: 500}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) AppendInteraction(ctx context.Context, it Interaction) error {
	if it.At.IsZero() {
		it.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions(at, client_id, message_id, network_id, recipient, template, body, channel, direction)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		it.At.UTC().Format(time.RFC3339Nano), it.ClientID, it.MessageID, nullStr(it.NetworkID),
		it.Recipient, nullStr(it.Template), it.Body, it.Channel, it.Direction,
	)
	return err
}

func (s *sqliteStore) GetClientProfile(ctx context.Context, id string) (ClientProfile, error) {
	var (
		p                                 ClientProfile
		email, phone, country, visa, attr sql.NullString
		updated                           string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, phone, target_country, visa_type, attributes, updated_at
		 FROM client_profiles WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &email, &phone, &country, &visa, &attr, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ClientProfile{}, ErrNotFound
	}
	if err != nil {
		return ClientProfile{}, err
	}
	p.Email, p.Phone, p.TargetCountry, p.VisaType = email.String, phone.String, country.String, visa.String
	if attr.Valid && attr.String != "" {
		if err := json.Unmarshal([]byte(attr.String), &p.Attributes); err != nil {
			s.log.Warn("client profile attributes unreadable", logx.String("client_id", id), logx.Err(err))
		}
	}
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return p, nil
}

func (s *sqliteStore) PutClientProfile(ctx context.Context, p ClientProfile) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("client profile id is required")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	attrs, err := marshalAttrs(p.Attributes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO client_profiles(id, name, email, phone, target_country, visa_type, attributes, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, phone=excluded.phone,
		   target_country=excluded.target_country, visa_type=excluded.visa_type,
		   attributes=excluded.attributes, updated_at=excluded.updated_at`,
		p.ID, p.Name, nullStr(p.Email), nullStr(p.Phone), nullStr(p.TargetCountry), nullStr(p.VisaType),
		attrs, p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func marshalAttrs(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
