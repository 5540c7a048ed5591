package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"msgate/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresSchema string

// pgxDB is the subset of *pgxpool.Pool the store uses.
type pgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

type pgStore struct {
	db  pgxDB
	log logx.Logger
}

func newPGStore(db pgxDB, log logx.Logger) *pgStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &pgStore{db: db, log: log}
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return newPGStore(pool, log), nil
}

func (s *pgStore) Close() error {
	s.db.Close()
	return nil
}

func (s *pgStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *pgStore) AppendInteraction(ctx context.Context, it Interaction) error {
	if it.At.IsZero() {
		it.At = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO interactions(at, client_id, message_id, network_id, recipient, template, body, channel, direction)
		VALUES($1,$2,$3,NULLIF($4,''),$5,NULLIF($6,''),$7,$8,$9)
	`, it.At, it.ClientID, it.MessageID, it.NetworkID, it.Recipient, it.Template, it.Body, it.Channel, it.Direction)
	return err
}

func (s *pgStore) GetClientProfile(ctx context.Context, id string) (ClientProfile, error) {
	var (
		p     ClientProfile
		attrs []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, name, COALESCE(email,''), COALESCE(phone,''), COALESCE(target_country,''),
		       COALESCE(visa_type,''), attributes, updated_at
		FROM client_profiles WHERE id=$1
	`, id).Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.TargetCountry, &p.VisaType, &attrs, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ClientProfile{}, ErrNotFound
	}
	if err != nil {
		return ClientProfile{}, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
			s.log.Warn("client profile attributes unreadable", logx.String("client_id", id), logx.Err(err))
		}
	}
	return p, nil
}

func (s *pgStore) PutClientProfile(ctx context.Context, p ClientProfile) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("client profile id is required")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	var attrs []byte
	if len(p.Attributes) > 0 {
		b, err := json.Marshal(p.Attributes)
		if err != nil {
			return err
		}
		attrs = b
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO client_profiles(id, name, email, phone, target_country, visa_type, attributes, updated_at)
		VALUES($1,$2,NULLIF($3,''),NULLIF($4,''),NULLIF($5,''),NULLIF($6,''),$7,$8)
		ON CONFLICT(id) DO UPDATE SET name=EXCLUDED.name, email=EXCLUDED.email, phone=EXCLUDED.phone,
		  target_country=EXCLUDED.target_country, visa_type=EXCLUDED.visa_type,
		  attributes=EXCLUDED.attributes, updated_at=EXCLUDED.updated_at
	`, p.ID, p.Name, p.Email, p.Phone, p.TargetCountry, p.VisaType, attrs, p.UpdatedAt)
	return err
}

func (s *pgStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO dedup(key, until) VALUES($1,$2)
		ON CONFLICT(key) DO UPDATE SET until=EXCLUDED.until
	`, key, until.UnixMilli())
	return err
}

func (s *pgStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRow(ctx, `SELECT until FROM dedup WHERE key=$1`, key).Scan(&ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}
