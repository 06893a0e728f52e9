// Package store implements durable per-channel persistence of
// messages, connector messages, content rows, attachments, and
// statistics, over sqlite or postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib" // Import for register side-effects.
	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/meridian-hie/meridian/go/message"
)

// ErrConflict marks a write lost to a concurrent writer on a unique
// constraint, such as two servers racing to store the same channel name.
var ErrConflict = errors.New("store: conflicting write")

// isUniqueViolation reports whether err is a unique constraint failure
// from either backing driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// Mode controls schema handling at open.
type Mode string

const (
	// ModeStandalone creates and seeds the schema.
	ModeStandalone Mode = "standalone"
	// ModeTakeover verifies an existing schema and refuses to create one.
	ModeTakeover Mode = "takeover"
	// ModeAuto creates the schema only where it's missing.
	ModeAuto Mode = "auto"
)

// Config selects and configures the backing database.
type Config struct {
	// Driver is "sqlite3" or "pgx".
	Driver string
	// DSN is the driver-specific connection string.
	DSN  string
	Mode Mode
	// EncryptionKey enables content encryption when non-empty.
	EncryptionKey string
}

const contentCacheSize = 1024

type contentKey struct {
	channelID   string
	messageID   int64
	metaDataID  int
	contentType message.ContentType
}

// Store is the durable message store shared by all channels of the
// process. Per-channel data lives in physical tables suffixed with the
// channel's local ID, mirroring the d_m<id> layout.
type Store struct {
	db     *sql.DB
	driver string
	codec  *message.Codec

	cache *lru.Cache[contentKey, string]

	mu    sync.Mutex
	local map[string]int64 // channel ID → local channel ID

	seqMu sync.Mutex // serializes message ID allocation
}

// Open connects, verifies or creates the global schema per cfg.Mode,
// and loads the channel → local-ID mapping.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	codec, err := message.NewCodec(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"driver": cfg.Driver, "mode": cfg.Mode}).Info("opening message store")

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if cfg.Driver == "sqlite3" {
		// A single writer connection avoids sqlite's raced-open and
		// SQLITE_BUSY behaviors under concurrent channel workers.
		db.SetMaxOpenConns(1)
	}

	cache, err := lru.New[contentKey, string](contentCacheSize)
	if err != nil {
		return nil, err
	}

	var s = &Store{
		db:     db,
		driver: cfg.Driver,
		codec:  codec,
		cache:  cache,
		local:  map[string]int64{},
	}

	switch cfg.Mode {
	case ModeStandalone:
		if err = s.createGlobalSchema(ctx); err != nil {
			return nil, err
		}
	case ModeTakeover:
		if err = s.verifyGlobalSchema(ctx); err != nil {
			return nil, err
		}
	case ModeAuto:
		if err = s.verifyGlobalSchema(ctx); err != nil {
			if err = s.createGlobalSchema(ctx); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("unknown store mode %q", cfg.Mode)
	}

	if err = s.loadLocalIDs(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for collaborators (heartbeat,
// configuration map) that share the global schema.
func (s *Store) DB() *sql.DB { return s.db }

// Codec returns the store's content codec.
func (s *Store) Codec() *message.Codec { return s.codec }

// rebind converts `?` placeholders to the postgres `$n` form when needed.
func (s *Store) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	var n int
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

var globalTables = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		revision INTEGER NOT NULL,
		channel TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS d_channels (
		local_channel_id INTEGER PRIMARY KEY,
		channel_id TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS configuration (
		category TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT,
		PRIMARY KEY (category, name)
	)`,
	`CREATE TABLE IF NOT EXISTS code_templates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		revision INTEGER NOT NULL,
		template TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		alert TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS servers (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		last_heartbeat TIMESTAMP NOT NULL
	)`,
}

func (s *Store) createGlobalSchema(ctx context.Context) error {
	for _, stmt := range globalTables {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating global schema: %w", err)
		}
	}
	return nil
}

func (s *Store) verifyGlobalSchema(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM d_channels`).Scan(&one); err != nil {
		return fmt.Errorf("verifying schema: %w", err)
	}
	return nil
}

func (s *Store) loadLocalIDs(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id, local_channel_id FROM d_channels`)
	if err != nil {
		return fmt.Errorf("loading channel mapping: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var local int64
		if err = rows.Scan(&id, &local); err != nil {
			return err
		}
		s.local[id] = local
	}
	return rows.Err()
}

// localID returns the local channel ID of `channelID`, which must have
// been registered via RegisterChannel.
func (s *Store) localID(channelID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var local, ok = s.local[channelID]
	if !ok {
		return 0, fmt.Errorf("channel %s has no registered message tables", channelID)
	}
	return local, nil
}

// RegisterChannel assigns a local ID and creates the channel's message
// tables if they do not yet exist. It is idempotent and is called at
// channel deploy.
func (s *Store) RegisterChannel(ctx context.Context, channelID string) error {
	s.mu.Lock()
	var local, ok = s.local[channelID]
	s.mu.Unlock()

	if !ok {
		for attempt := 0; ; attempt++ {
			var row = s.queryRow(ctx, `SELECT COALESCE(MAX(local_channel_id), 0) + 1 FROM d_channels`)
			if err := row.Scan(&local); err != nil {
				return fmt.Errorf("allocating local channel ID: %w", err)
			}
			var _, err = s.exec(ctx,
				`INSERT INTO d_channels (local_channel_id, channel_id) VALUES (?, ?)`,
				local, channelID)
			if err == nil {
				break
			}
			if !isUniqueViolation(err) || attempt == 3 {
				return fmt.Errorf("registering channel: %w", err)
			}
			// Another server either took this local ID or registered the
			// same channel. Adopt an existing mapping when present.
			var scanErr = s.queryRow(ctx,
				`SELECT local_channel_id FROM d_channels WHERE channel_id = ?`, channelID).Scan(&local)
			if scanErr == nil {
				break
			} else if scanErr != sql.ErrNoRows {
				return fmt.Errorf("reloading channel mapping: %w", scanErr)
			}
		}
		s.mu.Lock()
		s.local[channelID] = local
		s.mu.Unlock()
	}

	var n = strconv.FormatInt(local, 10)
	var stmts = []string{
		`CREATE TABLE IF NOT EXISTS d_m` + n + ` (
			message_id INTEGER PRIMARY KEY,
			server_id TEXT NOT NULL,
			received_date TIMESTAMP NOT NULL,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			import_id INTEGER,
			import_channel_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS d_mm` + n + ` (
			message_id INTEGER NOT NULL,
			metadata_id INTEGER NOT NULL,
			connector_name TEXT NOT NULL DEFAULT '',
			server_id TEXT NOT NULL DEFAULT '',
			received_date TIMESTAMP,
			status TEXT NOT NULL,
			send_attempts INTEGER NOT NULL DEFAULT 0,
			send_date TIMESTAMP,
			response_date TIMESTAMP,
			error_code INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (message_id, metadata_id)
		)`,
		`CREATE TABLE IF NOT EXISTS d_mc` + n + ` (
			message_id INTEGER NOT NULL,
			metadata_id INTEGER NOT NULL,
			content_type INTEGER NOT NULL,
			content BLOB,
			is_compressed BOOLEAN NOT NULL DEFAULT FALSE,
			is_encrypted BOOLEAN NOT NULL DEFAULT FALSE,
			data_type TEXT,
			PRIMARY KEY (message_id, metadata_id, content_type)
		)`,
		`CREATE TABLE IF NOT EXISTS d_ma` + n + ` (
			message_id INTEGER NOT NULL,
			attachment_id TEXT NOT NULL,
			type TEXT,
			content BLOB,
			PRIMARY KEY (message_id, attachment_id)
		)`,
		`CREATE TABLE IF NOT EXISTS d_ms` + n + ` (
			metadata_id INTEGER PRIMARY KEY,
			received INTEGER NOT NULL DEFAULT 0,
			filtered INTEGER NOT NULL DEFAULT 0,
			transformed INTEGER NOT NULL DEFAULT 0,
			sent INTEGER NOT NULL DEFAULT 0,
			error INTEGER NOT NULL DEFAULT 0,
			queued INTEGER NOT NULL DEFAULT 0,
			lifetime_received INTEGER NOT NULL DEFAULT 0,
			lifetime_filtered INTEGER NOT NULL DEFAULT 0,
			lifetime_transformed INTEGER NOT NULL DEFAULT 0,
			lifetime_sent INTEGER NOT NULL DEFAULT 0,
			lifetime_error INTEGER NOT NULL DEFAULT 0,
			lifetime_queued INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS d_msq` + n + ` (
			id INTEGER PRIMARY KEY,
			next_id INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating channel tables: %w", err)
		}
	}
	if _, err := s.exec(ctx,
		`INSERT INTO d_msq`+n+` (id, next_id) SELECT 1, 1
		 WHERE NOT EXISTS (SELECT 1 FROM d_msq`+n+`)`); err != nil {
		return fmt.Errorf("seeding message sequence: %w", err)
	}
	return nil
}

// DropChannel truncates and drops the channel's message tables. Used by
// channel deletion.
func (s *Store) DropChannel(ctx context.Context, channelID string) error {
	local, err := s.localID(channelID)
	if err != nil {
		return nil // Never registered; nothing to drop.
	}
	var n = strconv.FormatInt(local, 10)
	for _, table := range []string{"d_m", "d_mm", "d_mc", "d_ma", "d_ms", "d_msq"} {
		if _, err = s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+table+n); err != nil {
			return fmt.Errorf("dropping %s%s: %w", table, n, err)
		}
	}
	if _, err = s.exec(ctx, `DELETE FROM d_channels WHERE channel_id = ?`, channelID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.local, channelID)
	s.mu.Unlock()
	return nil
}
