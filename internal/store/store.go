// Package store is the usage log for transitbot, backed by SQLite.
//
// Every write runs inside one transaction and is defensive: a storage fault
// is rolled back and logged, never returned. Callers on the conversation
// path must not be able to fail because the usage log is unavailable.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Store owns the SQLite database holding users and their usage records.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	dbPath string
}

// UserProfile carries the optional identity fields known at upsert time.
type UserProfile struct {
	PhoneNumber string
	Username    string
	FirstName   string
	LastName    string
}

// Open initializes the SQLite database at the given path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if !strings.HasPrefix(path, ":memory:") {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers; concurrent webhook goroutines queue
	// instead of hitting SQLITE_BUSY and losing their records.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("failed to set sqlite journal_mode=WAL", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logger.Debug("failed to set sqlite synchronous=NORMAL", zap.Error(err))
	}

	s := &Store{db: db, logger: logger, dbPath: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity TEXT NOT NULL UNIQUE,
		phone_number TEXT,
		username TEXT,
		first_name TEXT,
		last_name TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_seen_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_users_phone ON users(phone_number);

	CREATE TABLE IF NOT EXISTS interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		identity TEXT NOT NULL,
		message_text TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_identity ON interactions(identity);
	CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at);

	CREATE TABLE IF NOT EXISTS plate_lookups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		identity TEXT NOT NULL,
		plate TEXT NOT NULL,
		context TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_plate_lookups_identity ON plate_lookups(identity);
	CREATE INDEX IF NOT EXISTS idx_plate_lookups_plate ON plate_lookups(plate);

	CREATE TABLE IF NOT EXISTS address_searches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		identity TEXT NOT NULL,
		raw_query TEXT NOT NULL,
		context TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_address_searches_identity ON address_searches(identity);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back plus logging on any failure. It never returns an error: the uniform
// wrapper is the whole point, so a new write path cannot forget the
// rollback-and-swallow discipline.
func (s *Store) withTx(op string, fields []zap.Field, fn func(tx *sql.Tx) error) {
	fields = append(fields, zap.String("op", op))

	tx, err := s.db.Begin()
	if err != nil {
		s.logger.Error("storage session unavailable", append(fields, zap.Error(err))...)
		return
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		s.logger.Error("storage operation failed", append(fields, zap.Error(err))...)
		return
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("storage commit failed", append(fields, zap.Error(err))...)
	}
}

// ensureUser returns the row id for identity, creating the user if absent.
func ensureUser(tx *sql.Tx, identity string) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM users WHERE identity = ?`, identity).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	res, err := tx.Exec(`INSERT INTO users (identity) VALUES (?)`, identity)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpsertUser creates or refreshes the user row for identity. Empty profile
// fields do not overwrite previously stored values.
func (s *Store) UpsertUser(identity string, profile UserProfile) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return
	}

	s.withTx("upsert_user", []zap.Field{zap.String("identity", identity)}, func(tx *sql.Tx) error {
		id, err := ensureUser(tx, identity)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			UPDATE users SET
				phone_number = COALESCE(NULLIF(?, ''), phone_number),
				username     = COALESCE(NULLIF(?, ''), username),
				first_name   = COALESCE(NULLIF(?, ''), first_name),
				last_name    = COALESCE(NULLIF(?, ''), last_name),
				last_seen_at = ?
			WHERE id = ?`,
			profile.PhoneNumber, profile.Username, profile.FirstName, profile.LastName,
			time.Now().UTC(), id)
		return err
	})
}

// AppendInteraction records one conversational message for identity.
// Role is "user" for inbound messages and "assistant" for replies.
func (s *Store) AppendInteraction(identity, messageText, role string) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return
	}
	if role == "" {
		role = "user"
	}

	fields := []zap.Field{zap.String("identity", identity), zap.String("role", role)}
	s.withTx("append_interaction", fields, func(tx *sql.Tx) error {
		id, err := ensureUser(tx, identity)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO interactions (user_id, identity, message_text, role) VALUES (?, ?, ?, ?)`,
			id, identity, messageText, role)
		return err
	})
}

// AppendPlateLookup records a Simit plate lookup performed for identity.
func (s *Store) AppendPlateLookup(identity, plate, contextTag string) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return
	}
	plate = strings.ToUpper(strings.TrimSpace(plate))

	fields := []zap.Field{zap.String("identity", identity), zap.String("plate", plate)}
	s.withTx("append_plate_lookup", fields, func(tx *sql.Tx) error {
		id, err := ensureUser(tx, identity)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO plate_lookups (user_id, identity, plate, context) VALUES (?, ?, ?, ?)`,
			id, identity, plate, contextTag)
		return err
	})
}

// AppendAddressSearch records a geocode/route/nearby query performed for
// identity. The context tag names the originating tool flow.
func (s *Store) AppendAddressSearch(identity, rawQuery, contextTag string) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return
	}

	fields := []zap.Field{zap.String("identity", identity), zap.String("context", contextTag)}
	s.withTx("append_address_search", fields, func(tx *sql.Tx) error {
		id, err := ensureUser(tx, identity)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO address_searches (user_id, identity, raw_query, context) VALUES (?, ?, ?, ?)`,
			id, identity, rawQuery, contextTag)
		return err
	})
}

// UserExists reports whether a user row exists for identity.
func (s *Store) UserExists(identity string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM users WHERE identity = ?`, identity).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query user: %w", err)
	}
	return n > 0, nil
}

// InteractionCount returns the number of logged interactions for identity.
func (s *Store) InteractionCount(identity string) (int, error) {
	return s.countRows("interactions", identity)
}

// PlateLookupCount returns the number of plate lookups for identity.
func (s *Store) PlateLookupCount(identity string) (int, error) {
	return s.countRows("plate_lookups", identity)
}

// AddressSearchCount returns the number of address searches for identity.
func (s *Store) AddressSearchCount(identity string) (int, error) {
	return s.countRows("address_searches", identity)
}

func (s *Store) countRows(table, identity string) (int, error) {
	var n int
	err := s.db.QueryRow(
		fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE identity = ?`, table), identity,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
