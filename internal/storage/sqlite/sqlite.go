// Package sqlite is the default, zero-config storage backend: a single database file
// under the data directory, opened through the pure-Go glebarez/sqlite driver.
//
// It shares models and repositories with the PostgreSQL backend. SQLite allows one
// writer at a time, so the pool holds a single connection and busy_timeout absorbs
// contention from concurrent olav processes (a batch run next to `olav serve`).
package sqlite

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/olav/internal/storage"
	pgstore "github.com/jkaninda/olav/internal/storage/postgres"
)

// busyTimeout is how long a writer waits for the file lock, in milliseconds.
const busyTimeout = 5000

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // "wal" when empty.
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	pgstore.Repositories
	db   *gorm.DB
	path string
}

var journalModes = map[string]bool{"wal": true, "delete": true, "truncate": true, "persist": true, "memory": true, "off": true}

// Open creates the database file if needed. Call Migrate before first use.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	mode := strings.ToLower(cfg.JournalMode)
	if mode == "" {
		mode = "wal"
	}
	if !journalModes[mode] {
		return nil, fmt.Errorf("sqlite journal_mode %q is not supported", cfg.JournalMode)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", mode))
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout))
	q.Add("_pragma", "foreign_keys(ON)")
	db, err := gorm.Open(sqlite.Open(cfg.Path+"?"+q.Encode()), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", cfg.Path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	slogger.Debug("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", mode))
	return &Store{Repositories: pgstore.NewRepositories(db), db: db, path: cfg.Path}, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string { return storage.DriverSQLite }

var _ storage.Store = (*Store)(nil)
