package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the history database inside the data directory.
	DefaultDBFileName = "links.db"
	// DefaultWALCheckpointInterval is how often the write-ahead log is folded
	// back into the database file.
	DefaultWALCheckpointInterval = 24 * time.Hour

	busyTimeoutMillis = 5000
	setupTimeout      = 30 * time.Second
)

// migrations[i] upgrades a schema at user_version i to i+1.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS message_records (
  message_id TEXT PRIMARY KEY,
  peer_id    TEXT NOT NULL,
  timestamp  INTEGER NOT NULL,
  kind       TEXT NOT NULL CHECK(kind IN ('text','image-hash')),
  content    TEXT NOT NULL,
  origin     TEXT NOT NULL CHECK(origin IN ('local','remote'))
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_message_records_peer_time
ON message_records (peer_id, timestamp DESC, message_id);
`,
}

// Store persists message history records.
type Store struct {
	db *sql.DB

	stopCheckpoints context.CancelFunc
	checkpoints     sync.WaitGroup
	closeOnce       sync.Once
	closeErr        error
}

// Open returns the store kept in dataDir, creating the directory and the
// database file when missing. It also returns the database path.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	path := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(path)
	if err != nil {
		return nil, "", err
	}
	return store, path, nil
}

// OpenPath opens the database at path and brings its schema up to date.
func OpenPath(path string) (*Store, error) {
	query := url.Values{}
	query.Set("_busy_timeout", fmt.Sprint(busyTimeoutMillis))
	query.Set("_journal_mode", "WAL")
	dsn := "file:" + filepath.ToSlash(path) + "?" + query.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database %s: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()
	if err := prepare(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare history database %s: %w", path, err)
	}

	checkpointCtx, stop := context.WithCancel(context.Background())
	store := &Store{db: db, stopCheckpoints: stop}
	store.checkpoints.Add(1)
	go func() {
		defer store.checkpoints.Done()
		store.checkpointEvery(checkpointCtx, DefaultWALCheckpointInterval)
	}()
	return store, nil
}

func prepare(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode;").Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("journal mode is %q, want wal", mode)
	}
	if err := migrate(ctx, db); err != nil {
		return err
	}
	return checkpoint(ctx, db)
}

// migrate applies every migration above the recorded user_version, each in
// its own transaction together with the version bump.
func migrate(ctx context.Context, db *sql.DB) error {
	var current int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for next := current; next < len(migrations); next++ {
		if err := upgrade(ctx, db, next); err != nil {
			return fmt.Errorf("schema version %d: %w", next+1, err)
		}
	}
	return nil
}

func upgrade(ctx context.Context, db *sql.DB, from int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, migrations[from]); err != nil {
		return err
	}
	// PRAGMA does not take bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", from+1)); err != nil {
		return err
	}
	return tx.Commit()
}

func checkpoint(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("truncate write-ahead log: %w", err)
	}
	return nil
}

func (s *Store) checkpointEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = checkpoint(ctx, s.db)
		}
	}
}

// Close stops the checkpoint loop and closes the database. Later calls
// return the first result.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if s.stopCheckpoints != nil {
			s.stopCheckpoints()
		}
		s.checkpoints.Wait()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}
