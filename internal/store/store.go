// Package store persists EntryRecords in SQLite, keyed by
// (directory, relative path).
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/synche-io/synche/internal/db"
	"github.com/synche-io/synche/internal/vclock"
)

var ErrStoreUnavailable = errors.New("metadata store unavailable")

const schema = `
CREATE TABLE IF NOT EXISTS entries (
    dir TEXT NOT NULL,
    path TEXT NOT NULL,
    kind TEXT NOT NULL,
    version TEXT NOT NULL,
    hash TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL DEFAULT 0,
    tombstone INTEGER NOT NULL DEFAULT 0,
    modified_ns INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (dir, path)
);

CREATE INDEX IF NOT EXISTS idx_entries_dir ON entries(dir);
`

// dbEntry mirrors the entries table; version is stored as canonical JSON.
type dbEntry struct {
	Dir        string `db:"dir"`
	Path       string `db:"path"`
	Kind       string `db:"kind"`
	Version    string `db:"version"`
	Hash       string `db:"hash"`
	Size       int64  `db:"size"`
	Tombstone  bool   `db:"tombstone"`
	ModifiedNs int64  `db:"modified_ns"`
}

// Store is the durable entry metadata map. A put returns only after the row
// is durable, so announces referencing the version may follow it.
type Store struct {
	db     *sqlx.DB
	dbPath string
}

func New(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

func (s *Store) Open() error {
	if s.db != nil {
		return fmt.Errorf("store already open")
	}

	conn, err := db.NewSqliteDB(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return fmt.Errorf("initialize store schema: %w", err)
	}

	s.db = conn
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		slog.Error("failed to close metadata store", "error", err)
		return err
	}
	slog.Debug("metadata store closed")
	return nil
}

// Get returns the record for key, nil if absent.
func (s *Store) Get(key Key) (*EntryRecord, error) {
	var row dbEntry
	err := s.db.Get(&row, "SELECT dir, path, kind, version, hash, size, tombstone, modified_ns FROM entries WHERE dir = ? AND path = ?", key.Dir, key.Path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get %s/%s: %v", ErrStoreUnavailable, key.Dir, key.Path, err)
	}
	return fromRow(&row)
}

// Set inserts or replaces the record. Durable on return (WAL + txlock).
func (s *Store) Set(rec *EntryRecord) error {
	if rec == nil {
		return fmt.Errorf("cannot set nil record")
	}

	row, err := toRow(rec)
	if err != nil {
		return err
	}

	query := `INSERT OR REPLACE INTO entries (dir, path, kind, version, hash, size, tombstone, modified_ns)
	          VALUES (:dir, :path, :kind, :version, :hash, :size, :tombstone, :modified_ns)`
	if _, err := s.db.NamedExec(query, row); err != nil {
		return fmt.Errorf("%w: set %s/%s: %v", ErrStoreUnavailable, rec.Dir, rec.Path, err)
	}
	return nil
}

// Delete removes the row entirely. Deletion propagation uses tombstones, so
// this is only for administrative cleanup.
func (s *Store) Delete(key Key) error {
	if _, err := s.db.Exec("DELETE FROM entries WHERE dir = ? AND path = ?", key.Dir, key.Path); err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", ErrStoreUnavailable, key.Dir, key.Path, err)
	}
	return nil
}

// ListDir returns every record in a sync directory, tombstones included.
func (s *Store) ListDir(dir string) ([]*EntryRecord, error) {
	var rows []dbEntry
	err := s.db.Select(&rows, "SELECT dir, path, kind, version, hash, size, tombstone, modified_ns FROM entries WHERE dir = ? ORDER BY path", dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrStoreUnavailable, dir, err)
	}
	return fromRows(rows)
}

// List returns every record in the store.
func (s *Store) List() ([]*EntryRecord, error) {
	var rows []dbEntry
	err := s.db.Select(&rows, "SELECT dir, path, kind, version, hash, size, tombstone, modified_ns FROM entries ORDER BY dir, path")
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStoreUnavailable, err)
	}
	return fromRows(rows)
}

// Count returns the number of records, tombstones included.
func (s *Store) Count() (int, error) {
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM entries"); err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

func toRow(rec *EntryRecord) (*dbEntry, error) {
	version, err := json.Marshal(rec.Version.Clone())
	if err != nil {
		return nil, fmt.Errorf("encode version for %s/%s: %w", rec.Dir, rec.Path, err)
	}
	return &dbEntry{
		Dir:        rec.Dir,
		Path:       rec.Path,
		Kind:       string(rec.Kind),
		Version:    string(version),
		Hash:       rec.Hash,
		Size:       rec.Size,
		Tombstone:  rec.Tombstone,
		ModifiedNs: rec.ModifiedNs,
	}, nil
}

func fromRow(row *dbEntry) (*EntryRecord, error) {
	version := vclock.New()
	if err := json.Unmarshal([]byte(row.Version), &version); err != nil {
		return nil, fmt.Errorf("decode version for %s/%s: %w", row.Dir, row.Path, err)
	}
	return &EntryRecord{
		Dir:        row.Dir,
		Path:       row.Path,
		Kind:       EntryKind(row.Kind),
		Version:    version,
		Hash:       row.Hash,
		Size:       row.Size,
		Tombstone:  row.Tombstone,
		ModifiedNs: row.ModifiedNs,
	}, nil
}

func fromRows(rows []dbEntry) ([]*EntryRecord, error) {
	out := make([]*EntryRecord, 0, len(rows))
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			slog.Error("skipping corrupt store row", "dir", rows[i].Dir, "path", rows[i].Path, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
