// Package store is the device-side metadata store: it applies protocol
// operations (add/update/delete/sync a book, revive-or-create a shelf)
// atomically against a relational database, reconciling Calibre's flat
// lpath/uuid model with the device's normalized folders/files/books
// schema.
package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/inkbridge/calibre-device/internal/calibre"
)

//go:embed schema.sql
var schemaSQL string

// Storage card identifiers, per spec.md §3.
const (
	StorageInternal  = 1
	StorageRemovable = 2
)

// Store is the device's SQLite-backed metadata store (component C).
// The database file is opened once at construction and kept open for
// the process lifetime; per spec.md §5 each *operation* still runs
// inside its own transaction so no lock is held across network waits.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	books  string // base directory book files are stored under

	mu         sync.Mutex
	folderIDs  map[folderKey]int64
	profileID  int64
	haveProfID bool
}

type folderKey struct {
	storageID int
	path      string
}

// Open creates or opens the device database at path, configuring WAL
// mode and the pragmas spec.md §5 requires, then applies the embedded
// schema.
func Open(path string, booksDir string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w: %v", calibre.ErrStorage, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: exec pragma %q: %w: %v", pragma, calibre.ErrStorage, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: applying schema: %w: %v", calibre.ErrStorage, err)
	}

	return &Store{
		db:        db,
		logger:    logger,
		books:     booksDir,
		folderIDs: make(map[folderKey]int64),
	}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// BooksDir returns the base directory book files are stored under.
func (s *Store) BooksDir() string {
	return s.books
}

// Initialize invalidates the folder and profile-id caches, as required
// whenever the store attaches to a new session (spec.md §4.C).
func (s *Store) Initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folderIDs = make(map[folderKey]int64)
	s.haveProfID = false
}

// GetCurrentProfileId returns the id of the profile marked current,
// caching it until the next Initialize.
func (s *Store) GetCurrentProfileId() (int64, error) {
	s.mu.Lock()
	if s.haveProfID {
		id := s.profileID
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	var id int64
	err := s.db.QueryRow(`SELECT id FROM profiles WHERE is_current = 1 LIMIT 1`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: current profile: %w: %v", calibre.ErrStorage, err)
	}
	s.mu.Lock()
	s.profileID = id
	s.haveProfID = true
	s.mu.Unlock()
	return id, nil
}

// GetOrCreateFolder returns the id of the folder at (storageID, path),
// creating it lazily on first use. Folder ids are cached in-process
// until Initialize is called.
func (s *Store) GetOrCreateFolder(storageID int, path string) (int64, error) {
	key := folderKey{storageID, path}
	s.mu.Lock()
	if id, ok := s.folderIDs[key]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	id, err := s.getOrCreateFolderTx(s.db, storageID, path)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.folderIDs[key] = id
	s.mu.Unlock()
	return id, nil
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

func (s *Store) getOrCreateFolderTx(tx execer, storageID int, path string) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM folders WHERE storage_id = ? AND path = ?`, storageID, path).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("store: lookup folder: %w: %v", calibre.ErrStorage, err)
	}
	res, err := tx.Exec(`INSERT INTO folders (storage_id, path) VALUES (?, ?)`, storageID, path)
	if err != nil {
		return 0, fmt.Errorf("store: insert folder: %w: %v", calibre.ErrStorage, err)
	}
	return res.LastInsertId()
}

// unixSeconds returns t as a UNIX timestamp (seconds), or 0 for the zero time.
func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
