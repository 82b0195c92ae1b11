package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/inkbridge/calibre-device/internal/calibre"
)

// GetOrCreateBookshelf returns the id of the shelf named name, creating
// it if absent. A tombstoned shelf (is_deleted = 1) whose name reappears
// is revived by clearing the flag, rather than inserting a duplicate -
// the tombstoned-shelf invariant from spec.md §3.
func (s *Store) GetOrCreateBookshelf(tx *sql.Tx, name string) (int64, error) {
	var id int64
	var deleted int
	err := tx.QueryRow(`SELECT id, is_deleted FROM bookshelfs WHERE name = ?`, name).Scan(&id, &deleted)
	switch {
	case err == sql.ErrNoRows:
		res, ierr := tx.Exec(`INSERT INTO bookshelfs (name, is_deleted, deleted_ts) VALUES (?, 0, 0)`, name)
		if ierr != nil {
			return 0, fmt.Errorf("store: insert shelf %q: %w: %v", name, calibre.ErrStorage, ierr)
		}
		return res.LastInsertId()
	case err != nil:
		return 0, fmt.Errorf("store: lookup shelf %q: %w: %v", name, calibre.ErrStorage, err)
	case deleted == 1:
		if _, uerr := tx.Exec(`UPDATE bookshelfs SET is_deleted = 0, deleted_ts = 0 WHERE id = ?`, id); uerr != nil {
			return 0, fmt.Errorf("store: revive shelf %q: %w: %v", name, calibre.ErrStorage, uerr)
		}
		return id, nil
	default:
		return id, nil
	}
}

// LinkBookToShelf inserts a shelf membership, ignoring the insert if one
// already exists (INSERT OR IGNORE, per spec.md §4.E step 1c).
func (s *Store) LinkBookToShelf(tx *sql.Tx, shelfID, bookID int64) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO bookshelfs_books (shelf_id, book_id, is_deleted, deleted_ts)
		VALUES (?, ?, 0, 0)`, shelfID, bookID)
	if err != nil {
		return fmt.Errorf("store: link book to shelf: %w: %v", calibre.ErrStorage, err)
	}
	return nil
}

// SoftDeleteMembership tombstones the membership between shelfID and
// bookID, if it exists.
func (s *Store) SoftDeleteMembership(tx *sql.Tx, shelfID, bookID int64, now time.Time) error {
	_, err := tx.Exec(`UPDATE bookshelfs_books SET is_deleted = 1, deleted_ts = ?
		WHERE shelf_id = ? AND book_id = ? AND is_deleted = 0`, now.Unix(), shelfID, bookID)
	if err != nil {
		return fmt.Errorf("store: soft-delete membership: %w: %v", calibre.ErrStorage, err)
	}
	return nil
}

// SoftDeleteShelfByName tombstones the shelf row named name, if present
// and not already deleted.
func (s *Store) SoftDeleteShelfByName(tx *sql.Tx, name string, now time.Time) error {
	_, err := tx.Exec(`UPDATE bookshelfs SET is_deleted = 1, deleted_ts = ?
		WHERE name = ? AND is_deleted = 0`, now.Unix(), name)
	if err != nil {
		return fmt.Errorf("store: soft-delete shelf %q: %w: %v", name, calibre.ErrStorage, err)
	}
	return nil
}

// DeviceShelfMap builds shelfName -> set<lpath> by joining shelves to
// memberships to files to folders, for every row where both soft-delete
// flags are false (spec.md §4.E "current device state").
func (s *Store) DeviceShelfMap(tx *sql.Tx) (map[string]map[string]bool, error) {
	rows, err := tx.Query(`
		SELECT bs.name, b.lpath
		FROM bookshelfs bs
		JOIN bookshelfs_books mb ON mb.shelf_id = bs.id AND mb.is_deleted = 0
		JOIN books_impl b ON b.id = mb.book_id
		WHERE bs.is_deleted = 0`)
	if err != nil {
		return nil, fmt.Errorf("store: deviceShelfMap: %w: %v", calibre.ErrStorage, err)
	}
	defer rows.Close()

	out := make(map[string]map[string]bool)
	for rows.Next() {
		var shelf, lpath string
		if err := rows.Scan(&shelf, &lpath); err != nil {
			return nil, fmt.Errorf("store: scan shelf membership: %w: %v", calibre.ErrStorage, err)
		}
		if out[shelf] == nil {
			out[shelf] = make(map[string]bool)
		}
		out[shelf][lpath] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: deviceShelfMap rows: %w: %v", calibre.ErrStorage, err)
	}
	return out, nil
}

// BookIDByLpath looks up a book's internal id by lpath inside tx.
// Missing lpaths return sql.ErrNoRows so callers can silently skip them,
// per spec.md §4.E "missing lpaths are silently skipped".
func (s *Store) BookIDByLpath(tx *sql.Tx, lpath string) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM books_impl WHERE lpath = ?`, calibre.CanonicalLpath(lpath)).Scan(&id)
	return id, err
}

// Begin starts a transaction for use by the collections package, which
// needs to span several store calls atomically (spec.md §4.E "one DB
// transaction").
func (s *Store) Begin() (*sql.Tx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w: %v", calibre.ErrStorage, err)
	}
	return tx, nil
}

// Checkpoint runs a WAL checkpoint, per spec.md §4.E step 3.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec(`PRAGMA wal_checkpoint(PASSIVE)`)
	if err != nil {
		return fmt.Errorf("store: checkpoint: %w: %v", calibre.ErrStorage, err)
	}
	return nil
}

// SetLibraryFieldMetadata persists one custom-column definition for a
// library uuid, recovered from original_source's set_library_info (see
// SPEC_FULL §6.B).
func (s *Store) SetLibraryFieldMetadata(libraryUUID, column string, data []byte) error {
	_, err := s.db.Exec(`INSERT INTO library_field_metadata (library_uuid, column_name, data)
		VALUES (?, ?, ?)
		ON CONFLICT (library_uuid, column_name) DO UPDATE SET data = excluded.data`,
		libraryUUID, column, string(data))
	if err != nil {
		return fmt.Errorf("store: set library field metadata: %w: %v", calibre.ErrStorage, err)
	}
	return nil
}
