// Package collections implements the three-way collection/shelf sync
// algorithm (component E): it reconciles the peer's view of which books
// belong to which named collection against the device's bookshelfs
// tables, in a single transaction.
package collections

import (
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/inkbridge/calibre-device/internal/calibre"
)

// shelfStore is the subset of *store.Store collections depends on,
// kept narrow so this package never needs to import store's SQLite
// internals directly.
type shelfStore interface {
	Begin() (*sql.Tx, error)
	Checkpoint() error
	GetOrCreateBookshelf(tx *sql.Tx, name string) (int64, error)
	LinkBookToShelf(tx *sql.Tx, shelfID, bookID int64) error
	SoftDeleteMembership(tx *sql.Tx, shelfID, bookID int64, now time.Time) error
	SoftDeleteShelfByName(tx *sql.Tx, name string, now time.Time) error
	DeviceShelfMap(tx *sql.Tx) (map[string]map[string]bool, error)
	BookIDByLpath(tx *sql.Tx, lpath string) (int64, error)
}

// trailingCount matches a trailing " (N)" Calibre appends to a
// collection's display name to show its member count.
var trailingCount = regexp.MustCompile(`\s\(\d+\)$`)

// CleanCollectionName strips a trailing " (N)" count suffix, per
// spec.md §4.E. Names without that exact suffix shape (e.g. "Foo(bar)",
// with no preceding space) are returned unchanged.
func CleanCollectionName(name string) string {
	return trailingCount.ReplaceAllString(name, "")
}

// Sync reconciles peer, a map of collectionName -> set of lpaths sent by
// the desktop in SEND_BOOKLISTS, against the device's shelf state. It
// runs as one DB transaction followed by a WAL checkpoint, per
// spec.md §4.E.
func Sync(s shelfStore, peer map[string][]string, now time.Time) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	device, err := s.DeviceShelfMap(tx)
	if err != nil {
		return err
	}

	for rawName, lpaths := range peer {
		name := CleanCollectionName(rawName)
		shelfID, err := s.GetOrCreateBookshelf(tx, name)
		if err != nil {
			return err
		}

		wanted := make(map[string]bool, len(lpaths))
		for _, lp := range lpaths {
			wanted[calibre.CanonicalLpath(lp)] = true
		}
		current := device[name]
		delete(device, name)

		for lp := range wanted {
			if current[lp] {
				continue
			}
			bookID, err := s.BookIDByLpath(tx, lp)
			if err == sql.ErrNoRows {
				continue // missing lpaths are silently skipped, per spec.md §4.E
			}
			if err != nil {
				return err
			}
			if err := s.LinkBookToShelf(tx, shelfID, bookID); err != nil {
				return err
			}
		}

		for lp := range current {
			if wanted[lp] {
				continue
			}
			bookID, err := s.BookIDByLpath(tx, lp)
			if err == sql.ErrNoRows {
				continue
			}
			if err != nil {
				return err
			}
			if err := s.SoftDeleteMembership(tx, shelfID, bookID, now); err != nil {
				return err
			}
		}
	}

	// Anything remaining in device was not mentioned by the peer at all:
	// the peer dropped the collection, so tombstone the shelf row.
	for name := range device {
		if err := s.SoftDeleteShelfByName(tx, name, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("collections: commit: %w: %v", calibre.ErrStorage, err)
	}
	return s.Checkpoint()
}
