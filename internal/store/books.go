package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/inkbridge/calibre-device/internal/calibre"
)

// AddBook applies an add-or-update of meta to the store, idempotent by
// (folder, filename): it updates the existing book+file row if one
// exists, or inserts both. The whole operation is one transaction. It
// never creates the book file on disk - that happens only during
// SEND_BOOK, per the Open Question resolution in spec.md §9.
func (s *Store) AddBook(meta calibre.BookMetadata, storageID int) (dbBookID int64, err error) {
	meta.Canonicalize()
	dir, filename := splitLpath(meta.Lpath)
	folderPath := filepath.Join(s.books, dir)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: addBook begin: %w: %v", calibre.ErrStorage, err)
	}
	defer tx.Rollback()

	folderID, err := s.getOrCreateFolderTx(tx, storageID, folderPath)
	if err != nil {
		return 0, err
	}

	var fileID, bookID int64
	err = tx.QueryRow(`SELECT f.id, b.id FROM files f JOIN books_impl b ON b.file_id = f.id
		WHERE f.folder_id = ? AND f.filename = ?`, folderID, filename).Scan(&fileID, &bookID)

	modTime := int64(0)
	if meta.HasKnownModTime() {
		if t, perr := time.Parse(time.RFC3339, meta.LastModified); perr == nil {
			modTime = t.Unix()
		}
	}
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	firstTitle := firstGraphemeUpper(meta.Title)
	firstAuthor := firstGraphemeUpper(meta.Authors)

	switch {
	case err == nil:
		// Existing (folder, filename): update both rows in place.
		if _, err := tx.Exec(`UPDATE files SET size = ?, modification_time = ?, ext = ? WHERE id = ?`,
			meta.Size, modTime, ext, fileID); err != nil {
			return 0, fmt.Errorf("store: update file: %w: %v", calibre.ErrStorage, err)
		}
		if _, err := tx.Exec(`UPDATE books_impl SET
				uuid = ?, lpath = ?, title = ?, authors = ?, author_sort = ?, series = ?,
				series_index = ?, isbn = ?, publisher = ?, pubdate = ?, tags = ?, comments = ?,
				first_title_letter = ?, first_author_letter = ?
			WHERE id = ?`,
			meta.UUID, meta.Lpath, meta.Title, meta.Authors, meta.AuthorSort, meta.Series,
			meta.SeriesIndex, meta.ISBN, meta.Publisher, meta.Pubdate, meta.Tags, meta.Comments,
			firstTitle, firstAuthor, bookID); err != nil {
			return 0, fmt.Errorf("store: update book: %w: %v", calibre.ErrStorage, err)
		}
	case err == sql.ErrNoRows:
		res, ferr := tx.Exec(`INSERT INTO files (folder_id, filename, size, modification_time, ext)
			VALUES (?, ?, ?, ?, ?)`, folderID, filename, meta.Size, modTime, ext)
		if ferr != nil {
			return 0, fmt.Errorf("store: insert file: %w: %v", calibre.ErrStorage, ferr)
		}
		fileID, _ = res.LastInsertId()
		res, berr := tx.Exec(`INSERT INTO books_impl (
				file_id, uuid, lpath, title, authors, author_sort, series, series_index,
				isbn, publisher, pubdate, tags, comments, first_title_letter, first_author_letter
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fileID, meta.UUID, meta.Lpath, meta.Title, meta.Authors, meta.AuthorSort, meta.Series,
			meta.SeriesIndex, meta.ISBN, meta.Publisher, meta.Pubdate, meta.Tags, meta.Comments,
			firstTitle, firstAuthor)
		if berr != nil {
			return 0, fmt.Errorf("store: insert book: %w: %v", calibre.ErrStorage, berr)
		}
		bookID, _ = res.LastInsertId()
	default:
		return 0, fmt.Errorf("store: lookup existing book: %w: %v", calibre.ErrStorage, err)
	}

	profileID, err := s.GetCurrentProfileId()
	if err != nil {
		return 0, err
	}
	if err := mergeSettings(tx, bookID, profileID, meta); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: addBook commit: %w: %v", calibre.ErrStorage, err)
	}
	return bookID, nil
}

// mergeSettings implements the settings-merge rule from spec.md §4.C,
// which must be preserved exactly: a false isRead never touches
// cpage/npage, so local reading progress survives resync.
func mergeSettings(tx *sql.Tx, bookID, profileID int64, meta calibre.BookMetadata) error {
	completedTS := int64(0)
	if t, ok := meta.LastReadTime(); ok {
		completedTS = t.Unix()
	}
	favorite := 0
	if meta.IsFavorite {
		favorite = 1
	}

	var existingID int64
	err := tx.QueryRow(`SELECT id FROM books_settings WHERE book_id = ? AND profile_id = ?`,
		bookID, profileID).Scan(&existingID)

	switch {
	case err == sql.ErrNoRows:
		completed := 0
		page := 0
		if meta.IsRead {
			completed = 1
			page = 100
		}
		_, err := tx.Exec(`INSERT INTO books_settings
				(book_id, profile_id, completed, favorite, completed_ts, cpage, npage)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			bookID, profileID, completed, favorite, completedTS, page, page)
		if err != nil {
			return fmt.Errorf("store: insert settings: %w: %v", calibre.ErrStorage, err)
		}
	case err == nil:
		if meta.IsRead {
			_, err := tx.Exec(`UPDATE books_settings SET
					completed = 1, favorite = ?, completed_ts = ?, cpage = 100, npage = 100
				WHERE id = ?`, favorite, completedTS, existingID)
			if err != nil {
				return fmt.Errorf("store: update settings (read): %w: %v", calibre.ErrStorage, err)
			}
		} else {
			_, err := tx.Exec(`UPDATE books_settings SET
					completed = 0, favorite = ?, completed_ts = 0
				WHERE id = ?`, favorite, existingID)
			if err != nil {
				return fmt.Errorf("store: update settings (unread): %w: %v", calibre.ErrStorage, err)
			}
		}
	default:
		return fmt.Errorf("store: lookup settings: %w: %v", calibre.ErrStorage, err)
	}
	return nil
}

// UpdateBookSync applies only the per-profile sync fields (isRead,
// lastReadDate, isFavorite) to an existing book - no file write, and
// never creates a book row by itself (SEND_BOOK_METADATA never creates
// files, per the Open Question resolution in spec.md §9). The book must
// already exist by lpath.
func (s *Store) UpdateBookSync(meta calibre.BookMetadata) error {
	meta.Canonicalize()
	bookID, err := s.FindBookIdByPath(meta.Lpath)
	if err != nil {
		return err
	}
	profileID, err := s.GetCurrentProfileId()
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: updateBookSync begin: %w: %v", calibre.ErrStorage, err)
	}
	defer tx.Rollback()
	if err := mergeSettings(tx, bookID, profileID, meta); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: updateBookSync commit: %w: %v", calibre.ErrStorage, err)
	}
	return nil
}

// DeleteBook removes the file from disk (best-effort), then deletes the
// books_settings, bookshelfs_books, books_impl, and files rows for lpath
// in that order, inside one transaction. Missing rows are not an error.
func (s *Store) DeleteBook(lpath string) error {
	lpath = calibre.CanonicalLpath(lpath)
	bookID, fileID, err := s.findBookAndFileID(lpath)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("store: deleteBook lookup: %w: %v", calibre.ErrStorage, err)
	}

	os.Remove(filepath.Join(s.books, lpath))

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: deleteBook begin: %w: %v", calibre.ErrStorage, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM books_settings WHERE book_id = ?`, bookID); err != nil {
		return fmt.Errorf("store: delete settings: %w: %v", calibre.ErrStorage, err)
	}
	if _, err := tx.Exec(`DELETE FROM bookshelfs_books WHERE book_id = ?`, bookID); err != nil {
		return fmt.Errorf("store: delete shelf memberships: %w: %v", calibre.ErrStorage, err)
	}
	if _, err := tx.Exec(`DELETE FROM books_impl WHERE id = ?`, bookID); err != nil {
		return fmt.Errorf("store: delete book: %w: %v", calibre.ErrStorage, err)
	}
	if _, err := tx.Exec(`DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return fmt.Errorf("store: delete file: %w: %v", calibre.ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: deleteBook commit: %w: %v", calibre.ErrStorage, err)
	}
	return nil
}

func (s *Store) findBookAndFileID(lpath string) (bookID, fileID int64, err error) {
	err = s.db.QueryRow(`SELECT id, file_id FROM books_impl WHERE lpath = ?`, lpath).Scan(&bookID, &fileID)
	return
}

// FindBookIdByPath returns the internal book id for lpath.
func (s *Store) FindBookIdByPath(lpath string) (int64, error) {
	lpath = calibre.CanonicalLpath(lpath)
	var id int64
	err := s.db.QueryRow(`SELECT id FROM books_impl WHERE lpath = ?`, lpath).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("store: book %q: %w", lpath, sql.ErrNoRows)
	}
	if err != nil {
		return 0, fmt.Errorf("store: findBookIdByPath: %w: %v", calibre.ErrStorage, err)
	}
	return id, nil
}

// GetAllBooks returns every book on device, left-joined against the
// current profile's settings so books without a settings row still
// appear. storageID restricts the result to folders on that storage
// card; pass 0 for every card (GET_BOOK_COUNT's on_card filtering in
// §4.B needs the per-card split that spec.md's zero-arg getAllBooks()
// doesn't itself carry, so this extends it with an optional filter).
func (s *Store) GetAllBooks(storageID int) ([]calibre.BookMetadata, error) {
	profileID, err := s.GetCurrentProfileId()
	if err != nil {
		return nil, err
	}
	query := `
		SELECT b.uuid, b.lpath, b.title, b.authors, b.author_sort, b.series, b.series_index,
			b.isbn, b.publisher, b.pubdate, b.tags, b.comments, f.size, f.modification_time,
			COALESCE(st.completed, 0), COALESCE(st.favorite, 0), COALESCE(st.completed_ts, 0)
		FROM books_impl b
		JOIN files f ON f.id = b.file_id
		JOIN folders fo ON fo.id = f.folder_id
		LEFT JOIN books_settings st ON st.book_id = b.id AND st.profile_id = ?`
	args := []interface{}{profileID}
	if storageID != 0 {
		query += ` WHERE fo.storage_id = ?`
		args = append(args, storageID)
	}
	query += ` ORDER BY b.id`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: getAllBooks: %w: %v", calibre.ErrStorage, err)
	}
	defer rows.Close()

	var out []calibre.BookMetadata
	for rows.Next() {
		var m calibre.BookMetadata
		var modTime int64
		var completed, favorite int
		var completedTS int64
		if err := rows.Scan(&m.UUID, &m.Lpath, &m.Title, &m.Authors, &m.AuthorSort, &m.Series,
			&m.SeriesIndex, &m.ISBN, &m.Publisher, &m.Pubdate, &m.Tags, &m.Comments,
			&m.Size, &modTime, &completed, &favorite, &completedTS); err != nil {
			return nil, fmt.Errorf("store: scan book: %w: %v", calibre.ErrStorage, err)
		}
		m.Lpath = calibre.CanonicalLpath(m.Lpath)
		if modTime > 0 {
			m.LastModified = time.Unix(modTime, 0).UTC().Format(time.RFC3339)
		} else {
			m.LastModified = calibre.UnknownModTime
		}
		m.IsRead = completed == 1
		m.IsFavorite = favorite == 1
		if completedTS > 0 {
			m.LastReadDate = time.Unix(completedTS, 0).UTC().Format(time.RFC3339)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: getAllBooks rows: %w: %v", calibre.ErrStorage, err)
	}
	return out, nil
}

// splitLpath splits a canonical lpath into its directory component
// (possibly empty) and filename.
func splitLpath(lpath string) (dir, filename string) {
	i := strings.LastIndexByte(lpath, '/')
	if i < 0 {
		return "", lpath
	}
	return lpath[:i], lpath[i+1:]
}

// firstGraphemeUpper derives firstTitleLetter/firstAuthorLetter: the
// first grapheme, uppercased where ASCII-safe, else the first two bytes
// to cover multi-byte scripts (spec.md §3).
func firstGraphemeUpper(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	normalized := norm.NFC.String(s)
	r, size := utf8.DecodeRuneInString(normalized)
	if r == utf8.RuneError || size == 0 {
		if len(s) >= 2 {
			return s[:2]
		}
		return s
	}
	if r < utf8.RuneSelf {
		return strings.ToUpper(string(r))
	}
	if len(normalized) >= 2 {
		return normalized[:2]
	}
	return normalized
}
