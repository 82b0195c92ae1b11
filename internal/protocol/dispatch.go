package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/inkbridge/calibre-device/internal/calibre"
	"github.com/inkbridge/calibre-device/internal/collections"
	"github.com/inkbridge/calibre-device/internal/logger"
	"github.com/inkbridge/calibre-device/internal/store"
	"github.com/inkbridge/calibre-device/internal/transport"
)

// dispatch handles one ready-loop frame, returning true if the session
// should disconnect after it (spec.md §4.B ready-loop contract table).
func (s *Session) dispatch(frame transport.Frame) (disconnect bool, err error) {
	switch frame.Op {
	case calibre.SetCalibreDeviceInfo:
		return false, s.conn.WriteOK(struct{}{})
	case calibre.SetLibraryInfo:
		return false, s.handleSetLibraryInfo(frame)
	case calibre.TotalSpace:
		return false, s.handleSpace(true)
	case calibre.FreeSpace:
		return false, s.handleSpace(false)
	case calibre.GetBookCount:
		return false, s.handleGetBookCount(frame)
	case calibre.Noop:
		return s.handleNoop(frame)
	case calibre.SendBook:
		return false, s.handleSendBook(frame)
	case calibre.SendBookMetadata:
		return false, s.handleSendBookMetadata(frame)
	case calibre.SendBooklists:
		return false, s.handleSendBooklists(frame)
	case calibre.DeleteBook:
		return false, s.handleDeleteBook(frame)
	case calibre.GetBookFileSegment:
		return false, s.handleGetBookFileSegment(frame)
	case calibre.DisplayMessage:
		return false, s.handleDisplayMessage(frame)
	default:
		return false, s.conn.WriteFrame(calibre.Error, map[string]string{
			"message": fmt.Sprintf("unsupported opcode %s", frame.Op),
		})
	}
}

func (s *Session) handleSetLibraryInfo(frame transport.Frame) error {
	var req calibre.SetLibraryInfoRequest
	if err := mapstructure.Decode(frame.Args, &req); err != nil {
		return fmt.Errorf("protocol: decoding SET_LIBRARY_INFO: %w: %v", calibre.ErrProtocol, err)
	}
	for column, info := range req.FieldMetadata {
		data, merr := json.Marshal(info)
		if merr != nil {
			continue
		}
		if serr := s.store.SetLibraryFieldMetadata(req.LibraryUUID, column, data); serr != nil {
			s.log.Warn("persisting library field metadata", "column", column, "error", serr)
		}
	}
	return s.conn.WriteOK(struct{}{})
}

func (s *Session) handleSpace(total bool) error {
	totalBytes, freeBytes, err := s.spaceFn(s.cfg.BooksDir)
	if err != nil {
		return s.conn.WriteFrame(calibre.Error, map[string]string{"message": err.Error()})
	}
	resp := calibre.SpaceResponse{}
	if total {
		resp.TotalSpaceOnDevice = totalBytes
	} else {
		resp.FreeSpaceOnDevice = freeBytes
	}
	return s.conn.WriteOK(resp)
}

// handleGetBookCount builds the session book list filtered by the
// requested storage card, augments entries from the cache, then streams
// count + N frames in session order (spec.md §4.B).
func (s *Session) handleGetBookCount(frame transport.Frame) error {
	var req calibre.BookCountRequest
	if err := mapstructure.Decode(frame.Args, &req); err != nil {
		return fmt.Errorf("protocol: decoding GET_BOOK_COUNT: %w: %v", calibre.ErrProtocol, err)
	}

	storageID := store.StorageInternal
	if req.OnCard == "carda" {
		storageID = store.StorageRemovable
	}
	books, err := s.store.GetAllBooks(storageID)
	if err != nil {
		return s.conn.WriteFrame(calibre.Error, map[string]string{"message": err.Error()})
	}
	for i := range books {
		if s.cache == nil {
			continue
		}
		if cached, ok := s.cache.Get(books[i].Lpath); ok {
			if books[i].UUID == "" {
				books[i].UUID = cached.UUID
			}
		}
	}
	s.sessionBooks = books

	resp := calibre.BookCountResponse{Count: len(books), WillStream: true, WillScan: true}
	if err := s.conn.WriteOK(resp); err != nil {
		return err
	}
	for i, book := range books {
		if req.WillUseCachedMetadata {
			cached := calibre.CachedMetadataFrame{
				PriKey:       i,
				UUID:         book.UUID,
				Lpath:        book.Lpath,
				LastModified: book.LastModified,
				Extension:    extensionOf(book.Lpath),
				IsRead:       book.IsRead,
				SyncType:     1,
				LastReadDate: book.LastReadDate,
			}
			if err := s.conn.WriteOK(cached); err != nil {
				return err
			}
		} else {
			full := calibre.FullMetadataFrame{PriKey: i, BookMetadata: book}
			if err := s.conn.WriteOK(full); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyUserColumnSync resolves isRead/lastReadDate/favorite from the
// configured custom-column names inside user_metadata, overriding the
// literal _is_read_-style fields when a column name is configured
// (spec.md §4.B tie-breaks: readColumn/readDateColumn/favoriteColumn
// are looked up as <col>["#value#"], defaulting to false/empty when the
// column is absent).
func (s *Session) applyUserColumnSync(meta *calibre.BookMetadata) {
	if meta.UserMetadata == nil {
		return
	}
	if s.cfg.IsReadSyncCol != "" {
		meta.IsRead = calibre.UserMetadataBool(meta.UserMetadata, s.cfg.IsReadSyncCol)
	}
	if s.cfg.IsReadDateSyncCol != "" {
		meta.LastReadDate = calibre.UserMetadataString(meta.UserMetadata, s.cfg.IsReadDateSyncCol)
	}
	if s.cfg.FavoriteSyncCol != "" {
		meta.IsFavorite = calibre.UserMetadataBool(meta.UserMetadata, s.cfg.FavoriteSyncCol)
	}
}

func extensionOf(lpath string) string {
	ext := filepath.Ext(lpath)
	if len(ext) > 0 && ext[0] == '.' {
		return ext[1:]
	}
	return ext
}

// handleNoop implements the three sub-shapes spec.md §4.B distinguishes
// by key presence: ejecting, priKey lookup, and count acknowledgment.
func (s *Session) handleNoop(frame transport.Frame) (disconnect bool, err error) {
	if eject, ok := frame.Args["ejecting"]; ok {
		if b, _ := eject.(bool); b {
			if err := s.conn.WriteOK(struct{}{}); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	if raw, ok := frame.Args["priKey"]; ok {
		priKey, ok := asInt(raw)
		if !ok || priKey < 0 || priKey >= len(s.sessionBooks) {
			return false, s.conn.WriteOK(struct{}{})
		}
		full := calibre.FullMetadataFrame{PriKey: priKey, BookMetadata: s.sessionBooks[priKey]}
		return false, s.conn.WriteOK(full)
	}
	if _, ok := frame.Args["count"]; ok {
		return false, s.conn.WriteOK(struct{}{})
	}
	return false, s.conn.WriteOK(struct{}{})
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// handleSendBook implements the binary-receive path: reply OK{lpath} to
// signal readiness, write the binary body to disk, then apply addBook,
// update the cache and session list, and trigger cover generation
// (non-fatal on failure).
func (s *Session) handleSendBook(frame transport.Frame) error {
	var req calibre.SendBookRequest
	// Decoded through encoding/json so BookMetadata's json tags and its
	// string-or-array authors/tags handling apply to the nested metadata.
	data, err := json.Marshal(frame.Args)
	if err == nil {
		err = json.Unmarshal(data, &req)
	}
	if err != nil {
		return fmt.Errorf("protocol: decoding SEND_BOOK: %w: %v", calibre.ErrProtocol, err)
	}
	req.Metadata.Lpath = calibre.CanonicalLpath(req.Lpath)
	s.applyUserColumnSync(&req.Metadata)

	if err := s.conn.WriteOK(map[string]string{"lpath": req.Metadata.Lpath}); err != nil {
		return err
	}

	s.reportStatus(logger.StatusReceivingBook, 0, req.Metadata.Lpath)
	fullPath := filepath.Join(s.cfg.BooksDir, req.Metadata.Lpath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("protocol: creating book directory: %w: %v", calibre.ErrStorage, err)
	}
	f, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("protocol: creating book file: %w: %v", calibre.ErrStorage, err)
	}
	if err := s.conn.ReadBookBody(f, req.Length); err != nil {
		f.Close()
		os.Remove(fullPath)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("protocol: closing book file: %w: %v", calibre.ErrStorage, err)
	}

	req.Metadata.Size = req.Length
	storageID := store.StorageInternal
	if req.OnCard == "carda" {
		storageID = store.StorageRemovable
	}
	bookID, err := s.store.AddBook(req.Metadata, storageID)
	if err != nil {
		return fmt.Errorf("protocol: recording received book: %w: %v", calibre.ErrStorage, err)
	}
	req.Metadata.DBBookID = bookID

	if s.cache != nil {
		s.cache.Update(req.Metadata)
	}
	s.sessionBooks = append(s.sessionBooks, req.Metadata)
	s.receivedCount++
	s.reportStatus(logger.StatusReceivingBook, 100, req.Metadata.Lpath)

	if s.cover != nil {
		if err := s.cover.GenerateCover(fullPath); err != nil {
			s.log.Warn("generating cover", "lpath", req.Metadata.Lpath, "error", err)
		}
	}
	return nil
}

// handleSendBookMetadata applies a sync-only update: no reply is sent
// (spec.md §4.B).
func (s *Session) handleSendBookMetadata(frame transport.Frame) error {
	var req calibre.SendBookMetadataRequest
	// Decoded through encoding/json for the same reason as SEND_BOOK.
	data, err := json.Marshal(frame.Args)
	if err == nil {
		err = json.Unmarshal(data, &req)
	}
	if err != nil {
		return fmt.Errorf("protocol: decoding SEND_BOOK_METADATA: %w: %v", calibre.ErrProtocol, err)
	}
	s.applyUserColumnSync(&req.Data)
	if err := s.store.UpdateBookSync(req.Data); err != nil {
		s.log.Warn("updating book sync fields", "lpath", req.Data.Lpath, "error", err)
		return nil
	}
	for i := range s.sessionBooks {
		if s.sessionBooks[i].Lpath == calibre.CanonicalLpath(req.Data.Lpath) {
			s.sessionBooks[i].IsRead = req.Data.IsRead
			s.sessionBooks[i].LastReadDate = req.Data.LastReadDate
			s.sessionBooks[i].IsFavorite = req.Data.IsFavorite
			break
		}
	}
	if s.cache != nil {
		s.cache.Update(req.Data)
	}
	return nil
}

// handleSendBooklists drives collection sync; no reply is sent.
func (s *Session) handleSendBooklists(frame transport.Frame) error {
	var req calibre.SendBooklistsRequest
	if err := mapstructure.Decode(frame.Args, &req); err != nil {
		return fmt.Errorf("protocol: decoding SEND_BOOKLISTS: %w: %v", calibre.ErrProtocol, err)
	}
	s.reportStatus(logger.StatusSyncingCollections, -1, "")
	if err := collections.Sync(s.store, req.Collections, time.Now()); err != nil {
		s.log.Warn("syncing collections", "error", err)
	}
	return nil
}

// handleDeleteBook sends one OK{} ack, then one OK{uuid} per lpath in
// request order, deleting the file, DB rows, cache entry, and session
// entry for each (spec.md §4.B).
func (s *Session) handleDeleteBook(frame transport.Frame) error {
	var req calibre.DeleteBookRequest
	if err := mapstructure.Decode(frame.Args, &req); err != nil {
		return fmt.Errorf("protocol: decoding DELETE_BOOK: %w: %v", calibre.ErrProtocol, err)
	}
	if err := s.conn.WriteOK(struct{}{}); err != nil {
		return err
	}
	for _, lpath := range req.Lpaths {
		lpath = calibre.CanonicalLpath(lpath)
		uuid := s.findUUID(lpath)
		if err := s.store.DeleteBook(lpath); err != nil {
			s.log.Warn("deleting book", "lpath", lpath, "error", err)
		}
		if s.cache != nil {
			s.cache.Remove(lpath)
		}
		s.removeSessionBook(lpath)
		if err := s.conn.WriteOK(map[string]string{"uuid": uuid}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) findUUID(lpath string) string {
	for _, b := range s.sessionBooks {
		if b.Lpath == lpath {
			return b.UUID
		}
	}
	if s.cache != nil {
		if uuid, ok := s.cache.GetUUID(lpath); ok {
			return uuid
		}
	}
	return ""
}

func (s *Session) removeSessionBook(lpath string) {
	for i, b := range s.sessionBooks {
		if b.Lpath == lpath {
			s.sessionBooks = append(s.sessionBooks[:i], s.sessionBooks[i+1:]...)
			return
		}
	}
}

// handleGetBookFileSegment opens the requested file, replies with its
// remaining length from position, then streams the remainder as a raw
// sub-frame (SPEC_FULL §6.B: position-aware resume, recovered from
// original_source).
func (s *Session) handleGetBookFileSegment(frame transport.Frame) error {
	var req calibre.GetBookFileSegmentRequest
	if err := mapstructure.Decode(frame.Args, &req); err != nil {
		return fmt.Errorf("protocol: decoding GET_BOOK_FILE_SEGMENT: %w: %v", calibre.ErrProtocol, err)
	}
	lpath := calibre.CanonicalLpath(req.Lpath)
	fullPath := filepath.Join(s.cfg.BooksDir, lpath)

	f, err := os.Open(fullPath)
	if err != nil {
		return s.conn.WriteFrame(calibre.Error, map[string]string{"message": err.Error()})
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("protocol: statting book file: %w: %v", calibre.ErrStorage, err)
	}
	remaining := info.Size() - req.Position
	if remaining < 0 {
		remaining = 0
	}
	if req.Position > 0 {
		if _, err := f.Seek(req.Position, io.SeekStart); err != nil {
			return fmt.Errorf("protocol: seeking book file: %w: %v", calibre.ErrStorage, err)
		}
	}

	s.reportStatus(logger.StatusSendingBook, 0, lpath)
	if err := s.conn.WriteOK(calibre.GetBookFileSegmentResponse{FileLength: remaining}); err != nil {
		return err
	}
	if err := s.conn.WriteBookBody(f, remaining); err != nil {
		return err
	}
	s.reportStatus(logger.StatusSendingBook, 100, lpath)
	return nil
}

// handleDisplayMessage forwards a mid-session DISPLAY_MESSAGE to the UI
// collaborator; no reply is sent.
func (s *Session) handleDisplayMessage(frame transport.Frame) error {
	var req calibre.DisplayMessageRequest
	if err := mapstructure.Decode(frame.Args, &req); err != nil {
		return fmt.Errorf("protocol: decoding DISPLAY_MESSAGE: %w: %v", calibre.ErrProtocol, err)
	}
	if s.ui != nil {
		s.ui.ShowMessage(req.MessageKind, req.Message)
	}
	return nil
}
