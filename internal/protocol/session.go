// Package protocol drives the Calibre wireless-device handshake and
// request/response loop over a framed transport.Conn, applying each
// operation to the store, cache, and collection-sync collaborators.
package protocol

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/inkbridge/calibre-device/internal/calibre"
	"github.com/inkbridge/calibre-device/internal/devicecache"
	"github.com/inkbridge/calibre-device/internal/logger"
	"github.com/inkbridge/calibre-device/internal/store"
	"github.com/inkbridge/calibre-device/internal/transport"
)

// CoverGenerator renders a cover thumbnail for a freshly received book.
// Failures are logged and otherwise ignored (spec.md §6 "failures are
// non-fatal").
type CoverGenerator interface {
	GenerateCover(filePath string) error
}

// UINotifier forwards DISPLAY_MESSAGE frames to the host UI shell.
type UINotifier interface {
	ShowMessage(kind calibre.MsgCode, message string)
}

// Config carries everything a Session needs to answer the handshake and
// report device identity; it is built once by cmd/calibredeviced and
// reused across connections.
type Config struct {
	AppName            string
	CcVersionNumber    string
	DeviceName         string
	DeviceKind         string
	AcceptedExtensions []string
	CoverHeight        int
	HasCardA           bool
	HasCardB           bool
	BooksDir           string
	DeviceUUID         string
	CacheDir           string
	Password           string
	IsReadSyncCol      string
	IsReadDateSyncCol  string
	FavoriteSyncCol    string
}

// Session is scoped to exactly one TCP connection, per Design Note
// "per-session state leaking into a long-lived object" - sessionBooks,
// the cache handle, and the received count all live here and are
// dropped at disconnect.
type Session struct {
	conn    *transport.Conn
	store   *store.Store
	cfg     Config
	log     *slog.Logger
	status  logger.StatusReporter
	cover   CoverGenerator
	ui      UINotifier
	spaceFn func(path string) (total, free int64, err error)

	cache         *devicecache.Cache
	sessionBooks  []calibre.BookMetadata
	receivedCount int
}

// New constructs a Session bound to one connection. spaceFn abstracts
// diskspace.Usage so tests can substitute a fixed value.
func New(conn *transport.Conn, st *store.Store, cfg Config, log *slog.Logger, status logger.StatusReporter,
	cover CoverGenerator, ui UINotifier, spaceFn func(path string) (int64, int64, error)) *Session {
	return &Session{
		conn:    conn,
		store:   st,
		cfg:     cfg,
		log:     log,
		status:  status,
		cover:   cover,
		ui:      ui,
		spaceFn: spaceFn,
	}
}

func (s *Session) reportStatus(status logger.Status, progress int, detail string) {
	if s.status == nil {
		return
	}
	s.status.Report(logger.StatusUpdate{Status: status, Progress: progress, Detail: detail})
}

// Run drives the handshake then the ready loop until the peer
// disconnects, an unrecoverable error occurs, or NOOP{ejecting:true} is
// received. A peer that closes the socket gracefully is not an error:
// io.EOF is translated to a nil return.
func (s *Session) Run() error {
	s.reportStatus(logger.StatusHandshaking, -1, "")
	if err := s.handshake(); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	s.store.Initialize()
	s.reportStatus(logger.StatusReady, -1, "")

	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if err == io.EOF {
				s.flush()
				return nil
			}
			if errors.Is(err, calibre.ErrProtocol) || errors.Is(err, calibre.ErrFrameTooLarge) {
				s.log.Warn("malformed frame, replying ERROR and remaining in ready", "error", err)
				if werr := s.replyError(err); werr != nil {
					return fmt.Errorf("protocol: writing error frame: %w", werr)
				}
				continue
			}
			return fmt.Errorf("protocol: reading frame: %w", err)
		}
		disconnect, err := s.dispatch(frame)
		if err != nil {
			if err == io.EOF {
				s.flush()
				return nil
			}
			if errors.Is(err, calibre.ErrProtocol) {
				s.log.Warn("dispatch protocol error, replying ERROR and remaining in ready", "op", frame.Op, "error", err)
				if werr := s.replyError(err); werr != nil {
					return fmt.Errorf("protocol: writing error frame: %w", werr)
				}
				continue
			}
			if errors.Is(err, calibre.ErrStorage) {
				// SEND_BOOK already wrote its OK{lpath} readiness reply
				// before a storage failure can occur, so a second frame
				// here would desync the peer; every other ErrStorage site
				// fails before any reply is sent.
				if frame.Op == calibre.SendBook {
					s.log.Warn("storage error after reply already sent, remaining in ready", "op", frame.Op, "error", err)
					continue
				}
				s.log.Warn("storage error, replying ERROR and remaining in ready", "op", frame.Op, "error", err)
				if werr := s.replyError(err); werr != nil {
					return fmt.Errorf("protocol: writing error frame: %w", werr)
				}
				continue
			}
			return fmt.Errorf("protocol: dispatch %s: %w", frame.Op, err)
		}
		if disconnect {
			s.flush()
			return nil
		}
	}
}

// replyError sends the ERROR frame spec.md §4.A requires for a recovered
// parse or storage failure; the session stays in Ready afterward.
func (s *Session) replyError(cause error) error {
	return s.conn.WriteFrame(calibre.Error, map[string]string{"message": cause.Error()})
}

// flush persists the device cache on graceful disconnect (spec.md §5:
// "the on-disk cache file is only rewritten on graceful disconnect").
func (s *Session) flush() {
	s.reportStatus(logger.StatusDisconnected, -1, "")
	if s.cache == nil {
		return
	}
	if err := s.cache.Save(); err != nil {
		s.log.Warn("saving device cache", "error", err)
	}
}

// hashPassword returns lowercase_hex(sha1(password || challenge)), the
// exact scheme the reference desktop client expects (spec.md §4.B step
// 2, §8 testable property).
func hashPassword(password, challenge string) string {
	h := sha1.New()
	h.Write([]byte(password + challenge))
	return hex.EncodeToString(h.Sum(nil))
}
