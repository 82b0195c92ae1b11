package calibre

import "errors"

// Sentinel errors classifying the taxonomy described for the session
// dispatcher. Callers use errors.Is against these to decide whether a
// failure ends the session, replies ERROR, or is merely logged.
var (
	// ErrTransport covers a socket closed or I/O failing mid-frame.
	// The session that produced it must end.
	ErrTransport = errors.New("calibre: transport error")

	// ErrProtocol covers a malformed frame, unknown opcode, wrong phase,
	// or oversized payload. The session replies ERROR and continues.
	ErrProtocol = errors.New("calibre: protocol error")

	// ErrAuth covers a bad-password DISPLAY_MESSAGE during handshake, or
	// handshake steps received out of order. The session ends.
	ErrAuth = errors.New("calibre: authentication error")

	// ErrStorage covers a DB open/prepare/step failure or filesystem
	// error while applying a store operation. The operation's
	// transaction rolls back; the session continues.
	ErrStorage = errors.New("calibre: storage error")

	// ErrCache covers a JSON parse/write failure in the device cache.
	// Non-fatal: the cache continues operating in memory-only mode.
	ErrCache = errors.New("calibre: cache error")

	// ErrResource covers an SD card (or other storage card) requested
	// but absent.
	ErrResource = errors.New("calibre: resource unavailable")
)

// ErrFrameTooLarge is returned by the transport when an inbound control
// frame declares a length over the 10 MiB cap.
var ErrFrameTooLarge = errors.New("calibre: frame exceeds maximum size")
