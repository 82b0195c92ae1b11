// Package transport implements the length-prefixed control framing and
// raw binary sub-framing the Calibre wireless device protocol uses over
// a single TCP stream.
package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/inkbridge/calibre-device/internal/calibre"
)

// MaxFrameSize is the cap past which an inbound control frame is
// rejected as malformed (spec: 10 MiB).
const MaxFrameSize = 10 * 1024 * 1024

// BookChunkSize is the maximum number of raw bytes moved per read/write
// when streaming a book body in either direction.
const BookChunkSize = 4096

// Frame is a decoded control message: an opcode and its JSON argument
// object, kept generic so the protocol layer can probe key presence
// before committing to a typed decode (NOOP's tri-modal dispatch needs
// this).
type Frame struct {
	Op   calibre.OpCode
	Args map[string]interface{}
}

// Conn wraps a byte stream with the framing this protocol requires. It
// is the only component that touches raw bytes; everything above it
// speaks in Frames and []byte book bodies.
type Conn struct {
	r io.Reader
	w io.Writer
	// br buffers reads so ReadFrame can scan ASCII length digits one
	// byte at a time without issuing a syscall per byte.
	br *bufio.Reader
}

// NewConn wraps rw for framed control messages and raw binary streams.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{r: rw, w: rw, br: bufio.NewReader(rw)}
}

// ReadFrame reads one control frame: ASCII decimal length, then exactly
// that many bytes starting at the leading '[', which must decode as
// [opcode, argObject].
func (c *Conn) ReadFrame() (Frame, error) {
	lengthBytes, err := c.readLengthPrefix()
	if err != nil {
		return Frame{}, err
	}
	length, err := strconv.Atoi(string(lengthBytes))
	if err != nil {
		return Frame{}, fmt.Errorf("transport: malformed frame length %q: %w: %v", lengthBytes, calibre.ErrProtocol, err)
	}
	if length <= 0 || length > MaxFrameSize {
		return Frame{}, fmt.Errorf("transport: frame of %d bytes: %w", length, calibre.ErrFrameTooLarge)
	}
	payload := make([]byte, length)
	if err := receiveAll(c.br, payload); err != nil {
		return Frame{}, fmt.Errorf("transport: reading frame payload: %w", errWrap(err))
	}
	return decodeFrame(payload)
}

// readLengthPrefix accumulates ASCII digits up to and including the
// leading '[' of the JSON array, then un-reads the '[' so the payload
// read starts from it (matching the length's own byte-counting rule,
// which counts from the leading '[').
func (c *Conn) readLengthPrefix() ([]byte, error) {
	raw, err := c.br.ReadBytes('[')
	if err != nil {
		return nil, fmt.Errorf("transport: reading length prefix: %w", errWrap(err))
	}
	if err := c.br.UnreadByte(); err != nil {
		return nil, fmt.Errorf("transport: %w: could not unread '[': %v", calibre.ErrProtocol, err)
	}
	return raw[:len(raw)-1], nil
}

// decodeFrame parses `[opcode,argObject]` into a Frame.
func decodeFrame(payload []byte) (Frame, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(payload, &arr); err != nil || len(arr) != 2 {
		return Frame{}, fmt.Errorf("transport: malformed frame body: %w", calibre.ErrProtocol)
	}
	var opInt int
	if err := json.Unmarshal(arr[0], &opInt); err != nil {
		return Frame{}, fmt.Errorf("transport: malformed opcode: %w", calibre.ErrProtocol)
	}
	var args map[string]interface{}
	if err := json.Unmarshal(arr[1], &args); err != nil {
		return Frame{}, fmt.Errorf("transport: malformed argument object: %w", calibre.ErrProtocol)
	}
	return Frame{Op: calibre.OpCode(opInt), Args: args}, nil
}

// WriteFrame marshals v and writes it as a control frame with opcode op.
func (c *Conn) WriteFrame(op calibre.OpCode, v interface{}) error {
	argJSON, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshaling frame argument: %w", err)
	}
	body := fmt.Sprintf("[%d,%s]", int(op), argJSON)
	payload := fmt.Sprintf("%d%s", len(body), body)
	if err := sendAll(c.w, []byte(payload)); err != nil {
		return fmt.Errorf("transport: writing frame: %w", errWrap(err))
	}
	return nil
}

// WriteOK is shorthand for WriteFrame(OK, v).
func (c *Conn) WriteOK(v interface{}) error {
	return c.WriteFrame(calibre.OK, v)
}

// ReadBookBody consumes exactly length raw bytes from the stream,
// writing them to dst. Used after a SEND_BOOK handshake.
func (c *Conn) ReadBookBody(dst io.Writer, length int64) error {
	_, err := io.CopyN(dst, c.br, length)
	if err != nil {
		return fmt.Errorf("transport: reading book body: %w", errWrap(err))
	}
	return nil
}

// WriteBookBody streams length bytes from src in chunks of at most
// BookChunkSize. Used by GET_BOOK_FILE_SEGMENT.
func (c *Conn) WriteBookBody(src io.Reader, length int64) error {
	buf := make([]byte, BookChunkSize)
	remaining := length
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := io.ReadFull(src, buf[:n])
		if err != nil && err != io.ErrUnexpectedEOF {
			return fmt.Errorf("transport: reading book chunk: %w", err)
		}
		if err := sendAll(c.w, buf[:read]); err != nil {
			return fmt.Errorf("transport: writing book chunk: %w", errWrap(err))
		}
		remaining -= int64(read)
	}
	return nil
}

// receiveAll fills buf completely, retrying on short reads the way
// sendAll/receiveAll are specified to retry on interruption.
func receiveAll(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

// sendAll writes buf completely, retrying on short writes.
func sendAll(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// errWrap tags an I/O failure as a transport error unless it is already
// classified.
func errWrap(err error) error {
	if err == io.EOF {
		return err
	}
	return fmt.Errorf("%w: %v", calibre.ErrTransport, err)
}
