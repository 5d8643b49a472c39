package proto

// Package proto implements the fixed-format wire protocol spoken between the
// server, its nodes and its clients. No schema travels on the wire: every
// message kind declares its field sequence in an Encode/Decode pair and both
// peers must agree on it.

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	// ErrTooLarge is returned when a length field exceeds the receiver's limit.
	ErrTooLarge = errors.New("field exceeds size limit")
	// ErrMalformed is returned when a field holds an invalid value.
	ErrMalformed = errors.New("malformed field")
)

// Encodable is implemented by every message that can be sent.
type Encodable interface {
	Encode(e *Encoder)
}

// Decodable is implemented by pointers to every message that can be received.
type Decodable interface {
	Decode(d *Decoder)
}

// Encoder serializes fields into a buffer. The first error is sticky and
// later calls are no-ops.
type Encoder struct {
	buf bytes.Buffer
	err error
}

// Err returns the first encoding error.
func (e *Encoder) Err() error {
	return e.err
}

// Fail records err unless an earlier error is already recorded.
func (e *Encoder) Fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *Encoder) Uint8(v uint8) {
	if e.err != nil {
		return
	}
	e.buf.WriteByte(v)
}

func (e *Encoder) Uint64(v uint64) {
	if e.err != nil {
		return
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) Int64(v int64) {
	e.Uint64(uint64(v))
}

func (e *Encoder) Float64(v float64) {
	e.Uint64(math.Float64bits(v))
}

// String writes a bounded string. max is the receiver's buffer size, so at
// most max-1 bytes are allowed.
func (e *Encoder) String(s string, max int) {
	if e.err != nil {
		return
	}
	if len(s) >= max {
		e.Fail(fmt.Errorf("string of %d bytes with limit %d: %w", len(s), max, ErrTooLarge))
		return
	}
	if bytes.IndexByte([]byte(s), 0) >= 0 {
		e.Fail(fmt.Errorf("string contains NUL byte: %w", ErrMalformed))
		return
	}
	e.Uint64(uint64(len(s)))
	e.buf.WriteString(s)
}

// Bytes writes a length-prefixed byte block.
func (e *Encoder) Bytes(b []byte, max int64) {
	if e.err != nil {
		return
	}
	if int64(len(b)) > max {
		e.Fail(fmt.Errorf("block of %d bytes with limit %d: %w", len(b), max, ErrTooLarge))
		return
	}
	e.Uint64(uint64(len(b)))
	e.buf.Write(b)
}

// Decoder reads fields from a stream. The first error is sticky and later
// calls return zero values without reading.
type Decoder struct {
	r   io.Reader
	err error
}

// Err returns the first decoding error.
func (d *Decoder) Err() error {
	return d.err
}

// Fail records err unless an earlier error is already recorded.
func (d *Decoder) Fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		if errors.Is(err, io.EOF) && n > 0 {
			err = io.ErrUnexpectedEOF
		}
		d.Fail(err)
		return nil
	}
	return b
}

func (d *Decoder) Uint8() uint8 {
	b := d.read(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Uint64() uint64 {
	b := d.read(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *Decoder) Int64() int64 {
	return int64(d.Uint64())
}

func (d *Decoder) Float64() float64 {
	return math.Float64frombits(d.Uint64())
}

// String reads a bounded string into a buffer of size max. Overlong input is
// rejected, never truncated.
func (d *Decoder) String(max int) string {
	n := d.Uint64()
	if d.err != nil {
		return ""
	}
	if n >= uint64(max) {
		d.Fail(fmt.Errorf("string of %d bytes with limit %d: %w", n, max, ErrTooLarge))
		return ""
	}
	b := d.read(int(n))
	if b == nil {
		return ""
	}
	if bytes.IndexByte(b, 0) >= 0 {
		d.Fail(fmt.Errorf("string contains NUL byte: %w", ErrMalformed))
		return ""
	}
	return string(b)
}

// Bytes reads a length-prefixed byte block of at most max bytes.
func (d *Decoder) Bytes(max int64) []byte {
	n := d.Uint64()
	if d.err != nil {
		return nil
	}
	if n > uint64(max) {
		d.Fail(fmt.Errorf("block of %d bytes with limit %d: %w", n, max, ErrTooLarge))
		return nil
	}
	return d.read(int(n))
}

// Conn is one end of a sequential conversation over a byte stream.
type Conn struct {
	rw io.ReadWriter
	r  *bufio.Reader
}

// NewConn wraps a byte stream. All reads must go through the returned Conn.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		rw: rw,
		r:  bufio.NewReader(rw),
	}
}

// Close closes the underlying stream if it can be closed.
func (c *Conn) Close() error {
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Send encodes msgs in order and writes them with a single write. Nothing is
// written when encoding fails.
func (c *Conn) Send(msgs ...Encodable) error {
	var e Encoder
	for _, m := range msgs {
		m.Encode(&e)
	}
	if err := e.Err(); err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if _, err := c.rw.Write(e.buf.Bytes()); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Recv decodes one message of type T. On error the zero value is returned,
// so no partially decoded fields reach the caller.
func Recv[T any, P interface {
	*T
	Decodable
}](c *Conn) (T, error) {
	var msg T
	d := Decoder{r: c.r}
	P(&msg).Decode(&d)
	if err := d.Err(); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to receive %T: %w", msg, err)
	}
	return msg, nil
}

// SendFile streams size bytes from r as a length-prefixed block.
func (c *Conn) SendFile(r io.Reader, size int64) error {
	var e Encoder
	e.Uint64(uint64(size))
	if _, err := c.rw.Write(e.buf.Bytes()); err != nil {
		return fmt.Errorf("failed to send file header: %w", err)
	}
	n, err := io.CopyN(c.rw, r, size)
	if err != nil {
		return fmt.Errorf("failed to send file after %d of %d bytes: %w", n, size, err)
	}
	return nil
}

// RecvFile reads a length-prefixed block into w and returns its size. The
// announced length is always consumed completely, even when w fails, so a
// write error on w never desynchronizes the stream.
func (c *Conn) RecvFile(w io.Writer, max int64) (int64, error) {
	d := Decoder{r: c.r}
	size := d.Uint64()
	if err := d.Err(); err != nil {
		return 0, fmt.Errorf("failed to receive file header: %w", err)
	}
	if size > uint64(max) {
		return 0, fmt.Errorf("file of %d bytes with limit %d: %w", size, max, ErrTooLarge)
	}

	sw := &stickyWriter{w: w}
	if _, err := io.CopyN(sw, c.r, int64(size)); err != nil {
		return 0, fmt.Errorf("failed to receive file: %w", err)
	}
	if sw.err != nil {
		return int64(size), &WriteError{Err: sw.err}
	}
	return int64(size), nil
}

// WriteError reports that a received file was drained from the stream but
// could not be stored. The conversation is still in sync.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to store received file: %v", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// stickyWriter keeps accepting bytes after the first error so the stream is
// drained.
type stickyWriter struct {
	w   io.Writer
	err error
}

func (s *stickyWriter) Write(p []byte) (int, error) {
	if s.err == nil {
		if _, err := s.w.Write(p); err != nil {
			s.err = err
		}
	}
	return len(p), nil
}
