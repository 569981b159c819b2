// Package bitstream provides the big-endian readers and writers the box
// parser and serializer are built on.
//
// Reads go through a Range, a window of a StreamReader with a sticky
// error: after the first failed read every following read returns zero
// values and the first error is kept. Sub-ranges nest and each carries its
// nesting level.
package bitstream

import (
	"io"
	"os"

	"github.com/heifkit/goheif/heif/heiferr"
)

// GrowStatus is the outcome of waiting for input to become available.
type GrowStatus int

const (
	SizeReached GrowStatus = iota
	Timeout
	SizeBeyondEOF
)

// StreamReader is a seekable, possibly growing input.
type StreamReader interface {
	Position() uint64
	// WaitForFileSize blocks until target bytes are available, the
	// stream ends, or waiting times out.
	WaitForFileSize(target uint64) GrowStatus
	Read(p []byte) bool
	Seek(pos uint64) bool
}

// MemoryReader is a StreamReader over a byte slice.
type MemoryReader struct {
	data []byte
	pos  uint64
}

func NewMemoryReader(data []byte) *MemoryReader {
	return &MemoryReader{data: data}
}

func (m *MemoryReader) Position() uint64 { return m.pos }

func (m *MemoryReader) WaitForFileSize(target uint64) GrowStatus {
	if target > uint64(len(m.data)) {
		return SizeBeyondEOF
	}
	return SizeReached
}

func (m *MemoryReader) Read(p []byte) bool {
	end := m.pos + uint64(len(p))
	if end > uint64(len(m.data)) || end < m.pos {
		return false
	}
	copy(p, m.data[m.pos:end])
	m.pos = end
	return true
}

func (m *MemoryReader) Seek(pos uint64) bool {
	if pos > uint64(len(m.data)) {
		return false
	}
	m.pos = pos
	return true
}

// ReaderAtStream is a StreamReader over an io.ReaderAt of known size.
type ReaderAtStream struct {
	ra   io.ReaderAt
	size uint64
	pos  uint64
}

func NewReaderAtStream(ra io.ReaderAt, size int64) *ReaderAtStream {
	if size < 0 {
		size = 0
	}
	return &ReaderAtStream{ra: ra, size: uint64(size)}
}

func (s *ReaderAtStream) Position() uint64 { return s.pos }

func (s *ReaderAtStream) WaitForFileSize(target uint64) GrowStatus {
	if target > s.size {
		return SizeBeyondEOF
	}
	return SizeReached
}

func (s *ReaderAtStream) Read(p []byte) bool {
	if s.pos+uint64(len(p)) > s.size {
		return false
	}
	n, err := s.ra.ReadAt(p, int64(s.pos))
	if n != len(p) || (err != nil && err != io.EOF) {
		return false
	}
	s.pos += uint64(n)
	return true
}

func (s *ReaderAtStream) Seek(pos uint64) bool {
	if pos > s.size {
		return false
	}
	s.pos = pos
	return true
}

// SizeOf determines the byte size of ra if it can tell.
func SizeOf(ra io.ReaderAt) (int64, bool) {
	switch v := ra.(type) {
	case interface{ Size() int64 }:
		return v.Size(), true
	case *os.File:
		fi, err := v.Stat()
		if err != nil {
			return 0, false
		}
		return fi.Size(), true
	}
	return 0, false
}

// Range is a bounded window onto a StreamReader.
type Range struct {
	r         StreamReader
	remaining uint64
	parent    *Range
	level     int
	err       error
}

// NewRange returns a top-level range of length bytes starting at the
// current position of r.
func NewRange(r StreamReader, length uint64) *Range {
	return &Range{r: r, remaining: length}
}

// Sub returns a child range over the next length bytes. Reads from the
// child also consume bytes of r.
func (r *Range) Sub(length uint64) *Range {
	return &Range{r: r.r, remaining: length, parent: r, level: r.level + 1}
}

func (r *Range) Level() int           { return r.level }
func (r *Range) Remaining() uint64    { return r.remaining }
func (r *Range) EOF() bool            { return r.remaining == 0 }
func (r *Range) Err() error           { return r.err }
func (r *Range) OK() bool             { return r.err == nil }
func (r *Range) Stream() StreamReader { return r.r }
func (r *Range) Position() uint64     { return r.r.Position() }
func (r *Range) SetError(err error)   { r.setErr(err) }
func (r *Range) Parent() *Range       { return r.parent }

func (r *Range) setErr(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Range) consume(n uint64) {
	for p := r; p != nil; p = p.parent {
		if n > p.remaining {
			p.remaining = 0
		} else {
			p.remaining -= n
		}
	}
}

func endOfData(msg string) error {
	return heiferr.New(heiferr.InvalidInput, heiferr.EndOfData, msg)
}

// Prepare checks that n bytes can be read from r and, if so, marks them
// as consumed. On failure r's error is set and the range is skipped to its
// end.
func (r *Range) Prepare(n uint64) bool {
	if r.err != nil {
		return false
	}
	if n > r.remaining {
		r.setErr(endOfData("read beyond end of box"))
		r.SkipToEnd()
		return false
	}
	if r.r.WaitForFileSize(r.r.Position()+n) != SizeReached {
		r.setErr(endOfData("read beyond end of file"))
		return false
	}
	r.consume(n)
	return true
}

// Read fills p or sets the range error.
func (r *Range) Read(p []byte) bool {
	if !r.Prepare(uint64(len(p))) {
		return false
	}
	if !r.r.Read(p) {
		r.setErr(endOfData("short read"))
		return false
	}
	return true
}

// Bytes reads n bytes.
func (r *Range) Bytes(n uint64) []byte {
	if n > r.remaining {
		r.setErr(endOfData("read beyond end of box"))
		r.SkipToEnd()
		return nil
	}
	buf := make([]byte, n)
	if !r.Read(buf) {
		return nil
	}
	return buf
}

// Rest reads all remaining bytes of the range.
func (r *Range) Rest() []byte {
	return r.Bytes(r.remaining)
}

func (r *Range) Uint8() uint8 {
	var b [1]byte
	if !r.Read(b[:]) {
		return 0
	}
	return b[0]
}

func (r *Range) Uint16() uint16 {
	var b [2]byte
	if !r.Read(b[:]) {
		return 0
	}
	return uint16(b[0])<<8 | uint16(b[1])
}

func (r *Range) Uint24() uint32 {
	var b [3]byte
	if !r.Read(b[:]) {
		return 0
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func (r *Range) Uint32() uint32 {
	var b [4]byte
	if !r.Read(b[:]) {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (r *Range) Int32() int32 { return int32(r.Uint32()) }

func (r *Range) Int16() int16 { return int16(r.Uint16()) }

func (r *Range) Uint64() uint64 {
	hi := uint64(r.Uint32())
	lo := uint64(r.Uint32())
	return hi<<32 | lo
}

// UintN reads an nbytes wide unsigned integer; nbytes may be 0.
func (r *Range) UintN(nbytes int) uint64 {
	switch nbytes {
	case 0:
		return 0
	case 1:
		return uint64(r.Uint8())
	case 2:
		return uint64(r.Uint16())
	case 4:
		return uint64(r.Uint32())
	case 8:
		return r.Uint64()
	}
	if nbytes < 0 || nbytes > 8 {
		r.setErr(heiferr.Newf(heiferr.InvalidInput, heiferr.Unspecified, "invalid integer width %d", nbytes))
		return 0
	}
	var v uint64
	for i := 0; i < nbytes; i++ {
		v = v<<8 | uint64(r.Uint8())
	}
	return v
}

// ReadString reads a null-terminated string. A missing terminator is an
// end-of-data error.
func (r *Range) ReadString() string {
	var out []byte
	for {
		if r.err != nil {
			return ""
		}
		if r.remaining == 0 {
			r.setErr(endOfData("string not null-terminated"))
			return ""
		}
		c := r.Uint8()
		if r.err != nil {
			return ""
		}
		if c == 0 {
			return string(out)
		}
		out = append(out, c)
	}
}

// FixedString reads a string of exactly n bytes, the first of which
// holds its length (Pascal style).
func (r *Range) FixedString(n int) string {
	b := r.Bytes(uint64(n))
	if len(b) == 0 {
		return ""
	}
	l := int(b[0])
	if l > n-1 {
		l = n - 1
	}
	return string(b[1 : 1+l])
}

// Skip discards n bytes.
func (r *Range) Skip(n uint64) bool {
	if !r.Prepare(n) {
		return false
	}
	if !r.r.Seek(r.r.Position() + n) {
		r.setErr(endOfData("seek beyond end of file"))
		return false
	}
	return true
}

// SkipToEnd discards the rest of the range without reporting short input.
func (r *Range) SkipToEnd() {
	n := r.remaining
	if n == 0 {
		return
	}
	target := r.r.Position() + n
	r.consume(n)
	// The stream may be shorter than the declared range.
	r.r.Seek(target)
}
