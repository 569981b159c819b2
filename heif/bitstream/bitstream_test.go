package bitstream

import (
	"bytes"
	"errors"
	"testing"

	"github.com/heifkit/goheif/heif/heiferr"
)

func TestRangeReads(t *testing.T) {
	data := []byte{
		0x01,
		0x02, 0x03,
		0x04, 0x05, 0x06,
		0x07, 0x08, 0x09, 0x0a,
		0, 0, 0, 1, 0, 0, 0, 2,
		'a', 'b', 0,
	}
	r := NewRange(NewMemoryReader(data), uint64(len(data)))
	if v := r.Uint8(); v != 0x01 {
		t.Errorf("Uint8 = %#x", v)
	}
	if v := r.Uint16(); v != 0x0203 {
		t.Errorf("Uint16 = %#x", v)
	}
	if v := r.Uint24(); v != 0x040506 {
		t.Errorf("Uint24 = %#x", v)
	}
	if v := r.Uint32(); v != 0x0708090a {
		t.Errorf("Uint32 = %#x", v)
	}
	if v := r.Uint64(); v != 1<<32|2 {
		t.Errorf("Uint64 = %#x", v)
	}
	if s := r.ReadString(); s != "ab" {
		t.Errorf("ReadString = %q", s)
	}
	if !r.EOF() || r.Err() != nil {
		t.Errorf("EOF = %v, err = %v", r.EOF(), r.Err())
	}
}

func TestRangeShortRead(t *testing.T) {
	r := NewRange(NewMemoryReader([]byte{1, 2, 3}), 3)
	_ = r.Uint16()
	if v := r.Uint16(); v != 0 {
		t.Errorf("short read returned %d", v)
	}
	if !errors.Is(r.Err(), heiferr.ErrEndOfData) {
		t.Fatalf("err = %v, want end of data", r.Err())
	}
	// Sticky: further reads keep the first error.
	_ = r.Uint8()
	if !errors.Is(r.Err(), heiferr.ErrEndOfData) {
		t.Errorf("error not sticky: %v", r.Err())
	}
}

func TestRangeDeclaredBeyondFile(t *testing.T) {
	// The range claims 10 bytes but the stream has 4.
	r := NewRange(NewMemoryReader([]byte{1, 2, 3, 4}), 10)
	_ = r.Uint32()
	if r.Err() != nil {
		t.Fatalf("unexpected error: %v", r.Err())
	}
	_ = r.Uint32()
	if !errors.Is(r.Err(), heiferr.ErrEndOfData) {
		t.Errorf("err = %v, want end of data", r.Err())
	}
}

func TestSubRangeConsumesParent(t *testing.T) {
	r := NewRange(NewMemoryReader(make([]byte, 16)), 16)
	sub := r.Sub(8)
	if sub.Level() != 1 {
		t.Errorf("level = %d", sub.Level())
	}
	_ = sub.Uint32()
	if r.Remaining() != 12 {
		t.Errorf("parent remaining = %d, want 12", r.Remaining())
	}
	sub.SkipToEnd()
	if r.Remaining() != 8 || r.Position() != 8 {
		t.Errorf("after skip: remaining %d, pos %d", r.Remaining(), r.Position())
	}
}

func TestUnterminatedString(t *testing.T) {
	r := NewRange(NewMemoryReader([]byte("abc")), 3)
	if s := r.ReadString(); s != "" {
		t.Errorf("got %q", s)
	}
	if !errors.Is(r.Err(), heiferr.ErrEndOfData) {
		t.Errorf("err = %v", r.Err())
	}
}

func TestReaderAtStream(t *testing.T) {
	br := bytes.NewReader([]byte{0xde, 0xad, 0xbe, 0xef})
	size, ok := SizeOf(br)
	if !ok || size != 4 {
		t.Fatalf("SizeOf = %d, %v", size, ok)
	}
	r := NewRange(NewReaderAtStream(br, size), uint64(size))
	if v := r.Uint32(); v != 0xdeadbeef {
		t.Errorf("got %#x", v)
	}
}

func TestWriterBackpatch(t *testing.T) {
	w := NewWriter()
	start := w.Position()
	w.Skip(4)
	w.WriteString("hi")
	w.Write16(0xabcd)
	end := w.Position()

	w.SetPosition(start)
	w.Write32(uint32(end - start))
	w.SetPositionToEnd()
	w.Write8(0xff)

	want := []byte{0, 0, 0, 9, 'h', 'i', 0, 0xab, 0xcd, 0xff}
	if !bytes.Equal(w.Data(), want) {
		t.Errorf("got % x, want % x", w.Data(), want)
	}
}

func TestWriterInsert(t *testing.T) {
	w := NewWriter()
	w.WriteBytes([]byte{1, 2, 3, 4})
	w.SetPosition(2)
	w.Insert(2)
	w.Write16(0x0909)
	want := []byte{1, 2, 9, 9, 3, 4}
	if !bytes.Equal(w.Data(), want) {
		t.Errorf("got % x, want % x", w.Data(), want)
	}
}

func TestUintN(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 4, 8} {
		w := NewWriter()
		v := uint64(0x0102030405060708) & (1<<(8*uint(n)) - 1)
		if n == 8 {
			v = 0x0102030405060708
		}
		w.WriteUintN(v, n)
		if w.Len() != n {
			t.Errorf("width %d: wrote %d bytes", n, w.Len())
		}
		r := NewRange(NewMemoryReader(w.Data()), uint64(w.Len()))
		if got := r.UintN(n); got != v {
			t.Errorf("width %d: got %#x, want %#x", n, got, v)
		}
	}
}
