package bitstream

// Writer is a growable big-endian byte buffer with a movable write
// position. Writing below the end overwrites, writing at the end appends,
// which lets callers reserve space and back-patch it later.
type Writer struct {
	data []byte
	pos  int
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Data() []byte      { return w.data }
func (w *Writer) Len() int          { return len(w.data) }
func (w *Writer) Position() int     { return w.pos }
func (w *Writer) SetPosition(p int) { w.pos = p }
func (w *Writer) SetPositionToEnd() { w.pos = len(w.data) }

func (w *Writer) put(b ...byte) {
	end := w.pos + len(b)
	if end > len(w.data) {
		if w.pos == len(w.data) {
			w.data = append(w.data, b...)
			w.pos = end
			return
		}
		w.data = append(w.data, make([]byte, end-len(w.data))...)
	}
	copy(w.data[w.pos:], b)
	w.pos = end
}

func (w *Writer) Write8(v uint8) { w.put(v) }

func (w *Writer) Write16(v uint16) { w.put(byte(v>>8), byte(v)) }

func (w *Writer) Write16s(v int16) { w.Write16(uint16(v)) }

func (w *Writer) Write24(v uint32) { w.put(byte(v>>16), byte(v>>8), byte(v)) }

func (w *Writer) Write32(v uint32) {
	w.put(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (w *Writer) Write32s(v int32) { w.Write32(uint32(v)) }

func (w *Writer) Write64(v uint64) {
	w.Write32(uint32(v >> 32))
	w.Write32(uint32(v))
}

// WriteUintN writes v as an nbytes wide integer.
func (w *Writer) WriteUintN(v uint64, nbytes int) {
	for i := nbytes - 1; i >= 0; i-- {
		w.put(byte(v >> (8 * uint(i))))
	}
}

// WriteString writes s followed by a null terminator.
func (w *Writer) WriteString(s string) {
	w.put([]byte(s)...)
	w.put(0)
}

// WriteFixedString writes s as a length-prefixed field of exactly n bytes.
func (w *Writer) WriteFixedString(s string, n int) {
	if len(s) > n-1 {
		s = s[:n-1]
	}
	buf := make([]byte, n)
	buf[0] = byte(len(s))
	copy(buf[1:], s)
	w.put(buf...)
}

func (w *Writer) WriteBytes(b []byte) { w.put(b...) }

// Skip writes n zero bytes, reserving them for later patching.
func (w *Writer) Skip(n int) {
	w.put(make([]byte, n)...)
}

// Insert opens n zero bytes at the current position, shifting the data
// behind it. The position is left at the start of the gap.
func (w *Writer) Insert(n int) {
	if n <= 0 {
		return
	}
	w.data = append(w.data, make([]byte, n)...)
	copy(w.data[w.pos+n:], w.data[w.pos:len(w.data)-n])
	for i := w.pos; i < w.pos+n; i++ {
		w.data[i] = 0
	}
}
