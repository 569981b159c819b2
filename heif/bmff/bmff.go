/*
Copyright 2018 The go4 Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package bmff reads and writes ISO BMFF boxes, as used by HEIF, AVIF, etc.
//
// Every box type known to the package has a concrete type that parses its
// payload, writes it back and dumps it in readable form. Unknown boxes are
// kept as *OpaqueBox with their raw payload so that they survive a
// read/write round trip.
//
// Before writing a tree, call DeriveVersions so that each box picks the
// smallest version and field widths able to hold its current values.
package bmff

import (
	"bytes"
	"fmt"

	"github.com/heifkit/goheif/heif/bitstream"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/limits"
)

type BoxType [4]byte

func (t BoxType) String() string { return string(t[:]) }

func (t BoxType) EqualString(s string) bool {
	// Could be cleaner, but see https://github.com/golang/go/issues/24765
	return len(s) == 4 && s[0] == t[0] && s[1] == t[1] && s[2] == t[2] && s[3] == t[3]
}

// IsZero reports whether t is unset.
func (t BoxType) IsZero() bool { return t == BoxType{} }

func boxType(s string) BoxType {
	if len(s) != 4 {
		panic("bogus boxType length")
	}
	return BoxType{s[0], s[1], s[2], s[3]}
}

// TypeOf converts a four character code. It panics if s is not four bytes
// long.
func TypeOf(s string) BoxType { return boxType(s) }

// Common box types.
var (
	TypeFtyp = boxType("ftyp")
	TypeMeta = boxType("meta")
	TypeMdat = boxType("mdat")
	TypeHdlr = boxType("hdlr")
	TypeDinf = boxType("dinf")
	TypeDref = boxType("dref")
	TypeURL  = boxType("url ")
	TypePitm = boxType("pitm")
	TypeIinf = boxType("iinf")
	TypeInfe = boxType("infe")
	TypeIref = boxType("iref")
	TypeIloc = boxType("iloc")
	TypeIdat = boxType("idat")
	TypeIprp = boxType("iprp")
	TypeIpco = boxType("ipco")
	TypeIpma = boxType("ipma")
	TypeGrpl = boxType("grpl")
	TypeIspe = boxType("ispe")
	TypeIrot = boxType("irot")
	TypeImir = boxType("imir")
	TypeClap = boxType("clap")
	TypePixi = boxType("pixi")
	TypePasp = boxType("pasp")
	TypeClli = boxType("clli")
	TypeMdcv = boxType("mdcv")
	TypeColr = boxType("colr")
	TypeAuxC = boxType("auxC")
	TypeLsel = boxType("lsel")
	TypeUdes = boxType("udes")
	TypeA1op = boxType("a1op")
	TypeA1lx = boxType("a1lx")
	TypeCmin = boxType("cmin")
	TypeHvcC = boxType("hvcC")
	TypeAv1C = boxType("av1C")
	TypeAvcC = boxType("avcC")
	TypeVvcC = boxType("vvcC")
	TypeJpgC = boxType("jpgC")
	TypeJ2kH = boxType("j2kH")
	TypeUncC = boxType("uncC")
	TypeCmpd = boxType("cmpd")
	TypeCmpC = boxType("cmpC")
	TypeIcbr = boxType("icbr")
	TypeMskC = boxType("mskC")
	TypeUUID = boxType("uuid")
	TypeFree = boxType("free")
)

// UUIDCameraIntrinsics is the extended type under which some writers
// store a 'cmin' box.
var UUIDCameraIntrinsics = [16]byte{
	0x22, 0xcc, 0x04, 0xc7, 0xd6, 0xd9, 0x4e, 0x07,
	0x9d, 0x90, 0x4e, 0xb6, 0xec, 0xba, 0xf3, 0xa3,
}

// Box represents a BMFF box. The set of implementations is closed; boxes
// of unknown type are represented by *OpaqueBox.
type Box interface {
	Type() BoxType
	// Size is the total size declared in the file, or 0 for boxes that
	// were constructed in memory.
	Size() uint64
	Version() uint8
	Flags() uint32
	Children() []Box

	// DeriveVersion picks the smallest version and field widths that can
	// represent the current field values.
	DeriveVersion()

	base() *box
	parse(r *bitstream.Range, lim *limits.SecurityLimits) error
	write(w *bitstream.Writer) error
	dump(d *dumper)
}

type box struct {
	boxType    BoxType
	uuid       [16]byte
	size       uint64
	headerSize uint32
	untilEOF   bool

	full    bool
	version uint8
	flags   uint32

	children []Box
}

func plainBox(t BoxType) box { return box{boxType: t} }
func fullBox(t BoxType) box  { return box{boxType: t, full: true} }

func (b *box) base() *box         { return b }
func (b *box) Type() BoxType      { return b.boxType }
func (b *box) UUIDType() [16]byte { return b.uuid }
func (b *box) Size() uint64       { return b.size }
func (b *box) HeaderSize() uint32 { return b.headerSize }
func (b *box) IsFullBox() bool    { return b.full }
func (b *box) Version() uint8     { return b.version }
func (b *box) SetVersion(v uint8) { b.version = v }
func (b *box) Flags() uint32      { return b.flags }
func (b *box) SetFlags(f uint32)  { b.flags = f & 0xFFFFFF }
func (b *box) Children() []Box    { return b.children }
func (b *box) DeriveVersion()     {}

// Child returns the first child of type t, or nil.
func (b *box) Child(t BoxType) Box {
	for _, c := range b.children {
		if c.Type() == t {
			return c
		}
	}
	return nil
}

// ChildrenOfType returns all children of type t.
func (b *box) ChildrenOfType(t BoxType) []Box {
	var out []Box
	for _, c := range b.children {
		if c.Type() == t {
			out = append(out, c)
		}
	}
	return out
}

// AppendChild adds c and returns its index.
func (b *box) AppendChild(c Box) int {
	b.children = append(b.children, c)
	return len(b.children) - 1
}

// RemoveChildren drops all children of type t.
func (b *box) RemoveChildren(t BoxType) {
	kept := b.children[:0]
	for _, c := range b.children {
		if c.Type() != t {
			kept = append(kept, c)
		}
	}
	b.children = kept
}

func (b *box) readFullBoxHeader(r *bitstream.Range) {
	v := r.Uint32()
	b.full = true
	b.version = uint8(v >> 24)
	b.flags = v & 0xFFFFFF
}

func (b *box) readChildren(r *bitstream.Range, lim *limits.SecurityLimits, max int) error {
	for !r.EOF() && r.OK() {
		if max >= 0 && len(b.children) >= max {
			break
		}
		if err := lim.CheckChildren(uint64(len(b.children)) + 1); err != nil {
			return err
		}
		c, err := ReadBox(r, lim)
		if err != nil {
			return err
		}
		b.children = append(b.children, c)
	}
	return r.Err()
}

func (b *box) writeChildren(w *bitstream.Writer) error {
	for _, c := range b.children {
		if err := WriteBox(w, c); err != nil {
			return err
		}
	}
	return nil
}

type factory func() Box

var factories map[BoxType]factory

func init() {
	factories = map[BoxType]factory{
		TypeFtyp: func() Box { return &FileTypeBox{box: plainBox(TypeFtyp)} },
		TypeMeta: func() Box { return &MetaBox{box: fullBox(TypeMeta)} },
		TypeHdlr: func() Box { return &HandlerBox{box: fullBox(TypeHdlr)} },
		TypeDinf: func() Box { return &DataInformationBox{box: plainBox(TypeDinf)} },
		TypeDref: func() Box { return &DataReferenceBox{box: fullBox(TypeDref)} },
		TypeURL:  func() Box { return &DataEntryURLBox{box: fullBox(TypeURL)} },
		TypePitm: func() Box { return &PrimaryItemBox{box: fullBox(TypePitm)} },
		TypeIinf: func() Box { return &ItemInfoBox{box: fullBox(TypeIinf)} },
		TypeInfe: func() Box { return &ItemInfoEntry{box: fullBox(TypeInfe)} },
		TypeIref: func() Box { return &ItemReferenceBox{box: fullBox(TypeIref)} },
		TypeIloc: func() Box { return &ItemLocationBox{box: fullBox(TypeIloc)} },
		TypeIdat: func() Box { return &ItemDataBox{box: plainBox(TypeIdat)} },
		TypeIprp: func() Box { return &ItemPropertiesBox{box: plainBox(TypeIprp)} },
		TypeIpco: func() Box { return &ItemPropertyContainerBox{box: plainBox(TypeIpco)} },
		TypeIpma: func() Box { return &ItemPropertyAssociation{box: fullBox(TypeIpma)} },
		TypeGrpl: func() Box { return &GroupsListBox{box: plainBox(TypeGrpl)} },
		TypeIspe: func() Box { return &ImageSpatialExtentsProperty{box: fullBox(TypeIspe)} },
		TypeIrot: func() Box { return &ImageRotation{box: plainBox(TypeIrot)} },
		TypeImir: func() Box { return &ImageMirror{box: plainBox(TypeImir)} },
		TypeClap: func() Box { return &CleanApertureBox{box: plainBox(TypeClap)} },
		TypePixi: func() Box { return &PixelInformationProperty{box: fullBox(TypePixi)} },
		TypePasp: func() Box { return &PixelAspectRatioBox{box: plainBox(TypePasp)} },
		TypeClli: func() Box { return &ContentLightLevelBox{box: plainBox(TypeClli)} },
		TypeMdcv: func() Box { return &MasteringDisplayColourVolumeBox{box: plainBox(TypeMdcv)} },
		TypeColr: func() Box { return &ColourInformationBox{box: plainBox(TypeColr)} },
		TypeAuxC: func() Box { return &AuxiliaryTypeProperty{box: fullBox(TypeAuxC)} },
		TypeLsel: func() Box { return &LayerSelectorProperty{box: plainBox(TypeLsel)} },
		TypeUdes: func() Box { return &UserDescriptionProperty{box: fullBox(TypeUdes)} },
		TypeA1op: func() Box { return &OperatingPointSelector{box: plainBox(TypeA1op)} },
		TypeA1lx: func() Box { return &LayeredImageIndexing{box: plainBox(TypeA1lx)} },
		TypeCmin: func() Box { return &CameraIntrinsicMatrix{box: fullBox(TypeCmin)} },
		TypeHvcC: func() Box { return &ItemHevcConfigBox{box: plainBox(TypeHvcC)} },
		TypeAv1C: func() Box { return &ItemAv1ConfigBox{box: plainBox(TypeAv1C)} },
		TypeAvcC: func() Box { return &ItemAvcConfigBox{box: plainBox(TypeAvcC)} },
		TypeVvcC: func() Box { return &ItemVvcConfigBox{box: plainBox(TypeVvcC)} },
		TypeJpgC: func() Box { return &JPEGConfigBox{box: plainBox(TypeJpgC)} },
		TypeJ2kH: func() Box { return &JPEG2000HeaderBox{box: plainBox(TypeJ2kH)} },
		TypeUncC: func() Box { return &UncompressedFrameConfigBox{box: fullBox(TypeUncC)} },
		TypeCmpd: func() Box { return &ComponentDefinitionBox{box: plainBox(TypeCmpd)} },
		TypeCmpC: func() Box { return &GenericCompressionConfigBox{box: fullBox(TypeCmpC)} },
		TypeIcbr: func() Box { return &ItemCompressedByteRangeBox{box: fullBox(TypeIcbr)} },
		TypeMskC: func() Box { return &MaskConfigBox{box: fullBox(TypeMskC)} },
		TypeMdat: func() Box { return &MediaDataBox{box: plainBox(TypeMdat)} },
	}
	for _, t := range entityGroupTypes {
		t := t
		factories[t] = func() Box { return &EntityToGroupBox{box: fullBox(t)} }
	}
}

// New returns an empty box of type t, or an *OpaqueBox for unknown types.
func New(t BoxType) Box {
	if f, ok := factories[t]; ok {
		return f()
	}
	return &OpaqueBox{box: plainBox(t)}
}

type header struct {
	size       uint64
	boxType    BoxType
	uuid       [16]byte
	headerSize uint32
	untilEOF   bool
}

func invalidBoxSize(format string, args ...interface{}) error {
	return heiferr.Newf(heiferr.InvalidInput, heiferr.InvalidBoxSize, format, args...)
}

func parseHeader(r *bitstream.Range) (header, error) {
	var h header
	size32 := r.Uint32()
	r.Read(h.boxType[:])
	h.size = uint64(size32)
	h.headerSize = 8
	if size32 == 1 {
		h.size = r.Uint64()
		h.headerSize += 8
		if h.size > limits.MaxLargeBoxSize {
			return h, heiferr.Newf(heiferr.MemoryAllocation, heiferr.SecurityLimitExceeded,
				"box size %d exceeds the maximum of %d", h.size, uint64(limits.MaxLargeBoxSize))
		}
	}
	if h.boxType == TypeUUID {
		r.Read(h.uuid[:])
		h.headerSize += 16
	}
	if err := r.Err(); err != nil {
		return h, err
	}
	if size32 == 0 {
		h.untilEOF = true
		h.size = uint64(h.headerSize) + r.Remaining()
	}
	if h.size < uint64(h.headerSize) {
		return h, invalidBoxSize("box %q has size %d, smaller than its header (%d)", h.boxType, h.size, h.headerSize)
	}
	return h, nil
}

// ReadBox reads the next box, including all of its children, from r.
func ReadBox(r *bitstream.Range, lim *limits.SecurityLimits) (Box, error) {
	return readBox(r, lim, nil)
}

func readBox(r *bitstream.Range, lim *limits.SecurityLimits, mk func(t BoxType) Box) (Box, error) {
	lim = lim.OrDefault()
	if r.Level() > limits.MaxBoxNestingLevel {
		return nil, heiferr.Newf(heiferr.MemoryAllocation, heiferr.SecurityLimitExceeded,
			"box nesting exceeds the maximum level of %d", limits.MaxBoxNestingLevel)
	}

	h, err := parseHeader(r)
	if err != nil {
		return nil, err
	}

	payload := h.size - uint64(h.headerSize)
	if payload > r.Remaining() {
		return nil, invalidBoxSize("box %q of size %d exceeds its container (%d bytes left)",
			h.boxType, h.size, r.Remaining()+uint64(h.headerSize))
	}

	var b Box
	switch {
	case mk != nil:
		b = mk(h.boxType)
	case h.boxType == TypeUUID && h.uuid == UUIDCameraIntrinsics:
		b = &CameraIntrinsicMatrix{box: fullBox(TypeUUID)}
	default:
		b = New(h.boxType)
	}
	bb := b.base()
	bb.boxType = h.boxType
	bb.uuid = h.uuid
	bb.size = h.size
	bb.headerSize = h.headerSize
	bb.untilEOF = h.untilEOF

	sub := r.Sub(payload)
	err = b.parse(sub, lim)
	if err == nil {
		err = sub.Err()
	}
	sub.SkipToEnd()
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ReadBoxes reads boxes from r until it is exhausted.
func ReadBoxes(r *bitstream.Range, lim *limits.SecurityLimits) ([]Box, error) {
	var out []Box
	for !r.EOF() {
		b, err := ReadBox(r, lim)
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Parse reads a single box from data.
func Parse(data []byte, lim *limits.SecurityLimits) (Box, error) {
	r := bitstream.NewRange(bitstream.NewMemoryReader(data), uint64(len(data)))
	return ReadBox(r, lim)
}

func headerLen(b *box) int {
	n := 8
	if b.boxType == TypeUUID {
		n += 16
	}
	if b.full {
		n += 4
	}
	return n
}

// prefixWriter is implemented by boxes that emit a sibling box in front of
// themselves ('iloc' writes its 'idat').
type prefixWriter interface {
	writePrefix(w *bitstream.Writer) error
}

// WriteBox writes b and its children. Space for the header is reserved
// first and patched with the final size once the content is known.
func WriteBox(w *bitstream.Writer, b Box) error {
	bb := b.base()
	if p, ok := b.(prefixWriter); ok {
		if err := p.writePrefix(w); err != nil {
			return err
		}
	}
	start := w.Position()
	w.Skip(headerLen(bb))
	if err := b.write(w); err != nil {
		return err
	}
	patchHeader(w, bb, start)
	return nil
}

func patchHeader(w *bitstream.Writer, b *box, start int) {
	end := w.Position()
	total := uint64(end - start)
	large := total > 0xFFFFFFFF
	if large {
		w.SetPosition(start + 8)
		w.Insert(8)
		total += 8
		end += 8
	}
	w.SetPosition(start)
	if large {
		w.Write32(1)
	} else {
		w.Write32(uint32(total))
	}
	w.WriteBytes(b.boxType[:])
	if large {
		w.Write64(total)
	}
	if b.boxType == TypeUUID {
		w.WriteBytes(b.uuid[:])
	}
	if b.full {
		w.Write8(b.version)
		w.Write24(b.flags)
	}
	w.SetPosition(end)
}

// Bytes serializes b.
func Bytes(b Box) ([]byte, error) {
	w := bitstream.NewWriter()
	if err := WriteBox(w, b); err != nil {
		return nil, err
	}
	return w.Data(), nil
}

// Equal reports whether a and b serialize to the same bytes.
func Equal(a, b Box) bool {
	if a.Type() != b.Type() {
		return false
	}
	ab, err := Bytes(a)
	if err != nil {
		return false
	}
	bb, err := Bytes(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// DeriveVersions calls DeriveVersion on b and all of its descendants,
// children first.
func DeriveVersions(b Box) {
	for _, c := range b.Children() {
		DeriveVersions(c)
	}
	b.DeriveVersion()
}

// OpaqueBox holds a box of a type this package does not interpret.
type OpaqueBox struct {
	box
	Data []byte
}

func (b *OpaqueBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	if err := lim.CheckMemoryBlock(r.Remaining(), fmt.Sprintf("box %q", b.boxType)); err != nil {
		return err
	}
	b.Data = r.Rest()
	return r.Err()
}

func (b *OpaqueBox) write(w *bitstream.Writer) error {
	w.WriteBytes(b.Data)
	return nil
}

func (b *OpaqueBox) dump(d *dumper) {
	d.line("data: %d bytes", len(b.Data))
}
