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

package bmff

import (
	"fmt"

	"github.com/heifkit/goheif/heif/bitstream"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/limits"
)

// Component types of a 'cmpd' box.
const (
	ComponentMonochrome  uint16 = 0
	ComponentY           uint16 = 1
	ComponentCb          uint16 = 2
	ComponentCr          uint16 = 3
	ComponentRed         uint16 = 4
	ComponentGreen       uint16 = 5
	ComponentBlue        uint16 = 6
	ComponentAlpha       uint16 = 7
	ComponentDepth       uint16 = 8
	ComponentDisparity   uint16 = 9
	ComponentPalette     uint16 = 10
	ComponentFilterArray uint16 = 11
	ComponentPadded      uint16 = 12
)

var componentTypeNames = map[uint16]string{
	ComponentMonochrome:  "monochrome",
	ComponentY:           "Y",
	ComponentCb:          "Cb",
	ComponentCr:          "Cr",
	ComponentRed:         "red",
	ComponentGreen:       "green",
	ComponentBlue:        "blue",
	ComponentAlpha:       "alpha",
	ComponentDepth:       "depth",
	ComponentDisparity:   "disparity",
	ComponentPalette:     "palette",
	ComponentFilterArray: "filter-array",
	ComponentPadded:      "padded",
}

// ComponentTypeName returns a readable name of a component type.
func ComponentTypeName(t uint16) string {
	if n, ok := componentTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("0x%x", t)
}

// Component formats of an 'uncC' box.
const (
	ComponentFormatUnsigned = 0
	ComponentFormatFloat    = 1
	ComponentFormatComplex  = 2
	ComponentFormatSigned   = 3
)

// Sampling types of an 'uncC' box.
const (
	SamplingNone = 0
	Sampling422  = 1
	Sampling420  = 2
	Sampling411  = 3
)

// Interleave types of an 'uncC' box.
const (
	InterleaveComponent     = 0
	InterleavePixel         = 1
	InterleaveMixed         = 2
	InterleaveRow           = 3
	InterleaveTileComponent = 4
	InterleaveMultiY        = 5
)

// ComponentDefinition is one entry of a 'cmpd' box.
type ComponentDefinition struct {
	Type uint16
	URI  string // only for Type >= 0x8000
}

// ComponentDefinitionBox is a "cmpd" property.
type ComponentDefinitionBox struct {
	box
	Components []ComponentDefinition
}

// NewComponentDefinition returns a 'cmpd' property.
func NewComponentDefinition(types ...uint16) *ComponentDefinitionBox {
	b := factories[TypeCmpd]().(*ComponentDefinitionBox)
	for _, t := range types {
		b.Components = append(b.Components, ComponentDefinition{Type: t})
	}
	return b
}

func (b *ComponentDefinitionBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	n := r.Uint32()
	if err := lim.CheckComponents(uint64(n)); err != nil {
		return err
	}
	for i := uint32(0); i < n && r.OK() && !r.EOF(); i++ {
		var c ComponentDefinition
		c.Type = r.Uint16()
		if c.Type >= 0x8000 {
			c.URI = r.ReadString()
		}
		b.Components = append(b.Components, c)
	}
	return r.Err()
}

func (b *ComponentDefinitionBox) write(w *bitstream.Writer) error {
	w.Write32(uint32(len(b.Components)))
	for _, c := range b.Components {
		w.Write16(c.Type)
		if c.Type >= 0x8000 {
			w.WriteString(c.URI)
		}
	}
	return nil
}

func (b *ComponentDefinitionBox) dump(d *dumper) {
	for _, c := range b.Components {
		d.line("component_type: %s", ComponentTypeName(c.Type))
		if c.Type >= 0x8000 {
			d.line("| component_type_uri: %s", c.URI)
		}
	}
}

// UncompressedComponent is one component entry of an 'uncC' box.
type UncompressedComponent struct {
	Index     uint16 // into the 'cmpd' list
	BitDepth  uint16 // 1..256
	Format    uint8
	AlignSize uint8
}

// UncompressedFrameConfigBox is an "uncC" property.
type UncompressedFrameConfigBox struct {
	box
	Profile    BoxType
	Components []UncompressedComponent

	SamplingType   uint8
	InterleaveType uint8
	BlockSize      uint8

	ComponentsLittleEndian bool
	BlockPadLSB            bool
	BlockLittleEndian      bool
	BlockReversed          bool
	PadUnknown             bool

	PixelSize     uint32
	RowAlignSize  uint32
	TileAlignSize uint32
	NumTileCols   uint32
	NumTileRows   uint32
}

// NewUncompressedFrameConfig returns an 'uncC' property for a single tile
// of the given components.
func NewUncompressedFrameConfig(interleave uint8, components ...UncompressedComponent) *UncompressedFrameConfigBox {
	b := factories[TypeUncC]().(*UncompressedFrameConfigBox)
	b.Components = components
	b.InterleaveType = interleave
	b.NumTileCols, b.NumTileRows = 1, 1
	return b
}

var uncProfiles = map[string][]uint16{
	"rgb3": {ComponentRed, ComponentGreen, ComponentBlue},
	"rgba": {ComponentRed, ComponentGreen, ComponentBlue, ComponentAlpha},
	"abgr": {ComponentAlpha, ComponentBlue, ComponentGreen, ComponentRed},
}

func (b *UncompressedFrameConfigBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	r.Read(b.Profile[:])
	switch b.version {
	case 1:
		types, ok := uncProfiles[b.Profile.String()]
		if !ok {
			return heiferr.Newf(heiferr.InvalidInput, heiferr.InvalidParameterValue, "invalid uncC profile %q", b.Profile)
		}
		for i := range types {
			b.Components = append(b.Components, UncompressedComponent{Index: uint16(i), BitDepth: 8})
		}
		b.InterleaveType = InterleavePixel
		b.NumTileCols, b.NumTileRows = 1, 1
	case 0:
		n := r.Uint32()
		if err := lim.CheckComponents(uint64(n)); err != nil {
			return err
		}
		for i := uint32(0); i < n && r.OK() && !r.EOF(); i++ {
			var c UncompressedComponent
			c.Index = r.Uint16()
			c.BitDepth = uint16(r.Uint8()) + 1
			c.Format = r.Uint8()
			c.AlignSize = r.Uint8()
			if c.Format > ComponentFormatSigned {
				return heiferr.New(heiferr.InvalidInput, heiferr.InvalidParameterValue, "invalid component format")
			}
			b.Components = append(b.Components, c)
		}
		b.SamplingType = r.Uint8()
		if b.SamplingType > Sampling411 {
			return heiferr.New(heiferr.InvalidInput, heiferr.InvalidParameterValue, "invalid sampling mode")
		}
		b.InterleaveType = r.Uint8()
		if b.InterleaveType > InterleaveMultiY {
			return heiferr.New(heiferr.InvalidInput, heiferr.InvalidParameterValue, "invalid interleave mode")
		}
		b.BlockSize = r.Uint8()
		flags := r.Uint8()
		b.ComponentsLittleEndian = flags&0x80 != 0
		b.BlockPadLSB = flags&0x40 != 0
		b.BlockLittleEndian = flags&0x20 != 0
		b.BlockReversed = flags&0x10 != 0
		b.PadUnknown = flags&0x08 != 0
		b.PixelSize = r.Uint32()
		b.RowAlignSize = r.Uint32()
		b.TileAlignSize = r.Uint32()
		b.NumTileCols = r.Uint32() + 1
		b.NumTileRows = r.Uint32() + 1
	default:
		return heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedDataVersion, "uncC version %d", b.version)
	}
	return r.Err()
}

// ImpliedComponents returns the component definition implied by a version 1
// profile, or nil.
func (b *UncompressedFrameConfigBox) ImpliedComponents() *ComponentDefinitionBox {
	if b.version != 1 {
		return nil
	}
	types, ok := uncProfiles[b.Profile.String()]
	if !ok {
		return nil
	}
	return NewComponentDefinition(types...)
}

func (b *UncompressedFrameConfigBox) write(w *bitstream.Writer) error {
	w.WriteBytes(b.Profile[:])
	if b.version == 1 {
		return nil
	}
	w.Write32(uint32(len(b.Components)))
	for _, c := range b.Components {
		if c.BitDepth < 1 || c.BitDepth > 256 {
			return heiferr.New(heiferr.UsageError, heiferr.InvalidParameterValue, "component bit-depth out of range [1..256]")
		}
		w.Write16(c.Index)
		w.Write8(uint8(c.BitDepth - 1))
		w.Write8(c.Format)
		w.Write8(c.AlignSize)
	}
	w.Write8(b.SamplingType)
	w.Write8(b.InterleaveType)
	w.Write8(b.BlockSize)
	var flags uint8
	for i, f := range []bool{b.ComponentsLittleEndian, b.BlockPadLSB, b.BlockLittleEndian, b.BlockReversed, b.PadUnknown} {
		if f {
			flags |= 0x80 >> uint(i)
		}
	}
	w.Write8(flags)
	w.Write32(b.PixelSize)
	w.Write32(b.RowAlignSize)
	w.Write32(b.TileAlignSize)
	w.Write32(b.NumTileCols - 1)
	w.Write32(b.NumTileRows - 1)
	return nil
}

func (b *UncompressedFrameConfigBox) dump(d *dumper) {
	d.line("profile: %q", b.Profile)
	if b.version != 0 {
		return
	}
	for _, c := range b.Components {
		d.line("component_index: %d", c.Index)
		d.line("component_bit_depth: %d", c.BitDepth)
		d.line("component_format: %d", c.Format)
		d.line("component_align_size: %d", c.AlignSize)
	}
	d.line("sampling_type: %d", b.SamplingType)
	d.line("interleave_type: %d", b.InterleaveType)
	d.line("block_size: %d", b.BlockSize)
	d.line("components_little_endian: %v", b.ComponentsLittleEndian)
	d.line("block_pad_lsb: %v", b.BlockPadLSB)
	d.line("block_little_endian: %v", b.BlockLittleEndian)
	d.line("block_reversed: %v", b.BlockReversed)
	d.line("pad_unknown: %v", b.PadUnknown)
	d.line("pixel_size: %d", b.PixelSize)
	d.line("row_align_size: %d", b.RowAlignSize)
	d.line("tile_align_size: %d", b.TileAlignSize)
	d.line("num_tile_cols: %d", b.NumTileCols)
	d.line("num_tile_rows: %d", b.NumTileRows)
}

// Compressed unit types of a 'cmpC' box.
const (
	CompressedUnitFullItem = 0
	CompressedUnitImage    = 1
	CompressedUnitTile     = 2
	CompressedUnitRow      = 3
	CompressedUnitPixel    = 4
)

// GenericCompressionConfigBox is a "cmpC" property.
type GenericCompressionConfigBox struct {
	box
	CompressionType BoxType
	UnitType        uint8
}

// NewGenericCompressionConfig returns a 'cmpC' property.
func NewGenericCompressionConfig(compression string, unit uint8) *GenericCompressionConfigBox {
	b := factories[TypeCmpC]().(*GenericCompressionConfigBox)
	b.CompressionType = boxType(compression)
	b.UnitType = unit
	return b
}

func (b *GenericCompressionConfigBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	r.Read(b.CompressionType[:])
	b.UnitType = r.Uint8()
	return r.Err()
}

func (b *GenericCompressionConfigBox) write(w *bitstream.Writer) error {
	w.WriteBytes(b.CompressionType[:])
	w.Write8(b.UnitType)
	return nil
}

func (b *GenericCompressionConfigBox) dump(d *dumper) {
	d.line("compression_type: %s", b.CompressionType)
	d.line("compressed_entity_type: %d", b.UnitType)
}

// ByteRange is a compressed unit of an item.
type ByteRange struct {
	Offset, Size uint64
}

// ItemCompressedByteRangeBox is an "icbr" property.
type ItemCompressedByteRangeBox struct {
	box
	Ranges []ByteRange
}

func (b *ItemCompressedByteRangeBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	if b.version > 1 {
		return heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedDataVersion, "icbr version %d", b.version)
	}
	n := r.Uint32()
	width := 4
	if b.version == 1 {
		width = 8
	}
	if uint64(n)*uint64(2*width) > r.Remaining() {
		return invalidBoxSize("icbr box declares %d ranges but holds only %d bytes", n, r.Remaining())
	}
	for i := uint32(0); i < n && r.OK(); i++ {
		b.Ranges = append(b.Ranges, ByteRange{Offset: r.UintN(width), Size: r.UintN(width)})
	}
	return r.Err()
}

func (b *ItemCompressedByteRangeBox) DeriveVersion() {
	b.version = 0
	for _, br := range b.Ranges {
		if br.Offset > 0xFFFFFFFF || br.Size > 0xFFFFFFFF {
			b.version = 1
		}
	}
}

func (b *ItemCompressedByteRangeBox) write(w *bitstream.Writer) error {
	width := 4
	if b.version == 1 {
		width = 8
	}
	w.Write32(uint32(len(b.Ranges)))
	for _, br := range b.Ranges {
		w.WriteUintN(br.Offset, width)
		w.WriteUintN(br.Size, width)
	}
	return nil
}

func (b *ItemCompressedByteRangeBox) dump(d *dumper) {
	for _, br := range b.Ranges {
		d.line("offset: %d, size: %d", br.Offset, br.Size)
	}
}
