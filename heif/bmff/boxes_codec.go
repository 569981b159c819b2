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
	"github.com/heifkit/goheif/heif/bitstream"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/limits"
)

// HEVCConfig is the fixed part of an 'hvcC' box.
type HEVCConfig struct {
	Version                          uint8
	GeneralProfileSpace              uint8
	GeneralTierFlag                  uint8
	GeneralProfileIdc                uint8
	GeneralProfileCompatibilityFlags uint32
	GeneralConstraintIndicatorFlags  [6]uint8

	GeneralLevelIdc uint8

	MinSpatialSegmentationIdc uint16
	ParallelismType           uint8
	ChromaFormat              uint8
	BitDepthLuma              uint8
	BitDepthChroma            uint8
	AvgFrameRate              uint16

	ConstantFrameRate uint8
	NumTemporalLayers uint8
	TemporalIDNested  uint8
	LengthSize        uint8
}

// NalArray is a list of NAL units of one type.
type NalArray struct {
	Completeness uint8
	UnitType     uint8
	Units        [][]byte
}

// ItemHevcConfigBox is a HEIF "hvcC" property
type ItemHevcConfigBox struct {
	box
	Config   HEVCConfig
	NalArray []*NalArray
}

// NewItemHevcConfigBox returns an 'hvcC' box.
func NewItemHevcConfigBox(c HEVCConfig) *ItemHevcConfigBox {
	b := factories[TypeHvcC]().(*ItemHevcConfigBox)
	b.Config = c
	return b
}

// AsHeader returns the parameter set NAL units, each prefixed with its
// 4-byte size, as expected in front of the image data.
func (ib *ItemHevcConfigBox) AsHeader() []byte {
	var out []byte
	for _, na := range ib.NalArray {
		for _, unit := range na.Units {
			n := len(unit)
			out = append(out, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
			out = append(out, unit...)
		}
	}
	return out
}

// AppendNAL adds a NAL unit in its own array.
func (ib *ItemHevcConfigBox) AppendNAL(nal []byte) {
	if len(nal) == 0 {
		return
	}
	ib.NalArray = append(ib.NalArray, &NalArray{UnitType: (nal[0] >> 1) & 0x3F, Units: [][]byte{nal}})
}

func (ib *ItemHevcConfigBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	c := &ib.Config
	c.Version = r.Uint8()

	ch := r.Uint8()
	c.GeneralProfileSpace = (ch >> 6) & 3
	c.GeneralTierFlag = (ch >> 5) & 1
	c.GeneralProfileIdc = ch & 0x1F

	c.GeneralProfileCompatibilityFlags = r.Uint32()
	for i := range c.GeneralConstraintIndicatorFlags {
		c.GeneralConstraintIndicatorFlags[i] = r.Uint8()
	}

	c.GeneralLevelIdc = r.Uint8()
	c.MinSpatialSegmentationIdc = r.Uint16() & 0x0FFF
	c.ParallelismType = r.Uint8() & 3
	c.ChromaFormat = r.Uint8() & 3
	c.BitDepthLuma = r.Uint8()&7 + 8
	c.BitDepthChroma = r.Uint8()&7 + 8
	c.AvgFrameRate = r.Uint16()

	ch = r.Uint8()
	c.ConstantFrameRate = (ch >> 6) & 0x03
	c.NumTemporalLayers = (ch >> 3) & 0x07
	c.TemporalIDNested = (ch >> 2) & 1
	c.LengthSize = ch&3 + 1

	numArrays := int(r.Uint8())
	for i := 0; i < numArrays && r.OK(); i++ {
		ch := r.Uint8()
		na := &NalArray{Completeness: (ch >> 6) & 1, UnitType: ch & 0x3F}
		numUnits := int(r.Uint16())
		for j := 0; j < numUnits && r.OK(); j++ {
			size := r.Uint16()
			if size == 0 { // ignore empty NAL units
				continue
			}
			if unit := r.Bytes(uint64(size)); unit != nil {
				na.Units = append(na.Units, unit)
			}
		}
		ib.NalArray = append(ib.NalArray, na)
	}
	return r.Err()
}

func (ib *ItemHevcConfigBox) write(w *bitstream.Writer) error {
	c := &ib.Config
	w.Write8(c.Version)
	w.Write8(c.GeneralProfileSpace<<6 | (c.GeneralTierFlag&1)<<5 | c.GeneralProfileIdc&0x1F)
	w.Write32(c.GeneralProfileCompatibilityFlags)
	w.WriteBytes(c.GeneralConstraintIndicatorFlags[:])
	w.Write8(c.GeneralLevelIdc)
	w.Write16(c.MinSpatialSegmentationIdc | 0xF000)
	w.Write8(c.ParallelismType | 0xFC)
	w.Write8(c.ChromaFormat | 0xFC)
	w.Write8((c.BitDepthLuma - 8) | 0xF8)
	w.Write8((c.BitDepthChroma - 8) | 0xF8)
	w.Write16(c.AvgFrameRate)
	ls := c.LengthSize
	if ls == 0 {
		ls = 4
	}
	w.Write8(c.ConstantFrameRate<<6 | (c.NumTemporalLayers&7)<<3 | (c.TemporalIDNested&1)<<2 | (ls-1)&3)

	if len(ib.NalArray) > 0xFF {
		return heiferr.New(heiferr.EncodingError, heiferr.Unspecified, "too many NAL arrays in hvcC box")
	}
	w.Write8(uint8(len(ib.NalArray)))
	for _, na := range ib.NalArray {
		w.Write8((na.Completeness&1)<<6 | na.UnitType&0x3F)
		w.Write16(uint16(len(na.Units)))
		for _, u := range na.Units {
			if len(u) > 0xFFFF {
				return heiferr.New(heiferr.EncodingError, heiferr.Unspecified, "NAL unit too large for hvcC box")
			}
			w.Write16(uint16(len(u)))
			w.WriteBytes(u)
		}
	}
	return nil
}

func (ib *ItemHevcConfigBox) dump(d *dumper) {
	c := &ib.Config
	d.line("configuration_version: %d", c.Version)
	d.line("general_profile_space: %d", c.GeneralProfileSpace)
	d.line("general_tier_flag: %d", c.GeneralTierFlag)
	d.line("general_profile_idc: %d", c.GeneralProfileIdc)
	d.line("general_level_idc: %d", c.GeneralLevelIdc)
	d.line("chroma_format: %d", c.ChromaFormat)
	d.line("bit_depth_luma: %d", c.BitDepthLuma)
	d.line("bit_depth_chroma: %d", c.BitDepthChroma)
	d.line("length_size: %d", c.LengthSize)
	for _, na := range ib.NalArray {
		d.line("<array>")
		d.indent++
		d.line("array_completeness: %d", na.Completeness)
		d.line("NAL_unit_type: %d", na.UnitType)
		for _, u := range na.Units {
			d.line("% x", u)
		}
		d.indent--
	}
}

// AV1Config is the content of an 'av1C' box.
type AV1Config struct {
	Version                          uint8 // must be 1
	SeqProfile                       uint8 // 3 bits
	SeqLevelIdx0                     uint8 // 5 bits
	SeqTier0                         uint8 // 1 bit
	HighBitdepth                     uint8 // 1 bit
	TwelveBit                        uint8 // 1 bit
	Monochrome                       uint8 // 1 bit
	ChromaSubsamplingX               uint8 // 1 bit
	ChromaSubsamplingY               uint8 // 1 bit
	ChromaSamplePosition             uint8 // 2 bits
	InitialPresentationDelayPresent  uint8 // 1 bit
	InitialPresentationDelayMinusOne uint8 // 4 bits (optional)
	ConfigOBUs                       []byte
}

// BitDepth returns the luma bit depth implied by the configuration.
func (c *AV1Config) BitDepth() int {
	switch {
	case c.HighBitdepth == 0:
		return 8
	case c.TwelveBit != 0:
		return 12
	}
	return 10
}

type ItemAv1ConfigBox struct {
	box
	Config AV1Config
}

// NewItemAv1ConfigBox returns an 'av1C' box.
func NewItemAv1ConfigBox(c AV1Config) *ItemAv1ConfigBox {
	b := factories[TypeAv1C]().(*ItemAv1ConfigBox)
	b.Config = c
	return b
}

func (ib *ItemAv1ConfigBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	c := &ib.Config
	ch := r.Uint8()
	if r.OK() && ch>>7 != 1 {
		return heiferr.New(heiferr.InvalidInput, heiferr.Unspecified, "av1C marker bit not set")
	}
	c.Version = ch & 0x7F

	ch = r.Uint8()
	c.SeqProfile = (ch >> 5) & 0x07
	c.SeqLevelIdx0 = ch & 0x1F

	ch = r.Uint8()
	c.SeqTier0 = (ch >> 7) & 1
	c.HighBitdepth = (ch >> 6) & 1
	c.TwelveBit = (ch >> 5) & 1
	c.Monochrome = (ch >> 4) & 1
	c.ChromaSubsamplingX = (ch >> 3) & 1
	c.ChromaSubsamplingY = (ch >> 2) & 1
	c.ChromaSamplePosition = ch & 0x03

	ch = r.Uint8()
	c.InitialPresentationDelayPresent = (ch >> 4) & 1
	if c.InitialPresentationDelayPresent != 0 {
		c.InitialPresentationDelayMinusOne = ch & 0x0F
	}
	if !r.EOF() {
		c.ConfigOBUs = r.Rest()
	}
	return r.Err()
}

func (ib *ItemAv1ConfigBox) write(w *bitstream.Writer) error {
	c := &ib.Config
	w.Write8(0x80 | c.Version&0x7F)
	w.Write8((c.SeqProfile&7)<<5 | c.SeqLevelIdx0&0x1F)
	w.Write8((c.SeqTier0&1)<<7 | (c.HighBitdepth&1)<<6 | (c.TwelveBit&1)<<5 | (c.Monochrome&1)<<4 |
		(c.ChromaSubsamplingX&1)<<3 | (c.ChromaSubsamplingY&1)<<2 | c.ChromaSamplePosition&3)
	if c.InitialPresentationDelayPresent != 0 {
		w.Write8(0x10 | c.InitialPresentationDelayMinusOne&0x0F)
	} else {
		w.Write8(0)
	}
	w.WriteBytes(c.ConfigOBUs)
	return nil
}

func (ib *ItemAv1ConfigBox) dump(d *dumper) {
	c := &ib.Config
	d.line("version: %d", c.Version)
	d.line("seq_profile: %d", c.SeqProfile)
	d.line("seq_level_idx_0: %d", c.SeqLevelIdx0)
	d.line("high_bitdepth: %d", c.HighBitdepth)
	d.line("twelve_bit: %d", c.TwelveBit)
	d.line("monochrome: %d", c.Monochrome)
	d.line("chroma_subsampling_x: %d", c.ChromaSubsamplingX)
	d.line("chroma_subsampling_y: %d", c.ChromaSubsamplingY)
	d.line("chroma_sample_position: %d", c.ChromaSamplePosition)
	d.line("config OBUs: % x", c.ConfigOBUs)
}

// AVCConfig is the content of an 'avcC' box.
type AVCConfig struct {
	Version              uint8
	ProfileIndication    uint8
	ProfileCompatibility uint8
	LevelIndication      uint8
	LengthSize           uint8
	ChromaFormat         uint8
	BitDepthLuma         uint8
	BitDepthChroma       uint8
}

// HasExtension reports whether the profile carries the chroma format and
// bit depth extension (all but baseline, main and extended).
func (c *AVCConfig) HasExtension() bool {
	switch c.ProfileIndication {
	case 66, 77, 88:
		return false
	}
	return true
}

// ItemAvcConfigBox is an "avcC" property.
type ItemAvcConfigBox struct {
	box
	Config AVCConfig
	SPS    [][]byte
	PPS    [][]byte
	SPSExt [][]byte
}

func readParameterSets(r *bitstream.Range, n int) [][]byte {
	var out [][]byte
	for i := 0; i < n && r.OK(); i++ {
		size := r.Uint16()
		if ps := r.Bytes(uint64(size)); ps != nil {
			out = append(out, ps)
		}
	}
	return out
}

func writeParameterSets(w *bitstream.Writer, sets [][]byte) error {
	for _, ps := range sets {
		if len(ps) > 0xFFFF {
			return heiferr.New(heiferr.EncodingError, heiferr.Unspecified, "parameter set larger than 65535 bytes")
		}
		w.Write16(uint16(len(ps)))
		w.WriteBytes(ps)
	}
	return nil
}

func (b *ItemAvcConfigBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	c := &b.Config
	c.Version = r.Uint8()
	c.ProfileIndication = r.Uint8()
	c.ProfileCompatibility = r.Uint8()
	c.LevelIndication = r.Uint8()
	c.LengthSize = r.Uint8()&3 + 1
	b.SPS = readParameterSets(r, int(r.Uint8()&0x1F))
	b.PPS = readParameterSets(r, int(r.Uint8()))
	c.BitDepthLuma, c.BitDepthChroma, c.ChromaFormat = 8, 8, 1
	if c.HasExtension() && !r.EOF() {
		c.ChromaFormat = r.Uint8() & 3
		c.BitDepthLuma = r.Uint8()&7 + 8
		c.BitDepthChroma = r.Uint8()&7 + 8
		b.SPSExt = readParameterSets(r, int(r.Uint8()))
	}
	return r.Err()
}

func (b *ItemAvcConfigBox) write(w *bitstream.Writer) error {
	c := &b.Config
	w.Write8(c.Version)
	w.Write8(c.ProfileIndication)
	w.Write8(c.ProfileCompatibility)
	w.Write8(c.LevelIndication)
	w.Write8(0xFC | (c.LengthSize-1)&3)
	if len(b.SPS) > 0x1F {
		return heiferr.New(heiferr.EncodingError, heiferr.Unspecified, "cannot write more than 31 SPS into avcC box")
	}
	w.Write8(0xE0 | uint8(len(b.SPS)))
	if err := writeParameterSets(w, b.SPS); err != nil {
		return err
	}
	if len(b.PPS) > 0xFF {
		return heiferr.New(heiferr.EncodingError, heiferr.Unspecified, "cannot write more than 255 PPS into avcC box")
	}
	w.Write8(uint8(len(b.PPS)))
	if err := writeParameterSets(w, b.PPS); err != nil {
		return err
	}
	if c.HasExtension() {
		w.Write8(0xFC | c.ChromaFormat&3)
		w.Write8(0xF8 | (c.BitDepthLuma-8)&7)
		w.Write8(0xF8 | (c.BitDepthChroma-8)&7)
		if len(b.SPSExt) > 0xFF {
			return heiferr.New(heiferr.EncodingError, heiferr.Unspecified, "cannot write more than 255 SPS-Ext into avcC box")
		}
		w.Write8(uint8(len(b.SPSExt)))
		return writeParameterSets(w, b.SPSExt)
	}
	return nil
}

func (b *ItemAvcConfigBox) dump(d *dumper) {
	c := &b.Config
	d.line("configuration_version: %d", c.Version)
	d.line("AVCProfileIndication: %d", c.ProfileIndication)
	d.line("profile_compatibility: %d", c.ProfileCompatibility)
	d.line("AVCLevelIndication: %d", c.LevelIndication)
	d.line("chroma format: %d", c.ChromaFormat)
	d.line("bit depth luma: %d, chroma: %d", c.BitDepthLuma, c.BitDepthChroma)
	d.line("SPS: %d, PPS: %d, SPS-Ext: %d", len(b.SPS), len(b.PPS), len(b.SPSExt))
}

// AsHeader returns SPS and PPS NAL units with 4-byte size prefixes.
func (b *ItemAvcConfigBox) AsHeader() []byte {
	var out []byte
	for _, sets := range [][][]byte{b.SPS, b.SPSExt, b.PPS} {
		for _, u := range sets {
			n := len(u)
			out = append(out, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
			out = append(out, u...)
		}
	}
	return out
}

// VVCConfig is the fixed part of a 'vvcC' box.
type VVCConfig struct {
	Version              uint8
	AvgFrameRateTimes256 uint16
	ConstantFrameRate    uint8
	NumTemporalLayers    uint8
	LengthSize           uint8
	PTLPresent           bool
	ChromaFormatPresent  bool
	ChromaFormatIdc      uint8
	BitDepthPresent      bool
	BitDepth             uint8
	NumOfArrays          uint8
}

// ItemVvcConfigBox is a "vvcC" property.
type ItemVvcConfigBox struct {
	box
	Config   VVCConfig
	NalArray []*NalArray
}

func (b *ItemVvcConfigBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	c := &b.Config
	c.Version = r.Uint8()
	c.AvgFrameRateTimes256 = r.Uint16()

	ch := r.Uint8()
	c.ConstantFrameRate = (ch & 0xC0) >> 6
	c.NumTemporalLayers = (ch & 0x38) >> 3
	c.LengthSize = (ch&0x06)>>1 + 1
	c.PTLPresent = ch&1 != 0

	ch = r.Uint8()
	c.ChromaFormatPresent = ch&0x80 != 0
	c.ChromaFormatIdc = (ch & 0x60) >> 5
	c.BitDepthPresent = ch&0x10 != 0
	c.BitDepth = (ch&0x0E)>>1 + 8

	c.NumOfArrays = r.Uint8()
	n := int(r.Uint8())
	for i := 0; i < n && r.OK(); i++ {
		ch := r.Uint8()
		na := &NalArray{Completeness: (ch >> 6) & 1, UnitType: ch & 0x3F}
		units := int(r.Uint16())
		for u := 0; u < units && r.OK(); u++ {
			size := r.Uint16()
			if size == 0 {
				continue
			}
			if unit := r.Bytes(uint64(size)); unit != nil {
				na.Units = append(na.Units, unit)
			}
		}
		b.NalArray = append(b.NalArray, na)
	}
	return r.Err()
}

func (b *ItemVvcConfigBox) write(w *bitstream.Writer) error {
	c := &b.Config
	w.Write8(c.Version)
	w.Write16(c.AvgFrameRateTimes256)
	ch := (c.ConstantFrameRate&3)<<6 | (c.NumTemporalLayers&7)<<3 | ((c.LengthSize-1)&3)<<1
	if c.PTLPresent {
		ch |= 1
	}
	w.Write8(ch)
	ch = (c.ChromaFormatIdc&3)<<5 | ((c.BitDepth-8)&7)<<1
	if c.ChromaFormatPresent {
		ch |= 0x80
	}
	if c.BitDepthPresent {
		ch |= 0x10
	}
	w.Write8(ch)
	w.Write8(c.NumOfArrays)
	w.Write8(uint8(len(b.NalArray)))
	for _, na := range b.NalArray {
		w.Write8((na.Completeness&1)<<6 | na.UnitType&0x3F)
		w.Write16(uint16(len(na.Units)))
		if err := writeParameterSets(w, na.Units); err != nil {
			return err
		}
	}
	return nil
}

var vvcChromaNames = [4]string{"mono", "4:2:0", "4:2:2", "4:4:4"}

func (b *ItemVvcConfigBox) dump(d *dumper) {
	c := &b.Config
	d.line("version: %d", c.Version)
	d.line("frame-rate: %g", float64(c.AvgFrameRateTimes256)/256)
	d.line("num temporal layers: %d", c.NumTemporalLayers)
	d.line("length size: %d", c.LengthSize)
	if c.ChromaFormatPresent {
		d.line("chroma-format: %s", vvcChromaNames[c.ChromaFormatIdc&3])
	} else {
		d.line("chroma-format: ---")
	}
	if c.BitDepthPresent {
		d.line("bit-depth: %d", c.BitDepth)
	} else {
		d.line("bit-depth: ---")
	}
}

// AsHeader returns the NAL units with 4-byte size prefixes.
func (b *ItemVvcConfigBox) AsHeader() []byte {
	var out []byte
	for _, na := range b.NalArray {
		for _, u := range na.Units {
			n := len(u)
			out = append(out, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
			out = append(out, u...)
		}
	}
	return out
}

// JPEGConfigBox is a "jpgC" property holding shared JPEG header data.
type JPEGConfigBox struct {
	box
	Data []byte
}

func (b *JPEGConfigBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	if err := lim.CheckMemoryBlock(r.Remaining(), "jpgC box"); err != nil {
		return err
	}
	b.Data = r.Rest()
	return r.Err()
}

func (b *JPEGConfigBox) write(w *bitstream.Writer) error {
	w.WriteBytes(b.Data)
	return nil
}

func (b *JPEGConfigBox) dump(d *dumper) { d.line("num bytes: %d", len(b.Data)) }

// JPEG2000HeaderBox is a "j2kH" property. Its content are child boxes.
type JPEG2000HeaderBox struct {
	box
}

func (b *JPEG2000HeaderBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	return b.readChildren(r, lim, -1)
}

func (b *JPEG2000HeaderBox) write(w *bitstream.Writer) error { return b.writeChildren(w) }
func (b *JPEG2000HeaderBox) dump(d *dumper)                  {}

// MaskConfigBox is an "mskC" property.
type MaskConfigBox struct {
	box
	BitsPerPixel uint8
}

// NewMaskConfig returns an 'mskC' property.
func NewMaskConfig(bits uint8) *MaskConfigBox {
	b := factories[TypeMskC]().(*MaskConfigBox)
	b.BitsPerPixel = bits
	return b
}

func (b *MaskConfigBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	b.BitsPerPixel = r.Uint8()
	return r.Err()
}

func (b *MaskConfigBox) write(w *bitstream.Writer) error {
	w.Write8(b.BitsPerPixel)
	return nil
}

func (b *MaskConfigBox) dump(d *dumper) { d.line("bits_per_pixel: %d", b.BitsPerPixel) }
