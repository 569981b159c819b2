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
	"math"

	"github.com/heifkit/goheif/heif/bitstream"
	"github.com/heifkit/goheif/heif/colorprofile"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/limits"
)

// ItemPropertiesBox is an "iprp" box.
type ItemPropertiesBox struct {
	box
}

// NewItemPropertiesBox returns an empty 'iprp' box.
func NewItemPropertiesBox() *ItemPropertiesBox {
	return factories[TypeIprp]().(*ItemPropertiesBox)
}

func (b *ItemPropertiesBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	return b.readChildren(r, lim, -1)
}

func (b *ItemPropertiesBox) write(w *bitstream.Writer) error { return b.writeChildren(w) }
func (b *ItemPropertiesBox) dump(d *dumper)                  {}

// ItemPropertyContainerBox is an "ipco" box. Its children form the
// property pool that 'ipma' entries index (1-based).
type ItemPropertyContainerBox struct {
	box
}

// NewItemPropertyContainerBox returns an empty 'ipco' box.
func NewItemPropertyContainerBox() *ItemPropertyContainerBox {
	return factories[TypeIpco]().(*ItemPropertyContainerBox)
}

func (b *ItemPropertyContainerBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	return b.readChildren(r, lim, -1)
}

func (b *ItemPropertyContainerBox) write(w *bitstream.Writer) error { return b.writeChildren(w) }
func (b *ItemPropertyContainerBox) dump(d *dumper)                  {}

// FindOrAppend returns the 0-based index of a property equal to p,
// appending p if there is none.
func (b *ItemPropertyContainerBox) FindOrAppend(p Box) int {
	for i, c := range b.children {
		if Equal(c, p) {
			return i
		}
	}
	return b.AppendChild(p)
}

// PropertiesForItem returns the properties associated with item id in
// association order.
func (b *ItemPropertyContainerBox) PropertiesForItem(id uint32, ipma *ItemPropertyAssociation) ([]Box, error) {
	assoc, ok := ipma.Associations(id)
	if !ok {
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.NoPropertiesAssignedToItem,
			"item (ID=%d) has no properties assigned to it in ipma box", id)
	}
	var out []Box
	for _, a := range assoc {
		if int(a.Index) > len(b.children) {
			return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.IpmaBoxReferencesNonexistingProperty,
				"nonexisting property (index=%d) for item ID=%d referenced in ipma box", a.Index, id)
		}
		if a.Index > 0 {
			out = append(out, b.children[a.Index-1])
		}
	}
	return out, nil
}

// PropertyForItem returns the first property of type t associated with
// item id, or nil.
func (b *ItemPropertyContainerBox) PropertyForItem(id uint32, ipma *ItemPropertyAssociation, t BoxType) Box {
	assoc, _ := ipma.Associations(id)
	for _, a := range assoc {
		if a.Index == 0 || int(a.Index) > len(b.children) {
			return nil
		}
		if p := b.children[a.Index-1]; p.Type() == t {
			return p
		}
	}
	return nil
}

// IsEssential reports whether property p is marked essential for item id.
func (b *ItemPropertyContainerBox) IsEssential(id uint32, p Box, ipma *ItemPropertyAssociation) bool {
	for i, c := range b.children {
		if c == p {
			return ipma.IsEssential(id, uint16(i+1))
		}
	}
	return false
}

// ItemPropertyAssociation is an "ipma" box.
type ItemPropertyAssociation struct {
	box
	Entries []ItemPropertyAssociationItem
}

// NewItemPropertyAssociation returns an empty 'ipma' box.
func NewItemPropertyAssociation() *ItemPropertyAssociation {
	return factories[TypeIpma]().(*ItemPropertyAssociation)
}

type ItemPropertyAssociationItem struct {
	ItemID       uint32
	Associations []ItemProperty
}

// ItemProperty is one association. Index is 1-based into 'ipco', 0
// meaning "no property".
type ItemProperty struct {
	Essential bool
	Index     uint16 // 7 or 15 bits
}

func (b *ItemPropertyAssociation) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	n := r.Uint32()
	for i := uint32(0); i < n && r.OK() && !r.EOF(); i++ {
		var ent ItemPropertyAssociationItem
		if b.version < 1 {
			ent.ItemID = uint32(r.Uint16())
		} else {
			ent.ItemID = r.Uint32()
		}
		cnt := int(r.Uint8())
		for k := 0; k < cnt && r.OK(); k++ {
			var ip ItemProperty
			if b.flags&1 != 0 {
				v := r.Uint16()
				ip.Essential = v&0x8000 != 0
				ip.Index = v & 0x7FFF
			} else {
				v := r.Uint8()
				ip.Essential = v&0x80 != 0
				ip.Index = uint16(v & 0x7F)
			}
			ent.Associations = append(ent.Associations, ip)
		}
		b.Entries = append(b.Entries, ent)
	}
	return r.Err()
}

// Associations returns the property associations of item id.
func (b *ItemPropertyAssociation) Associations(id uint32) ([]ItemProperty, bool) {
	for _, e := range b.Entries {
		if e.ItemID == id {
			return e.Associations, true
		}
	}
	return nil, false
}

// IsEssential reports whether the property with 1-based index idx is
// essential for item id.
func (b *ItemPropertyAssociation) IsEssential(id uint32, idx uint16) bool {
	assoc, _ := b.Associations(id)
	for _, a := range assoc {
		if a.Index == idx {
			return a.Essential
		}
	}
	return false
}

// AddProperty associates the property with 1-based index idx with item id.
func (b *ItemPropertyAssociation) AddProperty(id uint32, p ItemProperty) {
	for i := range b.Entries {
		if b.Entries[i].ItemID == id {
			b.Entries[i].Associations = append(b.Entries[i].Associations, p)
			return
		}
	}
	b.Entries = append(b.Entries, ItemPropertyAssociationItem{ItemID: id, Associations: []ItemProperty{p}})
}

// InsertEntriesFrom appends the entries of o. Files may carry more than
// one 'ipma' box.
func (b *ItemPropertyAssociation) InsertEntriesFrom(o *ItemPropertyAssociation) {
	b.Entries = append(b.Entries, o.Entries...)
}

func (b *ItemPropertyAssociation) DeriveVersion() {
	var v uint8
	large := false
	for _, e := range b.Entries {
		if e.ItemID > 0xFFFF {
			v = 1
		}
		for _, a := range e.Associations {
			if a.Index > 0x7F {
				large = true
			}
		}
	}
	b.version = v
	if large {
		b.flags = 1
	} else {
		b.flags = 0
	}
}

func (b *ItemPropertyAssociation) write(w *bitstream.Writer) error {
	w.Write32(uint32(len(b.Entries)))
	for _, e := range b.Entries {
		if b.version < 1 {
			w.Write16(uint16(e.ItemID))
		} else {
			w.Write32(e.ItemID)
		}
		if len(e.Associations) > 0xFF {
			return heiferr.Newf(heiferr.EncodingError, heiferr.Unspecified, "item %d has more than 255 properties", e.ItemID)
		}
		w.Write8(uint8(len(e.Associations)))
		for _, a := range e.Associations {
			if b.flags&1 != 0 {
				v := a.Index & 0x7FFF
				if a.Essential {
					v |= 0x8000
				}
				w.Write16(v)
			} else {
				v := uint8(a.Index & 0x7F)
				if a.Essential {
					v |= 0x80
				}
				w.Write8(v)
			}
		}
	}
	return nil
}

func (b *ItemPropertyAssociation) dump(d *dumper) {
	for _, e := range b.Entries {
		d.line("associations for item ID: %d", e.ItemID)
		d.indent++
		for _, a := range e.Associations {
			d.line("property index: %d (essential: %v)", a.Index, a.Essential)
		}
		d.indent--
	}
}

// ImageSpatialExtentsProperty is a HEIF "ispe" property.
type ImageSpatialExtentsProperty struct {
	box
	ImageWidth  uint32
	ImageHeight uint32
}

// NewImageSpatialExtents returns an 'ispe' property.
func NewImageSpatialExtents(w, h uint32) *ImageSpatialExtentsProperty {
	b := factories[TypeIspe]().(*ImageSpatialExtentsProperty)
	b.ImageWidth, b.ImageHeight = w, h
	return b
}

func (b *ImageSpatialExtentsProperty) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	b.ImageWidth = r.Uint32()
	b.ImageHeight = r.Uint32()
	return r.Err()
}

func (b *ImageSpatialExtentsProperty) write(w *bitstream.Writer) error {
	w.Write32(b.ImageWidth)
	w.Write32(b.ImageHeight)
	return nil
}

func (b *ImageSpatialExtentsProperty) dump(d *dumper) {
	d.line("image width: %d", b.ImageWidth)
	d.line("image height: %d", b.ImageHeight)
}

// ImageRotation is a HEIF "irot" rotation property.
type ImageRotation struct {
	box
	Angle uint8 // 1 means 90 degrees counter-clockwise, 2 means 180 counter-clockwise
}

// NewImageRotation returns an 'irot' property for a counter-clockwise
// rotation by deg degrees, which must be a multiple of 90.
func NewImageRotation(deg int) *ImageRotation {
	b := factories[TypeIrot]().(*ImageRotation)
	b.Angle = uint8(((deg/90)%4+4)%4)
	return b
}

// Degrees returns the counter-clockwise rotation in degrees.
func (b *ImageRotation) Degrees() int { return int(b.Angle&3) * 90 }

func (b *ImageRotation) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.Angle = r.Uint8() & 3
	return r.Err()
}

func (b *ImageRotation) write(w *bitstream.Writer) error {
	w.Write8(b.Angle & 3)
	return nil
}

func (b *ImageRotation) dump(d *dumper) {
	d.line("rotation: %d degrees (CCW)", b.Degrees())
}

// Mirror axes of an 'imir' property. MirrorHorizontal swaps left and
// right, MirrorVertical swaps top and bottom.
const (
	MirrorVertical   uint8 = 0
	MirrorHorizontal uint8 = 1
)

// ImageMirror is a HEIF "imir" mirror property.
type ImageMirror struct {
	box
	Mirror uint8
}

// NewImageMirror returns an 'imir' property.
func NewImageMirror(axis uint8) *ImageMirror {
	b := factories[TypeImir]().(*ImageMirror)
	b.Mirror = axis & 1
	return b
}

func (b *ImageMirror) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.Mirror = r.Uint8() & 1
	return r.Err()
}

func (b *ImageMirror) write(w *bitstream.Writer) error {
	w.Write8(b.Mirror)
	return nil
}

func (b *ImageMirror) dump(d *dumper) {
	if b.Mirror == MirrorHorizontal {
		d.line("mirror direction: horizontal")
	} else {
		d.line("mirror direction: vertical")
	}
}

// CleanApertureBox is a "clap" property.
type CleanApertureBox struct {
	box
	Width, Height     Fraction
	HorizOff, VertOff Fraction
}

// NewCleanAperture returns a 'clap' property that crops an image of size
// imageW x imageH to a centered clapW x clapH region.
func NewCleanAperture(clapW, clapH, imageW, imageH uint32) *CleanApertureBox {
	b := factories[TypeClap]().(*CleanApertureBox)
	b.Set(clapW, clapH, imageW, imageH)
	return b
}

// Set configures a centered clean aperture. The image must not be smaller
// than the aperture.
func (b *CleanApertureBox) Set(clapW, clapH, imageW, imageH uint32) {
	b.Width = NewFraction(int32(clapW), 1)
	b.Height = NewFraction(int32(clapH), 1)
	b.HorizOff = NewFraction(-int32(imageW-clapW), 2)
	b.VertOff = NewFraction(-int32(imageH-clapH), 2)
}

func (b *CleanApertureBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	wn, wd := r.Uint32(), r.Uint32()
	hn, hd := r.Uint32(), r.Uint32()
	// The offsets are signed even though the original field definition
	// says otherwise.
	hon, hod := r.Int32(), r.Uint32()
	von, vod := r.Int32(), r.Uint32()
	if err := r.Err(); err != nil {
		return err
	}
	for _, v := range []uint32{wn, wd, hn, hd, hod, vod} {
		if v > math.MaxInt32 {
			return heiferr.New(heiferr.InvalidInput, heiferr.InvalidFractionalNumber, "exceeded supported value range")
		}
	}
	b.Width = Fraction{int32(wn), int32(wd)}
	b.Height = Fraction{int32(hn), int32(hd)}
	b.HorizOff = Fraction{hon, int32(hod)}
	b.VertOff = Fraction{von, int32(vod)}
	if !b.Width.Valid() || !b.Height.Valid() || !b.HorizOff.Valid() || !b.VertOff.Valid() {
		return heiferr.New(heiferr.InvalidInput, heiferr.InvalidFractionalNumber, "clap box contains a zero denominator")
	}
	return nil
}

func (b *CleanApertureBox) write(w *bitstream.Writer) error {
	for _, f := range []Fraction{b.Width, b.Height, b.HorizOff, b.VertOff} {
		w.Write32s(f.Num)
		w.Write32s(f.Den)
	}
	return nil
}

func (b *CleanApertureBox) dump(d *dumper) {
	d.line("clean_aperture: %s x %s", b.Width, b.Height)
	d.line("offset: %s ; %s", b.HorizOff, b.VertOff)
}

// Left returns the first column of the aperture in an image of the given
// width: horizOff + (width-1)/2 - (clapWidth-1)/2, rounded down.
func (b *CleanApertureBox) Left(imageWidth int) int {
	pcX := b.HorizOff.Add(NewFraction(int32(imageWidth-1), 2))
	return int(pcX.Sub(b.Width.SubInt(1).DivInt(2)).RoundDown())
}

// Right returns the last column of the aperture (inclusive).
func (b *CleanApertureBox) Right(imageWidth int) int {
	return int(b.Width.SubInt(1).AddInt(b.Left(imageWidth)).Round())
}

// Top returns the first row of the aperture.
func (b *CleanApertureBox) Top(imageHeight int) int {
	pcY := b.VertOff.Add(NewFraction(int32(imageHeight-1), 2))
	return int(pcY.Sub(b.Height.SubInt(1).DivInt(2)).Round())
}

// Bottom returns the last row of the aperture (inclusive).
func (b *CleanApertureBox) Bottom(imageHeight int) int {
	return int(b.Height.SubInt(1).AddInt(b.Top(imageHeight)).Round())
}

func (b *CleanApertureBox) WidthRounded() int  { return int(b.Width.Round()) }
func (b *CleanApertureBox) HeightRounded() int { return int(b.Height.Round()) }

// PixelInformationProperty is a "pixi" property.
type PixelInformationProperty struct {
	box
	BitsPerChannel []uint8
}

// NewPixelInformation returns a 'pixi' property.
func NewPixelInformation(bits ...uint8) *PixelInformationProperty {
	b := factories[TypePixi]().(*PixelInformationProperty)
	b.BitsPerChannel = bits
	return b
}

func (b *PixelInformationProperty) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	n := r.Uint8()
	if uint64(n) > r.Remaining() {
		return heiferr.New(heiferr.InvalidInput, heiferr.EndOfData, "pixi box truncated")
	}
	for i := 0; i < int(n); i++ {
		b.BitsPerChannel = append(b.BitsPerChannel, r.Uint8())
	}
	return r.Err()
}

func (b *PixelInformationProperty) write(w *bitstream.Writer) error {
	if len(b.BitsPerChannel) == 0 || len(b.BitsPerChannel) > 255 {
		return heiferr.Newf(heiferr.UsageError, heiferr.InvalidPixiBox, "pixi box with %d channels", len(b.BitsPerChannel))
	}
	w.Write8(uint8(len(b.BitsPerChannel)))
	w.WriteBytes(b.BitsPerChannel)
	return nil
}

func (b *PixelInformationProperty) dump(d *dumper) {
	s := ""
	for i, v := range b.BitsPerChannel {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprint(v)
	}
	d.line("bits_per_channel: %s", s)
}

// PixelAspectRatioBox is a "pasp" property.
type PixelAspectRatioBox struct {
	box
	HSpacing, VSpacing uint32
}

// NewPixelAspectRatio returns a 'pasp' property.
func NewPixelAspectRatio(h, v uint32) *PixelAspectRatioBox {
	b := factories[TypePasp]().(*PixelAspectRatioBox)
	b.HSpacing, b.VSpacing = h, v
	return b
}

func (b *PixelAspectRatioBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.HSpacing = r.Uint32()
	b.VSpacing = r.Uint32()
	return r.Err()
}

func (b *PixelAspectRatioBox) write(w *bitstream.Writer) error {
	w.Write32(b.HSpacing)
	w.Write32(b.VSpacing)
	return nil
}

func (b *PixelAspectRatioBox) dump(d *dumper) {
	d.line("hSpacing: %d", b.HSpacing)
	d.line("vSpacing: %d", b.VSpacing)
}

// ContentLightLevel is the payload of a 'clli' box.
type ContentLightLevel struct {
	MaxContentLightLevel    uint16
	MaxPicAverageLightLevel uint16
}

// ContentLightLevelBox is a "clli" property.
type ContentLightLevelBox struct {
	box
	ContentLightLevel
}

// NewContentLightLevel returns a 'clli' property.
func NewContentLightLevel(c ContentLightLevel) *ContentLightLevelBox {
	b := factories[TypeClli]().(*ContentLightLevelBox)
	b.ContentLightLevel = c
	return b
}

func (b *ContentLightLevelBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.MaxContentLightLevel = r.Uint16()
	b.MaxPicAverageLightLevel = r.Uint16()
	return r.Err()
}

func (b *ContentLightLevelBox) write(w *bitstream.Writer) error {
	w.Write16(b.MaxContentLightLevel)
	w.Write16(b.MaxPicAverageLightLevel)
	return nil
}

func (b *ContentLightLevelBox) dump(d *dumper) {
	d.line("max_content_light_level: %d", b.MaxContentLightLevel)
	d.line("max_pic_average_light_level: %d", b.MaxPicAverageLightLevel)
}

// MasteringDisplayColourVolume is the payload of an 'mdcv' box.
type MasteringDisplayColourVolume struct {
	DisplayPrimariesX [3]uint16
	DisplayPrimariesY [3]uint16
	WhitePointX       uint16
	WhitePointY       uint16
	MaxLuminance      uint32
	MinLuminance      uint32
}

// MasteringDisplayColourVolumeBox is an "mdcv" property.
type MasteringDisplayColourVolumeBox struct {
	box
	MasteringDisplayColourVolume
}

// NewMasteringDisplayColourVolume returns an 'mdcv' property.
func NewMasteringDisplayColourVolume(m MasteringDisplayColourVolume) *MasteringDisplayColourVolumeBox {
	b := factories[TypeMdcv]().(*MasteringDisplayColourVolumeBox)
	b.MasteringDisplayColourVolume = m
	return b
}

func (b *MasteringDisplayColourVolumeBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	for c := 0; c < 3; c++ {
		b.DisplayPrimariesX[c] = r.Uint16()
		b.DisplayPrimariesY[c] = r.Uint16()
	}
	b.WhitePointX = r.Uint16()
	b.WhitePointY = r.Uint16()
	b.MaxLuminance = r.Uint32()
	b.MinLuminance = r.Uint32()
	return r.Err()
}

func (b *MasteringDisplayColourVolumeBox) write(w *bitstream.Writer) error {
	for c := 0; c < 3; c++ {
		w.Write16(b.DisplayPrimariesX[c])
		w.Write16(b.DisplayPrimariesY[c])
	}
	w.Write16(b.WhitePointX)
	w.Write16(b.WhitePointY)
	w.Write32(b.MaxLuminance)
	w.Write32(b.MinLuminance)
	return nil
}

func (b *MasteringDisplayColourVolumeBox) dump(d *dumper) {
	d.line("display_primaries (x,y): (%d;%d), (%d;%d), (%d;%d)",
		b.DisplayPrimariesX[0], b.DisplayPrimariesY[0],
		b.DisplayPrimariesX[1], b.DisplayPrimariesY[1],
		b.DisplayPrimariesX[2], b.DisplayPrimariesY[2])
	d.line("white point (x,y): (%d;%d)", b.WhitePointX, b.WhitePointY)
	d.line("max display mastering luminance: %d", b.MaxLuminance)
	d.line("min display mastering luminance: %d", b.MinLuminance)
}

// ColourInformationBox is a "colr" property carrying either an NCLX
// profile or a raw ICC profile.
type ColourInformationBox struct {
	box
	NCLX *colorprofile.NCLX
	ICC  *colorprofile.ICC
}

// NewNCLXColour returns a 'colr' property of type nclx.
func NewNCLXColour(n colorprofile.NCLX) *ColourInformationBox {
	b := factories[TypeColr]().(*ColourInformationBox)
	b.NCLX = &n
	return b
}

// NewICCColour returns a 'colr' property holding an ICC profile.
func NewICCColour(icc colorprofile.ICC) *ColourInformationBox {
	b := factories[TypeColr]().(*ColourInformationBox)
	if icc.Type == "" {
		icc.Type = "prof"
	}
	b.ICC = &icc
	return b
}

func (b *ColourInformationBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	var t BoxType
	r.Read(t[:])
	if err := r.Err(); err != nil {
		return err
	}
	switch t.String() {
	case "nclx":
		n := &colorprofile.NCLX{}
		n.ColourPrimaries = r.Uint16()
		n.TransferCharacteristics = r.Uint16()
		n.MatrixCoefficients = r.Uint16()
		n.FullRange = r.Uint8()&0x80 != 0
		b.NCLX = n
	case "prof", "rICC":
		if err := lim.CheckColorProfile(r.Remaining()); err != nil {
			return err
		}
		b.ICC = &colorprofile.ICC{Type: t.String(), Data: r.Rest()}
	default:
		return heiferr.Newf(heiferr.InvalidInput, heiferr.UnknownColorProfileType, "unknown color profile type %q", t)
	}
	return r.Err()
}

func (b *ColourInformationBox) write(w *bitstream.Writer) error {
	switch {
	case b.NCLX != nil:
		w.WriteBytes([]byte("nclx"))
		w.Write16(b.NCLX.ColourPrimaries)
		w.Write16(b.NCLX.TransferCharacteristics)
		w.Write16(b.NCLX.MatrixCoefficients)
		if b.NCLX.FullRange {
			w.Write8(0x80)
		} else {
			w.Write8(0)
		}
	case b.ICC != nil:
		if len(b.ICC.Type) != 4 {
			return heiferr.Newf(heiferr.UsageError, heiferr.UnknownColorProfileType, "invalid ICC profile type %q", b.ICC.Type)
		}
		w.WriteBytes([]byte(b.ICC.Type))
		w.WriteBytes(b.ICC.Data)
	default:
		return heiferr.New(heiferr.UsageError, heiferr.Unspecified, "colr box without profile")
	}
	return nil
}

func (b *ColourInformationBox) dump(d *dumper) {
	switch {
	case b.NCLX != nil:
		d.line("colour_type: nclx")
		d.line("colour_primaries: %d", b.NCLX.ColourPrimaries)
		d.line("transfer_characteristics: %d", b.NCLX.TransferCharacteristics)
		d.line("matrix_coefficients: %d", b.NCLX.MatrixCoefficients)
		d.line("full_range_flag: %v", b.NCLX.FullRange)
	case b.ICC != nil:
		d.line("colour_type: %s", b.ICC.Type)
		d.line("profile size: %d", len(b.ICC.Data))
	}
}

// Auxiliary image types.
const (
	AuxTypeAlpha     = "urn:mpeg:mpegB:cicp:systems:auxiliary:alpha"
	AuxTypeAlphaHEVC = "urn:mpeg:hevc:2015:auxid:1"
	AuxTypeDepth     = "urn:mpeg:mpegB:cicp:systems:auxiliary:depth"
	AuxTypeDepthHEVC = "urn:mpeg:hevc:2015:auxid:2"
)

// AuxiliaryTypeProperty is an "auxC" property.
type AuxiliaryTypeProperty struct {
	box
	AuxType  string
	Subtypes []byte
}

// NewAuxiliaryType returns an 'auxC' property.
func NewAuxiliaryType(auxType string) *AuxiliaryTypeProperty {
	b := factories[TypeAuxC]().(*AuxiliaryTypeProperty)
	b.AuxType = auxType
	return b
}

func (b *AuxiliaryTypeProperty) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	b.AuxType = r.ReadString()
	if !r.EOF() {
		b.Subtypes = r.Rest()
	}
	return r.Err()
}

func (b *AuxiliaryTypeProperty) write(w *bitstream.Writer) error {
	w.WriteString(b.AuxType)
	w.WriteBytes(b.Subtypes)
	return nil
}

func (b *AuxiliaryTypeProperty) dump(d *dumper) {
	d.line("aux type: %s", b.AuxType)
	d.line("aux subtypes: % x", b.Subtypes)
}

// LayerSelectorProperty is an "lsel" property.
type LayerSelectorProperty struct {
	box
	LayerID uint16
}

func (b *LayerSelectorProperty) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.LayerID = r.Uint16()
	return r.Err()
}

func (b *LayerSelectorProperty) write(w *bitstream.Writer) error {
	w.Write16(b.LayerID)
	return nil
}

func (b *LayerSelectorProperty) dump(d *dumper) { d.line("layer_id: %d", b.LayerID) }

// UserDescriptionProperty is a "udes" property.
type UserDescriptionProperty struct {
	box
	Lang, Name, Description, Tags string
}

// NewUserDescription returns a 'udes' property.
func NewUserDescription(lang, name, description, tags string) *UserDescriptionProperty {
	b := factories[TypeUdes]().(*UserDescriptionProperty)
	b.Lang, b.Name, b.Description, b.Tags = lang, name, description, tags
	return b
}

func (b *UserDescriptionProperty) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	b.Lang = r.ReadString()
	b.Name = r.ReadString()
	b.Description = r.ReadString()
	b.Tags = r.ReadString()
	return r.Err()
}

func (b *UserDescriptionProperty) write(w *bitstream.Writer) error {
	w.WriteString(b.Lang)
	w.WriteString(b.Name)
	w.WriteString(b.Description)
	w.WriteString(b.Tags)
	return nil
}

func (b *UserDescriptionProperty) dump(d *dumper) {
	d.line("lang: %s", b.Lang)
	d.line("name: %s", b.Name)
	d.line("description: %s", b.Description)
	d.line("tags: %s", b.Tags)
}

// OperatingPointSelector is an "a1op" property.
type OperatingPointSelector struct {
	box
	OpIndex uint8
}

func (b *OperatingPointSelector) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.OpIndex = r.Uint8()
	return r.Err()
}

func (b *OperatingPointSelector) write(w *bitstream.Writer) error {
	w.Write8(b.OpIndex)
	return nil
}

func (b *OperatingPointSelector) dump(d *dumper) { d.line("op-index: %d", b.OpIndex) }

// LayeredImageIndexing is an "a1lx" property.
type LayeredImageIndexing struct {
	box
	LayerSize [3]uint32
}

func (b *LayeredImageIndexing) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	large := r.Uint8()&1 != 0
	for i := range b.LayerSize {
		if large {
			b.LayerSize[i] = r.Uint32()
		} else {
			b.LayerSize[i] = uint32(r.Uint16())
		}
	}
	return r.Err()
}

func (b *LayeredImageIndexing) large() bool {
	for _, s := range b.LayerSize {
		if s > 0xFFFF {
			return true
		}
	}
	return false
}

func (b *LayeredImageIndexing) write(w *bitstream.Writer) error {
	large := b.large()
	if large {
		w.Write8(1)
	} else {
		w.Write8(0)
	}
	for _, s := range b.LayerSize {
		if large {
			w.Write32(s)
		} else {
			w.Write16(uint16(s))
		}
	}
	return nil
}

func (b *LayeredImageIndexing) dump(d *dumper) {
	d.line("layer sizes: %d %d %d", b.LayerSize[0], b.LayerSize[1], b.LayerSize[2])
}

// CameraIntrinsicMatrix is a "cmin" property. It is also recognized
// under its UUID.
type CameraIntrinsicMatrix struct {
	box
	FocalLengthX    float64
	FocalLengthY    float64
	PrincipalPointX float64
	PrincipalPointY float64
	Skew            float64

	// Raw fixed point values and shifts, kept for writing.
	raw [5]int32
}

func (b *CameraIntrinsicMatrix) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	denShift := (b.flags & 0x1F00) >> 8
	den := float64(uint32(1) << denShift)
	b.raw[0], b.raw[1], b.raw[2] = r.Int32(), r.Int32(), r.Int32()
	b.FocalLengthX = float64(b.raw[0]) / den
	b.PrincipalPointX = float64(b.raw[1]) / den
	b.PrincipalPointY = float64(b.raw[2]) / den
	if b.flags&1 != 0 {
		skewShift := (b.flags & 0x1F0000) >> 16
		b.raw[3], b.raw[4] = r.Int32(), r.Int32()
		b.FocalLengthY = float64(b.raw[3]) / den
		b.Skew = float64(b.raw[4]) / float64(uint32(1)<<skewShift)
	} else {
		b.FocalLengthY = b.FocalLengthX
		b.Skew = 0
	}
	return r.Err()
}

func (b *CameraIntrinsicMatrix) write(w *bitstream.Writer) error {
	w.Write32s(b.raw[0])
	w.Write32s(b.raw[1])
	w.Write32s(b.raw[2])
	if b.flags&1 != 0 {
		w.Write32s(b.raw[3])
		w.Write32s(b.raw[4])
	}
	return nil
}

func (b *CameraIntrinsicMatrix) dump(d *dumper) {
	d.line("principal-point: %g, %g", b.PrincipalPointX, b.PrincipalPointY)
	d.line("focal-length: %g, %g", b.FocalLengthX, b.FocalLengthY)
	d.line("skew: %g", b.Skew)
}
