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

// Package heif reads and writes HEIF containers, as found in HEIC and
// AVIF images.
//
// A File gives access to the boxes and items of a container. A Context
// builds on a File to decode and encode images; the coding formats
// themselves are provided by Decoder and Encoder plugins, except for the
// uncompressed and mask formats, which are built in.
package heif

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/heifkit/goheif/heif/bitstream"
	"github.com/heifkit/goheif/heif/bmff"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/limits"
)

// File represents a HEIF file.
//
// Methods on File should not be called concurrently, except for the
// item data readers GetItemData, ItemData and ItemDataRange.
type File struct {
	stream bitstream.StreamReader
	size   int64 // -1 if unknown
	limits *limits.SecurityLimits

	readMu sync.Mutex

	// Populated lazily, by getMeta:
	metaErr error
	meta    *BoxMeta
	top     []bmff.Box
	infos   map[uint32]*bmff.ItemInfoEntry
}

// BoxMeta contains the low-level BMFF metadata boxes.
type BoxMeta struct {
	FileType          *bmff.FileTypeBox
	Meta              *bmff.MetaBox
	Handler           *bmff.HandlerBox
	PrimaryItem       *bmff.PrimaryItemBox
	ItemInfo          *bmff.ItemInfoBox
	Properties        *bmff.ItemPropertiesBox
	PropertyContainer *bmff.ItemPropertyContainerBox
	// Associations merges all 'ipma' boxes of the file.
	Associations  *bmff.ItemPropertyAssociation
	ItemLocation  *bmff.ItemLocationBox
	ItemData      *bmff.ItemDataBox
	ItemReference *bmff.ItemReferenceBox
	Groups        *bmff.GroupsListBox
}

// EXIFItemID returns the item ID of the EXIF part, or 0 if not found.
func (m *BoxMeta) EXIFItemID() uint32 {
	if m.ItemInfo == nil {
		return 0
	}
	for _, ife := range m.ItemInfo.Entries() {
		if ife.ItemType == "Exif" {
			return ife.ItemID
		}
	}
	return 0
}

// Item represents an item in a HEIF file.
type Item struct {
	f *File

	ID         uint32
	Info       *bmff.ItemInfoEntry
	Location   *bmff.ItemLocationBoxEntry // nil for items without data
	Properties []bmff.Box
	References []bmff.ItemReference
}

// Type returns the four character item type, such as "hvc1" or "grid".
func (it *Item) Type() string { return it.Info.ItemType }

// Reference returns the reference of the given type from the item, or nil.
func (it *Item) Reference(name string) *bmff.ItemReference {
	for i, r := range it.References {
		if r.Type.EqualString(name) {
			return &it.References[i]
		}
	}
	return nil
}

// Property returns the first property of type t, or nil.
func (it *Item) Property(t bmff.BoxType) bmff.Box {
	for _, p := range it.Properties {
		if p.Type() == t {
			return p
		}
	}
	return nil
}

// SpatialExtents returns the item's spatial extents property values, if present,
// not correcting from any camera rotation metadata.
func (it *Item) SpatialExtents() (width, height int, ok bool) {
	if p, ok := it.Property(bmff.TypeIspe).(*bmff.ImageSpatialExtentsProperty); ok {
		return int(p.ImageWidth), int(p.ImageHeight), true
	}
	return
}

// HevcConfig returns the hvcC box
func (it *Item) HevcConfig() (b *bmff.ItemHevcConfigBox, ok bool) {
	b, ok = it.Property(bmff.TypeHvcC).(*bmff.ItemHevcConfigBox)
	return
}

// Rotations returns the number of 90 degree rotations counter-clockwise that this
// image should be rendered at, in the range [0,3].
func (it *Item) Rotations() int {
	if p, ok := it.Property(bmff.TypeIrot).(*bmff.ImageRotation); ok {
		return p.Degrees() / 90
	}
	return 0
}

// Mirror returns the mirroring axis, bmff.MirrorVertical or
// bmff.MirrorHorizontal, and whether the item is mirrored at all.
func (it *Item) Mirror() (axis uint8, ok bool) {
	if p, ok := it.Property(bmff.TypeImir).(*bmff.ImageMirror); ok {
		return p.Mirror, true
	}
	return 0, false
}

// VisualDimensions returns the item's width and height after correcting
// for any rotations.
func (it *Item) VisualDimensions() (width, height int, ok bool) {
	width, height, ok = it.SpatialExtents()
	if it.Rotations()%2 == 1 {
		width, height = height, width
	}
	return
}

// Open returns a handle to access a HEIF file. The file is parsed on first
// use with the default security limits.
func Open(ra io.ReaderAt) *File {
	return OpenWithLimits(ra, nil)
}

// OpenWithLimits is Open with explicit security limits. A nil lim selects
// the defaults.
func OpenWithLimits(ra io.ReaderAt, lim *limits.SecurityLimits) *File {
	size, ok := bitstream.SizeOf(ra)
	if !ok {
		size = -1
	}
	s := size
	if s < 0 {
		s = assumedMaxSize
	}
	return &File{stream: bitstream.NewReaderAtStream(ra, s), size: size, limits: lim.OrDefault()}
}

// OpenBytes returns a handle to a HEIF file held in memory.
func OpenBytes(data []byte, lim *limits.SecurityLimits) *File {
	return &File{stream: bitstream.NewMemoryReader(data), size: int64(len(data)), limits: lim.OrDefault()}
}

const assumedMaxSize = 5 << 40 // arbitrary

// ErrNoEXIF is returned by File.EXIF when a file does not contain an EXIF item.
var ErrNoEXIF = errors.New("heif: no EXIF found")

// ErrUnknownItem is returned by File.ItemByID for unknown items.
var ErrUnknownItem = heiferr.New(heiferr.UsageError, heiferr.NonexistingItemReferenced, "unknown item")

// Brands accepted as identifying a HEIF file.
var supportedBrands = []bmff.BoxType{
	bmff.TypeOf("heic"), bmff.TypeOf("heix"), bmff.TypeOf("mif1"),
	bmff.TypeOf("avif"), bmff.TypeOf("1pic"), bmff.TypeOf("jpeg"),
}

// Meta parses the file if necessary and returns its metadata boxes.
func (f *File) Meta() (*BoxMeta, error) { return f.getMeta() }

// Limits returns the security limits of the file.
func (f *File) Limits() *limits.SecurityLimits { return f.limits }

// TopLevelBoxes returns the boxes at the root of the file.
func (f *File) TopLevelBoxes() ([]bmff.Box, error) {
	if _, err := f.getMeta(); err != nil {
		return nil, err
	}
	return f.top, nil
}

func (f *File) setMetaErr(err error) error {
	if f.metaErr == nil {
		f.metaErr = err
	}
	return err
}

func (f *File) getMeta() (*BoxMeta, error) {
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	if f.meta != nil {
		return f.meta, nil
	}
	meta, err := f.parse()
	if err != nil {
		return nil, f.setMetaErr(err)
	}
	f.meta = meta
	return f.meta, nil
}

func missing(sub heiferr.SubCode, box string) error {
	return heiferr.Newf(heiferr.InvalidInput, sub, "file has no %q box", box)
}

func (f *File) parse() (*BoxMeta, error) {
	size := uint64(f.size)
	if f.size < 0 {
		size = assumedMaxSize
	}
	r := bitstream.NewRange(f.stream, size)
	meta := &BoxMeta{}
	for !r.EOF() {
		b, err := bmff.ReadBox(r, f.limits)
		if err != nil {
			return nil, err
		}
		f.top = append(f.top, b)
		switch b := b.(type) {
		case *bmff.FileTypeBox:
			if meta.FileType == nil {
				meta.FileType = b
			}
		case *bmff.MetaBox:
			if meta.Meta == nil {
				meta.Meta = b
			}
		}
		// Without a known size the end of the file cannot be told apart
		// from a truncated box, so stop as soon as the index is complete.
		if f.size < 0 && meta.FileType != nil && meta.Meta != nil {
			break
		}
	}
	if err := meta.index(); err != nil {
		return nil, err
	}
	f.indexInfos(meta)
	if err := f.limits.CheckItems(uint64(len(f.infos))); err != nil {
		return nil, err
	}
	return meta, nil
}

// index resolves the boxes of the 'meta' box and checks that the file
// holds everything needed to interpret its items.
func (m *BoxMeta) index() error {
	if m.FileType == nil {
		return missing(heiferr.NoFtypBox, "ftyp")
	}
	ok := false
	for _, b := range supportedBrands {
		if m.FileType.MajorBrand == b || m.FileType.HasCompatibleBrand(b) {
			ok = true
			break
		}
	}
	if !ok {
		return heiferr.Newf(heiferr.UnsupportedFiletype, heiferr.Unspecified,
			"brand %q is not a supported image brand", m.FileType.MajorBrand)
	}
	if m.Meta == nil {
		return missing(heiferr.NoMetaBox, "meta")
	}

	if h, ok := m.Meta.Child(bmff.TypeHdlr).(*bmff.HandlerBox); ok {
		m.Handler = h
		if !h.HandlerType.EqualString("pict") {
			return heiferr.Newf(heiferr.InvalidInput, heiferr.NoPictHandler, "handler type %q", h.HandlerType)
		}
	}

	if m.PrimaryItem, ok = m.Meta.Child(bmff.TypePitm).(*bmff.PrimaryItemBox); !ok {
		return missing(heiferr.NoPitmBox, "pitm")
	}
	if m.Properties, ok = m.Meta.Child(bmff.TypeIprp).(*bmff.ItemPropertiesBox); !ok {
		return missing(heiferr.NoIprpBox, "iprp")
	}
	if m.PropertyContainer, ok = m.Properties.Child(bmff.TypeIpco).(*bmff.ItemPropertyContainerBox); !ok {
		return missing(heiferr.NoIpcoBox, "ipco")
	}
	ipmas := m.Properties.ChildrenOfType(bmff.TypeIpma)
	if len(ipmas) == 0 {
		return missing(heiferr.NoIpmaBox, "ipma")
	}
	m.Associations = ipmas[0].(*bmff.ItemPropertyAssociation)
	if len(ipmas) > 1 {
		for _, b := range ipmas[1:] {
			m.Associations.InsertEntriesFrom(b.(*bmff.ItemPropertyAssociation))
		}
		m.Properties.RemoveChildren(bmff.TypeIpma)
		m.Properties.AppendChild(m.Associations)
	}

	if m.ItemLocation, ok = m.Meta.Child(bmff.TypeIloc).(*bmff.ItemLocationBox); !ok {
		return missing(heiferr.NoIlocBox, "iloc")
	}
	m.ItemData, _ = m.Meta.Child(bmff.TypeIdat).(*bmff.ItemDataBox)
	m.Groups, _ = m.Meta.Child(bmff.TypeGrpl).(*bmff.GroupsListBox)

	if m.ItemReference, ok = m.Meta.Child(bmff.TypeIref).(*bmff.ItemReferenceBox); ok {
		if err := checkReferenceCycles(m.ItemReference, m.PrimaryItem.ItemID, map[uint32]bool{}, map[uint32]bool{}); err != nil {
			return err
		}
	}

	if m.ItemInfo, ok = m.Meta.Child(bmff.TypeIinf).(*bmff.ItemInfoBox); !ok {
		return missing(heiferr.NoIinfBox, "iinf")
	}
	return nil
}

// checkReferenceCycles follows the 'dimg' references from id, failing if
// an item is reached again while it is still being visited. Items in
// acyclic have been fully explored already.
func checkReferenceCycles(iref *bmff.ItemReferenceBox, id uint32, visiting, acyclic map[uint32]bool) error {
	if acyclic[id] {
		return nil
	}
	if visiting[id] {
		return heiferr.Newf(heiferr.InvalidInput, heiferr.ItemReferenceCycle, "'dimg' references of item %d form a cycle", id)
	}
	visiting[id] = true
	for _, child := range iref.ReferencesOfType(id, bmff.TypeOf("dimg")) {
		if err := checkReferenceCycles(iref, child, visiting, acyclic); err != nil {
			return err
		}
	}
	delete(visiting, id)
	acyclic[id] = true
	return nil
}

func (f *File) indexInfos(m *BoxMeta) {
	f.infos = make(map[uint32]*bmff.ItemInfoEntry)
	for _, e := range m.ItemInfo.Entries() {
		f.infos[e.ItemID] = e
	}
}

// ItemIDs returns the IDs of all items, in 'iinf' order.
func (f *File) ItemIDs() ([]uint32, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	var ids []uint32
	for _, e := range meta.ItemInfo.Entries() {
		ids = append(ids, e.ItemID)
	}
	return ids, nil
}

// PrimaryItem returns the HEIF file's primary item.
func (f *File) PrimaryItem() (*Item, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	it, err := f.ItemByID(meta.PrimaryItem.ItemID)
	if errors.Is(err, ErrUnknownItem) {
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.NoOrInvalidPrimaryItem,
			"primary item %d does not exist", meta.PrimaryItem.ItemID)
	}
	return it, err
}

// ItemByID by returns the file's Item of a given ID.
// If the ID is not known, the returned error is ErrUnknownItem.
func (f *File) ItemByID(id uint32) (*Item, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	info, ok := f.infos[id]
	if !ok {
		return nil, ErrUnknownItem
	}
	it := &Item{f: f, ID: id, Info: info}
	it.Location, _ = meta.ItemLocation.Item(id)
	if meta.ItemReference != nil {
		it.References = meta.ItemReference.ReferencesFrom(id)
	}
	it.Properties, err = meta.PropertyContainer.PropertiesForItem(id, meta.Associations)
	if err != nil && !errors.Is(err, errNoProperties) {
		return nil, err
	}
	return it, nil
}

var errNoProperties = &heiferr.Error{Code: heiferr.InvalidInput, Sub: heiferr.NoPropertiesAssignedToItem}

// IsEssential reports whether property p is marked essential for item id.
func (f *File) IsEssential(id uint32, p bmff.Box) bool {
	meta, err := f.getMeta()
	if err != nil {
		return false
	}
	return meta.PropertyContainer.IsEssential(id, p, meta.Associations)
}

// References returns the targets of the reference of type t from item id.
func (f *File) References(id uint32, t string) []uint32 {
	meta, err := f.getMeta()
	if err != nil || meta.ItemReference == nil {
		return nil
	}
	return meta.ItemReference.ReferencesOfType(id, bmff.TypeOf(t))
}

// ReferencedBy returns the items holding a reference of type t to item id.
func (f *File) ReferencedBy(id uint32, t string) []uint32 {
	meta, err := f.getMeta()
	if err != nil || meta.ItemReference == nil {
		return nil
	}
	var out []uint32
	for _, ref := range meta.ItemReference.References {
		if !ref.Type.EqualString(t) {
			continue
		}
		for _, to := range ref.ToItemIDs {
			if to == id {
				out = append(out, ref.FromItemID)
				break
			}
		}
	}
	return out
}

// EntityGroups returns the entity groups of the file, such as 'altr'
// alternatives or 'pymd' pyramids.
func (f *File) EntityGroups() ([]*bmff.EntityToGroupBox, error) {
	meta, err := f.getMeta()
	if err != nil || meta.Groups == nil {
		return nil, err
	}
	return meta.Groups.Groups(), nil
}

// MetadataItems returns the IDs of metadata items of the given item type.
// For "mime" items contentType selects the MIME type; it is ignored for
// other types.
func (f *File) MetadataItems(itemType, contentType string) ([]uint32, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	var ids []uint32
	for _, e := range meta.ItemInfo.Entries() {
		if e.ItemType != itemType {
			continue
		}
		if itemType == "mime" && contentType != "" && e.ContentType != contentType {
			continue
		}
		ids = append(ids, e.ItemID)
	}
	return ids, nil
}

// EXIF returns the raw EXIF data from the file, starting at the TIFF
// header. The error is ErrNoEXIF if the file did not contain EXIF.
//
// The raw EXIF data can be parsed by the
// github.com/rwcarlsen/goexif/exif package's Decode function.
func (f *File) EXIF() ([]byte, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	exifID := meta.EXIFItemID()
	if exifID == 0 {
		return nil, ErrNoEXIF
	}
	it, err := f.ItemByID(exifID)
	if err != nil {
		return nil, err
	}
	data, err := f.GetItemData(it)
	if err != nil {
		return nil, err
	}
	return StripExifOffset(data)
}

// StripExifOffset removes the prefix of an 'Exif' item: a 32-bit offset
// from the end of the prefix to the TIFF header.
func StripExifOffset(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, heiferr.New(heiferr.InvalidInput, heiferr.EndOfData, "Exif item shorter than its header")
	}
	off := uint64(data[0])<<24 | uint64(data[1])<<16 | uint64(data[2])<<8 | uint64(data[3])
	if off > uint64(len(data)-4) {
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.EndOfData, "Exif TIFF header offset %d beyond item end", off)
	}
	return data[4+off:], nil
}

// GetItemData returns data specified by item's location. The data of
// 'mime' items with a content encoding is decompressed.
func (f *File) GetItemData(it *Item) ([]byte, error) {
	data, err := f.rawItemData(it)
	if err != nil {
		return nil, err
	}
	if it.Info.ItemType != "mime" || it.Info.ContentEncoding == "" {
		return data, nil
	}
	out, err := Decompress(it.Info.ContentEncoding, data, f.limits)
	if err != nil && heiferr.SubCodeOf(err) == heiferr.UnsupportedGenericCompressionMethod {
		return nil, heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedHeaderCompressionMethod,
			"content encoding %q of item %d", it.Info.ContentEncoding, it.ID)
	}
	return out, err
}

// ItemData is GetItemData by item ID.
func (f *File) ItemData(id uint32) ([]byte, error) {
	it, err := f.ItemByID(id)
	if err != nil {
		return nil, err
	}
	return f.GetItemData(it)
}

func (f *File) rawItemData(it *Item) ([]byte, error) {
	if it.Location == nil {
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.NoItemData, "item with ID %d has no data", it.ID)
	}
	f.readMu.Lock()
	defer f.readMu.Unlock()
	return f.meta.ItemLocation.ReadData(it.Location, f.stream, f.meta.ItemData, f.limits)
}

// ItemDataRange returns length bytes starting at offset within the data of
// item id, reading only the extents that overlap the range. Content
// encodings are not applied.
func (f *File) ItemDataRange(id uint32, offset, length uint64) ([]byte, error) {
	it, err := f.ItemByID(id)
	if err != nil {
		return nil, err
	}
	if it.Location == nil {
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.NoItemData, "item with ID %d has no data", id)
	}
	if err := f.limits.CheckMemoryBlock(length, "item data range"); err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	end := offset + length
	var pos uint64
	for _, ext := range it.Location.Extents {
		extStart, extEnd := pos, pos+ext.Length
		if ext.Data != nil {
			extEnd = pos + uint64(len(ext.Data))
		}
		pos = extEnd
		if extEnd <= offset || extStart >= end {
			continue
		}
		from, to := maxU64(offset, extStart)-extStart, minU64(end, extEnd)-extStart
		part := bmff.ItemLocationBoxEntry{
			ItemID:             id,
			ConstructionMethod: it.Location.ConstructionMethod,
			BaseOffset:         it.Location.BaseOffset,
		}
		if ext.Data != nil {
			part.Extents = []bmff.OffsetLength{{Length: to - from, Data: ext.Data[from:to]}}
		} else {
			part.Extents = []bmff.OffsetLength{{Offset: ext.Offset + from, Length: to - from}}
		}
		f.readMu.Lock()
		data, err := f.meta.ItemLocation.ReadData(&part, f.stream, f.meta.ItemData, f.limits)
		f.readMu.Unlock()
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	if uint64(len(out)) != length {
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.EndOfData,
			"range [%d,%d) exceeds the %d bytes of item %d", offset, end, pos, id)
	}
	return out, nil
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// CodedImageData returns the data of a coded image item, preceded by the
// decoder configuration stored in its properties: the parameter set NAL
// units of 'hvcC', 'avcC' and 'vvcC', or the shared headers of 'jpgC'.
func (f *File) CodedImageData(id uint32) ([]byte, error) {
	it, err := f.ItemByID(id)
	if err != nil {
		return nil, err
	}
	hdr, err := decoderConfig(it, it.Type())
	if err != nil {
		return nil, err
	}
	data, err := f.rawItemData(it)
	if err != nil {
		return nil, err
	}
	if len(hdr) == 0 {
		return data, nil
	}
	return append(hdr, data...), nil
}

// decoderConfig returns the configuration that precedes coded data of the
// given item type. Tiled items store tiles of another type and pass it
// explicitly.
func decoderConfig(it *Item, codedType string) ([]byte, error) {
	switch codedType {
	case "hvc1":
		c, ok := it.Property(bmff.TypeHvcC).(*bmff.ItemHevcConfigBox)
		if !ok {
			return nil, heiferr.New(heiferr.InvalidInput, heiferr.NoHvcCBox, "hvc1 item without hvcC property")
		}
		return c.AsHeader(), nil
	case "avc1":
		c, ok := it.Property(bmff.TypeAvcC).(*bmff.ItemAvcConfigBox)
		if !ok {
			return nil, heiferr.New(heiferr.InvalidInput, heiferr.NoAvcCBox, "avc1 item without avcC property")
		}
		return c.AsHeader(), nil
	case "vvc1":
		c, ok := it.Property(bmff.TypeVvcC).(*bmff.ItemVvcConfigBox)
		if !ok {
			return nil, heiferr.New(heiferr.InvalidInput, heiferr.NoVvcCBox, "vvc1 item without vvcC property")
		}
		return c.AsHeader(), nil
	case "av01":
		c, ok := it.Property(bmff.TypeAv1C).(*bmff.ItemAv1ConfigBox)
		if !ok {
			return nil, heiferr.New(heiferr.InvalidInput, heiferr.NoAv1CBox, "av01 item without av1C property")
		}
		return append([]byte(nil), c.Config.ConfigOBUs...), nil
	case "jpeg":
		if c, ok := it.Property(bmff.TypeJpgC).(*bmff.JPEGConfigBox); ok {
			return append([]byte(nil), c.Data...), nil
		}
	}
	return nil, nil
}

func (f *File) String() string {
	meta, err := f.getMeta()
	if err != nil {
		return fmt.Sprintf("heif.File(%v)", err)
	}
	return fmt.Sprintf("heif.File(brand=%s, %d items, primary=%d)",
		meta.FileType.MajorBrand, len(f.infos), meta.PrimaryItem.ItemID)
}
