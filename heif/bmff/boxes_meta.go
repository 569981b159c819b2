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

// FileTypeBox is a "ftyp" box.
type FileTypeBox struct {
	box
	MajorBrand   BoxType
	MinorVersion uint32
	Compatible   []BoxType
}

// NewFileTypeBox returns an empty 'ftyp' box.
func NewFileTypeBox() *FileTypeBox { return factories[TypeFtyp]().(*FileTypeBox) }

func (b *FileTypeBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	if r.Remaining() < 8 {
		return invalidBoxSize("ftyp box too small (less than 8 bytes)")
	}
	r.Read(b.MajorBrand[:])
	b.MinorVersion = r.Uint32()
	for r.Remaining() >= 4 && r.OK() {
		var t BoxType
		r.Read(t[:])
		b.Compatible = append(b.Compatible, t)
	}
	return r.Err()
}

func (b *FileTypeBox) write(w *bitstream.Writer) error {
	w.WriteBytes(b.MajorBrand[:])
	w.Write32(b.MinorVersion)
	for _, t := range b.Compatible {
		w.WriteBytes(t[:])
	}
	return nil
}

func (b *FileTypeBox) dump(d *dumper) {
	d.line("major brand: %s", b.MajorBrand)
	d.line("minor version: %d", b.MinorVersion)
	d.line("compatible brands: %s", fourCCList(b.Compatible))
}

// HasCompatibleBrand reports whether t is listed as a compatible brand.
func (b *FileTypeBox) HasCompatibleBrand(t BoxType) bool {
	for _, c := range b.Compatible {
		if c == t {
			return true
		}
	}
	return false
}

// AddCompatibleBrand adds t unless it is already present.
func (b *FileTypeBox) AddCompatibleBrand(t BoxType) {
	if !b.HasCompatibleBrand(t) {
		b.Compatible = append(b.Compatible, t)
	}
}

// MetaBox is a "meta" box.
type MetaBox struct {
	box
}

// NewMetaBox returns an empty 'meta' box.
func NewMetaBox() *MetaBox { return factories[TypeMeta]().(*MetaBox) }

func (b *MetaBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	return b.readChildren(r, lim, -1)
}

func (b *MetaBox) write(w *bitstream.Writer) error { return b.writeChildren(w) }
func (b *MetaBox) dump(d *dumper)                  {}

// HandlerBox is a "hdlr" box.
type HandlerBox struct {
	box
	PreDefined  uint32
	HandlerType BoxType
	Reserved    [3]uint32
	Name        string
}

// NewHandlerBox returns a handler box of type handler.
func NewHandlerBox(handler string) *HandlerBox {
	b := factories[TypeHdlr]().(*HandlerBox)
	b.HandlerType = boxType(handler)
	return b
}

func (b *HandlerBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	b.PreDefined = r.Uint32()
	r.Read(b.HandlerType[:])
	for i := range b.Reserved {
		b.Reserved[i] = r.Uint32()
	}
	b.Name = r.ReadString()
	return r.Err()
}

func (b *HandlerBox) write(w *bitstream.Writer) error {
	w.Write32(b.PreDefined)
	w.WriteBytes(b.HandlerType[:])
	for _, v := range b.Reserved {
		w.Write32(v)
	}
	w.WriteString(b.Name)
	return nil
}

func (b *HandlerBox) dump(d *dumper) {
	d.line("pre_defined: %d", b.PreDefined)
	d.line("handler_type: %s", b.HandlerType)
	d.line("name: %s", b.Name)
}

// DataInformationBox is a "dinf" box.
type DataInformationBox struct {
	box
}

func (b *DataInformationBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	return b.readChildren(r, lim, -1)
}

func (b *DataInformationBox) write(w *bitstream.Writer) error { return b.writeChildren(w) }
func (b *DataInformationBox) dump(d *dumper)                  {}

// DataReferenceBox is a "dref" box. Its children are the data entries.
type DataReferenceBox struct {
	box
}

func (b *DataReferenceBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	n := r.Uint32()
	if err := lim.CheckChildren(uint64(n)); err != nil {
		return err
	}
	return b.readChildren(r, lim, int(n))
}

func (b *DataReferenceBox) write(w *bitstream.Writer) error {
	w.Write32(uint32(len(b.children)))
	return b.writeChildren(w)
}

func (b *DataReferenceBox) dump(d *dumper) {}

// DataEntryURLBox is a "url " box. Flag 1 marks data in the same file, in
// which case there is no location.
type DataEntryURLBox struct {
	box
	Location string
}

func (b *DataEntryURLBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	if b.flags&1 == 0 || !r.EOF() {
		b.Location = r.ReadString()
	}
	return r.Err()
}

func (b *DataEntryURLBox) write(w *bitstream.Writer) error {
	if b.flags&1 == 0 || b.Location != "" {
		w.WriteString(b.Location)
	}
	return nil
}

func (b *DataEntryURLBox) dump(d *dumper) {
	d.line("location: %s", b.Location)
}

// PrimaryItemBox is a "pitm" box.
type PrimaryItemBox struct {
	box
	ItemID uint32
}

// NewPrimaryItemBox returns a 'pitm' box pointing at id.
func NewPrimaryItemBox(id uint32) *PrimaryItemBox {
	b := factories[TypePitm]().(*PrimaryItemBox)
	b.ItemID = id
	return b
}

func (b *PrimaryItemBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	if b.version == 0 {
		b.ItemID = uint32(r.Uint16())
	} else {
		b.ItemID = r.Uint32()
	}
	return r.Err()
}

func (b *PrimaryItemBox) DeriveVersion() {
	b.version = 0
	if b.ItemID > 0xFFFF {
		b.version = 1
	}
}

func (b *PrimaryItemBox) write(w *bitstream.Writer) error {
	if b.version == 0 {
		w.Write16(uint16(b.ItemID))
	} else {
		w.Write32(b.ItemID)
	}
	return nil
}

func (b *PrimaryItemBox) dump(d *dumper) {
	d.line("item_ID: %d", b.ItemID)
}

// ItemInfoBox is an "iinf" box. Its children are *ItemInfoEntry.
type ItemInfoBox struct {
	box
}

// NewItemInfoBox returns an empty 'iinf' box.
func NewItemInfoBox() *ItemInfoBox { return factories[TypeIinf]().(*ItemInfoBox) }

func (b *ItemInfoBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	var n uint32
	if b.version == 0 {
		n = uint32(r.Uint16())
	} else {
		n = r.Uint32()
	}
	if err := r.Err(); err != nil {
		return err
	}
	if err := lim.CheckItems(uint64(n)); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return b.readChildren(r, lim, -1)
}

func (b *ItemInfoBox) DeriveVersion() {
	b.version = 0
	if len(b.children) > 0xFFFF {
		b.version = 1
	}
}

func (b *ItemInfoBox) write(w *bitstream.Writer) error {
	if b.version == 0 {
		w.Write16(uint16(len(b.children)))
	} else {
		w.Write32(uint32(len(b.children)))
	}
	return b.writeChildren(w)
}

func (b *ItemInfoBox) dump(d *dumper) {}

// Entries returns the item info entries.
func (b *ItemInfoBox) Entries() []*ItemInfoEntry {
	var out []*ItemInfoEntry
	for _, c := range b.children {
		if e, ok := c.(*ItemInfoEntry); ok {
			out = append(out, e)
		}
	}
	return out
}

// ItemInfoEntry represents an "infe" box.
//
// TODO: currently only parses ItemInfoEntry version 2 and 3 fully; the
// item_info_extension of version 1 is skipped.
type ItemInfoEntry struct {
	box

	ItemID          uint32
	ProtectionIndex uint16
	ItemType        string // four character code, "" when unset
	Name            string

	// MIME items
	ContentType     string
	ContentEncoding string

	// URI items
	ItemURIType string

	Hidden bool
}

// NewItemInfoEntry returns an 'infe' box for an item of the given type.
func NewItemInfoEntry(id uint32, itemType string) *ItemInfoEntry {
	b := factories[TypeInfe]().(*ItemInfoEntry)
	b.ItemID = id
	b.ItemType = itemType
	return b
}

// SetHidden marks the item as hidden, which excludes it from the list of
// top-level images.
func (b *ItemInfoEntry) SetHidden(hidden bool) {
	b.Hidden = hidden
	if hidden {
		b.flags |= 1
	} else {
		b.flags &^= 1
	}
}

func (b *ItemInfoEntry) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	if b.version <= 1 {
		b.ItemID = uint32(r.Uint16())
		b.ProtectionIndex = r.Uint16()
		b.Name = r.ReadString()
		b.ContentType = r.ReadString()
		if !r.EOF() {
			b.ContentEncoding = r.ReadString()
		}
		return r.Err()
	}

	b.Hidden = b.flags&1 != 0
	if b.version == 2 {
		b.ItemID = uint32(r.Uint16())
	} else {
		b.ItemID = r.Uint32()
	}
	b.ProtectionIndex = r.Uint16()
	var t BoxType
	r.Read(t[:])
	if !t.IsZero() {
		b.ItemType = t.String()
	}
	b.Name = r.ReadString()
	switch b.ItemType {
	case "mime":
		b.ContentType = r.ReadString()
		if !r.EOF() {
			b.ContentEncoding = r.ReadString()
		}
	case "uri ":
		b.ItemURIType = r.ReadString()
	}
	return r.Err()
}

func (b *ItemInfoEntry) DeriveVersion() {
	var v uint8
	if b.Hidden || b.ItemType != "" {
		v = 2
	}
	if b.ItemID > 0xFFFF {
		v = 3
	}
	b.version = v
}

func (b *ItemInfoEntry) write(w *bitstream.Writer) error {
	if b.version <= 1 {
		w.Write16(uint16(b.ItemID))
		w.Write16(b.ProtectionIndex)
		w.WriteString(b.Name)
		w.WriteString(b.ContentType)
		w.WriteString(b.ContentEncoding)
		return nil
	}
	if b.version == 2 {
		w.Write16(uint16(b.ItemID))
	} else {
		w.Write32(b.ItemID)
	}
	w.Write16(b.ProtectionIndex)
	if b.ItemType == "" {
		w.Write32(0)
	} else {
		if len(b.ItemType) != 4 {
			return heiferr.Newf(heiferr.UsageError, heiferr.InvalidParameterValue, "item type %q is not a four character code", b.ItemType)
		}
		w.WriteBytes([]byte(b.ItemType))
	}
	w.WriteString(b.Name)
	switch b.ItemType {
	case "mime":
		w.WriteString(b.ContentType)
		w.WriteString(b.ContentEncoding)
	case "uri ":
		w.WriteString(b.ItemURIType)
	}
	return nil
}

func (b *ItemInfoEntry) dump(d *dumper) {
	d.line("item_ID: %d", b.ItemID)
	d.line("item_protection_index: %d", b.ProtectionIndex)
	d.line("item_type: %s", b.ItemType)
	d.line("item_name: %s", b.Name)
	d.line("content_type: %s", b.ContentType)
	d.line("content_encoding: %s", b.ContentEncoding)
	d.line("item uri type: %s", b.ItemURIType)
	d.line("hidden item: %v", b.Hidden)
}

// ItemReference is one typed reference list of an 'iref' box.
type ItemReference struct {
	Type       BoxType
	FromItemID uint32
	ToItemIDs  []uint32
}

// ItemReferenceBox is an "iref" box.
type ItemReferenceBox struct {
	box
	References []ItemReference
}

// NewItemReferenceBox returns an empty 'iref' box.
func NewItemReferenceBox() *ItemReferenceBox {
	return factories[TypeIref]().(*ItemReferenceBox)
}

func (b *ItemReferenceBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	var total uint64
	for !r.EOF() && r.OK() {
		h, err := parseHeader(r)
		if err != nil {
			return err
		}
		ref := ItemReference{Type: h.boxType}
		idSize := 2
		if b.version != 0 {
			idSize = 4
		}
		ref.FromItemID = uint32(r.UintN(idSize))
		n := int(r.Uint16())
		for i := 0; i < n && r.OK(); i++ {
			ref.ToItemIDs = append(ref.ToItemIDs, uint32(r.UintN(idSize)))
			if r.EOF() {
				break
			}
		}
		total += uint64(len(ref.ToItemIDs))
		if err := lim.CheckIrefReferences(total); err != nil {
			return err
		}
		b.References = append(b.References, ref)
	}
	if err := r.Err(); err != nil {
		return err
	}

	for _, ref := range b.References {
		seen := make(map[uint32]bool, len(ref.ToItemIDs))
		for _, id := range ref.ToItemIDs {
			if seen[id] {
				return heiferr.Newf(heiferr.InvalidInput, heiferr.Unspecified,
					"'iref' has double references from item %d to item %d", ref.FromItemID, id)
			}
			seen[id] = true
		}
	}
	return nil
}

func (b *ItemReferenceBox) DeriveVersion() {
	b.version = 0
	for _, ref := range b.References {
		if ref.FromItemID > 0xFFFF {
			b.version = 1
			return
		}
		for _, id := range ref.ToItemIDs {
			if id > 0xFFFF {
				b.version = 1
				return
			}
		}
	}
}

func (b *ItemReferenceBox) write(w *bitstream.Writer) error {
	idSize := 2
	if b.version != 0 {
		idSize = 4
	}
	for _, ref := range b.References {
		w.Write32(uint32(4 + 4 + 2 + idSize*(1+len(ref.ToItemIDs))))
		w.WriteBytes(ref.Type[:])
		w.WriteUintN(uint64(ref.FromItemID), idSize)
		w.Write16(uint16(len(ref.ToItemIDs)))
		for _, id := range ref.ToItemIDs {
			w.WriteUintN(uint64(id), idSize)
		}
	}
	return nil
}

func (b *ItemReferenceBox) dump(d *dumper) {
	for _, ref := range b.References {
		d.line("reference with type '%s' from ID: %d to IDs: %s", ref.Type, ref.FromItemID, uintList(ref.ToItemIDs))
	}
}

// HasReferences reports whether any reference starts at item id.
func (b *ItemReferenceBox) HasReferences(id uint32) bool {
	for _, ref := range b.References {
		if ref.FromItemID == id {
			return true
		}
	}
	return false
}

// ReferencesFrom returns all references starting at item id.
func (b *ItemReferenceBox) ReferencesFrom(id uint32) []ItemReference {
	var out []ItemReference
	for _, ref := range b.References {
		if ref.FromItemID == id {
			out = append(out, ref)
		}
	}
	return out
}

// ReferencesOfType returns the targets of the first reference of type t from id.
func (b *ItemReferenceBox) ReferencesOfType(id uint32, t BoxType) []uint32 {
	for _, ref := range b.References {
		if ref.FromItemID == id && ref.Type == t {
			return ref.ToItemIDs
		}
	}
	return nil
}

// AddReferences appends a reference of type t from id to the given items.
func (b *ItemReferenceBox) AddReferences(from uint32, t BoxType, to []uint32) {
	b.References = append(b.References, ItemReference{Type: t, FromItemID: from, ToItemIDs: append([]uint32(nil), to...)})
}

// ItemDataBox is an "idat" box.
type ItemDataBox struct {
	box
	Data []byte
}

// NewItemDataBox returns an empty 'idat' box.
func NewItemDataBox() *ItemDataBox { return factories[TypeIdat]().(*ItemDataBox) }

func (b *ItemDataBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	if err := lim.CheckMemoryBlock(r.Remaining(), "idat box"); err != nil {
		return err
	}
	b.Data = r.Rest()
	return r.Err()
}

func (b *ItemDataBox) write(w *bitstream.Writer) error {
	w.WriteBytes(b.Data)
	return nil
}

func (b *ItemDataBox) dump(d *dumper) {
	d.line("number of data bytes: %d", len(b.Data))
}

// ReadData returns length bytes starting at offset start of the box
// content.
func (b *ItemDataBox) ReadData(start, length uint64) ([]byte, error) {
	size := uint64(len(b.Data))
	if start > size || length > size || start+length > size {
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.EndOfData,
			"idat read of %d bytes at offset %d exceeds the box content of %d bytes", length, start, size)
	}
	return append([]byte(nil), b.Data[start : start+length]...), nil
}

// AppendData adds data to the box and returns the offset it was stored at.
func (b *ItemDataBox) AppendData(data []byte) uint64 {
	off := uint64(len(b.Data))
	b.Data = append(b.Data, data...)
	return off
}

// MediaDataBox is an "mdat" box. When read from a file only its location
// is recorded; Data is written as is.
type MediaDataBox struct {
	box
	DataOffset uint64
	DataLength uint64
	Data       []byte
}

func (b *MediaDataBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.DataOffset = r.Position()
	b.DataLength = r.Remaining()
	return nil
}

func (b *MediaDataBox) write(w *bitstream.Writer) error {
	w.WriteBytes(b.Data)
	return nil
}

func (b *MediaDataBox) dump(d *dumper) {
	d.line("data offset: %d, length: %d", b.DataOffset, b.DataLength)
}

var entityGroupTypes = []BoxType{
	boxType("altr"), boxType("ster"), boxType("pymd"), boxType("eqiv"), boxType("brst"),
}

// GroupsListBox is a "grpl" box. All of its children are entity groups,
// whatever their type.
type GroupsListBox struct {
	box
}

func newEntityGroup(t BoxType) Box { return &EntityToGroupBox{box: fullBox(t)} }

func (b *GroupsListBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	for !r.EOF() && r.OK() {
		if err := lim.CheckChildren(uint64(len(b.children)) + 1); err != nil {
			return err
		}
		c, err := readBox(r, lim, newEntityGroup)
		if err != nil {
			return err
		}
		b.children = append(b.children, c)
	}
	return r.Err()
}

func (b *GroupsListBox) write(w *bitstream.Writer) error { return b.writeChildren(w) }
func (b *GroupsListBox) dump(d *dumper)                  {}

// Groups returns the entity groups.
func (b *GroupsListBox) Groups() []*EntityToGroupBox {
	var out []*EntityToGroupBox
	for _, c := range b.children {
		if g, ok := c.(*EntityToGroupBox); ok {
			out = append(out, g)
		}
	}
	return out
}

// EntityToGroupBox is an entity group such as 'altr' or 'pymd'. Type
// specific trailing data is kept in Extra.
type EntityToGroupBox struct {
	box
	GroupID   uint32
	EntityIDs []uint32
	Extra     []byte
}

// NewEntityGroup returns an entity group of type t.
func NewEntityGroup(t BoxType, groupID uint32, ids []uint32) *EntityToGroupBox {
	g := newEntityGroup(t).(*EntityToGroupBox)
	g.GroupID = groupID
	g.EntityIDs = ids
	return g
}

func (b *EntityToGroupBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	b.GroupID = r.Uint32()
	n := r.Uint32()
	if err := lim.CheckEntityGroup(uint64(n)); err != nil {
		return err
	}
	for i := uint32(0); i < n && !r.EOF() && r.OK(); i++ {
		b.EntityIDs = append(b.EntityIDs, r.Uint32())
	}
	if !r.EOF() {
		b.Extra = r.Rest()
	}
	return r.Err()
}

func (b *EntityToGroupBox) write(w *bitstream.Writer) error {
	w.Write32(b.GroupID)
	w.Write32(uint32(len(b.EntityIDs)))
	for _, id := range b.EntityIDs {
		w.Write32(id)
	}
	w.WriteBytes(b.Extra)
	return nil
}

func (b *EntityToGroupBox) dump(d *dumper) {
	d.line("group id: %d", b.GroupID)
	d.line("entity IDs: %s", uintList(b.EntityIDs))
	if len(b.Extra) > 0 {
		d.line("extra data: %d bytes", len(b.Extra))
	}
}
