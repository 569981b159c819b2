package heif

import (
	"bytes"
	"io"

	"github.com/heifkit/goheif/heif/bitstream"
	"github.com/heifkit/goheif/heif/bmff"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/limits"
)

// NewFile returns a file holding no items, ready to be filled with the
// Add methods and written with WriteTo.
func NewFile() *File {
	meta := &BoxMeta{
		FileType:          bmff.NewFileTypeBox(),
		Meta:              bmff.NewMetaBox(),
		Handler:           bmff.NewHandlerBox("pict"),
		PrimaryItem:       bmff.NewPrimaryItemBox(0),
		ItemInfo:          bmff.NewItemInfoBox(),
		Properties:        bmff.NewItemPropertiesBox(),
		PropertyContainer: bmff.NewItemPropertyContainerBox(),
		Associations:      bmff.NewItemPropertyAssociation(),
		ItemLocation:      bmff.NewItemLocationBox(),
	}
	meta.FileType.MajorBrand = bmff.TypeOf("mif1")
	meta.FileType.AddCompatibleBrand(bmff.TypeOf("mif1"))
	meta.Properties.AppendChild(meta.PropertyContainer)
	meta.Properties.AppendChild(meta.Associations)
	for _, b := range []bmff.Box{meta.Handler, meta.PrimaryItem, meta.ItemLocation, meta.ItemInfo, meta.Properties} {
		meta.Meta.AppendChild(b)
	}
	return &File{
		limits: limits.Default(),
		meta:   meta,
		top:    []bmff.Box{meta.FileType, meta.Meta},
		infos:  make(map[uint32]*bmff.ItemInfoEntry),
	}
}

// SetLimits replaces the security limits of f.
func (f *File) SetLimits(lim *limits.SecurityLimits) { f.limits = lim.OrDefault() }

func (f *File) unusedItemID() (uint32, error) {
	var maxID uint32
	for id := range f.infos {
		if id > maxID {
			maxID = id
		}
	}
	if f.meta.Groups != nil {
		for _, g := range f.meta.Groups.Groups() {
			if g.GroupID > maxID {
				maxID = g.GroupID
			}
		}
	}
	if maxID >= 0xFFFFFFFE {
		return 0, heiferr.New(heiferr.UsageError, heiferr.Unspecified, "no unused item ID left")
	}
	return maxID + 1, nil
}

// AddItem creates an item of the given type and returns its ID. Hidden
// items, such as grid tiles, are not listed as top-level images.
func (f *File) AddItem(itemType string, hidden bool) (uint32, error) {
	if _, err := f.getMeta(); err != nil {
		return 0, err
	}
	id, err := f.unusedItemID()
	if err != nil {
		return 0, err
	}
	infe := bmff.NewItemInfoEntry(id, itemType)
	infe.SetHidden(hidden)
	f.meta.ItemInfo.AppendChild(infe)
	f.infos[id] = infe
	return id, nil
}

// AddMimeItem creates a 'mime' item. A non-empty encoding names the
// content encoding the item data will be compressed with.
func (f *File) AddMimeItem(contentType, encoding string) (uint32, error) {
	id, err := f.AddItem("mime", false)
	if err != nil {
		return 0, err
	}
	f.infos[id].ContentType = contentType
	f.infos[id].ContentEncoding = encoding
	return id, nil
}

// AddProperty associates p with item id. A property equal to one already
// stored in the file is shared instead of stored twice.
func (f *File) AddProperty(id uint32, p bmff.Box, essential bool) error {
	if _, err := f.getMeta(); err != nil {
		return err
	}
	if _, ok := f.infos[id]; !ok {
		return heiferr.Newf(heiferr.UsageError, heiferr.NonexistingItemReferenced, "property for unknown item %d", id)
	}
	idx := f.meta.PropertyContainer.FindOrAppend(p)
	if idx+1 > 0x7FFF {
		return heiferr.New(heiferr.UsageError, heiferr.IndexOutOfRange, "too many properties in ipco")
	}
	f.meta.Associations.AddProperty(id, bmff.ItemProperty{Essential: essential, Index: uint16(idx + 1)})
	return nil
}

// AddReference adds a reference of type t from item from to the given
// items, creating the 'iref' box if needed.
func (f *File) AddReference(from uint32, t string, to ...uint32) error {
	if _, err := f.getMeta(); err != nil {
		return err
	}
	// Readers reject a reference box naming the same target twice.
	seen := make(map[uint32]bool, len(to))
	if f.meta.ItemReference != nil {
		for _, ref := range f.meta.ItemReference.References {
			if ref.FromItemID == from && ref.Type.EqualString(t) {
				for _, id := range ref.ToItemIDs {
					seen[id] = true
				}
			}
		}
	}
	for _, id := range to {
		if seen[id] {
			return heiferr.Newf(heiferr.UsageError, heiferr.InvalidParameterValue,
				"item %d already has a '%s' reference to item %d", from, t, id)
		}
		seen[id] = true
	}

	if f.meta.ItemReference == nil {
		f.meta.ItemReference = bmff.NewItemReferenceBox()
		f.meta.Meta.AppendChild(f.meta.ItemReference)
	}
	f.meta.ItemReference.AddReferences(from, bmff.TypeOf(t), to)
	return nil
}

// SetPrimaryItem marks item id as the primary item.
func (f *File) SetPrimaryItem(id uint32) error {
	if _, err := f.getMeta(); err != nil {
		return err
	}
	f.meta.PrimaryItem.ItemID = id
	return nil
}

// AppendItemData adds data to the content of item id. With
// bmff.ConstructionIdat the data is stored inside the 'meta' box,
// otherwise in the 'mdat' box.
func (f *File) AppendItemData(id uint32, data []byte, method uint8) error {
	if _, err := f.getMeta(); err != nil {
		return err
	}
	if method != bmff.ConstructionFile && method != bmff.ConstructionIdat {
		return heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedItemConstructionMethod, "construction method %d", method)
	}
	f.meta.ItemLocation.AppendData(id, data, method)
	return nil
}

// SetItemData replaces the content of item id.
func (f *File) SetItemData(id uint32, data []byte, method uint8) error {
	if _, err := f.getMeta(); err != nil {
		return err
	}
	f.meta.ItemLocation.ReplaceData(id, data, method)
	return nil
}

// AddEntityGroup adds an entity group of type t, such as "altr", and
// returns its ID.
func (f *File) AddEntityGroup(t string, ids []uint32) (uint32, error) {
	if _, err := f.getMeta(); err != nil {
		return 0, err
	}
	gid, err := f.unusedItemID()
	if err != nil {
		return 0, err
	}
	if f.meta.Groups == nil {
		f.meta.Groups = bmff.New(bmff.TypeGrpl).(*bmff.GroupsListBox)
		f.meta.Meta.AppendChild(f.meta.Groups)
	}
	f.meta.Groups.AppendChild(bmff.NewEntityGroup(bmff.TypeOf(t), gid, ids))
	return gid, nil
}

// SetBrand sets the brands of the file for images coded in format. The
// 'miaf' and '1pic' brands are added when the content conforms to MIAF.
func (f *File) SetBrand(format CompressionFormat, miaf bool) error {
	meta, err := f.getMeta()
	if err != nil {
		return err
	}
	ftyp := meta.FileType
	major, compatible := "", []string{}
	switch format {
	case FormatHEVC:
		major, compatible = "heic", []string{"mif1", "heic"}
	case FormatAV1:
		major, compatible = "avif", []string{"avif", "mif1"}
	case FormatVVC:
		major, compatible = "vvic", []string{"mif1", "vvic"}
	case FormatJPEG:
		major, compatible = "jpeg", []string{"jpeg", "mif1"}
	case FormatUncompressed:
		major, compatible = "mif2", []string{"mif1"}
	case FormatJPEG2000:
		major, compatible = "j2ki", []string{"mif1", "j2ki"}
	}
	if major != "" {
		ftyp.MajorBrand = bmff.TypeOf(major)
		ftyp.MinorVersion = 0
	}
	for _, b := range compatible {
		ftyp.AddCompatibleBrand(bmff.TypeOf(b))
	}
	if miaf {
		ftyp.AddCompatibleBrand(bmff.TypeOf("miaf"))
		ftyp.AddCompatibleBrand(bmff.TypeOf("1pic"))
	}
	return nil
}

// loadItemData pulls the content of every item that still lives in the
// input into memory, so that it can be written to a new 'mdat' or 'idat'.
func (f *File) loadItemData() error {
	iloc := f.meta.ItemLocation
	for i := range iloc.Items {
		ent := &iloc.Items[i]
		pending := len(ent.Extents) > 0
		for _, ext := range ent.Extents {
			if ext.Data == nil {
				pending = false
			}
		}
		if pending || len(ent.Extents) == 0 {
			continue
		}
		if ent.ConstructionMethod == bmff.ConstructionItem {
			return heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedItemConstructionMethod,
				"cannot rewrite item %d built from other items", ent.ItemID)
		}
		data, err := iloc.ReadData(ent, f.stream, f.meta.ItemData, f.limits)
		if err != nil {
			return err
		}
		iloc.ReplaceData(ent.ItemID, data, ent.ConstructionMethod)
	}
	if f.meta.ItemData != nil {
		// 'iloc' writes the pending idat content in front of itself.
		f.meta.Meta.RemoveChildren(bmff.TypeIdat)
		f.meta.ItemData = nil
	}
	return nil
}

// WriteTo writes the file: 'ftyp', 'meta' and the other boxes of the file,
// followed by an 'mdat' box with the item data. Box versions are derived
// from their content first.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	if _, err := f.getMeta(); err != nil {
		return 0, err
	}
	if err := f.loadItemData(); err != nil {
		return 0, err
	}
	bw := bitstream.NewWriter()
	var kept []bmff.Box
	for _, b := range f.top {
		if b.Type() == bmff.TypeMdat {
			continue
		}
		kept = append(kept, b)
		bmff.DeriveVersions(b)
		if err := bmff.WriteBox(bw, b); err != nil {
			return 0, err
		}
	}
	f.top = kept
	if err := f.meta.ItemLocation.WriteMdatAfter(bw); err != nil {
		return 0, err
	}
	n, err := w.Write(bw.Data())
	if err != nil {
		return int64(n), heiferr.Newf(heiferr.EncodingError, heiferr.CannotWriteOutputData, "%v", err)
	}
	return int64(n), nil
}

// Bytes returns the serialized file.
func (f *File) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
