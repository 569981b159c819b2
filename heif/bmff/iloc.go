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
	"strings"

	"github.com/heifkit/goheif/heif/bitstream"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/limits"
)

// Item construction methods.
const (
	ConstructionFile = 0
	ConstructionIdat = 1
	ConstructionItem = 2
)

// ItemLocationBox is an "iloc" box.
type ItemLocationBox struct {
	box

	OffsetSize, LengthSize, BaseOffsetSize, IndexSize uint8 // actually uint4

	Items []ItemLocationBoxEntry

	// MinVersion is the smallest version DeriveVersion will choose.
	MinVersion uint8

	payloadStart int
	patchable    bool
}

type ItemLocationBoxEntry struct {
	ItemID             uint32
	ConstructionMethod uint8 // actually uint4
	DataReferenceIndex uint16
	BaseOffset         uint64 // uint32 or uint64, depending on encoding
	Extents            []OffsetLength
}

// OffsetLength is an iloc extent. Data holds the content of extents that
// have been added in memory and not been written yet.
type OffsetLength struct {
	Index          uint64
	Offset, Length uint64
	Data           []byte
}

// NewItemLocationBox returns an empty 'iloc' box.
func NewItemLocationBox() *ItemLocationBox {
	return factories[TypeIloc]().(*ItemLocationBox)
}

func (b *ItemLocationBox) parse(r *bitstream.Range, lim *limits.SecurityLimits) error {
	b.readFullBoxHeader(r)
	if b.version > 2 {
		return heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedDataVersion, "iloc version %d", b.version)
	}
	v := r.Uint16()
	b.OffsetSize = uint8(v>>12) & 0xF
	b.LengthSize = uint8(v>>8) & 0xF
	b.BaseOffsetSize = uint8(v>>4) & 0xF
	if b.version > 0 {
		b.IndexSize = uint8(v) & 0xF
	}
	for _, s := range []uint8{b.OffsetSize, b.LengthSize, b.BaseOffsetSize, b.IndexSize} {
		if s != 0 && s != 4 && s != 8 {
			return heiferr.Newf(heiferr.InvalidInput, heiferr.Unspecified, "iloc field width %d is not 0, 4 or 8", s)
		}
	}

	var n uint32
	if b.version < 2 {
		n = uint32(r.Uint16())
	} else {
		n = r.Uint32()
	}
	if err := lim.CheckItems(uint64(n)); err != nil {
		return err
	}

	for i := uint32(0); i < n && r.OK(); i++ {
		var ent ItemLocationBoxEntry
		if b.version < 2 {
			ent.ItemID = uint32(r.Uint16())
		} else {
			ent.ItemID = r.Uint32()
		}
		if b.version > 0 {
			ent.ConstructionMethod = uint8(r.Uint16() & 0xF)
		}
		ent.DataReferenceIndex = r.Uint16()
		ent.BaseOffset = r.UintN(int(b.BaseOffsetSize))
		extentCount := r.Uint16()
		if err := lim.CheckIlocExtents(uint64(extentCount)); err != nil {
			return err
		}
		for e := uint16(0); e < extentCount && r.OK(); e++ {
			var ol OffsetLength
			ol.Index = r.UintN(int(b.IndexSize))
			ol.Offset = r.UintN(int(b.OffsetSize))
			ol.Length = r.UintN(int(b.LengthSize))
			ent.Extents = append(ent.Extents, ol)
		}
		if r.OK() {
			b.Items = append(b.Items, ent)
		}
	}
	return r.Err()
}

// Item returns the entry of item id.
func (b *ItemLocationBox) Item(id uint32) (*ItemLocationBoxEntry, bool) {
	for i := range b.Items {
		if b.Items[i].ItemID == id {
			return &b.Items[i], true
		}
	}
	return nil, false
}

// AppendData adds data as a new extent of item id, creating the item if
// necessary. The offsets are assigned when the box is written.
func (b *ItemLocationBox) AppendData(id uint32, data []byte, method uint8) {
	ent, ok := b.Item(id)
	if !ok {
		b.Items = append(b.Items, ItemLocationBoxEntry{ItemID: id, ConstructionMethod: method})
		ent = &b.Items[len(b.Items)-1]
	}
	ent.Extents = append(ent.Extents, OffsetLength{Length: uint64(len(data)), Data: data})
}

// ReplaceData drops all extents of item id and stores data as its only
// extent.
func (b *ItemLocationBox) ReplaceData(id uint32, data []byte, method uint8) {
	if ent, ok := b.Item(id); ok {
		ent.Extents = nil
		ent.ConstructionMethod = method
		ent.BaseOffset = 0
		ent.DataReferenceIndex = 0
	}
	b.AppendData(id, data, method)
}

// ReadData concatenates the extents of item. Extents added in memory are
// returned directly, method 0 extents are read from stream and method 1
// extents from idat.
func (b *ItemLocationBox) ReadData(item *ItemLocationBoxEntry, stream bitstream.StreamReader, idat *ItemDataBox, lim *limits.SecurityLimits) ([]byte, error) {
	lim = lim.OrDefault()
	var out []byte
	for _, ext := range item.Extents {
		if ext.Data != nil {
			out = append(out, ext.Data...)
			continue
		}
		switch item.ConstructionMethod {
		case ConstructionFile:
			if err := lim.CheckMemoryBlock(uint64(len(out))+ext.Length, "iloc extent"); err != nil {
				return nil, err
			}
			if ext.Offset > limits.MaxFilePos || item.BaseOffset > limits.MaxFilePos || ext.Length > limits.MaxFilePos {
				return nil, heiferr.New(heiferr.InvalidInput, heiferr.SecurityLimitExceeded, "iloc data pointers out of allowed range")
			}
			if stream == nil {
				return nil, heiferr.New(heiferr.UsageError, heiferr.Unspecified, "no input stream for iloc data")
			}
			start := ext.Offset + item.BaseOffset
			switch stream.WaitForFileSize(start + ext.Length) {
			case bitstream.SizeBeyondEOF:
				return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.EndOfData,
					"extent in iloc box references data outside of file bounds (points to file position %d)", start)
			case bitstream.Timeout:
				return nil, heiferr.New(heiferr.InvalidInput, heiferr.EndOfData, "timeout waiting for iloc data")
			}
			buf := make([]byte, ext.Length)
			if !stream.Seek(start) || !stream.Read(buf) {
				return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.EndOfData, "cannot read %d bytes at file position %d", ext.Length, start)
			}
			out = append(out, buf...)
		case ConstructionIdat:
			if idat == nil {
				return nil, heiferr.New(heiferr.InvalidInput, heiferr.NoIdatBox, "idat box referenced in iloc box is not present in file")
			}
			if err := lim.CheckMemoryBlock(uint64(len(out))+ext.Length, "idat extent"); err != nil {
				return nil, err
			}
			data, err := idat.ReadData(ext.Offset+item.BaseOffset, ext.Length)
			if err != nil {
				return nil, err
			}
			out = append(out, data...)
		default:
			return nil, heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedItemConstructionMethod,
				"item construction method %d not implemented", item.ConstructionMethod)
		}
	}
	return out, nil
}

func fieldWidth(max uint64) uint8 {
	if max > 0xFFFFFFFF {
		return 8
	}
	return 4
}

func (b *ItemLocationBox) DeriveVersion() {
	v := b.MinVersion
	if len(b.Items) > 0xFFFF && v < 2 {
		v = 2
	}
	var maxOffset, maxLength, maxBase, maxIndex, idatSize, mdatSize uint64
	for _, ent := range b.Items {
		if ent.ItemID > 0xFFFF && v < 2 {
			v = 2
		}
		if ent.ConstructionMethod != 0 && v < 1 {
			v = 1
		}
		if ent.BaseOffset > maxBase {
			maxBase = ent.BaseOffset
		}
		for _, ext := range ent.Extents {
			if ext.Index != 0 && v < 1 {
				v = 1
			}
			if ext.Index > maxIndex {
				maxIndex = ext.Index
			}
			if ext.Offset > maxOffset {
				maxOffset = ext.Offset
			}
			if ext.Length > maxLength {
				maxLength = ext.Length
			}
			if ext.Data != nil {
				if ent.ConstructionMethod == ConstructionIdat {
					idatSize += uint64(len(ext.Data))
				} else {
					mdatSize += uint64(len(ext.Data))
				}
			}
		}
	}
	if idatSize > maxOffset {
		maxOffset = idatSize
	}
	if mdatSize > maxBase {
		// Pessimistic: the mdat follows the meta box.
		maxBase = mdatSize
	}
	b.OffsetSize = fieldWidth(maxOffset)
	b.LengthSize = fieldWidth(maxLength)
	b.BaseOffsetSize = fieldWidth(maxBase)
	b.IndexSize = 0
	if maxIndex != 0 {
		b.IndexSize = fieldWidth(maxIndex)
	}
	b.version = v
}

// writePrefix emits an 'idat' box holding the pending data of method 1
// items and assigns their offsets.
func (b *ItemLocationBox) writePrefix(w *bitstream.Writer) error {
	var data []byte
	for i := range b.Items {
		ent := &b.Items[i]
		if ent.ConstructionMethod != ConstructionIdat || !ent.hasPendingData() {
			continue
		}
		ent.BaseOffset = 0
		for j := range ent.Extents {
			ext := &ent.Extents[j]
			ext.Offset = uint64(len(data))
			ext.Length = uint64(len(ext.Data))
			data = append(data, ext.Data...)
		}
	}
	if len(data) == 0 {
		return nil
	}
	idat := NewItemDataBox()
	idat.Data = data
	return WriteBox(w, idat)
}

func (e *ItemLocationBoxEntry) hasPendingData() bool {
	for _, ext := range e.Extents {
		if ext.Data != nil {
			return true
		}
	}
	return false
}

func (b *ItemLocationBox) write(w *bitstream.Writer) error {
	b.payloadStart = w.Position()
	b.patchable = true
	b.writePayload(w)
	return nil
}

func (b *ItemLocationBox) writePayload(w *bitstream.Writer) {
	w.Write8(b.OffsetSize<<4 | b.LengthSize)
	w.Write8(b.BaseOffsetSize<<4 | b.IndexSize)
	if b.version < 2 {
		w.Write16(uint16(len(b.Items)))
	} else {
		w.Write32(uint32(len(b.Items)))
	}
	for _, ent := range b.Items {
		if b.version < 2 {
			w.Write16(uint16(ent.ItemID))
		} else {
			w.Write32(ent.ItemID)
		}
		if b.version > 0 {
			w.Write16(uint16(ent.ConstructionMethod))
		}
		w.Write16(ent.DataReferenceIndex)
		w.WriteUintN(ent.BaseOffset, int(b.BaseOffsetSize))
		w.Write16(uint16(len(ent.Extents)))
		for _, ext := range ent.Extents {
			if b.version > 0 {
				w.WriteUintN(ext.Index, int(b.IndexSize))
			}
			w.WriteUintN(ext.Offset, int(b.OffsetSize))
			w.WriteUintN(ext.Length, int(b.LengthSize))
		}
	}
}

// WriteMdatAfter writes an 'mdat' box with the pending data of method 0
// items at the current writer position and patches the offsets into the
// 'iloc' box written earlier to w.
func (b *ItemLocationBox) WriteMdatAfter(w *bitstream.Writer) error {
	if !b.patchable {
		return heiferr.New(heiferr.UsageError, heiferr.Unspecified, "iloc box has not been written yet")
	}
	var pending uint64
	for _, ent := range b.Items {
		if ent.ConstructionMethod != ConstructionFile {
			continue
		}
		for _, ext := range ent.Extents {
			pending += uint64(len(ext.Data))
		}
	}
	if pending+8 > 0xFFFFFFFF {
		w.Write32(1)
		w.WriteBytes(TypeMdat[:])
		w.Write64(pending + 16)
	} else {
		w.Write32(uint32(pending + 8))
		w.WriteBytes(TypeMdat[:])
	}
	for i := range b.Items {
		ent := &b.Items[i]
		if ent.ConstructionMethod != ConstructionFile || !ent.hasPendingData() {
			continue
		}
		ent.BaseOffset = uint64(w.Position())
		for j := range ent.Extents {
			ext := &ent.Extents[j]
			ext.Offset = uint64(w.Position()) - ent.BaseOffset
			ext.Length = uint64(len(ext.Data))
			w.WriteBytes(ext.Data)
		}
	}

	for i := range b.Items {
		ent := &b.Items[i]
		if ent.ConstructionMethod == ConstructionFile && ent.BaseOffset > 0xFFFFFFFF && b.BaseOffsetSize < 8 {
			return heiferr.New(heiferr.EncodingError, heiferr.Unspecified, "file too large for 32 bit iloc base offsets")
		}
	}
	end := w.Position()
	w.SetPosition(b.payloadStart)
	b.writePayload(w)
	w.SetPosition(end)
	return nil
}

func (b *ItemLocationBox) dump(d *dumper) {
	for _, ent := range b.Items {
		d.line("item ID: %d", ent.ItemID)
		d.line("  construction method: %d", ent.ConstructionMethod)
		d.line("  data_reference_index: %x", ent.DataReferenceIndex)
		d.line("  base_offset: %d", ent.BaseOffset)
		var sb strings.Builder
		for _, ext := range ent.Extents {
			fmt.Fprintf(&sb, "%d,%d", ext.Offset, ext.Length)
			if ext.Index != 0 {
				fmt.Fprintf(&sb, ";index=%d", ext.Index)
			}
			sb.WriteByte(' ')
		}
		d.line("  extents: %s", sb.String())
	}
}
