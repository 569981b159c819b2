package bmff

import (
	"bytes"
	"errors"
	"testing"

	"github.com/heifkit/goheif/heif/bitstream"
	"github.com/heifkit/goheif/heif/colorprofile"
	"github.com/heifkit/goheif/heif/heiferr"
)

func reparse(t *testing.T, b Box) Box {
	t.Helper()
	DeriveVersions(b)
	data, err := Bytes(b)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Parse(data, nil)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestCleanApertureBounds(t *testing.T) {
	clap := NewCleanAperture(100, 80, 120, 90)
	clap.HorizOff = NewFraction(0, 1)
	if l, r := clap.Left(120), clap.Right(120); l != 10 || r != 109 {
		t.Errorf("uncentered offset 0: left %d right %d, want 10 109", l, r)
	}

	centered := NewCleanAperture(100, 80, 120, 90)
	if l, r := centered.Left(120), centered.Right(120); l != 0 || r != 99 {
		t.Errorf("centered: left %d right %d, want 0 99", l, r)
	}
	if top, bottom := centered.Top(90), centered.Bottom(90); top != 0 || bottom != 79 {
		t.Errorf("centered: top %d bottom %d, want 0 79", top, bottom)
	}
}

func TestCleanApertureZeroDenominator(t *testing.T) {
	clap := NewCleanAperture(10, 10, 10, 10)
	clap.Height = Fraction{10, 0}
	data, err := Bytes(clap)
	if err != nil {
		t.Fatal(err)
	}
	_, err = Parse(data, nil)
	if heiferr.SubCodeOf(err) != heiferr.InvalidFractionalNumber {
		t.Errorf("err = %v, want invalid fractional number", err)
	}
}

func TestFraction(t *testing.T) {
	f := NewFraction(7, 2)
	if f.RoundDown() != 3 || f.RoundUp() != 4 || f.Round() != 4 {
		t.Errorf("7/2 rounds to %d %d %d", f.RoundDown(), f.RoundUp(), f.Round())
	}
	if g := NewFraction(0x20000, 0x20000); g.Den > 0x10000 || g.RoundDown() != 1 {
		t.Errorf("reduction of 0x20000/0x20000 = %v", g)
	}
	if s := NewFraction(1, 2).Add(NewFraction(1, 3)); s.Num*6 != s.Den*5 {
		t.Errorf("1/2 + 1/3 = %v", s)
	}
	if s := NewFraction(3, 4).SubInt(1); s.Num != -1 || s.Den != 4 {
		t.Errorf("3/4 - 1 = %v", s)
	}
	if !NewFraction(1, 1).Valid() || (Fraction{1, 0}).Valid() {
		t.Error("Valid")
	}
}

func TestIpmaIndexWidth(t *testing.T) {
	tests := []struct {
		index     uint16
		wantFlags uint32
	}{
		{5, 0},
		{0x7F, 0},
		{200, 1},
		{0x7FFF, 1},
	}
	for _, tt := range tests {
		ipma := NewItemPropertyAssociation()
		ipma.AddProperty(1, ItemProperty{Essential: true, Index: tt.index})
		got := reparse(t, ipma).(*ItemPropertyAssociation)
		if got.Flags() != tt.wantFlags {
			t.Errorf("index %d: flags %d, want %d", tt.index, got.Flags(), tt.wantFlags)
		}
		assoc, ok := got.Associations(1)
		if !ok || len(assoc) != 1 || assoc[0].Index != tt.index || !assoc[0].Essential {
			t.Errorf("index %d: associations %+v", tt.index, assoc)
		}
	}
}

func TestIpmaLargeItemID(t *testing.T) {
	ipma := NewItemPropertyAssociation()
	ipma.AddProperty(0x12345, ItemProperty{Index: 1})
	got := reparse(t, ipma).(*ItemPropertyAssociation)
	if got.Version() != 1 {
		t.Errorf("version = %d, want 1", got.Version())
	}
	if _, ok := got.Associations(0x12345); !ok {
		t.Error("item 0x12345 lost")
	}
}

func TestPropertiesForItem(t *testing.T) {
	ipco := NewItemPropertyContainerBox()
	ipma := NewItemPropertyAssociation()
	ispe := NewImageSpatialExtents(8, 8)
	i := ipco.FindOrAppend(ispe)
	if j := ipco.FindOrAppend(NewImageSpatialExtents(8, 8)); j != i {
		t.Errorf("equal property appended twice (%d, %d)", i, j)
	}
	ipma.AddProperty(1, ItemProperty{Index: uint16(i + 1), Essential: true})
	ipma.AddProperty(2, ItemProperty{Index: 9})

	props, err := ipco.PropertiesForItem(1, ipma)
	if err != nil || len(props) != 1 || props[0] != Box(ispe) {
		t.Errorf("item 1: %v %v", props, err)
	}
	if !ipco.IsEssential(1, ispe, ipma) {
		t.Error("ispe not essential")
	}
	if _, err := ipco.PropertiesForItem(2, ipma); heiferr.SubCodeOf(err) != heiferr.IpmaBoxReferencesNonexistingProperty {
		t.Errorf("item 2: err = %v", err)
	}
	if _, err := ipco.PropertiesForItem(3, ipma); heiferr.SubCodeOf(err) != heiferr.NoPropertiesAssignedToItem {
		t.Errorf("item 3: err = %v", err)
	}
}

func TestIrefDuplicateReference(t *testing.T) {
	ref := []byte{0, 0, 0, 16, 'd', 'i', 'm', 'g', 0, 1, 0, 2, 0, 2, 0, 2}
	data := rawBox("iref", append([]byte{0, 0, 0, 0}, ref...))
	_, err := Parse(data, nil)
	if !errors.Is(err, heiferr.ErrInvalidInput) {
		t.Errorf("err = %v, want invalid input", err)
	}
}

func TestIrefVersion(t *testing.T) {
	iref := NewItemReferenceBox()
	iref.AddReferences(1, TypeOf("thmb"), []uint32{2})
	if got := reparse(t, iref); got.Version() != 0 {
		t.Errorf("small ids: version %d", got.Version())
	}
	iref.AddReferences(0x10000, TypeOf("auxl"), []uint32{1})
	got := reparse(t, iref).(*ItemReferenceBox)
	if got.Version() != 1 {
		t.Errorf("large ids: version %d", got.Version())
	}
	if ids := got.ReferencesOfType(0x10000, TypeOf("auxl")); len(ids) != 1 || ids[0] != 1 {
		t.Errorf("auxl refs = %v", ids)
	}
}

func TestInfeVersions(t *testing.T) {
	tests := []struct {
		id     uint32
		typ    string
		hidden bool
		want   uint8
	}{
		{1, "", false, 0},
		{1, "hvc1", false, 2},
		{1, "", true, 2},
		{0x10000, "grid", false, 3},
	}
	for _, tt := range tests {
		e := NewItemInfoEntry(tt.id, tt.typ)
		e.SetHidden(tt.hidden)
		e.DeriveVersion()
		if e.Version() != tt.want {
			t.Errorf("infe(%d, %q, hidden=%v): version %d, want %d", tt.id, tt.typ, tt.hidden, e.Version(), tt.want)
		}
	}

	e := NewItemInfoEntry(3, "mime")
	e.ContentType = "application/rdf+xml"
	e.ContentEncoding = "deflate"
	e.SetHidden(true)
	got := reparse(t, e).(*ItemInfoEntry)
	if got.ContentType != e.ContentType || got.ContentEncoding != e.ContentEncoding || !got.Hidden {
		t.Errorf("mime entry = %+v", got)
	}
}

func TestIdatReadOutOfRange(t *testing.T) {
	idat := NewItemDataBox()
	idat.Data = []byte("abcdef")
	if _, err := idat.ReadData(4, 3); !errors.Is(err, heiferr.ErrEndOfData) {
		t.Errorf("err = %v, want end of data", err)
	}
	if got, err := idat.ReadData(1, 3); err != nil || string(got) != "bcd" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestIlocReadData(t *testing.T) {
	idat := NewItemDataBox()
	idat.Data = []byte("abcdef")
	file := []byte("0123456789")

	tests := []struct {
		name    string
		entry   ItemLocationBoxEntry
		idat    *ItemDataBox
		want    string
		wantSub heiferr.SubCode
	}{
		{
			name:  "idat",
			entry: ItemLocationBoxEntry{ConstructionMethod: ConstructionIdat, BaseOffset: 1, Extents: []OffsetLength{{Offset: 1, Length: 3}}},
			idat:  idat,
			want:  "cde",
		},
		{
			name:    "missing idat",
			entry:   ItemLocationBoxEntry{ConstructionMethod: ConstructionIdat, Extents: []OffsetLength{{Length: 1}}},
			wantSub: heiferr.NoIdatBox,
		},
		{
			name:  "file with two extents",
			entry: ItemLocationBoxEntry{Extents: []OffsetLength{{Offset: 0, Length: 2}, {Offset: 8, Length: 2}}},
			want:  "0189",
		},
		{
			name:    "file beyond end",
			entry:   ItemLocationBoxEntry{Extents: []OffsetLength{{Offset: 8, Length: 5}}},
			wantSub: heiferr.EndOfData,
		},
		{
			name:    "item construction",
			entry:   ItemLocationBoxEntry{ConstructionMethod: ConstructionItem, Extents: []OffsetLength{{Length: 1}}},
			wantSub: heiferr.UnsupportedItemConstructionMethod,
		},
	}
	iloc := NewItemLocationBox()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := iloc.ReadData(&tt.entry, bitstream.NewMemoryReader(file), tt.idat, nil)
			if tt.wantSub != heiferr.Unspecified {
				if heiferr.SubCodeOf(err) != tt.wantSub {
					t.Errorf("err = %v, want %v", err, tt.wantSub)
				}
				return
			}
			if err != nil || string(got) != tt.want {
				t.Errorf("got %q, %v, want %q", got, err, tt.want)
			}
		})
	}
}

func TestIlocMdatPatching(t *testing.T) {
	iloc := NewItemLocationBox()
	iloc.AppendData(1, []byte("hello"), ConstructionFile)
	iloc.AppendData(2, []byte("world!"), ConstructionFile)
	DeriveVersions(iloc)

	w := bitstream.NewWriter()
	w.WriteBytes(rawBox("free", []byte{0, 0, 0}))
	if err := WriteBox(w, iloc); err != nil {
		t.Fatal(err)
	}
	if err := iloc.WriteMdatAfter(w); err != nil {
		t.Fatal(err)
	}

	file := w.Data()
	r := bitstream.NewRange(bitstream.NewMemoryReader(file), uint64(len(file)))
	boxes, err := ReadBoxes(r, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(boxes) != 3 || boxes[2].Type() != TypeMdat {
		t.Fatalf("unexpected top level boxes %v", boxes)
	}
	parsed := boxes[1].(*ItemLocationBox)
	for id, want := range map[uint32]string{1: "hello", 2: "world!"} {
		item, ok := parsed.Item(id)
		if !ok {
			t.Fatalf("item %d missing", id)
		}
		got, err := parsed.ReadData(item, bitstream.NewMemoryReader(file), nil, nil)
		if err != nil || string(got) != want {
			t.Errorf("item %d: %q, %v", id, got, err)
		}
	}
}

func TestIlocVersionDerivation(t *testing.T) {
	iloc := NewItemLocationBox()
	iloc.Items = []ItemLocationBoxEntry{{ItemID: 1, Extents: []OffsetLength{{Offset: 1 << 33, Length: 4}}}}
	iloc.DeriveVersion()
	if iloc.Version() != 0 || iloc.OffsetSize != 8 || iloc.LengthSize != 4 {
		t.Errorf("version %d offset size %d length size %d", iloc.Version(), iloc.OffsetSize, iloc.LengthSize)
	}
	iloc.Items[0].ItemID = 0x10000
	iloc.DeriveVersion()
	if iloc.Version() != 2 {
		t.Errorf("large item id: version %d", iloc.Version())
	}
	got := reparse(t, iloc).(*ItemLocationBox)
	if item, ok := got.Item(0x10000); !ok || item.Extents[0].Offset != 1<<33 {
		t.Errorf("reparsed: %+v", got.Items)
	}
}

func TestEntityGroups(t *testing.T) {
	grpl := factories[TypeGrpl]().(*GroupsListBox)
	grpl.AppendChild(NewEntityGroup(TypeOf("altr"), 10, []uint32{1, 2}))
	grpl.AppendChild(NewEntityGroup(TypeOf("zzzz"), 11, []uint32{3}))
	got := reparse(t, grpl).(*GroupsListBox)
	groups := got.Groups()
	if len(groups) != 2 {
		t.Fatalf("got %d groups", len(groups))
	}
	if groups[1].Type() != TypeOf("zzzz") || groups[1].GroupID != 11 || len(groups[1].EntityIDs) != 1 {
		t.Errorf("unknown group type not kept: %+v", groups[1])
	}
}

func TestColourInformation(t *testing.T) {
	nclx := NewNCLXColour(*colorprofile.SRGB())
	got := reparse(t, nclx).(*ColourInformationBox)
	if got.NCLX == nil || *got.NCLX != *nclx.NCLX {
		t.Errorf("nclx = %+v", got.NCLX)
	}

	data := rawBox("colr", []byte("abcd"))
	if _, err := Parse(data, nil); heiferr.SubCodeOf(err) != heiferr.UnknownColorProfileType {
		t.Errorf("err = %v", err)
	}
}

func TestPixiWriteRequiresChannels(t *testing.T) {
	if _, err := Bytes(NewPixelInformation()); heiferr.SubCodeOf(err) != heiferr.InvalidPixiBox {
		t.Errorf("err = %v", err)
	}
	got := reparse(t, NewPixelInformation(8, 8, 8)).(*PixelInformationProperty)
	if !bytes.Equal(got.BitsPerChannel, []byte{8, 8, 8}) {
		t.Errorf("bits = %v", got.BitsPerChannel)
	}
}
