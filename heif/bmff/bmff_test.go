package bmff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/heifkit/goheif/heif/bitstream"
	"github.com/heifkit/goheif/heif/heiferr"
)

func rawBox(typ string, payload []byte) []byte {
	b := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(b, uint32(8+len(payload)))
	copy(b[4:], typ)
	return append(b, payload...)
}

func nestedDinf(depth int) []byte {
	var data []byte
	for i := 0; i < depth; i++ {
		data = rawBox("dinf", data)
	}
	return data
}

func TestNestingLimit(t *testing.T) {
	if _, err := Parse(nestedDinf(21), nil); err != nil {
		t.Fatalf("21 levels: %v", err)
	}
	_, err := Parse(nestedDinf(22), nil)
	if !errors.Is(err, heiferr.ErrSecurityLimitExceeded) {
		t.Fatalf("22 levels: err = %v, want security limit", err)
	}
}

func TestLargeSizeHeader(t *testing.T) {
	data := []byte{0, 0, 0, 1, 'f', 'r', 'e', 'e', 0, 0, 0, 0, 0, 0, 0, 20, 1, 2, 3, 4}
	b, err := Parse(data, nil)
	if err != nil {
		t.Fatal(err)
	}
	ob, ok := b.(*OpaqueBox)
	if !ok {
		t.Fatalf("got %T, want *OpaqueBox", b)
	}
	if ob.Size() != 20 || ob.HeaderSize() != 16 {
		t.Errorf("size %d header %d", ob.Size(), ob.HeaderSize())
	}
	if !bytes.Equal(ob.Data, []byte{1, 2, 3, 4}) {
		t.Errorf("data = % x", ob.Data)
	}
	out, err := Bytes(ob)
	if err != nil {
		t.Fatal(err)
	}
	if want := rawBox("free", []byte{1, 2, 3, 4}); !bytes.Equal(out, want) {
		t.Errorf("rewritten as % x, want compact header % x", out, want)
	}
}

func TestInvalidBoxSizes(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"smaller than header", []byte{0, 0, 0, 4, 'f', 'r', 'e', 'e'}},
		{"beyond container", []byte{0, 0, 0, 40, 'f', 'r', 'e', 'e', 1, 2}},
		{"child beyond parent", rawBox("dinf", []byte{0, 0, 0, 32, 'f', 'r', 'e', 'e'})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data, nil)
			if !errors.Is(err, heiferr.ErrInvalidBoxSize) {
				t.Errorf("err = %v, want invalid box size", err)
			}
		})
	}
}

func TestSizeZeroExtendsToEnd(t *testing.T) {
	data := []byte{0, 0, 0, 0, 'f', 'r', 'e', 'e', 9, 9, 9}
	b, err := Parse(data, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(b.(*OpaqueBox).Data); got != 3 {
		t.Errorf("payload = %d bytes, want 3", got)
	}
}

func TestUnknownBoxRoundTrip(t *testing.T) {
	data := rawBox("abcd", []byte("payload"))
	b, err := Parse(data, nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Bytes(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("got % x, want % x", out, data)
	}
}

func buildMeta() *MetaBox {
	meta := NewMetaBox()
	meta.AppendChild(NewHandlerBox("pict"))
	meta.AppendChild(NewPrimaryItemBox(1))

	iinf := NewItemInfoBox()
	iinf.AppendChild(NewItemInfoEntry(1, "hvc1"))
	meta.AppendChild(iinf)

	iloc := NewItemLocationBox()
	iloc.AppendData(1, []byte("tile data"), ConstructionIdat)
	meta.AppendChild(iloc)

	iprp := NewItemPropertiesBox()
	ipco := NewItemPropertyContainerBox()
	ipma := NewItemPropertyAssociation()
	idx := ipco.FindOrAppend(NewImageSpatialExtents(64, 48))
	ipma.AddProperty(1, ItemProperty{Index: uint16(idx + 1)})
	iprp.AppendChild(ipco)
	iprp.AppendChild(ipma)
	meta.AppendChild(iprp)
	return meta
}

func TestMetaRoundTripIsFixedPoint(t *testing.T) {
	meta := buildMeta()
	DeriveVersions(meta)
	first, err := Bytes(meta)
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := Parse(first, nil)
	if err != nil {
		t.Fatal(err)
	}
	DeriveVersions(parsed)
	second, err := Bytes(parsed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("rewrite differs:\n%s\nvs\n%s", Dump(meta), Dump(parsed))
	}

	pm := parsed.(*MetaBox)
	iloc := pm.Child(TypeIloc).(*ItemLocationBox)
	idat := pm.Child(TypeIdat).(*ItemDataBox)
	item, ok := iloc.Item(1)
	if !ok {
		t.Fatal("item 1 missing from iloc")
	}
	got, err := iloc.ReadData(item, nil, idat, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "tile data" {
		t.Errorf("item data = %q", got)
	}
}

func TestDump(t *testing.T) {
	meta := buildMeta()
	DeriveVersions(meta)
	s := Dump(meta)
	for _, want := range []string{"Box: meta -----", "| Box: hdlr -----", "handler_type: pict", "image width: 64"} {
		if !strings.Contains(s, want) {
			t.Errorf("dump lacks %q:\n%s", want, s)
		}
	}
}

func TestReadBoxesStopsAtError(t *testing.T) {
	data := append(rawBox("free", nil), 0, 0, 0, 2)
	r := bitstream.NewRange(bitstream.NewMemoryReader(data), uint64(len(data)))
	boxes, err := ReadBoxes(r, nil)
	if err == nil {
		t.Fatal("expected an error for the truncated trailing box")
	}
	if len(boxes) != 1 {
		t.Errorf("got %d boxes before the error, want 1", len(boxes))
	}
}
