package heif

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/heifkit/goheif/heif/bmff"
	"github.com/heifkit/goheif/heif/colorconv"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/limits"
	"github.com/heifkit/goheif/heif/pixel"
)

func rawBox(typ string, payload ...[]byte) []byte {
	var body []byte
	for _, p := range payload {
		body = append(body, p...)
	}
	b := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint32(b, uint32(8+len(body)))
	copy(b[4:], typ)
	return append(b, body...)
}

func ftyp(major string, compatible ...string) []byte {
	payload := append([]byte(major), 0, 0, 0, 0)
	for _, c := range compatible {
		payload = append(payload, c...)
	}
	return rawBox("ftyp", payload)
}

func TestOpenRejects(t *testing.T) {
	fullBox := []byte{0, 0, 0, 0}
	tests := []struct {
		name string
		data []byte
		code heiferr.Code
		sub  heiferr.SubCode
	}{
		{"no ftyp", rawBox("free"), heiferr.InvalidInput, heiferr.NoFtypBox},
		{"brand", ftyp("qt  ", "qt  "), heiferr.UnsupportedFiletype, heiferr.Unspecified},
		{"no meta", ftyp("mif1", "mif1"), heiferr.InvalidInput, heiferr.NoMetaBox},
		{"no pitm", append(ftyp("heic", "mif1"), rawBox("meta", fullBox)...), heiferr.InvalidInput, heiferr.NoPitmBox},
		{"handler", append(ftyp("heic", "mif1"), rawBox("meta", fullBox,
			rawBox("hdlr", fullBox, []byte{0, 0, 0, 0}, []byte("vide"), make([]byte, 13)))...), heiferr.InvalidInput, heiferr.NoPictHandler},
	}
	for _, tt := range tests {
		_, err := OpenBytes(tt.data, nil).Meta()
		if heiferr.CodeOf(err) != tt.code || heiferr.SubCodeOf(err) != tt.sub {
			t.Errorf("%s: err = %v, want %v/%v", tt.name, err, tt.code, tt.sub)
		}
	}
}

func TestItemDataLocations(t *testing.T) {
	c := NewContext()
	grid, err := c.EncodeGrid(context.Background(), gridTiles(t, 2), 1, 2, FormatUncompressed, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := reread(t, c)
	f := r.File()

	it, err := f.ItemByID(grid.ID())
	if err != nil {
		t.Fatal(err)
	}
	if it.Location.ConstructionMethod != bmff.ConstructionIdat {
		t.Errorf("grid data stored with construction method %d", it.Location.ConstructionMethod)
	}
	data, err := f.ItemData(grid.ID())
	if err != nil {
		t.Fatal(err)
	}
	g, err := ParseImageGrid(data)
	if err != nil {
		t.Fatal(err)
	}
	if g.Rows != 1 || g.Columns != 2 || g.OutputWidth != 256 || g.OutputHeight != 128 {
		t.Errorf("grid %+v", g)
	}

	tile := grid.item.referencesOfType("dimg")[1]
	full, err := f.ItemData(tile)
	if err != nil {
		t.Fatal(err)
	}
	part, err := f.ItemDataRange(tile, 100, 50)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(part, full[100:150]) {
		t.Error("ItemDataRange differs from ItemData")
	}
	if _, err := f.ItemDataRange(tile, uint64(len(full))-10, 20); !errors.Is(err, heiferr.ErrEndOfData) {
		t.Errorf("range past the end: err = %v", err)
	}
	coded, err := f.CodedImageData(tile)
	if err != nil || !bytes.Equal(coded, full) {
		t.Errorf("CodedImageData of an unci item: %d bytes, %v", len(coded), err)
	}
}

func TestBrands(t *testing.T) {
	c := NewContext()
	if _, err := c.EncodeImage(context.Background(), rgbImage(t, 8, 8, gradient), FormatUncompressed, nil); err != nil {
		t.Fatal(err)
	}
	r := reread(t, c)
	meta, err := r.File().Meta()
	if err != nil {
		t.Fatal(err)
	}
	ft := meta.FileType
	if ft.MajorBrand != bmff.TypeOf("mif2") {
		t.Errorf("major brand %s", ft.MajorBrand)
	}
	for _, b := range []string{"mif1", "miaf", "1pic"} {
		if !ft.HasCompatibleBrand(bmff.TypeOf(b)) {
			t.Errorf("brand %s missing", b)
		}
	}
}

// subsampledCodec accepts any layout, chroma subsampling included. It
// writes a placeholder instead of the samples.
type subsampledCodec struct{ uncompressedCodec }

func (subsampledCodec) InputState(s colorconv.State) colorconv.State { return s }

func (subsampledCodec) Encode(ctx context.Context, img *pixel.Image, p EncodeParams) (*CodedImage, error) {
	return &CodedImage{Data: []byte{0}}, nil
}

func TestMIAFBrandNeedsEvenChroma(t *testing.T) {
	tests := []struct {
		w, h   int
		chroma pixel.Chroma
		miaf   bool
	}{
		{8, 8, pixel.Chroma420, true},
		{9, 8, pixel.Chroma420, false},
		{8, 7, pixel.Chroma420, false},
		{8, 7, pixel.Chroma422, true},
		{9, 8, pixel.Chroma422, false},
		{9, 7, pixel.Chroma444, true},
	}
	for _, tt := range tests {
		src := pixel.New(tt.w, tt.h, pixel.ColorspaceYCbCr, tt.chroma)
		for _, ch := range []pixel.Channel{pixel.ChannelY, pixel.ChannelCb, pixel.ChannelCr} {
			if err := src.AddPlane(ch, 8); err != nil {
				t.Fatal(err)
			}
		}
		c := NewContext(WithEncoder(subsampledCodec{}))
		if _, err := c.EncodeImage(context.Background(), src, FormatUncompressed, nil); err != nil {
			t.Fatal(err)
		}
		if _, err := c.WriteTo(io.Discard); err != nil {
			t.Fatal(err)
		}
		meta, err := c.File().Meta()
		if err != nil {
			t.Fatal(err)
		}
		if got := meta.FileType.HasCompatibleBrand(bmff.TypeOf("miaf")); got != tt.miaf {
			t.Errorf("%dx%d %s: miaf brand %v, want %v", tt.w, tt.h, tt.chroma, got, tt.miaf)
		}
	}
}

func TestCompression(t *testing.T) {
	data := bytes.Repeat([]byte("heif item data "), 200)
	for _, m := range []string{
		ContentEncodingDeflate, ContentEncodingGzip, ContentEncodingBrotli, ContentEncodingZstd,
		CompressionDeflate, CompressionZlib, CompressionBrotli,
	} {
		packed, err := Compress(m, data)
		if err != nil {
			t.Fatalf("%s: %v", m, err)
		}
		if len(packed) >= len(data) {
			t.Errorf("%s: %d bytes compressed to %d", m, len(data), len(packed))
		}
		got, err := Decompress(m, packed, nil)
		if err != nil {
			t.Fatalf("%s: %v", m, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%s: round trip changed the data", m)
		}

		lim := limits.Default()
		lim.MaxMemoryBlockSize = 100
		if _, err := Decompress(m, packed, lim); !errors.Is(err, heiferr.ErrSecurityLimitExceeded) {
			t.Errorf("%s: err = %v, want security limit", m, err)
		}
	}
	if _, err := Decompress("lzma", data, nil); heiferr.SubCodeOf(err) != heiferr.UnsupportedGenericCompressionMethod {
		t.Errorf("unknown method: err = %v", err)
	}
}

func TestEntityGroups(t *testing.T) {
	c := NewContext()
	a, err := c.EncodeImage(context.Background(), rgbImage(t, 8, 8, gradient), FormatUncompressed, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.EncodeImage(context.Background(), rgbImage(t, 8, 8, gradient), FormatUncompressed, nil)
	if err != nil {
		t.Fatal(err)
	}
	gid, err := c.File().AddEntityGroup("altr", []uint32{a.ID(), b.ID()})
	if err != nil {
		t.Fatal(err)
	}
	groups, err := reread(t, c).File().EntityGroups()
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].GroupID != gid || len(groups[0].EntityIDs) != 2 {
		t.Fatalf("groups %+v", groups)
	}
	if groups[0].Type() != bmff.TypeOf("altr") {
		t.Errorf("group type %s", groups[0].Type())
	}
}
