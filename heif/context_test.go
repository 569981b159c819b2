package heif

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/heifkit/goheif/heif/bmff"
	"github.com/heifkit/goheif/heif/colorconv"
	"github.com/heifkit/goheif/heif/colorprofile"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/pixel"
)

func planarImage(t *testing.T, w, h int, cs pixel.Colorspace, chroma pixel.Chroma, bits int, channels ...pixel.Channel) *pixel.Image {
	t.Helper()
	img := pixel.New(w, h, cs, chroma)
	for i, c := range channels {
		if err := img.AddPlane(c, bits); err != nil {
			t.Fatal(err)
		}
		p := img.Plane(c)
		max := int(p.MaxValue())
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p.Set(x, y, 0, uint16((x*31+y*17+i*50)%max))
			}
		}
	}
	return img
}

func TestUncompressedRoundTrip(t *testing.T) {
	rgb := []pixel.Channel{pixel.ChannelR, pixel.ChannelG, pixel.ChannelB}
	ycc := []pixel.Channel{pixel.ChannelY, pixel.ChannelCb, pixel.ChannelCr}
	tests := []struct {
		name        string
		cs          pixel.Colorspace
		chroma      pixel.Chroma
		bits        int
		channels    []pixel.Channel
		compression string
	}{
		{"rgb", pixel.ColorspaceRGB, pixel.Chroma444, 8, rgb, ""},
		{"rgba", pixel.ColorspaceRGB, pixel.Chroma444, 8, append(rgb, pixel.ChannelAlpha), ""},
		{"rgb 16", pixel.ColorspaceRGB, pixel.Chroma444, 16, rgb, ""},
		{"mono 16", pixel.ColorspaceMonochrome, pixel.ChromaMonochrome, 16, []pixel.Channel{pixel.ChannelY}, ""},
		{"ycbcr", pixel.ColorspaceYCbCr, pixel.Chroma444, 8, ycc, ""},
		{"zlib", pixel.ColorspaceRGB, pixel.Chroma444, 8, rgb, CompressionZlib},
		{"deflate", pixel.ColorspaceRGB, pixel.Chroma444, 8, rgb, CompressionDeflate},
		{"brotli", pixel.ColorspaceRGB, pixel.Chroma444, 16, rgb, CompressionBrotli},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := planarImage(t, 23, 11, tt.cs, tt.chroma, tt.bits, tt.channels...)
			if tt.cs == pixel.ColorspaceYCbCr {
				src.NCLX = colorprofile.SRGB()
			}
			c := NewContext()
			opts := &EncodingOptions{Params: EncodeParams{Compression: tt.compression}}
			if _, err := c.EncodeImage(context.Background(), src, FormatUncompressed, opts); err != nil {
				t.Fatal(err)
			}

			r := reread(t, c)
			img, err := r.PrimaryImage()
			if err != nil {
				t.Fatal(err)
			}
			if img.ItemType() != "unci" || img.Width() != 23 || img.Height() != 11 {
				t.Fatalf("primary is %s %dx%d", img.ItemType(), img.Width(), img.Height())
			}
			out, err := img.Decode(context.Background(), nil)
			if err != nil {
				t.Fatal(err)
			}
			samePlanes(t, out, src)
		})
	}
}

func TestEncodeConvertsInterleaved(t *testing.T) {
	src := pixel.New(4, 2, pixel.ColorspaceRGB, pixel.ChromaInterleavedRGB)
	if err := src.AddPlane(pixel.ChannelInterleaved, 8); err != nil {
		t.Fatal(err)
	}
	if err := src.FillRGB(0x1000, 0x8000, 0xff00, 0xffff); err != nil {
		t.Fatal(err)
	}
	c := NewContext()
	if _, err := c.EncodeImage(context.Background(), src, FormatUncompressed, nil); err != nil {
		t.Fatal(err)
	}
	img, _ := reread(t, c).PrimaryImage()
	out, err := img.Decode(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := rgbAt(t, out, 3, 1), [3]uint16{0x10, 0x80, 0xff}; got != want {
		t.Errorf("pixel = %v, want %v", got, want)
	}
}

// opaqueCodec stores images uncompressed but drops their alpha channel,
// like most lossy encoders.
type opaqueCodec struct{ uncompressedCodec }

func (opaqueCodec) InputState(s colorconv.State) colorconv.State {
	out := uncompressedCodec{}.InputState(s)
	out.HasAlpha = false
	return out
}

func TestAlphaAuxiliaryImage(t *testing.T) {
	src := planarImage(t, 16, 16, pixel.ColorspaceRGB, pixel.Chroma444, 8,
		pixel.ChannelR, pixel.ChannelG, pixel.ChannelB, pixel.ChannelAlpha)
	src.PremultipliedAlpha = true

	c := NewContext(WithEncoder(opaqueCodec{}))
	master, err := c.EncodeImage(context.Background(), src, FormatUncompressed, nil)
	if err != nil {
		t.Fatal(err)
	}
	if master.AlphaImage() == nil || !master.AlphaImage().IsHidden() {
		t.Fatal("no hidden alpha image")
	}

	r := reread(t, c)
	img, _ := r.PrimaryImage()
	if !img.HasAlpha() || !img.PremultipliedAlpha() {
		t.Fatalf("alpha %v, premultiplied %v", img.HasAlpha(), img.PremultipliedAlpha())
	}
	if got := img.AlphaImage().AuxType(); got != bmff.AuxTypeAlpha {
		t.Errorf("aux type %q", got)
	}
	if n := len(r.TopLevelImages()); n != 1 {
		t.Errorf("%d top level images, want 1", n)
	}
	out, err := img.Decode(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	samePlanes(t, out, src)
	if !out.PremultipliedAlpha {
		t.Error("decoded image not marked premultiplied")
	}
}

func TestOmitAlpha(t *testing.T) {
	src := planarImage(t, 8, 8, pixel.ColorspaceRGB, pixel.Chroma444, 8,
		pixel.ChannelR, pixel.ChannelG, pixel.ChannelB, pixel.ChannelAlpha)
	c := NewContext()
	img, err := c.EncodeImage(context.Background(), src, FormatUncompressed, &EncodingOptions{OmitAlpha: true})
	if err != nil {
		t.Fatal(err)
	}
	if img.HasAlpha() {
		t.Error("alpha image added")
	}
	out, err := img.Decode(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.HasAlpha() {
		t.Error("decoded image has alpha")
	}
}

func TestMaskRoundTrip(t *testing.T) {
	for _, bits := range []int{8, 16} {
		src := planarImage(t, 9, 5, pixel.ColorspaceMonochrome, pixel.ChromaMonochrome, bits, pixel.ChannelY)
		c := NewContext()
		if _, err := c.EncodeImage(context.Background(), src, FormatMask, nil); err != nil {
			t.Fatal(err)
		}
		img, _ := reread(t, c).PrimaryImage()
		if img.ItemType() != "mski" {
			t.Fatalf("item type %q", img.ItemType())
		}
		out, err := img.Decode(context.Background(), nil)
		if err != nil {
			t.Fatalf("%d bits: %v", bits, err)
		}
		samePlanes(t, out, src)
	}
}

func TestMaskDataSize(t *testing.T) {
	_, err := maskCodec{}.Decode(context.Background(), make([]byte, 10), DecodeParams{
		Width:      4,
		Height:     4,
		Properties: []bmff.Box{bmff.NewMaskConfig(8)},
	})
	if heiferr.SubCodeOf(err) != heiferr.InvalidMaskImage {
		t.Errorf("err = %v, want invalid mask image", err)
	}
}

func TestOrientation(t *testing.T) {
	tests := []struct {
		orientation int
		w, h        int
		at          [2]int
		want        [3]uint16
	}{
		{1, 30, 20, [2]int{5, 7}, [3]uint16{5, 7, 7}},
		{3, 30, 20, [2]int{0, 0}, [3]uint16{29, 19, 7}},
		{6, 20, 30, [2]int{5, 7}, [3]uint16{7, 14, 7}},
		{2, 30, 20, [2]int{0, 0}, [3]uint16{29, 0, 7}},
	}
	for _, tt := range tests {
		c := NewContext()
		src, err := c.EncodeImage(context.Background(), rgbImage(t, 30, 20, gradient), FormatUncompressed, &EncodingOptions{Hidden: true})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.AddIdentityImage(src, &EncodingOptions{Orientation: tt.orientation}); err != nil {
			t.Fatal(err)
		}
		img, _ := reread(t, c).PrimaryImage()
		if img.ItemType() != "iden" {
			t.Fatalf("primary is %q", img.ItemType())
		}
		if img.Width() != tt.w || img.Height() != tt.h {
			t.Errorf("orientation %d: size %dx%d, want %dx%d", tt.orientation, img.Width(), img.Height(), tt.w, tt.h)
		}
		out, err := img.Decode(context.Background(), nil)
		if err != nil {
			t.Fatal(err)
		}
		if got := rgbAt(t, out, tt.at[0], tt.at[1]); got != tt.want {
			t.Errorf("orientation %d: pixel %v = %v, want %v", tt.orientation, tt.at, got, tt.want)
		}
	}
}

// cyclicFile returns a file with an image and two 'iden' items that
// derive from each other.
func cyclicFile(t *testing.T, cycleIsPrimary bool) (data []byte, a, b uint32) {
	t.Helper()
	c := NewContext()
	if _, err := c.EncodeImage(context.Background(), rgbImage(t, 8, 8, gradient), FormatUncompressed, nil); err != nil {
		t.Fatal(err)
	}
	f := c.File()
	a, _ = f.AddItem("iden", false)
	b, _ = f.AddItem("iden", false)
	for _, ref := range [][2]uint32{{a, b}, {b, a}} {
		if err := f.AddReference(ref[0], "dimg", ref[1]); err != nil {
			t.Fatal(err)
		}
		if err := f.AddProperty(ref[0], bmff.NewImageSpatialExtents(8, 8), false); err != nil {
			t.Fatal(err)
		}
	}
	if cycleIsPrimary {
		if err := f.SetPrimaryItem(a); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), a, b
}

func TestReferenceCycles(t *testing.T) {
	data, a, b := cyclicFile(t, false)
	r := NewContext()
	if err := r.ReadBytes(data); err != nil {
		t.Fatal(err)
	}
	for _, id := range []uint32{a, b} {
		img, err := r.Image(id)
		if err != nil {
			t.Fatal(err)
		}
		if !errors.Is(img.Err(), heiferr.ErrItemReferenceCycle) {
			t.Errorf("item %d: err = %v, want reference cycle", id, img.Err())
		}
		if _, err := img.Decode(context.Background(), nil); err == nil {
			t.Errorf("item %d decoded", id)
		}
	}
	if img, _ := r.PrimaryImage(); img.Err() != nil {
		t.Errorf("primary image: %v", img.Err())
	}

	// A cycle reachable from the primary item makes the file unreadable.
	data, _, _ = cyclicFile(t, true)
	if err := NewContext().ReadBytes(data); !errors.Is(err, heiferr.ErrItemReferenceCycle) {
		t.Errorf("err = %v, want reference cycle", err)
	}
}

func TestSharedReferencesReadQuickly(t *testing.T) {
	c := NewContext()
	leaf, err := c.EncodeImage(context.Background(), rgbImage(t, 8, 8, gradient), FormatUncompressed, &EncodingOptions{Hidden: true})
	if err != nil {
		t.Fatal(err)
	}
	f := c.File()
	ids := make([]uint32, 60)
	for i := range ids {
		if ids[i], err = f.AddItem("iden", false); err != nil {
			t.Fatal(err)
		}
	}
	// Each item derives from the next two, so the number of paths from
	// the first item grows exponentially.
	for i, id := range ids {
		var to []uint32
		for _, j := range []int{i + 1, i + 2} {
			if j < len(ids) {
				to = append(to, ids[j])
			}
		}
		if len(to) == 0 {
			to = []uint32{leaf.ID()}
		}
		if err := f.AddReference(id, "dimg", to...); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.SetPrimaryItem(ids[0]); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- NewContext().ReadBytes(buf.Bytes()) }()
	select {
	case err := <-done:
		if errors.Is(err, heiferr.ErrItemReferenceCycle) {
			t.Errorf("acyclic references reported as a cycle: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("reading did not finish")
	}
}

func TestMetadataItems(t *testing.T) {
	tiff := []byte{'M', 'M', 0, 42, 0, 0, 0, 8, 0, 0, 0, 0, 0, 0}
	xmp := []byte(`<x:xmpmeta xmlns:x="adobe:ns:meta/"></x:xmpmeta>`)

	c := NewContext()
	img, err := c.EncodeImage(context.Background(), rgbImage(t, 8, 8, gradient), FormatUncompressed, nil)
	if err != nil {
		t.Fatal(err)
	}
	exifID, err := c.AddExifMetadata(img, append([]byte("Exif\x00\x00"), tiff...))
	if err != nil {
		t.Fatal(err)
	}
	xmpID, err := c.AddXMPMetadata(img, xmp, ContentEncodingDeflate)
	if err != nil {
		t.Fatal(err)
	}

	r := reread(t, c)
	primary, _ := r.PrimaryImage()
	if ids := primary.Metadata(); len(ids) != 2 {
		t.Fatalf("metadata items %v", ids)
	}
	got, err := r.Metadata(exifID)
	if err != nil || !bytes.Equal(got, tiff) {
		t.Errorf("exif = % x, %v", got, err)
	}
	got, err = r.Metadata(xmpID)
	if err != nil || !bytes.Equal(got, xmp) {
		t.Errorf("xmp = %q, %v", got, err)
	}
	raw, err := r.File().EXIF()
	if err != nil || !bytes.Equal(raw, tiff) {
		t.Errorf("File.EXIF = % x, %v", raw, err)
	}
}

func TestUnsupportedCodec(t *testing.T) {
	c := NewContext()
	_, err := c.EncodeImage(context.Background(), rgbImage(t, 8, 8, gradient), FormatVVC, nil)
	if heiferr.SubCodeOf(err) != heiferr.UnsupportedCodec {
		t.Errorf("err = %v, want unsupported codec", err)
	}
}

func TestDecodeCanceledContext(t *testing.T) {
	c := NewContext()
	img, err := c.EncodeImage(context.Background(), rgbImage(t, 8, 8, gradient), FormatUncompressed, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := img.Decode(ctx, nil); !errors.Is(err, heiferr.ErrCanceled) {
		t.Errorf("err = %v, want canceled", err)
	}
}
