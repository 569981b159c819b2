package pixel

import (
	"errors"
	"image"
	"testing"

	"golang.org/x/image/draw"

	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/limits"
)

// newGray returns an 8-bit monochrome image with Y(x,y) = f(x,y).
func newGray(t *testing.T, w, h int, f func(x, y int) uint8) *Image {
	t.Helper()
	img := New(w, h, ColorspaceMonochrome, ChromaMonochrome)
	if err := img.AddPlane(ChannelY, 8); err != nil {
		t.Fatal(err)
	}
	p := img.Plane(ChannelY)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p.Set(x, y, 0, uint16(f(x, y)))
		}
	}
	return img
}

func newYCbCr420(t *testing.T, w, h int) *Image {
	t.Helper()
	img := New(w, h, ColorspaceYCbCr, Chroma420)
	for _, c := range []Channel{ChannelY, ChannelCb, ChannelCr} {
		if err := img.AddPlane(c, 8); err != nil {
			t.Fatal(err)
		}
	}
	for _, c := range []Channel{ChannelY, ChannelCb, ChannelCr} {
		p := img.Plane(c)
		for y := 0; y < p.Height; y++ {
			for x := 0; x < p.Width; x++ {
				p.Set(x, y, 0, uint16(x+10*y+int(c)*50))
			}
		}
	}
	return img
}

func coord(x, y int) uint8 { return uint8(x + 16*y) }

func TestPlaneGeometry(t *testing.T) {
	img := newYCbCr420(t, 5, 3)
	if w, h := img.ChannelSize(ChannelCb); w != 3 || h != 2 {
		t.Errorf("chroma size %dx%d, want 3x2", w, h)
	}
	p := img.Plane(ChannelY)
	if p.Stride%16 != 0 || p.Stride < 64 {
		t.Errorf("stride %d not aligned or below the minimum allocation", p.Stride)
	}
	if len(p.Data) < p.Stride*64 {
		t.Errorf("plane allocation %d bytes, want at least 64 rows", len(p.Data))
	}
}

func TestAddPlaneLimits(t *testing.T) {
	img := New(1000, 1000, ColorspaceMonochrome, ChromaMonochrome)
	lim := limits.Default()
	lim.MaxImageSizePixels = 100 * 100
	img.SetMemoryLimits(lim, nil)
	err := img.AddPlane(ChannelY, 8)
	if !errors.Is(err, heiferr.ErrSecurityLimitExceeded) {
		t.Errorf("err = %v, want security limit", err)
	}
	if img.HasChannel(ChannelY) {
		t.Error("plane added despite error")
	}
}

func TestTrackerAccounting(t *testing.T) {
	lim := limits.Default()
	tr := limits.NewTracker(lim)
	img := New(16, 16, ColorspaceMonochrome, ChromaMonochrome)
	img.SetMemoryLimits(lim, tr)
	if err := img.AddPlane(ChannelY, 8); err != nil {
		t.Fatal(err)
	}
	if tr.Total() == 0 {
		t.Error("allocation not tracked")
	}
	img.Release()
	if tr.Total() != 0 {
		t.Errorf("%d bytes still tracked after release", tr.Total())
	}
}

func TestRotate(t *testing.T) {
	const w, h = 4, 3
	img := newGray(t, w, h, coord)
	tests := []struct {
		deg  int
		want func(x, y int) uint8 // value at output (x,y)
	}{
		{90, func(x, y int) uint8 { return coord(w-1-y, x) }},
		{180, func(x, y int) uint8 { return coord(w-1-x, h-1-y) }},
		{270, func(x, y int) uint8 { return coord(y, h-1-x) }},
	}
	for _, tt := range tests {
		out, err := img.RotateCCW(tt.deg)
		if err != nil {
			t.Fatal(err)
		}
		p := out.Plane(ChannelY)
		for y := 0; y < out.Height(); y++ {
			for x := 0; x < out.Width(); x++ {
				if got := uint8(p.At(x, y, 0)); got != tt.want(x, y) {
					t.Fatalf("rotate %d: (%d,%d) = %d, want %d", tt.deg, x, y, got, tt.want(x, y))
				}
			}
		}
	}
	if same, _ := img.RotateCCW(0); same != img {
		t.Error("rotation by 0 must return the image itself")
	}
	if _, err := img.RotateCCW(45); err == nil {
		t.Error("rotation by 45 accepted")
	}
}

func TestRotate90TopRightBecomesTopLeft(t *testing.T) {
	img := newGray(t, 4, 2, coord)
	out, err := img.RotateCCW(90)
	if err != nil {
		t.Fatal(err)
	}
	if out.Width() != 2 || out.Height() != 4 {
		t.Fatalf("size %dx%d", out.Width(), out.Height())
	}
	if got := uint8(out.Plane(ChannelY).At(0, 0, 0)); got != coord(3, 0) {
		t.Errorf("top-left = %d, want former top-right %d", got, coord(3, 0))
	}
}

func TestRotateSubsampledPromotesTo444(t *testing.T) {
	img := newYCbCr420(t, 6, 4)
	out, err := img.RotateCCW(90)
	if err != nil {
		t.Fatal(err)
	}
	if out.Chroma() != Chroma444 {
		t.Errorf("chroma = %s, want 4:4:4", out.Chroma())
	}
	// Source chroma sample (2,0) covers luma column 4/5 of row 0/1; after
	// rotation luma (0,1) came from source (4,0).
	if got, want := out.Plane(ChannelCb).At(0, 1, 0), img.Plane(ChannelCb).At(2, 0, 0); got != want {
		t.Errorf("Cb = %d, want %d", got, want)
	}

	flipped, err := img.RotateCCW(180)
	if err != nil {
		t.Fatal(err)
	}
	if flipped.Chroma() != Chroma420 {
		t.Errorf("even sized 180 rotation changed chroma to %s", flipped.Chroma())
	}
}

func TestMirror(t *testing.T) {
	const w, h = 5, 3
	tests := []struct {
		m    Mirror
		want func(x, y int) uint8
	}{
		{MirrorHorizontal, func(x, y int) uint8 { return coord(w-1-x, y) }},
		{MirrorVertical, func(x, y int) uint8 { return coord(x, h-1-y) }},
	}
	for _, tt := range tests {
		img := newGray(t, w, h, coord)
		if err := img.MirrorInPlace(tt.m); err != nil {
			t.Fatal(err)
		}
		p := img.Plane(ChannelY)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if got := uint8(p.At(x, y, 0)); got != tt.want(x, y) {
					t.Fatalf("mirror %d: (%d,%d) = %d, want %d", tt.m, x, y, got, tt.want(x, y))
				}
			}
		}
	}
}

func TestMirrorOddSubsampled(t *testing.T) {
	img := newYCbCr420(t, 5, 4)
	if err := img.MirrorInPlace(MirrorHorizontal); err != nil {
		t.Fatal(err)
	}
	if img.Chroma() != Chroma444 {
		t.Errorf("odd width 4:2:0 mirror kept chroma %s", img.Chroma())
	}
	if w, _ := img.ChannelSize(ChannelCb); img.Plane(ChannelCb).Width != w || w != 5 {
		t.Errorf("Cb width %d", img.Plane(ChannelCb).Width)
	}
}

func TestCrop(t *testing.T) {
	img := newGray(t, 8, 6, coord)
	out, err := img.Crop(2, 5, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if out.Width() != 4 || out.Height() != 3 {
		t.Fatalf("size %dx%d", out.Width(), out.Height())
	}
	if got := uint8(out.Plane(ChannelY).At(0, 0, 0)); got != coord(2, 1) {
		t.Errorf("origin = %d, want %d", got, coord(2, 1))
	}
	if got := uint8(out.Plane(ChannelY).At(3, 2, 0)); got != coord(5, 3) {
		t.Errorf("corner = %d, want %d", got, coord(5, 3))
	}
	if _, err := img.Crop(0, 8, 0, 0); err == nil {
		t.Error("crop beyond the right edge accepted")
	}
}

func TestCropSubsampled(t *testing.T) {
	img := newYCbCr420(t, 8, 8)
	even, err := img.Crop(2, 5, 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if even.Chroma() != Chroma420 {
		t.Errorf("even crop changed chroma to %s", even.Chroma())
	}
	if got, want := even.Plane(ChannelCr).At(0, 0, 0), img.Plane(ChannelCr).At(1, 1, 0); got != want {
		t.Errorf("Cr origin = %d, want %d", got, want)
	}

	odd, err := img.Crop(1, 4, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if odd.Chroma() != Chroma444 {
		t.Errorf("odd crop kept chroma %s", odd.Chroma())
	}
}

func TestOverlayNegativeOffset(t *testing.T) {
	canvas := New(100, 100, ColorspaceRGB, Chroma444)
	src := New(50, 50, ColorspaceRGB, Chroma444)
	for _, img := range []*Image{canvas, src} {
		for _, c := range []Channel{ChannelR, ChannelG, ChannelB} {
			if err := img.AddPlane(c, 8); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := canvas.FillRGB(0xFFFF, 0xFFFF, 0xFFFF, 0xFFFF); err != nil {
		t.Fatal(err)
	}
	for _, c := range []Channel{ChannelR, ChannelG, ChannelB} {
		p := src.Plane(c)
		for y := 0; y < 50; y++ {
			for x := 0; x < 50; x++ {
				p.Set(x, y, 0, uint16(x+y))
			}
		}
	}

	if err := canvas.Overlay(src, -10, -10); err != nil {
		t.Fatal(err)
	}
	if got, want := canvas.Plane(ChannelG).At(0, 0, 0), src.Plane(ChannelG).At(10, 10, 0); got != want {
		t.Errorf("(0,0) = %d, want %d", got, want)
	}
	if got := canvas.Plane(ChannelR).At(40, 40, 0); got != 255 {
		t.Errorf("(40,40) = %d, want background", got)
	}
	if err := canvas.Overlay(src, 200, -300); err != nil {
		t.Errorf("source outside the canvas: %v", err)
	}
}

func TestOverlayAlphaBlend(t *testing.T) {
	canvas := New(2, 1, ColorspaceMonochrome, ChromaMonochrome)
	src := New(2, 1, ColorspaceMonochrome, ChromaMonochrome)
	canvas.AddPlane(ChannelY, 8)
	src.AddPlane(ChannelY, 8)
	src.AddPlane(ChannelAlpha, 8)
	canvas.Fill(ChannelY, 0)
	src.Fill(ChannelY, 255)
	src.Plane(ChannelAlpha).Set(0, 0, 0, 255)
	src.Plane(ChannelAlpha).Set(1, 0, 0, 51)

	if err := canvas.Overlay(src, 0, 0); err != nil {
		t.Fatal(err)
	}
	if got := canvas.Plane(ChannelY).At(0, 0, 0); got != 255 {
		t.Errorf("opaque pixel = %d", got)
	}
	if got := canvas.Plane(ChannelY).At(1, 0, 0); got != 51 {
		t.Errorf("20%% alpha pixel = %d, want 51", got)
	}
}

func TestPasteTile(t *testing.T) {
	canvas := newYCbCr420(t, 8, 8)
	tile := newYCbCr420(t, 4, 4)
	if err := canvas.Paste(tile, 4, 4); err != nil {
		t.Fatal(err)
	}
	if got, want := canvas.Plane(ChannelY).At(5, 6, 0), tile.Plane(ChannelY).At(1, 2, 0); got != want {
		t.Errorf("Y = %d, want %d", got, want)
	}
	if got, want := canvas.Plane(ChannelCb).At(3, 3, 0), tile.Plane(ChannelCb).At(1, 1, 0); got != want {
		t.Errorf("Cb = %d, want %d", got, want)
	}

	rgb := New(4, 4, ColorspaceRGB, Chroma444)
	if err := canvas.Paste(rgb, 0, 0); heiferr.SubCodeOf(err) != heiferr.WrongTileImageChromaFormat {
		t.Errorf("err = %v", err)
	}
}

func TestScaleNearestNeighborMatchesDraw(t *testing.T) {
	sizes := []struct{ sw, sh, dw, dh int }{
		{8, 8, 4, 4},
		{8, 6, 16, 12},
		{9, 7, 4, 3},
	}
	for _, s := range sizes {
		img := newGray(t, s.sw, s.sh, coord)
		out, err := img.ScaleNearestNeighbor(s.dw, s.dh)
		if err != nil {
			t.Fatal(err)
		}

		ref := image.NewGray(image.Rect(0, 0, s.sw, s.sh))
		for y := 0; y < s.sh; y++ {
			for x := 0; x < s.sw; x++ {
				ref.Pix[y*ref.Stride+x] = coord(x, y)
			}
		}
		dst := image.NewGray(image.Rect(0, 0, s.dw, s.dh))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), ref, ref.Bounds(), draw.Src, nil)

		p := out.Plane(ChannelY)
		for y := 0; y < s.dh; y++ {
			for x := 0; x < s.dw; x++ {
				if got, want := uint8(p.At(x, y, 0)), dst.Pix[y*dst.Stride+x]; got != want {
					t.Fatalf("%v: (%d,%d) = %d, want %d", s, x, y, got, want)
				}
			}
		}
	}
}

func TestScaleRequires8Bit(t *testing.T) {
	img := New(4, 4, ColorspaceMonochrome, ChromaMonochrome)
	img.AddPlane(ChannelY, 10)
	if _, err := img.ScaleNearestNeighbor(2, 2); heiferr.SubCodeOf(err) != heiferr.UnsupportedBitDepth {
		t.Errorf("err = %v", err)
	}
}

func TestHighBitDepthSamples(t *testing.T) {
	img := New(2, 2, ColorspaceRGB, ChromaInterleavedRRGGBBBE)
	if err := img.AddPlane(ChannelInterleaved, 10); err != nil {
		t.Fatal(err)
	}
	p := img.Plane(ChannelInterleaved)
	p.Set(1, 0, 2, 0x3FF)
	if p.At(1, 0, 2) != 0x3FF {
		t.Errorf("got %#x", p.At(1, 0, 2))
	}
	if p.Data[10] != 0x03 || p.Data[11] != 0xFF {
		t.Errorf("sample not stored big endian: % x", p.Data[10:12])
	}
}

func TestExtendPadding(t *testing.T) {
	img := newGray(t, 3, 3, coord)
	if err := img.ExtendPaddingToSize(4, 5); err != nil {
		t.Fatal(err)
	}
	p := img.Plane(ChannelY)
	if p.Width != 4 || p.Height != 5 {
		t.Fatalf("plane %dx%d", p.Width, p.Height)
	}
	if got := uint8(p.At(3, 4, 0)); got != coord(2, 2) {
		t.Errorf("padding = %d, want %d", got, coord(2, 2))
	}
}
