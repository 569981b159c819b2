package heif

import (
	"bytes"
	"testing"

	"github.com/heifkit/goheif/heif/pixel"
)

// rgbImage returns an 8 bit planar RGB image with the colour f(x,y).
func rgbImage(t *testing.T, w, h int, f func(x, y int) (r, g, b uint8)) *pixel.Image {
	t.Helper()
	img := pixel.New(w, h, pixel.ColorspaceRGB, pixel.Chroma444)
	for _, c := range []pixel.Channel{pixel.ChannelR, pixel.ChannelG, pixel.ChannelB} {
		if err := img.AddPlane(c, 8); err != nil {
			t.Fatal(err)
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b := f(x, y)
			img.Plane(pixel.ChannelR).Set(x, y, 0, uint16(r))
			img.Plane(pixel.ChannelG).Set(x, y, 0, uint16(g))
			img.Plane(pixel.ChannelB).Set(x, y, 0, uint16(b))
		}
	}
	return img
}

func gradient(x, y int) (r, g, b uint8) { return uint8(x), uint8(y), 7 }

func rgbAt(t *testing.T, img *pixel.Image, x, y int) [3]uint16 {
	t.Helper()
	if img.Colorspace() != pixel.ColorspaceRGB || img.Chroma() != pixel.Chroma444 {
		t.Fatalf("image is %s %s, want planar RGB", img.Colorspace(), img.Chroma())
	}
	return [3]uint16{
		img.Plane(pixel.ChannelR).At(x, y, 0),
		img.Plane(pixel.ChannelG).At(x, y, 0),
		img.Plane(pixel.ChannelB).At(x, y, 0),
	}
}

// reread writes c and reads the result into a new context.
func reread(t *testing.T, c *Context, opts ...ContextOption) *Context {
	t.Helper()
	var buf bytes.Buffer
	if _, err := c.WriteTo(&buf); err != nil {
		t.Fatalf("writing: %v", err)
	}
	out := NewContext(opts...)
	if err := out.ReadBytes(buf.Bytes()); err != nil {
		t.Fatalf("reading: %v", err)
	}
	return out
}

func samePlanes(t *testing.T, got, want *pixel.Image) {
	t.Helper()
	if got.Width() != want.Width() || got.Height() != want.Height() {
		t.Fatalf("size %dx%d, want %dx%d", got.Width(), got.Height(), want.Width(), want.Height())
	}
	if got.Colorspace() != want.Colorspace() || got.Chroma() != want.Chroma() {
		t.Fatalf("layout %s %s, want %s %s", got.Colorspace(), got.Chroma(), want.Colorspace(), want.Chroma())
	}
	for _, c := range want.Channels() {
		gp, wp := got.Plane(c), want.Plane(c)
		if gp == nil {
			t.Fatalf("%s plane missing", c)
		}
		if gp.BitDepth != wp.BitDepth {
			t.Fatalf("%s plane has %d bits, want %d", c, gp.BitDepth, wp.BitDepth)
		}
		for y := 0; y < wp.Height; y++ {
			for x := 0; x < wp.Width; x++ {
				if g, w := gp.At(x, y, 0), wp.At(x, y, 0); g != w {
					t.Fatalf("%s at (%d,%d) = %d, want %d", c, x, y, g, w)
				}
			}
		}
	}
}
