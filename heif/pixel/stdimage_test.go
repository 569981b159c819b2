package pixel

import (
	"image"
	"image/color"
	"testing"

	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/limits"
)

func TestFromYCbCr(t *testing.T) {
	tests := []struct {
		ratio  image.YCbCrSubsampleRatio
		chroma Chroma
		cw, ch int
	}{
		{image.YCbCrSubsampleRatio444, Chroma444, 5, 3},
		{image.YCbCrSubsampleRatio422, Chroma422, 3, 3},
		{image.YCbCrSubsampleRatio420, Chroma420, 3, 2},
	}
	for _, tt := range tests {
		m := image.NewYCbCr(image.Rect(0, 0, 5, 3), tt.ratio)
		for y := 0; y < 3; y++ {
			for x := 0; x < 5; x++ {
				m.Y[m.YOffset(x, y)] = uint8(10*y + x)
			}
		}
		for i := range m.Cb {
			m.Cb[i], m.Cr[i] = uint8(100+i), uint8(200+i)
		}
		img, err := FromImage(m, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		if img.Colorspace() != ColorspaceYCbCr || img.Chroma() != tt.chroma {
			t.Fatalf("%v: got %s %s", tt.ratio, img.Colorspace(), img.Chroma())
		}
		if v := img.Plane(ChannelY).At(4, 2, 0); v != 24 {
			t.Errorf("%v: Y(4,2) = %d", tt.ratio, v)
		}
		cb := img.Plane(ChannelCb)
		if cb.Width != tt.cw || cb.Height != tt.ch {
			t.Fatalf("%v: chroma plane %dx%d, want %dx%d", tt.ratio, cb.Width, cb.Height, tt.cw, tt.ch)
		}
		x, y := tt.cw-1, tt.ch-1
		i := y*m.CStride + x
		if v := cb.At(x, y, 0); v != uint16(100+i) {
			t.Errorf("%v: Cb(%d,%d) = %d, want %d", tt.ratio, x, y, v, 100+i)
		}
		if v := img.Plane(ChannelCr).At(x, y, 0); v != uint16(200+i) {
			t.Errorf("%v: Cr(%d,%d) = %d, want %d", tt.ratio, x, y, v, 200+i)
		}
	}
}

func TestFromGray(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 4, 2))
	g.SetGray(3, 1, color.Gray{Y: 77})
	img, err := FromImage(g, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if img.Chroma() != ChromaMonochrome || img.BitDepth(ChannelY) != 8 {
		t.Fatalf("got %s with %d bits", img.Chroma(), img.BitDepth(ChannelY))
	}
	if v := img.Plane(ChannelY).At(3, 1, 0); v != 77 {
		t.Errorf("Y = %d, want 77", v)
	}

	g16 := image.NewGray16(image.Rect(0, 0, 4, 2))
	g16.SetGray16(2, 1, color.Gray16{Y: 0xabcd})
	img, err = FromImage(g16, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if img.BitDepth(ChannelY) != 16 {
		t.Fatalf("%d bits", img.BitDepth(ChannelY))
	}
	if v := img.Plane(ChannelY).At(2, 1, 0); v != 0xabcd {
		t.Errorf("Y = %#x, want 0xabcd", v)
	}
}

func TestFromImageRejects(t *testing.T) {
	if _, err := FromImage(image.NewRGBA(image.Rect(0, 0, 2, 2)), nil, nil); heiferr.SubCodeOf(err) != heiferr.UnsupportedColorConversion {
		t.Errorf("RGBA: err = %v", err)
	}
	if _, err := FromImage(image.NewYCbCr(image.Rect(0, 0, 4, 4), image.YCbCrSubsampleRatio440), nil, nil); heiferr.SubCodeOf(err) != heiferr.UnsupportedColorConversion {
		t.Errorf("4:4:0: err = %v", err)
	}
	lim := limits.Default()
	lim.MaxImageSizePixels = 10
	if _, err := FromImage(image.NewGray(image.Rect(0, 0, 4, 4)), lim, nil); heiferr.SubCodeOf(err) != heiferr.SecurityLimitExceeded {
		t.Errorf("over the size limit: err = %v", err)
	}
}
