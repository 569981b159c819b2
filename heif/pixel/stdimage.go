package pixel

import (
	"image"

	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/limits"
)

var chromaOfRatio = map[image.YCbCrSubsampleRatio]Chroma{
	image.YCbCrSubsampleRatio444: Chroma444,
	image.YCbCrSubsampleRatio422: Chroma422,
	image.YCbCrSubsampleRatio420: Chroma420,
}

// FromImage copies the output of a Go image decoder into a new image.
// *image.YCbCr (4:4:4, 4:2:2, 4:2:0), *image.Gray and *image.Gray16 are
// supported. The planes are allocated within l and accounted with t.
func FromImage(m image.Image, l *limits.SecurityLimits, t *limits.Tracker) (*Image, error) {
	b := m.Bounds()
	if err := l.OrDefault().CheckImageSize(uint32(b.Dx()), uint32(b.Dy())); err != nil {
		return nil, err
	}
	switch m := m.(type) {
	case *image.YCbCr:
		return fromYCbCr(m, l, t)
	case *image.Gray:
		img, err := newMono(b, 8, l, t)
		if err != nil {
			return nil, err
		}
		y := img.Plane(ChannelY)
		for row := 0; row < b.Dy(); row++ {
			copy(y.Row(row), m.Pix[row*m.Stride:row*m.Stride+b.Dx()])
		}
		return img, nil
	case *image.Gray16:
		img, err := newMono(b, 16, l, t)
		if err != nil {
			return nil, err
		}
		y := img.Plane(ChannelY)
		for row := 0; row < b.Dy(); row++ {
			src := m.Pix[row*m.Stride:]
			for x := 0; x < b.Dx(); x++ {
				y.Set(x, row, 0, uint16(src[2*x])<<8|uint16(src[2*x+1]))
			}
		}
		return img, nil
	}
	return nil, heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedColorConversion, "%T images", m)
}

func newMono(b image.Rectangle, bits int, l *limits.SecurityLimits, t *limits.Tracker) (*Image, error) {
	img := New(b.Dx(), b.Dy(), ColorspaceMonochrome, ChromaMonochrome)
	img.SetMemoryLimits(l, t)
	if err := img.AddPlane(ChannelY, bits); err != nil {
		return nil, err
	}
	return img, nil
}

func fromYCbCr(m *image.YCbCr, l *limits.SecurityLimits, t *limits.Tracker) (*Image, error) {
	chroma, ok := chromaOfRatio[m.SubsampleRatio]
	if !ok {
		return nil, heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedColorConversion,
			"chroma subsampling %v", m.SubsampleRatio)
	}
	b := m.Bounds()
	img := New(b.Dx(), b.Dy(), ColorspaceYCbCr, chroma)
	img.SetMemoryLimits(l, t)
	for _, c := range []Channel{ChannelY, ChannelCb, ChannelCr} {
		if err := img.AddPlane(c, 8); err != nil {
			img.Release()
			return nil, err
		}
	}
	// Rows start at YOffset/COffset so that images with a non-zero origin
	// are copied from their top left corner.
	y0, c0 := m.YOffset(b.Min.X, b.Min.Y), m.COffset(b.Min.X, b.Min.Y)
	copyRows(img.Plane(ChannelY), m.Y[y0:], m.YStride)
	copyRows(img.Plane(ChannelCb), m.Cb[c0:], m.CStride)
	copyRows(img.Plane(ChannelCr), m.Cr[c0:], m.CStride)
	return img, nil
}

func copyRows(dst *Plane, src []byte, stride int) {
	for y := 0; y < dst.Height; y++ {
		copy(dst.Row(y), src[y*stride:y*stride+dst.Width])
	}
}
