package heif

import (
	"context"

	"github.com/heifkit/goheif/heif/bmff"
	"github.com/heifkit/goheif/heif/colorconv"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/pixel"
)

// maskCodec handles 'mski' items: a single plane of 8 or 16 bit values,
// row by row, as configured by 'mskC'. 16 bit values are big endian.
type maskCodec struct{}

func (maskCodec) Format() CompressionFormat { return FormatMask }
func (maskCodec) Name() string              { return "mask" }

func (maskCodec) Decode(ctx context.Context, data []byte, p DecodeParams) (*pixel.Image, error) {
	var cfg *bmff.MaskConfigBox
	for _, b := range p.Properties {
		if b, ok := b.(*bmff.MaskConfigBox); ok {
			cfg = b
		}
	}
	if cfg == nil {
		return nil, heiferr.New(heiferr.InvalidInput, heiferr.InvalidMaskImage, "mski item without mskC property")
	}
	bits := int(cfg.BitsPerPixel)
	if bits != 8 && bits != 16 {
		return nil, heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedBitDepth, "mask of %d bits per pixel", bits)
	}
	w, h := p.Width, p.Height
	if w <= 0 || h <= 0 {
		return nil, heiferr.New(heiferr.InvalidInput, heiferr.NoIspeProperty, "mask image without size")
	}
	if need := w * h * bits / 8; len(data) != need {
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.InvalidMaskImage,
			"%dx%d mask of %d bits needs %d bytes, item has %d", w, h, bits, need, len(data))
	}

	img := pixel.New(w, h, pixel.ColorspaceMonochrome, pixel.ChromaMonochrome)
	img.SetMemoryLimits(p.Limits, p.Tracker)
	if err := img.AddPlane(pixel.ChannelY, bits); err != nil {
		return nil, err
	}
	plane := img.Plane(pixel.ChannelY)
	n := w * bits / 8
	for y := 0; y < h; y++ {
		row := data[y*n:]
		if bits == 8 {
			copy(plane.Row(y), row[:n])
			continue
		}
		for x := 0; x < w; x++ {
			plane.Set(x, y, 0, uint16(row[2*x])<<8|uint16(row[2*x+1]))
		}
	}
	return img, nil
}

// InputState asks for a single plane of 8 or 16 bits.
func (maskCodec) InputState(s colorconv.State) colorconv.State {
	out := colorconv.State{Colorspace: pixel.ColorspaceMonochrome, Chroma: pixel.ChromaMonochrome, BitDepth: 8}
	if s.BitDepth > 8 {
		out.BitDepth = 16
	}
	return out
}

func (maskCodec) Encode(ctx context.Context, img *pixel.Image, p EncodeParams) (*CodedImage, error) {
	plane := img.Plane(pixel.ChannelY)
	if plane == nil || img.Chroma() != pixel.ChromaMonochrome {
		return nil, heiferr.New(heiferr.UsageError, heiferr.InvalidMaskImage, "mask images are monochrome")
	}
	bits := plane.BitDepth
	if bits != 8 && bits != 16 {
		return nil, heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedBitDepth, "mask of %d bits per pixel", bits)
	}
	data := make([]byte, 0, plane.Width*plane.Height*bits/8)
	for y := 0; y < plane.Height; y++ {
		if bits == 8 {
			data = append(data, plane.Row(y)...)
			continue
		}
		for x := 0; x < plane.Width; x++ {
			v := plane.At(x, y, 0)
			data = append(data, byte(v>>8), byte(v))
		}
	}
	return &CodedImage{
		Data:       data,
		Properties: []bmff.Box{bmff.NewMaskConfig(uint8(bits))},
	}, nil
}
