// Package jpeg registers a decoder and an encoder for 'jpeg' image items.
//
// Importing it for its side effect is enough:
//
//	import _ "github.com/heifkit/goheif/heif/codec/jpeg"
//
// JPEG items hold baseline JFIF data. Headers shared by several items can
// be moved to a 'jpgC' property; the reader prefixes them to the item data
// before it reaches the decoder.
package jpeg

import (
	"bytes"
	"context"
	"fmt"
	"image"
	stdjpeg "image/jpeg"

	"github.com/heifkit/goheif/heif"
	"github.com/heifkit/goheif/heif/colorconv"
	"github.com/heifkit/goheif/heif/colorprofile"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/pixel"
)

// DefaultQuality is used when EncodeParams.Quality is 0.
const DefaultQuality = 90

// Codec decodes and encodes JPEG images with image/jpeg.
type Codec struct{}

func (Codec) Format() heif.CompressionFormat { return heif.FormatJPEG }
func (Codec) Name() string                   { return "image/jpeg" }

// jfif is the colour description of JFIF data: BT.601 in full range.
func jfif() *colorprofile.NCLX {
	n := colorprofile.SRGB()
	n.MatrixCoefficients, n.FullRange = colorprofile.MatrixBT601, true
	return n
}

func (Codec) Decode(ctx context.Context, data []byte, p heif.DecodeParams) (*pixel.Image, error) {
	cfg, err := stdjpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, heiferr.Newf(heiferr.DecoderPlugin, heiferr.Unspecified, "jpeg: %v", err)
	}
	if err := p.Limits.OrDefault().CheckImageSize(uint32(cfg.Width), uint32(cfg.Height)); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := stdjpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, heiferr.Newf(heiferr.DecoderPlugin, heiferr.Unspecified, "jpeg: %v", err)
	}

	img, err := pixel.FromImage(src, p.Limits, p.Tracker)
	if err != nil {
		return nil, err
	}
	img.NCLX = jfif()
	return img, nil
}

// InputState asks for 8 bit YCbCr in the JFIF matrix, 4:2:0 unless the
// input is 4:4:4 or 4:2:2 YCbCr already, or monochrome.
func (Codec) InputState(s colorconv.State) colorconv.State {
	if s.Colorspace == pixel.ColorspaceMonochrome {
		return colorconv.State{Colorspace: pixel.ColorspaceMonochrome, Chroma: pixel.ChromaMonochrome, BitDepth: 8}
	}
	out := colorconv.State{
		Colorspace: pixel.ColorspaceYCbCr,
		Chroma:     pixel.Chroma420,
		BitDepth:   8,
		Matrix:     colorprofile.MatrixBT601,
		FullRange:  true,
	}
	if s.Colorspace == pixel.ColorspaceYCbCr && (s.Chroma == pixel.Chroma444 || s.Chroma == pixel.Chroma422) {
		out.Chroma = s.Chroma
	}
	return out
}

func (Codec) Encode(ctx context.Context, img *pixel.Image, p heif.EncodeParams) (*heif.CodedImage, error) {
	q := p.Quality
	if q == 0 {
		q = DefaultQuality
	}
	if p.Lossless {
		return nil, heiferr.New(heiferr.UnsupportedFeature, heiferr.UnsupportedParameter, "jpeg: lossless coding")
	}
	src, err := toImage(img)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := stdjpeg.Encode(&buf, src, &stdjpeg.Options{Quality: q}); err != nil {
		return nil, err
	}
	return &heif.CodedImage{Data: buf.Bytes()}, nil
}

var ratioOf = map[pixel.Chroma]image.YCbCrSubsampleRatio{
	pixel.Chroma444: image.YCbCrSubsampleRatio444,
	pixel.Chroma422: image.YCbCrSubsampleRatio422,
	pixel.Chroma420: image.YCbCrSubsampleRatio420,
}

// toImage wraps the planes of img in an image.Image for image/jpeg.
func toImage(img *pixel.Image) (image.Image, error) {
	r := image.Rect(0, 0, img.Width(), img.Height())
	if img.Chroma() == pixel.ChromaMonochrome {
		y := img.Plane(pixel.ChannelY)
		if y == nil || y.BitDepth != 8 {
			return nil, fmt.Errorf("jpeg: unsupported input %s", colorconv.StateOf(img))
		}
		return &image.Gray{Pix: y.Data, Stride: y.Stride, Rect: r}, nil
	}
	ratio, ok := ratioOf[img.Chroma()]
	if !ok || img.Colorspace() != pixel.ColorspaceYCbCr || img.BitDepth(pixel.ChannelY) != 8 {
		return nil, fmt.Errorf("jpeg: unsupported input %s", colorconv.StateOf(img))
	}
	y, cb, cr := img.Plane(pixel.ChannelY), img.Plane(pixel.ChannelCb), img.Plane(pixel.ChannelCr)
	if cb.Stride != cr.Stride {
		return nil, fmt.Errorf("jpeg: chroma planes with different strides")
	}
	return &image.YCbCr{
		Y:              y.Data,
		Cb:             cb.Data,
		Cr:             cr.Data,
		YStride:        y.Stride,
		CStride:        cb.Stride,
		SubsampleRatio: ratio,
		Rect:           r,
	}, nil
}

func init() {
	heif.RegisterDecoder(Codec{})
	heif.RegisterEncoder(Codec{})
}
