// Package av1 registers a decoder for 'av01' image items, backed by the
// dav1d bindings of github.com/jdeng/goheif. It requires cgo.
//
//	import _ "github.com/heifkit/goheif/heif/codec/av1"
//
// Images of more than 8 bits per sample are reduced to 8 bits by the
// bindings, except monochrome ones, which are returned with 16 bits.
package av1

import (
	"context"

	"github.com/jdeng/goheif/dav1d"

	"github.com/heifkit/goheif/heif"
	"github.com/heifkit/goheif/heif/bmff"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/pixel"
)

// Codec decodes AV1 images with dav1d.
type Codec struct{}

func (Codec) Format() heif.CompressionFormat { return heif.FormatAV1 }

func (Codec) Name() string { return "dav1d" }

func checkConfig(props []bmff.Box) error {
	for _, p := range props {
		if c, ok := p.(*bmff.ItemAv1ConfigBox); ok && c.Config.BitDepth() > 10 {
			return heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedBitDepth,
				"dav1d: %d bit AV1", c.Config.BitDepth())
		}
	}
	return nil
}

// Decode decodes data, the configuration OBUs of 'av1C' followed by the
// coded image.
func (Codec) Decode(ctx context.Context, data []byte, p heif.DecodeParams) (*pixel.Image, error) {
	if len(data) == 0 {
		return nil, heiferr.New(heiferr.DecoderPlugin, heiferr.Unspecified, "dav1d: no data")
	}
	if err := checkConfig(p.Properties); err != nil {
		return nil, err
	}
	if err := p.Limits.OrDefault().CheckImageSize(uint32(p.Width), uint32(p.Height)); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Planes are copied out of the decoder's picture, which is released
	// before DecodeImage returns.
	dec, err := dav1d.NewDecoder(dav1d.WithSafeEncoding(true))
	if err != nil {
		return nil, heiferr.Newf(heiferr.DecoderPlugin, heiferr.Unspecified, "dav1d: %v", err)
	}
	defer dec.Free()

	m, err := dec.DecodeImage(data)
	if err != nil {
		return nil, heiferr.Newf(heiferr.DecoderPlugin, heiferr.Unspecified, "dav1d: %v", err)
	}
	return pixel.FromImage(m, p.Limits, p.Tracker)
}

func init() {
	heif.RegisterDecoder(Codec{})
}
