// Package hevc registers a decoder for 'hvc1' image items, backed by the
// libde265 bindings of github.com/jdeng/goheif. It requires cgo.
//
//	import _ "github.com/heifkit/goheif/heif/codec/hevc"
package hevc

import (
	"context"

	"github.com/jdeng/goheif/libde265"

	"github.com/heifkit/goheif/heif"
	"github.com/heifkit/goheif/heif/bmff"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/pixel"
)

// SafeEncoding makes libde265 copy decoded planes row by row. It uses
// more memory but is needed when running in some containers.
var SafeEncoding = true

// Codec decodes HEVC images with libde265.
type Codec struct{}

func (Codec) Format() heif.CompressionFormat { return heif.FormatHEVC }

func (Codec) Name() string { return "libde265" }

// checkConfig rejects streams the bindings cannot return: they hand out
// 8 bit planes of a colour image only.
func checkConfig(props []bmff.Box) error {
	for _, p := range props {
		c, ok := p.(*bmff.ItemHevcConfigBox)
		if !ok {
			continue
		}
		if c.Config.BitDepthLuma != 8 || c.Config.BitDepthChroma != 8 {
			return heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedBitDepth,
				"libde265: %d bit HEVC", c.Config.BitDepthLuma)
		}
		if c.Config.ChromaFormat == 0 {
			return heiferr.New(heiferr.UnsupportedFeature, heiferr.UnsupportedColorConversion,
				"libde265: monochrome HEVC")
		}
	}
	return nil
}

// Decode decodes data, the 'hvcC' NAL units followed by the coded image,
// both with 4 byte length prefixes.
func (Codec) Decode(ctx context.Context, data []byte, p heif.DecodeParams) (*pixel.Image, error) {
	if len(data) == 0 {
		return nil, heiferr.New(heiferr.DecoderPlugin, heiferr.Unspecified, "libde265: no data")
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

	dec, err := libde265.NewDecoder(libde265.WithSafeEncoding(SafeEncoding))
	if err != nil {
		return nil, heiferr.Newf(heiferr.DecoderPlugin, heiferr.Unspecified, "libde265: %v", err)
	}
	defer dec.Free()

	dec.Reset()
	tile, err := dec.DecodeImage(data)
	if err != nil {
		return nil, heiferr.Newf(heiferr.DecoderPlugin, heiferr.Unspecified, "libde265: %v", err)
	}
	return pixel.FromImage(tile, p.Limits, p.Tracker)
}

func init() {
	libde265.Init()
	heif.RegisterDecoder(Codec{})
}
