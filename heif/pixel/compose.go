package pixel

import (
	"github.com/heifkit/goheif/heif/heiferr"
)

// Paste copies every plane of src into img with the top-left corner of src
// at (x,y) in full resolution coordinates. Both images must share colorspace,
// chroma and bit depths; the pasted area is clipped to img.
func (img *Image) Paste(src *Image, x, y int) error {
	if src.colorspace != img.colorspace || src.chroma != img.chroma {
		return heiferr.Newf(heiferr.InvalidInput, heiferr.WrongTileImageChromaFormat,
			"cannot paste %s %s into %s %s", src.colorspace, src.chroma, img.colorspace, img.chroma)
	}
	sh, sv := img.chroma.Subsampling()
	for _, c := range src.Channels() {
		sp, dp := src.planes[c], img.planes[c]
		if dp == nil {
			continue
		}
		if sp.BitDepth != dp.BitDepth {
			return heiferr.Newf(heiferr.InvalidInput, heiferr.WrongTileImagePixelDepth,
				"%s plane has %d bits, canvas has %d", c, sp.BitDepth, dp.BitDepth)
		}
		px, py := x, y
		if c.IsChroma() {
			px, py = x/sh, y/sv
		}
		w, h := sp.Width, sp.Height
		if px+w > dp.Width {
			w = dp.Width - px
		}
		if py+h > dp.Height {
			h = dp.Height - py
		}
		if w <= 0 || h <= 0 {
			continue
		}
		copyPlane(dp, sp, px, py, 0, 0, w, h)
	}
	return nil
}

// Overlay composites src onto img with its top-left corner at (dx,dy),
// which may be negative. Both images must be planar 4:4:4 of the same
// colorspace. If src has an alpha plane it is blended as
// out = (src*alpha + out*(max-alpha)) / max, otherwise copied. A source
// outside of img is not an error.
func (img *Image) Overlay(src *Image, dx, dy int) error {
	if img.chroma != Chroma444 && img.chroma != ChromaMonochrome || src.chroma != img.chroma || src.colorspace != img.colorspace {
		return heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedColorConversion,
			"overlay of %s %s onto %s %s", src.colorspace, src.chroma, img.colorspace, img.chroma)
	}

	// Visible window in source coordinates.
	x0, y0 := 0, 0
	if dx < 0 {
		x0 = -dx
	}
	if dy < 0 {
		y0 = -dy
	}
	x1, y1 := src.width, src.height
	if dx+x1 > img.width {
		x1 = img.width - dx
	}
	if dy+y1 > img.height {
		y1 = img.height - dy
	}
	if x0 >= x1 || y0 >= y1 {
		return nil
	}

	alpha := src.planes[ChannelAlpha]
	for _, c := range src.Channels() {
		sp, dp := src.planes[c], img.planes[c]
		if dp == nil || (c == ChannelAlpha && alpha != nil) {
			continue
		}
		if sp.BitDepth != dp.BitDepth {
			return heiferr.New(heiferr.UnsupportedFeature, heiferr.UnsupportedBitDepth, "overlay images of different bit depth")
		}
		if alpha == nil {
			copyPlane(dp, sp, x0+dx, y0+dy, x0, y0, x1-x0, y1-y0)
			continue
		}
		maxv := uint32(alpha.MaxValue())
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				a := uint32(alpha.At(x, y, 0))
				s := uint32(sp.At(x, y, 0))
				d := uint32(dp.At(x+dx, y+dy, 0))
				dp.Set(x+dx, y+dy, 0, uint16((s*a+d*(maxv-a))/maxv))
			}
		}
	}
	if alpha != nil {
		if dp := img.planes[ChannelAlpha]; dp != nil && dp.BitDepth == alpha.BitDepth {
			maxv := uint32(alpha.MaxValue())
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					a := uint32(alpha.At(x, y, 0))
					d := uint32(dp.At(x+dx, y+dy, 0))
					dp.Set(x+dx, y+dy, 0, uint16(a+d*(maxv-a)/maxv))
				}
			}
		}
	}
	return nil
}
