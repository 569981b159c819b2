package heif

import (
	"context"

	"github.com/heifkit/goheif/heif/bitstream"
	"github.com/heifkit/goheif/heif/colorconv"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/pixel"
)

// ImageOverlay is the content of an 'iovl' item. The images referenced
// with 'dimg' are drawn in order onto a canvas filled with Background,
// each at its offset.
type ImageOverlay struct {
	// Background is RGBA with 16 bits per component.
	Background   [4]uint16
	OutputWidth  uint32
	OutputHeight uint32
	Offsets      []OverlayOffset
}

// OverlayOffset is the position of the top-left corner of an image on
// the canvas. It may be negative.
type OverlayOffset struct {
	X, Y int32
}

// ParseImageOverlay parses the data of an 'iovl' item with n references.
func ParseImageOverlay(data []byte, n int) (ImageOverlay, error) {
	var ov ImageOverlay
	r := dataRange(data)
	if v := r.Uint8(); v != 0 {
		return ov, heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedDataVersion, "overlay data version %d", v)
	}
	large := r.Uint8()&1 != 0
	for i := range ov.Background {
		ov.Background[i] = r.Uint16()
	}
	field := func() uint32 {
		if large {
			return r.Uint32()
		}
		return uint32(r.Uint16())
	}
	signed := func() int32 {
		if large {
			return r.Int32()
		}
		return int32(r.Int16())
	}
	ov.OutputWidth, ov.OutputHeight = field(), field()
	for i := 0; i < n && r.OK(); i++ {
		ov.Offsets = append(ov.Offsets, OverlayOffset{X: signed(), Y: signed()})
	}
	if err := r.Err(); err != nil {
		return ov, heiferr.Newf(heiferr.InvalidInput, heiferr.InvalidOverlayData, "overlay data: %v", err)
	}
	if !r.EOF() {
		return ov, heiferr.Newf(heiferr.InvalidInput, heiferr.InvalidOverlayData,
			"overlay data holds more offsets than the %d referenced images", n)
	}
	return ov, nil
}

// Bytes serializes ov.
func (ov ImageOverlay) Bytes() []byte {
	large := ov.OutputWidth > 0xFFFF || ov.OutputHeight > 0xFFFF
	for _, o := range ov.Offsets {
		if o.X != int32(int16(o.X)) || o.Y != int32(int16(o.Y)) {
			large = true
		}
	}
	w := bitstream.NewWriter()
	w.Write8(0)
	if large {
		w.Write8(1)
	} else {
		w.Write8(0)
	}
	for _, v := range ov.Background {
		w.Write16(v)
	}
	if large {
		w.Write32(ov.OutputWidth)
		w.Write32(ov.OutputHeight)
	} else {
		w.Write16(uint16(ov.OutputWidth))
		w.Write16(uint16(ov.OutputHeight))
	}
	for _, o := range ov.Offsets {
		if large {
			w.Write32s(o.X)
			w.Write32s(o.Y)
		} else {
			w.Write16s(int16(o.X))
			w.Write16s(int16(o.Y))
		}
	}
	return w.Data()
}

type overlayKind struct {
	overlay ImageOverlay
	refs    []uint32
}

func (k *overlayKind) load(img *ImageItem) error {
	k.refs = img.item.referencesOfType("dimg")
	for _, ref := range k.refs {
		if ref == img.id {
			return heiferr.Newf(heiferr.InvalidInput, heiferr.ItemReferenceCycle, "overlay %d references itself", img.id)
		}
	}
	data, err := img.c.file.ItemData(img.id)
	if err != nil {
		return err
	}
	if k.overlay, err = ParseImageOverlay(data, len(k.refs)); err != nil {
		return err
	}
	if img.width == 0 && img.height == 0 {
		img.width, img.height = int(k.overlay.OutputWidth), int(k.overlay.OutputHeight)
	}
	return nil
}

func (k *overlayKind) format(img *ImageItem) CompressionFormat {
	for _, ref := range k.refs {
		if src, ok := img.c.images[ref]; ok {
			return src.Format()
		}
	}
	return FormatUndefined
}

func (k *overlayKind) tiling(img *ImageItem) Tiling {
	w, h := int(k.overlay.OutputWidth), int(k.overlay.OutputHeight)
	return Tiling{Columns: 1, Rows: 1, TileWidth: w, TileHeight: h, ImageWidth: w, ImageHeight: h}
}

// decode draws the referenced images onto an 8 bit RGB canvas. Images
// that lie outside the canvas are skipped.
func (k *overlayKind) decode(ctx context.Context, img *ImageItem, opts *DecodingOptions, tile *tilePos) (*pixel.Image, error) {
	if tile != nil && (tile.x != 0 || tile.y != 0) {
		return nil, heiferr.New(heiferr.UsageError, heiferr.IndexOutOfRange, "overlay images have a single tile")
	}
	w, h := int(k.overlay.OutputWidth), int(k.overlay.OutputHeight)
	if err := img.c.limits.CheckImageSize(uint32(w), uint32(h)); err != nil {
		return nil, err
	}
	canvas := pixel.New(w, h, pixel.ColorspaceRGB, pixel.Chroma444)
	canvas.SetMemoryLimits(img.c.limits, img.c.tracker)
	for _, c := range []pixel.Channel{pixel.ChannelR, pixel.ChannelG, pixel.ChannelB} {
		if err := canvas.AddPlane(c, 8); err != nil {
			canvas.Release()
			return nil, err
		}
	}
	bg := k.overlay.Background
	if err := canvas.FillRGB(bg[0], bg[1], bg[2], bg[3]); err != nil {
		canvas.Release()
		return nil, err
	}

	for i, ref := range k.refs {
		if opts.canceled() {
			canvas.Release()
			return nil, errCanceledByCaller
		}
		if err := k.draw(ctx, img, opts, canvas, ref, k.overlay.Offsets[i]); err != nil {
			canvas.Release()
			return nil, err
		}
		if opts.Progress != nil {
			opts.Progress(i+1, len(k.refs))
		}
	}
	return canvas, nil
}

func (k *overlayKind) draw(ctx context.Context, img *ImageItem, opts *DecodingOptions, canvas *pixel.Image, ref uint32, off OverlayOffset) error {
	src, ok := img.c.images[ref]
	if !ok {
		return heiferr.Newf(heiferr.InvalidInput, heiferr.NonexistingItemReferenced, "overlay references non-existing image %d", ref)
	}
	decoded, err := src.decode(ctx, opts, nil)
	if err != nil {
		return err
	}
	defer decoded.Release()

	x, y := int(off.X), int(off.Y)
	if x >= canvas.Width() || y >= canvas.Height() || x+decoded.Width() <= 0 || y+decoded.Height() <= 0 {
		img.c.logf("heif: overlay %d: image %d at (%d,%d) lies outside of the canvas", img.id, ref, x, y)
		return nil
	}
	rgb, err := img.c.ops.Convert(decoded, colorconv.State{
		Colorspace: pixel.ColorspaceRGB,
		Chroma:     pixel.Chroma444,
		HasAlpha:   decoded.HasAlpha(),
		BitDepth:   8,
	}, opts.Color)
	if err != nil {
		return err
	}
	if rgb != decoded {
		defer rgb.Release()
	}
	return canvas.Overlay(rgb, x, y)
}
