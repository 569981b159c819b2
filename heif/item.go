package heif

import (
	"context"
	"errors"

	"github.com/heifkit/goheif/heif/bmff"
	"github.com/heifkit/goheif/heif/colorconv"
	"github.com/heifkit/goheif/heif/colorprofile"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/pixel"
)

// ImageItem is an image of a HEIF file: a coded image, or one derived
// from other images such as a grid or an overlay.
//
// Items that cannot be interpreted are kept as error items. Decoding them
// returns the error that was found, which is also reported by Err.
type ImageItem struct {
	c        *Context
	id       uint32
	itemType string
	item     *Item
	kind     imageKind
	err      error

	// width and height come from 'ispe', before any transformation.
	width, height int
	primary       bool
	hidden        bool

	alpha, depth  *ImageItem
	aux           []*ImageItem
	thumbnails    []*ImageItem
	thumbnailOf   uint32
	auxOf         uint32
	auxType       string
	premultiplied bool
	metadata      []uint32
}

// imageKind implements the decoding of one kind of image item.
type imageKind interface {
	// load checks the item and parses its own data, like a grid layout.
	load(img *ImageItem) error
	// decode returns the image before transformations. A non-nil tile
	// selects one tile, in the coordinates of the untransformed image.
	decode(ctx context.Context, img *ImageItem, opts *DecodingOptions, tile *tilePos) (*pixel.Image, error)
	tiling(img *ImageItem) Tiling
	// format is the coding format of the item or, for derived images, of
	// the images it is made of.
	format(img *ImageItem) CompressionFormat
}

type tilePos struct{ x, y int }

// Tiling describes how an image is split into independently decodable
// tiles. Images that are not tiled consist of a single tile.
type Tiling struct {
	Columns, Rows           int
	TileWidth, TileHeight   int
	ImageWidth, ImageHeight int
}

// referencesOfType returns the targets of the references of type t.
func (it *Item) referencesOfType(t string) []uint32 {
	if it == nil {
		return nil
	}
	var out []uint32
	for _, r := range it.References {
		if r.Type.EqualString(t) {
			out = append(out, r.ToItemIDs...)
		}
	}
	return out
}

func newImageItem(c *Context, it *Item) *ImageItem {
	img := &ImageItem{c: c, id: it.ID, itemType: it.Type(), item: it, hidden: it.Info.Hidden}
	img.width, img.height, _ = it.SpatialExtents()
	switch t := it.Type(); t {
	case "grid":
		img.kind = &gridKind{}
	case "iovl":
		img.kind = &overlayKind{}
	case "iden":
		img.kind = &idenKind{}
	case "tili":
		img.kind = &tiledKind{}
	default:
		if f := FormatOfItemType(t); f != FormatUndefined {
			img.kind = codedKind{f}
			break
		}
		img.fail(heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedImageType, "unsupported image type %q", t))
	}
	return img
}

func (img *ImageItem) load() error {
	if img.err != nil {
		return img.err
	}
	for _, p := range img.item.Properties {
		if _, ok := p.(*bmff.OpaqueBox); ok && img.c.file.IsEssential(img.id, p) {
			return heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedEssentialProperty,
				"essential property %q is not supported", p.Type())
		}
	}
	return img.kind.load(img)
}

// fail turns img into an error item.
func (img *ImageItem) fail(err error) {
	img.err = err
	img.kind = errorKind{err}
}

func (img *ImageItem) ID() uint32 { return img.id }

// ItemType returns the item type, such as "hvc1" or "grid".
func (img *ImageItem) ItemType() string { return img.itemType }

// Err returns the reason an error item cannot be decoded, or nil.
func (img *ImageItem) Err() error { return img.err }

func (img *ImageItem) IsPrimary() bool { return img.primary }
func (img *ImageItem) IsHidden() bool  { return img.hidden }

// SpatialExtents returns the size declared by the 'ispe' property,
// before rotation and cropping.
func (img *ImageItem) SpatialExtents() (width, height int) { return img.width, img.height }

// Width returns the width of the decoded image, after transformations.
func (img *ImageItem) Width() int {
	w, _ := img.displaySize()
	return w
}

// Height returns the height of the decoded image, after transformations.
func (img *ImageItem) Height() int {
	_, h := img.displaySize()
	return h
}

func (img *ImageItem) displaySize() (w, h int) {
	w, h = img.width, img.height
	for _, p := range img.properties() {
		switch p := p.(type) {
		case *bmff.ImageRotation:
			if p.Degrees() == 90 || p.Degrees() == 270 {
				w, h = h, w
			}
		case *bmff.CleanApertureBox:
			l, r, t, b := clapBounds(p, w, h)
			if l <= r && t <= b {
				w, h = r-l+1, b-t+1
			}
		}
	}
	return w, h
}

func (img *ImageItem) properties() []bmff.Box {
	if img.item == nil {
		return nil
	}
	return img.item.Properties
}

// Properties returns the properties associated with the item.
func (img *ImageItem) Properties() []bmff.Box { return img.properties() }

// Format returns the coding format of the item, or of the tiles of a
// derived image.
func (img *ImageItem) Format() CompressionFormat { return img.kind.format(img) }

// HasAlpha reports whether an alpha image is attached.
func (img *ImageItem) HasAlpha() bool { return img.alpha != nil }

func (img *ImageItem) AlphaImage() *ImageItem { return img.alpha }
func (img *ImageItem) DepthImage() *ImageItem { return img.depth }

// AuxiliaryImages returns the auxiliary images other than alpha and depth.
func (img *ImageItem) AuxiliaryImages() []*ImageItem { return img.aux }

// AuxType returns the 'auxC' type of an auxiliary image.
func (img *ImageItem) AuxType() string { return img.auxType }

func (img *ImageItem) Thumbnails() []*ImageItem { return img.thumbnails }

// Metadata returns the IDs of the metadata items describing the image.
func (img *ImageItem) Metadata() []uint32 { return img.metadata }

// PremultipliedAlpha reports whether the colour values are multiplied
// with the alpha image.
func (img *ImageItem) PremultipliedAlpha() bool { return img.premultiplied }

// NCLX returns the NCLX colour profile of the item, or nil.
func (img *ImageItem) NCLX() *colorprofile.NCLX {
	for _, p := range img.properties() {
		if colr, ok := p.(*bmff.ColourInformationBox); ok && colr.NCLX != nil {
			return colr.NCLX
		}
	}
	return nil
}

// ICC returns the ICC profile of the item, or nil.
func (img *ImageItem) ICC() *colorprofile.ICC {
	for _, p := range img.properties() {
		if colr, ok := p.(*bmff.ColourInformationBox); ok && colr.ICC != nil {
			return colr.ICC
		}
	}
	return nil
}

// BitDepth returns the bits per sample of the first channel as declared
// by 'pixi', or 0 if it is not known without decoding.
func (img *ImageItem) BitDepth() int {
	for _, p := range img.properties() {
		if pixi, ok := p.(*bmff.PixelInformationProperty); ok && len(pixi.BitsPerChannel) > 0 {
			return int(pixi.BitsPerChannel[0])
		}
	}
	return 0
}

// Tiling returns the tile layout of the image. With transformed set it
// describes the image after rotation; mirroring does not change it.
func (img *ImageItem) Tiling(transformed bool) Tiling {
	t := img.kind.tiling(img)
	if !transformed {
		return t
	}
	for _, p := range img.properties() {
		if r, ok := p.(*bmff.ImageRotation); ok && (r.Degrees() == 90 || r.Degrees() == 270) {
			t.Columns, t.Rows = t.Rows, t.Columns
			t.TileWidth, t.TileHeight = t.TileHeight, t.TileWidth
			t.ImageWidth, t.ImageHeight = t.ImageHeight, t.ImageWidth
		}
	}
	return t
}

func canceled(err error) error {
	return heiferr.Newf(heiferr.Canceled, heiferr.Unspecified, "decoding canceled: %v", err)
}

// Decode decodes the image. A nil opts selects the defaults.
func (img *ImageItem) Decode(ctx context.Context, opts *DecodingOptions) (*pixel.Image, error) {
	if opts == nil {
		opts = &DecodingOptions{}
	}
	out, err := img.decode(ctx, opts, nil)
	if err != nil {
		return nil, err
	}
	return img.convertOutput(out, opts)
}

// DecodeTile decodes the tile at column tx and row ty of a tiled or grid
// image. Unless transformations are ignored, the tile coordinates refer to
// the rotated and mirrored image and the tile is returned transformed. No
// cropping is applied to tiles.
func (img *ImageItem) DecodeTile(ctx context.Context, opts *DecodingOptions, tx, ty int) (*pixel.Image, error) {
	if opts == nil {
		opts = &DecodingOptions{}
	}
	t := img.Tiling(!opts.IgnoreTransformations)
	if tx < 0 || ty < 0 || tx >= t.Columns || ty >= t.Rows {
		return nil, heiferr.Newf(heiferr.UsageError, heiferr.IndexOutOfRange,
			"tile (%d,%d) outside of %dx%d tiles", tx, ty, t.Columns, t.Rows)
	}
	out, err := img.decode(ctx, opts, &tilePos{tx, ty})
	if err != nil {
		return nil, err
	}
	return img.convertOutput(out, opts)
}

func (img *ImageItem) decode(ctx context.Context, opts *DecodingOptions, tile *tilePos) (*pixel.Image, error) {
	if img.err != nil {
		return nil, img.err
	}
	if err := ctx.Err(); err != nil {
		return nil, canceled(err)
	}
	if err := img.c.limits.CheckImageSize(uint32(img.width), uint32(img.height)); err != nil {
		return nil, err
	}

	var pos *tilePos
	if tile != nil {
		p := *tile
		if !opts.IgnoreTransformations {
			p = img.untransformTile(p)
		}
		pos = &p
	}
	out, err := img.kind.decode(ctx, img, opts, pos)
	if err != nil {
		return nil, err
	}
	if !opts.IgnoreTransformations {
		if out, err = img.applyTransforms(out, tile != nil); err != nil {
			return nil, err
		}
	}
	if img.alpha != nil {
		if err := img.attachAlpha(ctx, out, opts, tile); err != nil {
			return nil, err
		}
	}
	img.attachMetadata(out)
	return out, nil
}

// untransformTile maps tile coordinates of the displayed image back to the
// coded image by undoing rotations and mirrors from last to first.
func (img *ImageItem) untransformTile(p tilePos) tilePos {
	t := img.kind.tiling(img)
	type step struct {
		rotation   int
		mirror     pixel.Mirror
		isMirror   bool
		cols, rows int // before the step
	}
	cols, rows := t.Columns, t.Rows
	var steps []step
	for _, prop := range img.properties() {
		switch prop := prop.(type) {
		case *bmff.ImageRotation:
			steps = append(steps, step{rotation: prop.Degrees(), cols: cols, rows: rows})
			if prop.Degrees() == 90 || prop.Degrees() == 270 {
				cols, rows = rows, cols
			}
		case *bmff.ImageMirror:
			steps = append(steps, step{mirror: pixel.Mirror(prop.Mirror), isMirror: true, cols: cols, rows: rows})
		}
	}
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		switch {
		case s.isMirror && s.mirror == pixel.MirrorHorizontal:
			p.x = s.cols - 1 - p.x
		case s.isMirror:
			p.y = s.rows - 1 - p.y
		case s.rotation == 90:
			p.x, p.y = s.cols-1-p.y, p.x
		case s.rotation == 180:
			p.x, p.y = s.cols-1-p.x, s.rows-1-p.y
		case s.rotation == 270:
			p.x, p.y = p.y, s.rows-1-p.x
		}
	}
	return p
}

// clapBounds returns the inclusive crop rectangle of a clean aperture
// within a w x h image, clamped to the image.
func clapBounds(clap *bmff.CleanApertureBox, w, h int) (left, right, top, bottom int) {
	left, right = clap.Left(w), clap.Right(w)
	top, bottom = clap.Top(h), clap.Bottom(h)
	if left < 0 {
		left = 0
	}
	if top < 0 {
		top = 0
	}
	if right >= w {
		right = w - 1
	}
	if bottom >= h {
		bottom = h - 1
	}
	return left, right, top, bottom
}

// applyTransforms applies 'irot', 'imir' and, for whole images, 'clap' in
// the order of the properties.
func (img *ImageItem) applyTransforms(out *pixel.Image, tile bool) (*pixel.Image, error) {
	replace := func(next *pixel.Image, err error) error {
		if err != nil {
			return err
		}
		if next != out {
			out.Release()
			out = next
		}
		return nil
	}
	for _, p := range img.properties() {
		var err error
		switch p := p.(type) {
		case *bmff.ImageRotation:
			err = replace(out.RotateCCW(p.Degrees()))
		case *bmff.ImageMirror:
			err = out.MirrorInPlace(pixel.Mirror(p.Mirror))
		case *bmff.CleanApertureBox:
			if tile {
				continue
			}
			l, r, t, b := clapBounds(p, out.Width(), out.Height())
			if l > r || t > b {
				return nil, heiferr.New(heiferr.InvalidInput, heiferr.InvalidCleanAperture, "clean aperture outside of the image")
			}
			err = replace(out.Crop(l, r, t, b))
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// attachAlpha decodes the alpha image and moves it into out.
func (img *ImageItem) attachAlpha(ctx context.Context, out *pixel.Image, opts *DecodingOptions, tile *tilePos) error {
	if out.Chroma().Interleaved() {
		out.AddWarning(errors.New("alpha image not attached to an interleaved image"))
		return nil
	}
	a, err := img.alpha.decode(ctx, opts, tile)
	if err != nil {
		return err
	}
	if !a.HasChannel(pixel.ChannelY) {
		return heiferr.Newf(heiferr.InvalidInput, heiferr.Unspecified, "alpha image %d has no luma channel", img.alpha.id)
	}
	if a.Width() != out.Width() || a.Height() != out.Height() {
		scaled, err := a.ScaleNearestNeighbor(out.Width(), out.Height())
		if err != nil {
			return err
		}
		a.Release()
		a = scaled
	}
	out.TransferPlane(a, pixel.ChannelY, pixel.ChannelAlpha)
	a.Release()
	out.PremultipliedAlpha = img.premultiplied
	return nil
}

// attachMetadata copies the colour and display properties to out.
func (img *ImageItem) attachMetadata(out *pixel.Image) {
	for _, p := range img.properties() {
		switch p := p.(type) {
		case *bmff.ColourInformationBox:
			if p.NCLX != nil {
				n := *p.NCLX
				out.NCLX = &n
			}
			if p.ICC != nil {
				out.ICC = p.ICC
			}
		case *bmff.ContentLightLevelBox:
			c := pixel.ContentLightLevel(p.ContentLightLevel)
			out.ContentLightLevel = &c
		case *bmff.MasteringDisplayColourVolumeBox:
			m := pixel.MasteringDisplay(p.MasteringDisplayColourVolume)
			out.MasteringDisplay = &m
		case *bmff.PixelAspectRatioBox:
			out.PixelAspectH, out.PixelAspectV = p.HSpacing, p.VSpacing
		}
	}
}

// convertOutput converts out to the layout requested in opts.
func (img *ImageItem) convertOutput(out *pixel.Image, opts *DecodingOptions) (*pixel.Image, error) {
	in := colorconv.StateOf(out)
	target := in
	changed := false
	if opts.Colorspace != pixel.ColorspaceUndefined {
		target.Colorspace, target.Chroma = opts.Colorspace, opts.Chroma
		if opts.Chroma.Interleaved() {
			target.HasAlpha = opts.Chroma.InterleavedHasAlpha()
		}
		if opts.Chroma == pixel.ChromaInterleavedRGB || opts.Chroma == pixel.ChromaInterleavedRGBA {
			target.BitDepth = 8
		}
		if target.Colorspace == pixel.ColorspaceYCbCr && in.Colorspace != pixel.ColorspaceYCbCr {
			nclx := out.NCLX
			if nclx == nil {
				nclx = colorprofile.SRGB()
			}
			target.Matrix, target.FullRange = nclx.MatrixCoefficients, nclx.FullRange
		}
		changed = true
	}
	if opts.ConvertHDRTo8Bit && target.BitDepth > 8 {
		target.BitDepth = 8
		changed = true
	}
	if !changed || target == in {
		return out, nil
	}
	p, err := img.c.ops.BuildPipeline(in, target, opts.Color)
	if err != nil {
		return nil, err
	}
	img.c.debugf("heif: item %d: %s -> %s via %s", img.id, in, target, p)
	res, err := p.Convert(out)
	if err != nil {
		return nil, err
	}
	if res != out {
		out.Release()
	}
	return res, nil
}

// codedKind is an image coded by a Decoder plugin.
type codedKind struct{ f CompressionFormat }

func (k codedKind) load(img *ImageItem) error { return nil }

func (k codedKind) format(img *ImageItem) CompressionFormat { return k.f }

func (k codedKind) tiling(img *ImageItem) Tiling {
	return Tiling{Columns: 1, Rows: 1, TileWidth: img.width, TileHeight: img.height, ImageWidth: img.width, ImageHeight: img.height}
}

func (k codedKind) decode(ctx context.Context, img *ImageItem, opts *DecodingOptions, tile *tilePos) (*pixel.Image, error) {
	if tile != nil && (tile.x != 0 || tile.y != 0) {
		return nil, heiferr.New(heiferr.UsageError, heiferr.IndexOutOfRange, "image has a single tile")
	}
	if opts.Strict && img.item.Property(bmff.TypeIspe) == nil {
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.NoIspeProperty, "%s item %d has no ispe property", img.itemType, img.id)
	}
	data, err := img.c.file.CodedImageData(img.id)
	if err != nil {
		return nil, err
	}
	out, err := img.runDecoder(ctx, k.f, data, img.width, img.height, opts)
	if err != nil {
		return nil, err
	}

	// Codecs decode whole coding blocks, which may exceed the image.
	if img.width > 0 && (out.Width() != img.width || out.Height() != img.height) {
		switch {
		case out.Width() >= img.width && out.Height() >= img.height:
			cropped, err := out.Crop(0, img.width-1, 0, img.height-1)
			if err != nil {
				return nil, err
			}
			out.Release()
			out = cropped
		case opts.Strict:
			return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.InvalidImageSize,
				"decoded image is %dx%d, ispe declares %dx%d", out.Width(), out.Height(), img.width, img.height)
		default:
			out.AddWarning(heiferr.Newf(heiferr.InvalidInput, heiferr.InvalidImageSize,
				"decoded image is %dx%d, ispe declares %dx%d", out.Width(), out.Height(), img.width, img.height))
		}
	}
	for _, w := range out.Warnings {
		img.c.logf("heif: item %d: %v", img.id, w)
	}
	return out, nil
}

// runDecoder decodes data with the decoder of format f. Errors of the
// plugin that are not heiferr errors are reported as DecoderPlugin errors.
func (img *ImageItem) runDecoder(ctx context.Context, f CompressionFormat, data []byte, w, h int, opts *DecodingOptions) (*pixel.Image, error) {
	dec := img.c.decoder(f)
	if dec == nil {
		return nil, heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedCodec, "no decoder for %s images", f)
	}
	out, err := dec.Decode(ctx, data, DecodeParams{
		Width:      w,
		Height:     h,
		Properties: img.item.Properties,
		Strict:     opts.Strict,
		Limits:     img.c.limits,
		Tracker:    img.c.tracker,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, canceled(ctx.Err())
		}
		var he *heiferr.Error
		if errors.As(err, &he) {
			return nil, err
		}
		return nil, heiferr.Newf(heiferr.DecoderPlugin, heiferr.Unspecified, "%s: %v", dec.Name(), err)
	}
	return out, nil
}

// errorKind stands in for items that cannot be decoded.
type errorKind struct{ err error }

func (k errorKind) load(img *ImageItem) error { return k.err }

func (k errorKind) format(img *ImageItem) CompressionFormat { return FormatUndefined }

func (k errorKind) tiling(img *ImageItem) Tiling { return Tiling{} }

func (k errorKind) decode(ctx context.Context, img *ImageItem, opts *DecodingOptions, tile *tilePos) (*pixel.Image, error) {
	return nil, k.err
}
