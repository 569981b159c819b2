package heif

import (
	"bytes"
	"context"
	"errors"

	"github.com/heifkit/goheif/heif/bmff"
	"github.com/heifkit/goheif/heif/colorconv"
	"github.com/heifkit/goheif/heif/colorprofile"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/pixel"
)

// track registers an item written to the file of c. The first visible
// image becomes the primary image.
func (c *Context) track(id uint32, kind imageKind) (*ImageItem, error) {
	it, err := c.file.ItemByID(id)
	if err != nil {
		return nil, err
	}
	img := &ImageItem{c: c, id: id, itemType: it.Type(), item: it, kind: kind, hidden: it.Info.Hidden}
	img.width, img.height, _ = it.SpatialExtents()
	c.images[id] = img
	if c.primary == nil && !img.hidden {
		if err := c.SetPrimaryImage(img); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// refresh rereads the properties and references of img from the file.
func (img *ImageItem) refresh() error {
	it, err := img.c.file.ItemByID(img.id)
	if err != nil {
		return err
	}
	img.item = it
	img.width, img.height, _ = it.SpatialExtents()
	return nil
}

// SetPrimaryImage makes img the primary image of the file.
func (c *Context) SetPrimaryImage(img *ImageItem) error {
	if err := c.file.SetPrimaryItem(img.id); err != nil {
		return err
	}
	if c.primary != nil {
		c.primary.primary = false
	}
	c.primary = img
	img.primary = true
	return nil
}

// encodingNCLX is the profile stored with img: the one in opts, else the
// one of the image, else sRGB.
func encodingNCLX(img *pixel.Image, opts *EncodingOptions) *colorprofile.NCLX {
	if opts.NCLX == nil && img.NCLX != nil {
		return img.NCLX
	}
	return opts.nclx()
}

// storedNCLX is encodingNCLX with the matrix and range the samples of
// input were actually converted with.
func storedNCLX(input *pixel.Image, opts *EncodingOptions) colorprofile.NCLX {
	n := *encodingNCLX(input, opts)
	if input.Colorspace() == pixel.ColorspaceYCbCr {
		s := colorconv.StateOf(input)
		n.MatrixCoefficients, n.FullRange = s.Matrix, s.FullRange
	}
	return n
}

// encodePixels converts img to the input layout of the encoder of format
// and encodes it. The converted image is returned along with the coded
// data; it is img itself if no conversion was needed.
func (c *Context) encodePixels(ctx context.Context, img *pixel.Image, format CompressionFormat, opts *EncodingOptions) (*CodedImage, *pixel.Image, error) {
	enc := c.encoder(format)
	if enc == nil {
		return nil, nil, heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedCodec, "no encoder for %s images", format)
	}
	in := colorconv.StateOf(img)
	want := in
	if opts.OmitAlpha {
		want.HasAlpha = false
	}
	target := enc.InputState(want)
	// Encoders leave the matrix at 0 unless their format fixes one.
	if target.Colorspace == pixel.ColorspaceYCbCr && target.Matrix == 0 {
		nclx := encodingNCLX(img, opts)
		target.Matrix, target.FullRange = nclx.MatrixCoefficients, nclx.FullRange
	}
	input, err := c.ops.Convert(img, target, colorconv.Options{Downsampling: opts.Downsampling})
	if err != nil {
		return nil, nil, err
	}
	if input != img && target.Colorspace == pixel.ColorspaceYCbCr {
		n := *encodingNCLX(img, opts)
		n.MatrixCoefficients, n.FullRange = target.Matrix, target.FullRange
		input.NCLX = &n
	}
	c.debugf("heif: encoding %s as %s with %s", in, colorconv.StateOf(input), enc.Name())

	coded, err := enc.Encode(ctx, input, opts.Params)
	if err != nil {
		if input != img {
			input.Release()
		}
		var he *heiferr.Error
		if errors.As(err, &he) {
			return nil, nil, err
		}
		return nil, nil, heiferr.Newf(heiferr.EncoderPlugin, heiferr.EncoderEncoding, "%s: %v", enc.Name(), err)
	}
	return coded, input, nil
}

// addCodedProperties associates the codec configuration and the colour
// description of input with item id.
func (c *Context) addCodedProperties(id uint32, coded *CodedImage, input *pixel.Image, opts *EncodingOptions) error {
	var props []bmff.Box
	for _, p := range coded.Properties {
		if err := c.file.AddProperty(id, p, true); err != nil {
			return err
		}
	}

	var bits []uint8
	for _, ch := range input.Channels() {
		if ch != pixel.ChannelAlpha {
			bits = append(bits, uint8(input.BitDepth(ch)))
		}
	}
	if input.Chroma().Interleaved() {
		bits = nil
		for i := 0; i < 3; i++ {
			bits = append(bits, uint8(input.BitDepth(pixel.ChannelInterleaved)))
		}
	}
	props = append(props, bmff.NewPixelInformation(bits...))
	props = append(props, bmff.NewNCLXColour(storedNCLX(input, opts)))
	if input.ICC != nil {
		props = append(props, bmff.NewICCColour(*input.ICC))
	}
	if input.ContentLightLevel != nil {
		props = append(props, bmff.NewContentLightLevel(bmff.ContentLightLevel(*input.ContentLightLevel)))
	}
	if input.MasteringDisplay != nil {
		props = append(props, bmff.NewMasteringDisplayColourVolume(bmff.MasteringDisplayColourVolume(*input.MasteringDisplay)))
	}
	if input.PixelAspectH != 0 && input.PixelAspectV != 0 {
		props = append(props, bmff.NewPixelAspectRatio(input.PixelAspectH, input.PixelAspectV))
	}
	for _, p := range props {
		if err := c.file.AddProperty(id, p, false); err != nil {
			return err
		}
	}
	return nil
}

// addOrientation stores the EXIF orientation of opts as 'irot' and 'imir'.
func (c *Context) addOrientation(id uint32, opts *EncodingOptions) error {
	rotation, mirror, mirrored := orientationTransforms(opts.Orientation)
	if rotation != 0 {
		if err := c.file.AddProperty(id, bmff.NewImageRotation(rotation), true); err != nil {
			return err
		}
	}
	if mirrored {
		return c.file.AddProperty(id, bmff.NewImageMirror(uint8(mirror)), true)
	}
	return nil
}

// violatesMIAF reports whether a w x h image in chroma cannot be part of a
// MIAF file: subsampled dimensions must be even.
func violatesMIAF(chroma pixel.Chroma, w, h int) bool {
	switch chroma {
	case pixel.Chroma420:
		return w%2 != 0 || h%2 != 0
	case pixel.Chroma422:
		return w%2 != 0
	}
	return false
}

// EncodeImage codes img in format and adds it to the file. The first
// visible image added becomes the primary image. Alpha that the encoder
// does not keep in the coded image is stored as a hidden auxiliary image.
func (c *Context) EncodeImage(ctx context.Context, img *pixel.Image, format CompressionFormat, opts *EncodingOptions) (*ImageItem, error) {
	if opts == nil {
		opts = &EncodingOptions{}
	}
	coded, input, err := c.encodePixels(ctx, img, format, opts)
	if err != nil {
		return nil, err
	}
	if input != img {
		defer input.Release()
	}

	id, err := c.file.AddItem(format.ItemType(), opts.Hidden)
	if err != nil {
		return nil, err
	}
	if err := c.file.AppendItemData(id, coded.Data, bmff.ConstructionFile); err != nil {
		return nil, err
	}
	w, h := input.Width(), input.Height()
	ispeW, ispeH := w, h
	if coded.Width > 0 && coded.Height > 0 {
		ispeW, ispeH = coded.Width, coded.Height
	}
	if err := c.file.AddProperty(id, bmff.NewImageSpatialExtents(uint32(ispeW), uint32(ispeH)), false); err != nil {
		return nil, err
	}
	if err := c.addCodedProperties(id, coded, input, opts); err != nil {
		return nil, err
	}
	if ispeW != w || ispeH != h {
		clap := bmff.NewCleanAperture(uint32(w), uint32(h), uint32(ispeW), uint32(ispeH))
		if err := c.file.AddProperty(id, clap, true); err != nil {
			return nil, err
		}
	}
	if err := c.addOrientation(id, opts); err != nil {
		return nil, err
	}
	if violatesMIAF(input.Chroma(), ispeW, ispeH) {
		c.miaf = false
	}

	item, err := c.track(id, codedKind{format})
	if err != nil {
		return nil, err
	}
	if img.HasAlpha() && !opts.OmitAlpha && !input.HasAlpha() {
		if err := c.encodeAlpha(ctx, item, img, format, opts); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// encodeAlpha stores the alpha channel of img as an auxiliary image of
// master.
func (c *Context) encodeAlpha(ctx context.Context, master *ImageItem, img *pixel.Image, format CompressionFormat, opts *EncodingOptions) error {
	planar := img
	if img.Chroma().Interleaved() {
		var err error
		planar, err = c.ops.Convert(img, colorconv.State{
			Colorspace: pixel.ColorspaceRGB,
			Chroma:     pixel.Chroma444,
			HasAlpha:   true,
		}, colorconv.Options{})
		if err != nil {
			return err
		}
		defer planar.Release()
	}
	src := planar.Plane(pixel.ChannelAlpha)
	alpha := pixel.New(src.Width, src.Height, pixel.ColorspaceMonochrome, pixel.ChromaMonochrome)
	alpha.SetMemoryLimits(c.limits, c.tracker)
	defer alpha.Release()
	if err := alpha.AddPlane(pixel.ChannelY, src.BitDepth); err != nil {
		return err
	}
	dst := alpha.Plane(pixel.ChannelY)
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			dst.Set(x, y, 0, src.At(x, y, 0))
		}
	}

	aux, err := c.EncodeImage(ctx, alpha, format, &EncodingOptions{Params: opts.Params, Hidden: true})
	if err != nil {
		return err
	}
	auxType := bmff.AuxTypeAlpha
	if format == FormatHEVC {
		auxType = bmff.AuxTypeAlphaHEVC
	}
	if err := c.file.AddProperty(aux.id, bmff.NewAuxiliaryType(auxType), true); err != nil {
		return err
	}
	if err := c.file.AddReference(aux.id, "auxl", master.id); err != nil {
		return err
	}
	if img.PremultipliedAlpha {
		if err := c.file.AddReference(master.id, "prem", aux.id); err != nil {
			return err
		}
		master.premultiplied = true
	}
	if err := aux.refresh(); err != nil {
		return err
	}
	aux.auxOf, aux.auxType = master.id, auxType
	master.alpha = aux
	return master.refresh()
}

// EncodeGrid codes rows x cols equally sized tiles, given row by row, as
// hidden images and adds a grid image made of them.
func (c *Context) EncodeGrid(ctx context.Context, tiles []*pixel.Image, rows, cols int, format CompressionFormat, opts *EncodingOptions) (*ImageItem, error) {
	if opts == nil {
		opts = &EncodingOptions{}
	}
	if rows < 1 || cols < 1 || rows > 256 || cols > 256 || len(tiles) != rows*cols {
		return nil, heiferr.Newf(heiferr.UsageError, heiferr.InvalidParameterValue,
			"%d tiles for a grid of %dx%d", len(tiles), cols, rows)
	}
	tw, th := tiles[0].Width(), tiles[0].Height()
	for i, t := range tiles {
		if t.Width() != tw || t.Height() != th {
			return nil, heiferr.Newf(heiferr.UsageError, heiferr.InvalidImageSize,
				"grid tile %d is %dx%d, tile 0 is %dx%d", i, t.Width(), t.Height(), tw, th)
		}
	}
	grid := ImageGrid{Rows: rows, Columns: cols, OutputWidth: uint32(cols * tw), OutputHeight: uint32(rows * th)}
	if err := c.limits.CheckImageSize(grid.OutputWidth, grid.OutputHeight); err != nil {
		return nil, err
	}

	tileOpts := *opts
	tileOpts.Hidden, tileOpts.Orientation = true, 0
	ids := make([]uint32, len(tiles))
	var first *ImageItem
	for i, t := range tiles {
		item, err := c.EncodeImage(ctx, t, format, &tileOpts)
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = item
		}
		ids[i] = item.id
	}

	id, err := c.file.AddItem("grid", opts.Hidden)
	if err != nil {
		return nil, err
	}
	if err := c.file.AppendItemData(id, grid.Bytes(), bmff.ConstructionIdat); err != nil {
		return nil, err
	}
	if err := c.file.AddReference(id, "dimg", ids...); err != nil {
		return nil, err
	}
	if err := c.file.AddProperty(id, bmff.NewImageSpatialExtents(grid.OutputWidth, grid.OutputHeight), false); err != nil {
		return nil, err
	}
	for _, p := range first.properties() {
		switch p.(type) {
		case *bmff.PixelInformationProperty, *bmff.ColourInformationBox:
			if err := c.file.AddProperty(id, p, false); err != nil {
				return nil, err
			}
		}
	}
	if err := c.addOrientation(id, opts); err != nil {
		return nil, err
	}
	return c.track(id, &gridKind{grid: grid, tiles: ids})
}

// AddOverlayImage adds an overlay of the given images, drawn in order at
// their offsets onto a width x height canvas filled with background.
func (c *Context) AddOverlayImage(images []*ImageItem, offsets []OverlayOffset, background [4]uint16, width, height int, opts *EncodingOptions) (*ImageItem, error) {
	if opts == nil {
		opts = &EncodingOptions{}
	}
	if len(images) == 0 || len(images) != len(offsets) {
		return nil, heiferr.Newf(heiferr.UsageError, heiferr.InvalidParameterValue,
			"%d images with %d offsets", len(images), len(offsets))
	}
	if width <= 0 || height <= 0 {
		return nil, heiferr.Newf(heiferr.UsageError, heiferr.InvalidImageSize, "overlay canvas %dx%d", width, height)
	}
	ov := ImageOverlay{Background: background, OutputWidth: uint32(width), OutputHeight: uint32(height), Offsets: offsets}
	refs := make([]uint32, len(images))
	seen := make(map[uint32]bool, len(images))
	for i, img := range images {
		if seen[img.id] {
			return nil, heiferr.Newf(heiferr.UsageError, heiferr.InvalidParameterValue,
				"image %d is drawn more than once; add an 'iden' item for each copy", img.id)
		}
		seen[img.id] = true
		refs[i] = img.id
	}

	id, err := c.file.AddItem("iovl", opts.Hidden)
	if err != nil {
		return nil, err
	}
	if err := c.file.AppendItemData(id, ov.Bytes(), bmff.ConstructionIdat); err != nil {
		return nil, err
	}
	if err := c.file.AddReference(id, "dimg", refs...); err != nil {
		return nil, err
	}
	if err := c.file.AddProperty(id, bmff.NewImageSpatialExtents(uint32(width), uint32(height)), false); err != nil {
		return nil, err
	}
	if err := c.addOrientation(id, opts); err != nil {
		return nil, err
	}
	return c.track(id, &overlayKind{overlay: ov, refs: refs})
}

// AddIdentityImage adds an 'iden' image showing src with the orientation
// of opts applied on top of the transformations of src.
func (c *Context) AddIdentityImage(src *ImageItem, opts *EncodingOptions) (*ImageItem, error) {
	if opts == nil {
		opts = &EncodingOptions{}
	}
	id, err := c.file.AddItem("iden", opts.Hidden)
	if err != nil {
		return nil, err
	}
	if err := c.file.AddReference(id, "dimg", src.id); err != nil {
		return nil, err
	}
	if err := c.file.AddProperty(id, bmff.NewImageSpatialExtents(uint32(src.Width()), uint32(src.Height())), false); err != nil {
		return nil, err
	}
	if err := c.addOrientation(id, opts); err != nil {
		return nil, err
	}
	return c.track(id, &idenKind{ref: src.id})
}

var exifHeader = []byte("Exif\x00\x00")

// AddExifMetadata attaches EXIF data to img. The data may start with the
// TIFF header or with the "Exif\0\0" marker of JPEG files.
func (c *Context) AddExifMetadata(img *ImageItem, exif []byte) (uint32, error) {
	var off uint32
	if bytes.HasPrefix(exif, exifHeader) {
		off = uint32(len(exifHeader))
	}
	data := append([]byte{byte(off >> 24), byte(off >> 16), byte(off >> 8), byte(off)}, exif...)
	id, err := c.file.AddItem("Exif", true)
	if err != nil {
		return 0, err
	}
	return id, c.attachMetadata(img, id, data)
}

// AddXMPMetadata attaches an XMP packet to img. A non-empty encoding, such
// as ContentEncodingDeflate, compresses the packet.
func (c *Context) AddXMPMetadata(img *ImageItem, xmp []byte, encoding string) (uint32, error) {
	data := xmp
	if encoding != "" {
		var err error
		if data, err = Compress(encoding, xmp); err != nil {
			return 0, err
		}
	}
	id, err := c.file.AddMimeItem("application/rdf+xml", encoding)
	if err != nil {
		return 0, err
	}
	return id, c.attachMetadata(img, id, data)
}

func (c *Context) attachMetadata(img *ImageItem, id uint32, data []byte) error {
	if err := c.file.AppendItemData(id, data, bmff.ConstructionFile); err != nil {
		return err
	}
	if err := c.file.AddReference(id, "cdsc", img.id); err != nil {
		return err
	}
	img.metadata = append(img.metadata, id)
	return nil
}
