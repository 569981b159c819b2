package heif

import (
	"context"

	"github.com/heifkit/goheif/heif/bmff"
	"github.com/heifkit/goheif/heif/colorconv"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/pixel"
)

// uncompressedCodec stores samples as they are, described by the 'uncC'
// and 'cmpd' properties. Only unsigned 8 and 16 bit components without
// subsampling, in component or pixel interleave, are handled.
type uncompressedCodec struct{}

func (uncompressedCodec) Format() CompressionFormat { return FormatUncompressed }
func (uncompressedCodec) Name() string              { return "uncompressed" }

var uncChannels = map[uint16]pixel.Channel{
	bmff.ComponentMonochrome: pixel.ChannelY,
	bmff.ComponentY:          pixel.ChannelY,
	bmff.ComponentCb:         pixel.ChannelCb,
	bmff.ComponentCr:         pixel.ChannelCr,
	bmff.ComponentRed:        pixel.ChannelR,
	bmff.ComponentGreen:      pixel.ChannelG,
	bmff.ComponentBlue:       pixel.ChannelB,
	bmff.ComponentAlpha:      pixel.ChannelAlpha,
}

func unsupportedUnc(format string, args ...interface{}) error {
	return heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedParameter, "uncompressed image: "+format, args...)
}

// uncLayout is the parsed description of an uncompressed image.
type uncLayout struct {
	cfg      *bmff.UncompressedFrameConfigBox
	channels []pixel.Channel // per uncC component
	bytes    []int           // bytes per sample, per uncC component
	cs       pixel.Colorspace
	chroma   pixel.Chroma
}

func parseUncLayout(props []bmff.Box) (*uncLayout, error) {
	var (
		cfg  *bmff.UncompressedFrameConfigBox
		cmpd *bmff.ComponentDefinitionBox
	)
	for _, p := range props {
		switch p := p.(type) {
		case *bmff.UncompressedFrameConfigBox:
			cfg = p
		case *bmff.ComponentDefinitionBox:
			cmpd = p
		}
	}
	if cfg == nil {
		return nil, heiferr.New(heiferr.InvalidInput, heiferr.Unspecified, "unci item without uncC property")
	}
	if implied := cfg.ImpliedComponents(); implied != nil {
		cmpd = implied
	}
	if cmpd == nil {
		return nil, heiferr.New(heiferr.InvalidInput, heiferr.Unspecified, "unci item without cmpd property")
	}
	switch {
	case cfg.SamplingType != bmff.SamplingNone:
		return nil, unsupportedUnc("sampling type %d", cfg.SamplingType)
	case cfg.InterleaveType != bmff.InterleaveComponent && cfg.InterleaveType != bmff.InterleavePixel:
		return nil, unsupportedUnc("interleave type %d", cfg.InterleaveType)
	case cfg.BlockSize != 0 || cfg.PixelSize != 0 || cfg.TileAlignSize != 0:
		return nil, unsupportedUnc("block, pixel or tile alignment")
	case cfg.NumTileCols != 1 || cfg.NumTileRows != 1:
		return nil, unsupportedUnc("%dx%d tiles", cfg.NumTileCols, cfg.NumTileRows)
	}

	l := &uncLayout{cfg: cfg}
	seen := map[pixel.Channel]bool{}
	for _, c := range cfg.Components {
		if int(c.Index) >= len(cmpd.Components) {
			return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.InvalidParameterValue,
				"uncC component index %d beyond the %d cmpd components", c.Index, len(cmpd.Components))
		}
		if c.Format != bmff.ComponentFormatUnsigned {
			return nil, unsupportedUnc("component format %d", c.Format)
		}
		if c.BitDepth != 8 && c.BitDepth != 16 {
			return nil, heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedBitDepth, "uncompressed component of %d bits", c.BitDepth)
		}
		if c.AlignSize != 0 {
			return nil, unsupportedUnc("component alignment")
		}
		t := cmpd.Components[c.Index].Type
		ch, ok := uncChannels[t]
		if !ok {
			return nil, unsupportedUnc("component type %s", bmff.ComponentTypeName(t))
		}
		if seen[ch] {
			return nil, unsupportedUnc("component %s given twice", bmff.ComponentTypeName(t))
		}
		seen[ch] = true
		l.channels = append(l.channels, ch)
		l.bytes = append(l.bytes, int(c.BitDepth)/8)
	}
	switch {
	case seen[pixel.ChannelR] && seen[pixel.ChannelG] && seen[pixel.ChannelB] && !seen[pixel.ChannelY]:
		l.cs, l.chroma = pixel.ColorspaceRGB, pixel.Chroma444
	case seen[pixel.ChannelY] && seen[pixel.ChannelCb] && seen[pixel.ChannelCr] && !seen[pixel.ChannelR]:
		l.cs, l.chroma = pixel.ColorspaceYCbCr, pixel.Chroma444
	case seen[pixel.ChannelY] && !seen[pixel.ChannelCb] && !seen[pixel.ChannelCr] && !seen[pixel.ChannelR]:
		l.cs, l.chroma = pixel.ColorspaceMonochrome, pixel.ChromaMonochrome
	default:
		return nil, unsupportedUnc("component combination")
	}
	return l, nil
}

// rowBytes is the size of one row of component i, or of one row of all
// components for pixel interleave.
func (l *uncLayout) rowBytes(width, i int) int {
	n := 0
	if l.cfg.InterleaveType == bmff.InterleavePixel {
		for _, b := range l.bytes {
			n += b
		}
	} else {
		n = l.bytes[i]
	}
	n *= width
	if a := int(l.cfg.RowAlignSize); a > 1 && n%a != 0 {
		n += a - n%a
	}
	return n
}

func (l *uncLayout) size(width, height int) int {
	if l.cfg.InterleaveType == bmff.InterleavePixel {
		return l.rowBytes(width, 0) * height
	}
	n := 0
	for i := range l.channels {
		n += l.rowBytes(width, i) * height
	}
	return n
}

func (l *uncLayout) sample(data []byte, nbytes int) uint16 {
	if nbytes == 1 {
		return uint16(data[0])
	}
	if l.cfg.ComponentsLittleEndian {
		return uint16(data[0]) | uint16(data[1])<<8
	}
	return uint16(data[0])<<8 | uint16(data[1])
}

func (l *uncLayout) putSample(data []byte, nbytes int, v uint16) {
	switch {
	case nbytes == 1:
		data[0] = byte(v)
	case l.cfg.ComponentsLittleEndian:
		data[0], data[1] = byte(v), byte(v>>8)
	default:
		data[0], data[1] = byte(v>>8), byte(v)
	}
}

// uncompressedData undoes the generic compression described by 'cmpC' and
// 'icbr', if present.
func uncompressedData(data []byte, p DecodeParams) ([]byte, error) {
	var (
		cmpC *bmff.GenericCompressionConfigBox
		icbr *bmff.ItemCompressedByteRangeBox
	)
	for _, b := range p.Properties {
		switch b := b.(type) {
		case *bmff.GenericCompressionConfigBox:
			cmpC = b
		case *bmff.ItemCompressedByteRangeBox:
			icbr = b
		}
	}
	if cmpC == nil {
		return data, nil
	}
	method := cmpC.CompressionType.String()
	if icbr == nil {
		if cmpC.UnitType > bmff.CompressedUnitImage {
			return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.NoIcbrBox,
				"compressed units of type %d without icbr property", cmpC.UnitType)
		}
		return Decompress(method, data, p.Limits)
	}
	var out []byte
	for _, r := range icbr.Ranges {
		if r.Offset > uint64(len(data)) || r.Size > uint64(len(data))-r.Offset {
			return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.EndOfData,
				"compressed range [%d,+%d) beyond the %d bytes of the item", r.Offset, r.Size, len(data))
		}
		unit, err := Decompress(method, data[r.Offset:r.Offset+r.Size], p.Limits)
		if err != nil {
			return nil, err
		}
		out = append(out, unit...)
		if err := p.Limits.OrDefault().CheckMemoryBlock(uint64(len(out)), "decompressed data"); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (uncompressedCodec) Decode(ctx context.Context, data []byte, p DecodeParams) (*pixel.Image, error) {
	l, err := parseUncLayout(p.Properties)
	if err != nil {
		return nil, err
	}
	w, h := p.Width, p.Height
	if w <= 0 || h <= 0 {
		return nil, heiferr.New(heiferr.InvalidInput, heiferr.NoIspeProperty, "uncompressed image without size")
	}
	if data, err = uncompressedData(data, p); err != nil {
		return nil, err
	}
	if need := l.size(w, h); len(data) < need {
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.EndOfData,
			"uncompressed %dx%d image needs %d bytes, item has %d", w, h, need, len(data))
	}

	img := pixel.New(w, h, l.cs, l.chroma)
	img.SetMemoryLimits(p.Limits, p.Tracker)
	for i, c := range l.channels {
		if err := img.AddPlane(c, l.bytes[i]*8); err != nil {
			img.Release()
			return nil, err
		}
	}

	if l.cfg.InterleaveType == bmff.InterleavePixel {
		stride := l.rowBytes(w, 0)
		for y := 0; y < h; y++ {
			if y%64 == 0 && ctx.Err() != nil {
				img.Release()
				return nil, canceled(ctx.Err())
			}
			row := data[y*stride:]
			pos := 0
			for x := 0; x < w; x++ {
				for i, c := range l.channels {
					img.Plane(c).Set(x, y, 0, l.sample(row[pos:], l.bytes[i]))
					pos += l.bytes[i]
				}
			}
		}
		return img, nil
	}

	base := 0
	for i, c := range l.channels {
		stride := l.rowBytes(w, i)
		plane := img.Plane(c)
		for y := 0; y < h; y++ {
			row := data[base+y*stride:]
			for x := 0; x < w; x++ {
				plane.Set(x, y, 0, l.sample(row[x*l.bytes[i]:], l.bytes[i]))
			}
		}
		base += stride * h
		if ctx.Err() != nil {
			img.Release()
			return nil, canceled(ctx.Err())
		}
	}
	return img, nil
}

// InputState keeps the colorspace and alpha of s in planar 4:4:4 with 8 or
// 16 bits.
func (uncompressedCodec) InputState(s colorconv.State) colorconv.State {
	out := colorconv.State{Colorspace: s.Colorspace, Chroma: pixel.Chroma444, HasAlpha: s.HasAlpha, BitDepth: 8}
	switch s.Colorspace {
	case pixel.ColorspaceMonochrome:
		out.Chroma = pixel.ChromaMonochrome
	case pixel.ColorspaceYCbCr:
		out.Matrix, out.FullRange = s.Matrix, s.FullRange
	default:
		out.Colorspace = pixel.ColorspaceRGB
	}
	if s.BitDepth > 8 {
		out.BitDepth = 16
	}
	return out
}

var uncComponentOf = map[pixel.Channel]uint16{
	pixel.ChannelY:     bmff.ComponentY,
	pixel.ChannelCb:    bmff.ComponentCb,
	pixel.ChannelCr:    bmff.ComponentCr,
	pixel.ChannelR:     bmff.ComponentRed,
	pixel.ChannelG:     bmff.ComponentGreen,
	pixel.ChannelB:     bmff.ComponentBlue,
	pixel.ChannelAlpha: bmff.ComponentAlpha,
}

func (uncompressedCodec) Encode(ctx context.Context, img *pixel.Image, p EncodeParams) (*CodedImage, error) {
	var (
		types []uint16
		comps []bmff.UncompressedComponent
		chans []pixel.Channel
	)
	for _, c := range img.Channels() {
		t, ok := uncComponentOf[c]
		if !ok {
			return nil, heiferr.Newf(heiferr.UsageError, heiferr.UnsupportedParameter, "cannot store %s channel uncompressed", c)
		}
		if img.Colorspace() == pixel.ColorspaceMonochrome && c == pixel.ChannelY {
			t = bmff.ComponentMonochrome
		}
		bits := img.BitDepth(c)
		if bits != 8 && bits != 16 {
			return nil, heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedBitDepth, "uncompressed %s channel of %d bits", c, bits)
		}
		comps = append(comps, bmff.UncompressedComponent{Index: uint16(len(types)), BitDepth: uint16(bits)})
		types = append(types, t)
		chans = append(chans, c)
	}
	if len(chans) == 0 {
		return nil, heiferr.New(heiferr.UsageError, heiferr.Unspecified, "image without planes")
	}
	cfg := bmff.NewUncompressedFrameConfig(bmff.InterleaveComponent, comps...)
	l := &uncLayout{cfg: cfg, channels: chans}
	for _, c := range comps {
		l.bytes = append(l.bytes, int(c.BitDepth)/8)
	}

	w, h := img.Width(), img.Height()
	data := make([]byte, l.size(w, h))
	pos := 0
	for i, c := range chans {
		plane := img.Plane(c)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				l.putSample(data[pos:], l.bytes[i], plane.At(x, y, 0))
				pos += l.bytes[i]
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, heiferr.Newf(heiferr.Canceled, heiferr.Unspecified, "encoding canceled: %v", err)
		}
	}

	out := &CodedImage{Properties: []bmff.Box{bmff.NewComponentDefinition(types...), cfg}}
	if p.Compression != "" {
		compressed, err := Compress(p.Compression, data)
		if err != nil {
			return nil, err
		}
		data = compressed
		out.Properties = append(out.Properties, bmff.NewGenericCompressionConfig(p.Compression, bmff.CompressedUnitFullItem))
	}
	out.Data = data
	return out, nil
}
