// Package pixel holds decoded images as a set of planes tagged with a
// colorspace and chroma layout.
//
// Samples of up to 8 bits take one byte. Wider integer samples take two
// bytes, little endian, except in the interleaved big endian layouts.
package pixel

import (
	"fmt"

	"github.com/heifkit/goheif/heif/colorprofile"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/limits"
)

type Colorspace int

const (
	ColorspaceUndefined Colorspace = iota
	ColorspaceYCbCr
	ColorspaceRGB
	ColorspaceMonochrome
	ColorspaceNonVisual
)

func (c Colorspace) String() string {
	switch c {
	case ColorspaceYCbCr:
		return "YCbCr"
	case ColorspaceRGB:
		return "RGB"
	case ColorspaceMonochrome:
		return "monochrome"
	case ColorspaceNonVisual:
		return "non-visual"
	}
	return "undefined"
}

type Chroma int

const (
	ChromaUndefined Chroma = iota
	ChromaMonochrome
	Chroma420
	Chroma422
	Chroma444
	ChromaInterleavedRGB
	ChromaInterleavedRGBA
	ChromaInterleavedRRGGBBBE
	ChromaInterleavedRRGGBBAABE
	ChromaInterleavedRRGGBBLE
	ChromaInterleavedRRGGBBAALE
)

var chromaNames = map[Chroma]string{
	ChromaMonochrome:            "mono",
	Chroma420:                   "4:2:0",
	Chroma422:                   "4:2:2",
	Chroma444:                   "4:4:4",
	ChromaInterleavedRGB:        "RGB",
	ChromaInterleavedRGBA:       "RGBA",
	ChromaInterleavedRRGGBBBE:   "RRGGBB_BE",
	ChromaInterleavedRRGGBBAABE: "RRGGBBAA_BE",
	ChromaInterleavedRRGGBBLE:   "RRGGBB_LE",
	ChromaInterleavedRRGGBBAALE: "RRGGBBAA_LE",
}

func (c Chroma) String() string {
	if s, ok := chromaNames[c]; ok {
		return s
	}
	return "undefined"
}

// Interleaved reports whether all components live in one plane.
func (c Chroma) Interleaved() bool { return c >= ChromaInterleavedRGB }

// InterleavedComponents returns the number of components per pixel of an
// interleaved layout, 1 for planar layouts.
func (c Chroma) InterleavedComponents() int {
	switch c {
	case ChromaInterleavedRGB, ChromaInterleavedRRGGBBBE, ChromaInterleavedRRGGBBLE:
		return 3
	case ChromaInterleavedRGBA, ChromaInterleavedRRGGBBAABE, ChromaInterleavedRRGGBBAALE:
		return 4
	}
	return 1
}

// InterleavedHasAlpha reports whether an interleaved layout carries alpha.
func (c Chroma) InterleavedHasAlpha() bool { return c.InterleavedComponents() == 4 }

// BigEndian reports whether samples of c are stored big endian.
func (c Chroma) BigEndian() bool {
	return c == ChromaInterleavedRRGGBBBE || c == ChromaInterleavedRRGGBBAABE
}

// Subsampling returns the horizontal and vertical chroma divisors.
func (c Chroma) Subsampling() (h, v int) {
	switch c {
	case Chroma420:
		return 2, 2
	case Chroma422:
		return 2, 1
	}
	return 1, 1
}

// Channel names a plane of an image.
type Channel int

const (
	ChannelY Channel = iota
	ChannelCb
	ChannelCr
	ChannelR
	ChannelG
	ChannelB
	ChannelAlpha
	ChannelInterleaved
	ChannelFilterArray
	ChannelDepth
	ChannelDisparity
	ChannelOther
)

var channelNames = [...]string{"Y", "Cb", "Cr", "R", "G", "B", "alpha", "interleaved", "filter-array", "depth", "disparity", "other"}

func (c Channel) String() string {
	if int(c) >= 0 && int(c) < len(channelNames) {
		return channelNames[c]
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// IsChroma reports whether c is subsampled under a 4:2:x layout.
func (c Channel) IsChroma() bool { return c == ChannelCb || c == ChannelCr }

type Datatype int

const (
	DatatypeUndefined Datatype = iota
	DatatypeUnsignedInt
	DatatypeSignedInt
	DatatypeFloat
	DatatypeComplex
)

const (
	planeAlignment = 16
	minAllocSize   = 64
)

// Plane is one channel of an image.
type Plane struct {
	Width, Height int
	BitDepth      int
	Datatype      Datatype
	// Components is the number of interleaved samples per pixel.
	Components int
	Stride     int
	Data       []byte

	bigEndian   bool
	allocWidth  int
	allocHeight int
}

// BytesPerSample returns the storage size of one sample.
func (p *Plane) BytesPerSample() int { return bytesPerSample(p.BitDepth) }

func bytesPerSample(bits int) int {
	switch {
	case bits <= 8:
		return 1
	case bits <= 16:
		return 2
	case bits <= 32:
		return 4
	case bits <= 64:
		return 8
	}
	return 16
}

// MaxValue returns the largest sample value of an integer plane.
func (p *Plane) MaxValue() uint32 { return uint32(1)<<uint(p.BitDepth) - 1 }

// Row returns the bytes of row y.
func (p *Plane) Row(y int) []byte {
	return p.Data[y*p.Stride : y*p.Stride+p.Width*p.Components*p.BytesPerSample()]
}

// At returns sample c of pixel (x,y). Only integer samples of up to 16 bits
// are supported.
func (p *Plane) At(x, y, c int) uint16 {
	bps := p.BytesPerSample()
	i := y*p.Stride + (x*p.Components+c)*bps
	if bps == 1 {
		return uint16(p.Data[i])
	}
	if p.bigEndian {
		return uint16(p.Data[i])<<8 | uint16(p.Data[i+1])
	}
	return uint16(p.Data[i]) | uint16(p.Data[i+1])<<8
}

// Set stores sample c of pixel (x,y).
func (p *Plane) Set(x, y, c int, v uint16) {
	bps := p.BytesPerSample()
	i := y*p.Stride + (x*p.Components+c)*bps
	if bps == 1 {
		p.Data[i] = uint8(v)
		return
	}
	if p.bigEndian {
		p.Data[i], p.Data[i+1] = uint8(v>>8), uint8(v)
	} else {
		p.Data[i], p.Data[i+1] = uint8(v), uint8(v>>8)
	}
}

func (p *Plane) pixelBytes() int { return p.Components * p.BytesPerSample() }

// ContentLightLevel is the 'clli' HDR metadata.
type ContentLightLevel struct {
	MaxContentLightLevel    uint16
	MaxPicAverageLightLevel uint16
}

// MasteringDisplay is the 'mdcv' HDR metadata.
type MasteringDisplay struct {
	DisplayPrimariesX [3]uint16
	DisplayPrimariesY [3]uint16
	WhitePointX       uint16
	WhitePointY       uint16
	MaxLuminance      uint32
	MinLuminance      uint32
}

// Metadata is carried along unchanged by transformations and colour
// conversion.
type Metadata struct {
	NCLX               *colorprofile.NCLX
	ICC                *colorprofile.ICC
	PremultipliedAlpha bool
	ContentLightLevel  *ContentLightLevel
	MasteringDisplay   *MasteringDisplay
	// Pixel aspect ratio as h:v spacing, 0:0 when unset.
	PixelAspectH, PixelAspectV uint32
	Warnings                   []error
}

// Image is a decoded image. The zero value is not usable; call New.
type Image struct {
	Metadata

	width, height int
	colorspace    Colorspace
	chroma        Chroma
	planes        map[Channel]*Plane

	limits  *limits.SecurityLimits
	tracker *limits.Tracker
	tracked uint64
}

// New returns an image without planes.
func New(width, height int, cs Colorspace, chroma Chroma) *Image {
	return &Image{
		width:      width,
		height:     height,
		colorspace: cs,
		chroma:     chroma,
		planes:     make(map[Channel]*Plane),
		limits:     limits.Default(),
	}
}

// SetMemoryLimits applies l to plane allocations and accounts them with t,
// which may be nil.
func (img *Image) SetMemoryLimits(l *limits.SecurityLimits, t *limits.Tracker) {
	img.limits = l.OrDefault()
	img.tracker = t
}

func (img *Image) Width() int             { return img.width }
func (img *Image) Height() int            { return img.height }
func (img *Image) Colorspace() Colorspace { return img.colorspace }
func (img *Image) Chroma() Chroma         { return img.chroma }

// Plane returns the plane of channel c, or nil.
func (img *Image) Plane(c Channel) *Plane { return img.planes[c] }

func (img *Image) HasChannel(c Channel) bool { return img.planes[c] != nil }

// Channels returns the channels present, in channel order.
func (img *Image) Channels() []Channel {
	var out []Channel
	for c := ChannelY; c <= ChannelOther; c++ {
		if img.planes[c] != nil {
			out = append(out, c)
		}
	}
	return out
}

// HasAlpha reports whether the image carries an alpha plane or an
// interleaved layout with alpha.
func (img *Image) HasAlpha() bool {
	return img.planes[ChannelAlpha] != nil || img.chroma.InterleavedHasAlpha()
}

// BitDepth returns the bit depth of channel c, or 0 if it is missing.
func (img *Image) BitDepth(c Channel) int {
	if p := img.planes[c]; p != nil {
		return p.BitDepth
	}
	return 0
}

// ChannelSize returns the dimensions of channel c for this image's chroma
// layout.
func (img *Image) ChannelSize(c Channel) (w, h int) {
	return channelSize(img.width, img.height, img.chroma, c)
}

func channelSize(width, height int, chroma Chroma, c Channel) (w, h int) {
	w, h = width, height
	if c.IsChroma() {
		sh, sv := chroma.Subsampling()
		w = (width + sh - 1) / sh
		h = (height + sv - 1) / sv
	}
	return w, h
}

func roundUp(v, to int) int { return (v + to - 1) / to * to }

func allocSize(v int) int {
	if v < minAllocSize {
		v = minAllocSize
	}
	return roundUp(v, 2)
}

// AddPlane allocates channel c at the size implied by the chroma layout.
func (img *Image) AddPlane(c Channel, bitDepth int) error {
	w, h := img.ChannelSize(c)
	return img.AddChannel(c, w, h, DatatypeUnsignedInt, bitDepth)
}

// AddChannel allocates a plane of explicit size and sample type. The
// allocation is checked against the memory limits.
func (img *Image) AddChannel(c Channel, width, height int, dt Datatype, bitDepth int) error {
	if width <= 0 || height <= 0 {
		return heiferr.Newf(heiferr.UsageError, heiferr.InvalidImageSize, "invalid plane size %dx%d", width, height)
	}
	if bitDepth < 1 || bitDepth > 128 {
		return heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedBitDepth, "bit depth %d", bitDepth)
	}
	comps := 1
	if c == ChannelInterleaved {
		comps = img.chroma.InterleavedComponents()
	}
	for _, p := range img.planes {
		if p.Components != comps {
			return heiferr.New(heiferr.UsageError, heiferr.InvalidParameterValue, "planes with differing numbers of interleaved components")
		}
	}
	if err := img.limits.CheckImageSize(uint32(width), uint32(height)); err != nil {
		return err
	}

	p := &Plane{
		Width:       width,
		Height:      height,
		BitDepth:    bitDepth,
		Datatype:    dt,
		Components:  comps,
		bigEndian:   img.chroma.BigEndian(),
		allocWidth:  allocSize(width),
		allocHeight: allocSize(height),
	}
	p.Stride = roundUp(p.allocWidth*p.pixelBytes(), planeAlignment)
	size := uint64(p.Stride) * uint64(p.allocHeight)
	if err := img.limits.CheckMemoryBlock(size, fmt.Sprintf("plane %s", c)); err != nil {
		return err
	}
	if err := img.tracker.Alloc(size); err != nil {
		return err
	}
	img.tracked += size
	p.Data = make([]byte, size)
	if old := img.planes[c]; old != nil {
		img.releasePlane(old)
	}
	img.planes[c] = p
	return nil
}

func (img *Image) releasePlane(p *Plane) {
	size := uint64(len(p.Data))
	img.tracker.Free(size)
	if size > img.tracked {
		size = img.tracked
	}
	img.tracked -= size
}

// Release returns the memory of all planes to the tracker. The image must
// not be used afterwards.
func (img *Image) Release() {
	img.tracker.Free(img.tracked)
	img.tracked = 0
	img.planes = map[Channel]*Plane{}
}

// RemovePlane drops channel c.
func (img *Image) RemovePlane(c Channel) {
	if p := img.planes[c]; p != nil {
		img.releasePlane(p)
		delete(img.planes, c)
	}
}

// TransferPlane moves channel from of src into this image as channel to.
func (img *Image) TransferPlane(src *Image, from, to Channel) {
	p := src.planes[from]
	if p == nil {
		return
	}
	delete(src.planes, from)
	size := uint64(len(p.Data))
	if size > src.tracked {
		size = src.tracked
	}
	src.tracked -= size
	img.tracked += uint64(len(p.Data))
	if old := img.planes[to]; old != nil {
		img.releasePlane(old)
	}
	img.planes[to] = p
}

// Fill sets every sample of channel c to v.
func (img *Image) Fill(c Channel, v uint16) {
	p := img.planes[c]
	if p == nil {
		return
	}
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			for k := 0; k < p.Components; k++ {
				p.Set(x, y, k, v)
			}
		}
	}
}

// FillRGB fills a planar RGB or interleaved image with a colour given as
// 16-bit values. Each value is scaled to the bit depth of its plane.
func (img *Image) FillRGB(r, g, b, a uint16) error {
	scale := func(v uint16, bits int) uint16 { return v >> uint(16-bits) }
	if img.chroma.Interleaved() {
		p := img.planes[ChannelInterleaved]
		if p == nil {
			return heiferr.New(heiferr.UsageError, heiferr.NonexistingImageChannelReferenced, "no interleaved plane")
		}
		vals := []uint16{r, g, b, a}
		for y := 0; y < p.Height; y++ {
			for x := 0; x < p.Width; x++ {
				for k := 0; k < p.Components; k++ {
					p.Set(x, y, k, scale(vals[k], p.BitDepth))
				}
			}
		}
		return nil
	}
	if img.colorspace != ColorspaceRGB {
		return heiferr.New(heiferr.UsageError, heiferr.InvalidParameterValue, "FillRGB on a non-RGB image")
	}
	for c, v := range map[Channel]uint16{ChannelR: r, ChannelG: g, ChannelB: b, ChannelAlpha: a} {
		if p := img.planes[c]; p != nil {
			img.Fill(c, scale(v, p.BitDepth))
		}
	}
	return nil
}

// Derive returns an image without planes that shares the memory limits
// and metadata of img.
func (img *Image) Derive(width, height int, cs Colorspace, chroma Chroma) *Image {
	out := New(width, height, cs, chroma)
	out.limits, out.tracker = img.limits, img.tracker
	out.CopyMetadata(img)
	return out
}

// CopyMetadata copies the metadata of src.
func (img *Image) CopyMetadata(src *Image) {
	img.Metadata = src.Metadata
	img.Metadata.Warnings = append([]error(nil), src.Warnings...)
}

// AddWarning records a non-fatal decoding problem.
func (img *Image) AddWarning(err error) { img.Warnings = append(img.Warnings, err) }

// sameLayout returns an empty image with the geometry, planes and
// metadata of img.
func (img *Image) sameLayout(width, height int) (*Image, error) {
	out := img.Derive(width, height, img.colorspace, img.chroma)
	for _, c := range img.Channels() {
		p := img.planes[c]
		w, h := channelSize(width, height, img.chroma, c)
		if c == ChannelInterleaved || !isColorChannel(c) {
			// Channels outside the colour model keep their relative size.
			w, h = scaleDim(p.Width, img.width, width), scaleDim(p.Height, img.height, height)
		}
		if err := out.AddChannel(c, w, h, p.Datatype, p.BitDepth); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func isColorChannel(c Channel) bool { return c <= ChannelAlpha }

func scaleDim(planeDim, imageDim, newImageDim int) int {
	if planeDim == imageDim || imageDim == 0 {
		return newImageDim
	}
	v := planeDim * newImageDim / imageDim
	if v < 1 {
		v = 1
	}
	return v
}

// ExtendPaddingToSize grows the image to width x height, filling the new
// area by repeating the last column and row. Planes that were allocated
// large enough are extended in place.
func (img *Image) ExtendPaddingToSize(width, height int) error {
	if width < img.width || height < img.height {
		return heiferr.New(heiferr.UsageError, heiferr.InvalidParameterValue, "padding cannot shrink an image")
	}
	for _, c := range img.Channels() {
		p := img.planes[c]
		w, h := channelSize(width, height, img.chroma, c)
		if w > p.allocWidth || h > p.allocHeight {
			np := *p
			np.allocWidth, np.allocHeight = allocSize(w), allocSize(h)
			np.Stride = roundUp(np.allocWidth*p.pixelBytes(), planeAlignment)
			size := uint64(np.Stride) * uint64(np.allocHeight)
			if err := img.limits.CheckMemoryBlock(size, "padded plane"); err != nil {
				return err
			}
			if err := img.tracker.Alloc(size); err != nil {
				return err
			}
			img.tracked += size
			np.Data = make([]byte, size)
			for y := 0; y < p.Height; y++ {
				copy(np.Data[y*np.Stride:], p.Row(y))
			}
			img.releasePlane(p)
			p = &np
			img.planes[c] = p
		}
		pb := p.pixelBytes()
		for y := 0; y < p.Height; y++ {
			row := p.Data[y*p.Stride:]
			last := row[(p.Width-1)*pb : p.Width*pb]
			for x := p.Width; x < w; x++ {
				copy(row[x*pb:], last)
			}
		}
		for y := p.Height; y < h; y++ {
			copy(p.Data[y*p.Stride:y*p.Stride+w*pb], p.Data[(p.Height-1)*p.Stride:])
		}
		p.Width, p.Height = w, h
	}
	img.width, img.height = width, height
	return nil
}
