// Package goheif decodes HEIF, HEIC and AVIF files into image.Image values
// and registers the formats with the image package.
//
// Coded images are decoded by the codecs registered with the heif package.
// Uncompressed and mask images are always supported. The codec packages
// imported here add HEVC (libde265), AV1 (dav1d) and JPEG, which makes
// this package require cgo.
package goheif

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"runtime"

	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"

	"github.com/heifkit/goheif/heif"
	_ "github.com/heifkit/goheif/heif/codec/av1"
	_ "github.com/heifkit/goheif/heif/codec/hevc"
	_ "github.com/heifkit/goheif/heif/codec/jpeg"
	"github.com/heifkit/goheif/heif/limits"
	"github.com/heifkit/goheif/heif/pixel"
)

// MaxDecodingThreads bounds the number of tiles of a grid image that
// Decode decodes at once.
var MaxDecodingThreads = runtime.NumCPU()

// Limits are applied by the functions of this package. Nil selects
// limits.Default().
var Limits *limits.SecurityLimits

func open(r io.Reader) (*heif.Context, error) {
	ra, err := asReaderAt(r)
	if err != nil {
		return nil, err
	}
	c := heif.NewContext(
		heif.WithSecurityLimits(Limits),
		heif.WithMaxDecodingThreads(MaxDecodingThreads),
	)
	if err := c.Read(ra); err != nil {
		return nil, err
	}
	return c, nil
}

// ExtractExif returns the EXIF data of the primary image, starting at the
// TIFF header.
func ExtractExif(ra io.ReaderAt) ([]byte, error) {
	hf := heif.Open(ra)
	return hf.EXIF()
}

// DecodeExif parses the EXIF data of the primary image.
func DecodeExif(ra io.ReaderAt) (*exif.Exif, error) {
	data, err := ExtractExif(ra)
	if err != nil {
		return nil, err
	}
	return exif.Decode(bytes.NewReader(data))
}

// ExifOrientation returns the orientation tag of x, 1 if it has none.
//
// The transformations of HEIF images are stored as properties and applied
// by Decode. The EXIF orientation of such files only repeats them and must
// not be applied a second time.
func ExifOrientation(x *exif.Exif) int {
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	o, err := tag.Int(0)
	if err != nil || o < 1 || o > 8 {
		return 1
	}
	return o
}

// Decode decodes the primary image. Images are returned as *image.NRGBA,
// or *image.RGBA when the file stores premultiplied alpha.
func Decode(r io.Reader) (image.Image, error) {
	c, err := open(r)
	if err != nil {
		return nil, err
	}
	it, err := c.PrimaryImage()
	if err != nil {
		return nil, err
	}
	return decodeItem(it)
}

// DecodeThumbnail decodes the first thumbnail of the primary image.
func DecodeThumbnail(r io.Reader) (image.Image, error) {
	c, err := open(r)
	if err != nil {
		return nil, err
	}
	it, err := c.PrimaryImage()
	if err != nil {
		return nil, err
	}
	thumbs := it.Thumbnails()
	if len(thumbs) == 0 {
		return nil, fmt.Errorf("goheif: image %d has no thumbnail", it.ID())
	}
	return decodeItem(thumbs[0])
}

// DecodeScaled decodes the primary image and scales it to fit within
// width x height, keeping its aspect ratio. Images that already fit are
// returned unscaled.
func DecodeScaled(r io.Reader, width, height int) (image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("goheif: invalid size %dx%d", width, height)
	}
	img, err := Decode(r)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() <= width && b.Dy() <= height {
		return img, nil
	}
	w, h := width, b.Dy()*width/b.Dx()
	if h > height {
		w, h = b.Dx()*height/b.Dy(), height
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst, nil
}

func decodeItem(it *heif.ImageItem) (image.Image, error) {
	out, err := it.Decode(context.Background(), &heif.DecodingOptions{
		Colorspace: pixel.ColorspaceRGB,
		Chroma:     pixel.ChromaInterleavedRGBA,
	})
	if err != nil {
		return nil, err
	}
	defer out.Release()

	p := out.Plane(pixel.ChannelInterleaved)
	if p == nil || p.BitDepth != 8 || p.Components != 4 {
		return nil, fmt.Errorf("goheif: unexpected decoded layout %s", out.Chroma())
	}
	r := image.Rect(0, 0, out.Width(), out.Height())
	var pix []byte
	var img image.Image
	if out.PremultipliedAlpha {
		m := image.NewRGBA(r)
		pix, img = m.Pix, m
	} else {
		m := image.NewNRGBA(r)
		pix, img = m.Pix, m
	}
	n := 4 * out.Width()
	for y := 0; y < out.Height(); y++ {
		copy(pix[y*n:(y+1)*n], p.Row(y))
	}
	return img, nil
}

// DecodeConfig returns the displayed size of the primary image.
func DecodeConfig(r io.Reader) (image.Config, error) {
	var config image.Config

	c, err := open(r)
	if err != nil {
		return config, err
	}
	it, err := c.PrimaryImage()
	if err != nil {
		return config, err
	}
	if err := it.Err(); err != nil {
		return config, err
	}

	config = image.Config{
		ColorModel: color.NRGBAModel,
		Width:      it.Width(),
		Height:     it.Height(),
	}
	if it.PremultipliedAlpha() {
		config.ColorModel = color.RGBAModel
	}
	return config, nil
}

func asReaderAt(r io.Reader) (io.ReaderAt, error) {
	if ra, ok := r.(io.ReaderAt); ok {
		return ra, nil
	}

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(b), nil
}

func init() {
	// Formats are tried in order; "avif" must come before the generic
	// ISOBMFF match.
	image.RegisterFormat("avif", "????ftypavif", Decode, DecodeConfig)
	image.RegisterFormat("heic", "????ftyp", Decode, DecodeConfig)
}
