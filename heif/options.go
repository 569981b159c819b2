package heif

import (
	"github.com/heifkit/goheif/heif/colorconv"
	"github.com/heifkit/goheif/heif/colorprofile"
	"github.com/heifkit/goheif/heif/pixel"
)

// DecodingOptions control the decoding of an image item. The zero value
// applies the transformations of the item and returns the decoded image
// in the layout produced by the codec.
type DecodingOptions struct {
	// IgnoreTransformations skips 'irot', 'imir' and 'clap'.
	IgnoreTransformations bool
	// ConvertHDRTo8Bit reduces images of more than 8 bits per sample.
	ConvertHDRTo8Bit bool
	// Strict rejects images that are merely suspicious, such as coded
	// images missing their 'ispe' property.
	Strict bool

	// Colorspace and Chroma select the output layout. With
	// pixel.ColorspaceUndefined the decoded layout is kept.
	Colorspace pixel.Colorspace
	Chroma     pixel.Chroma
	Color      colorconv.Options

	// Progress is called after each decoded tile of a grid or tiled image.
	Progress func(done, total int)
	// Cancel is polled before each tile is decoded. Once it returns true
	// the decode fails with heiferr.ErrCanceled.
	Cancel func() bool
}

func (o *DecodingOptions) canceled() bool { return o.Cancel != nil && o.Cancel() }

// EncodingOptions control how an image is stored.
type EncodingOptions struct {
	Params EncodeParams

	// OmitAlpha drops the alpha channel of the input.
	OmitAlpha bool
	// Hidden marks the item as hidden, as needed for grid tiles.
	Hidden bool

	// NCLX is stored with the image. YCbCr images are converted with its
	// matrix; nil selects colorprofile.SRGB().
	NCLX *colorprofile.NCLX
	// Orientation is an EXIF orientation (1-8). Values other than 1 are
	// stored as 'irot' and 'imir' properties, so that readers display the
	// image the way the orientation tag says.
	Orientation  int
	Downsampling colorconv.ChromaDownsampling
}

func (o *EncodingOptions) nclx() *colorprofile.NCLX {
	if o.NCLX != nil {
		return o.NCLX
	}
	return colorprofile.SRGB()
}

// orientationTransforms returns the counter-clockwise rotation and the
// mirroring that display an image stored with EXIF orientation o.
func orientationTransforms(o int) (rotation int, mirror pixel.Mirror, mirrored bool) {
	switch o {
	case 2:
		return 0, pixel.MirrorHorizontal, true
	case 3:
		return 180, 0, false
	case 4:
		return 0, pixel.MirrorVertical, true
	case 5:
		return 270, pixel.MirrorHorizontal, true
	case 6:
		return 270, 0, false
	case 7:
		return 270, pixel.MirrorVertical, true
	case 8:
		return 90, 0, false
	}
	return 0, 0, false
}
