package heif

import (
	"context"
	"sync"

	"github.com/heifkit/goheif/heif/bmff"
	"github.com/heifkit/goheif/heif/colorconv"
	"github.com/heifkit/goheif/heif/limits"
	"github.com/heifkit/goheif/heif/pixel"
)

// CompressionFormat identifies the coding format of an image item.
type CompressionFormat int

const (
	FormatUndefined CompressionFormat = iota
	FormatHEVC
	FormatAVC
	FormatAV1
	FormatVVC
	FormatJPEG
	FormatJPEG2000
	FormatUncompressed
	FormatMask
)

var formatInfo = map[CompressionFormat]struct{ name, itemType string }{
	FormatHEVC:         {"HEVC", "hvc1"},
	FormatAVC:          {"AVC", "avc1"},
	FormatAV1:          {"AV1", "av01"},
	FormatVVC:          {"VVC", "vvc1"},
	FormatJPEG:         {"JPEG", "jpeg"},
	FormatJPEG2000:     {"JPEG 2000", "j2k1"},
	FormatUncompressed: {"uncompressed", "unci"},
	FormatMask:         {"mask", "mski"},
}

func (f CompressionFormat) String() string {
	if i, ok := formatInfo[f]; ok {
		return i.name
	}
	return "undefined"
}

// ItemType returns the item type of images coded in f.
func (f CompressionFormat) ItemType() string { return formatInfo[f].itemType }

// FormatOfItemType returns the coding format of an item type, or
// FormatUndefined for derived and non-image items.
func FormatOfItemType(t string) CompressionFormat {
	for f, i := range formatInfo {
		if i.itemType == t {
			return f
		}
	}
	return FormatUndefined
}

// DecodeParams describes the coded image handed to a Decoder.
type DecodeParams struct {
	// Width and Height are the dimensions declared by the item's 'ispe'
	// property, 0 if there is none.
	Width, Height int
	// Properties of the item, for decoders that need more than the
	// configuration prefixed to the data.
	Properties []bmff.Box
	Strict     bool
	Limits     *limits.SecurityLimits
	Tracker    *limits.Tracker
}

// Decoder decodes the coded images of one format.
type Decoder interface {
	Format() CompressionFormat
	Name() string
	// Decode decodes data, which starts with the decoder configuration of
	// the item (parameter sets, shared JPEG headers) followed by the coded
	// image. Images must be allocated within p.Limits and accounted with
	// p.Tracker.
	Decode(ctx context.Context, data []byte, p DecodeParams) (*pixel.Image, error)
}

// EncodeParams controls an Encoder.
type EncodeParams struct {
	// Quality in [0,100]; 0 selects the encoder default.
	Quality  int
	Lossless bool
	// Compression is a 'cmpC' compression type, such as "zlib", for
	// encoders that store samples directly. Empty stores them as is.
	Compression string
}

// CodedImage is the output of an Encoder.
type CodedImage struct {
	Data []byte
	// Properties configure the decoder, like 'hvcC'. They are associated
	// with the item as essential properties.
	Properties []bmff.Box
	// Width and Height are the coded dimensions when the encoder padded
	// the image, 0 otherwise.
	Width, Height int
}

// Encoder encodes images in one format.
type Encoder interface {
	Format() CompressionFormat
	Name() string
	// InputState returns the pixel layout the encoder accepts for an input
	// in state s. Images are converted to it before Encode is called.
	InputState(s colorconv.State) colorconv.State
	Encode(ctx context.Context, img *pixel.Image, p EncodeParams) (*CodedImage, error)
}

var (
	pluginsMu sync.RWMutex
	decoders  = map[CompressionFormat]Decoder{}
	encoders  = map[CompressionFormat]Encoder{}
)

// RegisterDecoder makes d the process-wide decoder of its format. It is
// meant to be called from init functions.
func RegisterDecoder(d Decoder) {
	pluginsMu.Lock()
	defer pluginsMu.Unlock()
	decoders[d.Format()] = d
}

// RegisterEncoder makes e the process-wide encoder of its format.
func RegisterEncoder(e Encoder) {
	pluginsMu.Lock()
	defer pluginsMu.Unlock()
	encoders[e.Format()] = e
}

func registeredDecoder(f CompressionFormat) Decoder {
	pluginsMu.RLock()
	defer pluginsMu.RUnlock()
	return decoders[f]
}

func registeredEncoder(f CompressionFormat) Encoder {
	pluginsMu.RLock()
	defer pluginsMu.RUnlock()
	return encoders[f]
}

func init() {
	RegisterDecoder(uncompressedCodec{})
	RegisterEncoder(uncompressedCodec{})
	RegisterDecoder(maskCodec{})
	RegisterEncoder(maskCodec{})
}
