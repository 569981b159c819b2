package hevc

import (
	"context"
	"testing"

	"github.com/heifkit/goheif/heif"
	"github.com/heifkit/goheif/heif/bmff"
	"github.com/heifkit/goheif/heif/heiferr"
)

func TestRejectedBeforeDecoding(t *testing.T) {
	config := func(bits, chroma uint8) []bmff.Box {
		return []bmff.Box{bmff.NewItemHevcConfigBox(bmff.HEVCConfig{
			ChromaFormat:   chroma,
			BitDepthLuma:   bits,
			BitDepthChroma: bits,
		})}
	}
	tests := []struct {
		name  string
		data  []byte
		props []bmff.Box
		code  heiferr.Code
		sub   heiferr.SubCode
	}{
		{"no data", nil, config(8, 1), heiferr.DecoderPlugin, heiferr.Unspecified},
		{"10 bit", []byte{0, 0, 0, 1, 0}, config(10, 1), heiferr.UnsupportedFeature, heiferr.UnsupportedBitDepth},
		{"monochrome", []byte{0, 0, 0, 1, 0}, config(8, 0), heiferr.UnsupportedFeature, heiferr.UnsupportedColorConversion},
	}
	for _, tt := range tests {
		_, err := Codec{}.Decode(context.Background(), tt.data, heif.DecodeParams{Properties: tt.props})
		if heiferr.CodeOf(err) != tt.code || heiferr.SubCodeOf(err) != tt.sub {
			t.Errorf("%s: err = %v", tt.name, err)
		}
	}
}

func TestCodec(t *testing.T) {
	if f := (Codec{}).Format(); f != heif.FormatHEVC {
		t.Errorf("format %s", f)
	}
	if err := checkConfig(nil); err != nil {
		t.Errorf("item without hvcC: %v", err)
	}
}
