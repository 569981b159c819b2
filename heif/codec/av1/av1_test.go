package av1

import (
	"context"
	"testing"

	"github.com/heifkit/goheif/heif"
	"github.com/heifkit/goheif/heif/bmff"
	"github.com/heifkit/goheif/heif/heiferr"
)

func TestRejectedBeforeDecoding(t *testing.T) {
	twelveBit := []bmff.Box{bmff.NewItemAv1ConfigBox(bmff.AV1Config{Version: 1, HighBitdepth: 1, TwelveBit: 1})}
	_, err := Codec{}.Decode(context.Background(), []byte{0x12, 0}, heif.DecodeParams{Properties: twelveBit})
	if heiferr.SubCodeOf(err) != heiferr.UnsupportedBitDepth {
		t.Errorf("12 bit: err = %v", err)
	}
	if _, err := (Codec{}).Decode(context.Background(), nil, heif.DecodeParams{}); heiferr.CodeOf(err) != heiferr.DecoderPlugin {
		t.Errorf("no data: err = %v", err)
	}
}

func TestCheckConfig(t *testing.T) {
	tests := []struct {
		config bmff.AV1Config
		ok     bool
	}{
		{bmff.AV1Config{Version: 1}, true},
		{bmff.AV1Config{Version: 1, HighBitdepth: 1}, true},
		{bmff.AV1Config{Version: 1, HighBitdepth: 1, TwelveBit: 1}, false},
	}
	for _, tt := range tests {
		err := checkConfig([]bmff.Box{bmff.NewItemAv1ConfigBox(tt.config)})
		if (err == nil) != tt.ok {
			t.Errorf("%d bit: err = %v", tt.config.BitDepth(), err)
		}
	}
	if f := (Codec{}).Format(); f != heif.FormatAV1 {
		t.Errorf("format %s", f)
	}
}
