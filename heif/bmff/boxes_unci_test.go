package bmff

import (
	"testing"

	"github.com/heifkit/goheif/heif/heiferr"
)

func TestUncCProfileImpliesComponents(t *testing.T) {
	data := rawBox("uncC", []byte{1, 0, 0, 0, 'r', 'g', 'b', 'a'})
	b, err := Parse(data, nil)
	if err != nil {
		t.Fatal(err)
	}
	unc := b.(*UncompressedFrameConfigBox)
	if len(unc.Components) != 4 || unc.InterleaveType != InterleavePixel {
		t.Fatalf("components %+v interleave %d", unc.Components, unc.InterleaveType)
	}
	cmpd := unc.ImpliedComponents()
	want := []uint16{ComponentRed, ComponentGreen, ComponentBlue, ComponentAlpha}
	for i, c := range cmpd.Components {
		if c.Type != want[i] {
			t.Errorf("component %d: %s, want %s", i, ComponentTypeName(c.Type), ComponentTypeName(want[i]))
		}
	}

	bad := rawBox("uncC", []byte{1, 0, 0, 0, 'y', 'u', 'v', '2'})
	if _, err := Parse(bad, nil); heiferr.SubCodeOf(err) != heiferr.InvalidParameterValue {
		t.Errorf("unknown profile: err = %v", err)
	}
}

func TestUncCVersion0(t *testing.T) {
	unc := NewUncompressedFrameConfig(InterleaveComponent,
		UncompressedComponent{Index: 0, BitDepth: 8},
		UncompressedComponent{Index: 1, BitDepth: 16},
	)
	unc.ComponentsLittleEndian = true
	unc.RowAlignSize = 4
	unc.NumTileCols = 2

	got := reparse(t, unc).(*UncompressedFrameConfigBox)
	if len(got.Components) != 2 || got.Components[1].BitDepth != 16 {
		t.Errorf("components = %+v", got.Components)
	}
	if !got.ComponentsLittleEndian || got.BlockLittleEndian {
		t.Errorf("flags not preserved")
	}
	if got.RowAlignSize != 4 || got.NumTileCols != 2 || got.NumTileRows != 1 {
		t.Errorf("layout = %+v", got)
	}
	if got.ImpliedComponents() != nil {
		t.Error("version 0 must not imply components")
	}
}

func TestUncCInvalidModes(t *testing.T) {
	payload := func(sampling, interleave byte) []byte {
		p := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
		p = append(p, sampling, interleave, 0, 0)
		return append(p, make([]byte, 20)...)
	}
	if _, err := Parse(rawBox("uncC", payload(0, 1)), nil); err != nil {
		t.Fatalf("valid modes: %v", err)
	}
	for _, p := range [][]byte{payload(4, 0), payload(0, 6)} {
		if _, err := Parse(rawBox("uncC", p), nil); heiferr.SubCodeOf(err) != heiferr.InvalidParameterValue {
			t.Errorf("err = %v", err)
		}
	}
}

func TestComponentDefinitionURI(t *testing.T) {
	cmpd := NewComponentDefinition(ComponentY, 0x8001)
	cmpd.Components[1].URI = "urn:example:thermal"
	got := reparse(t, cmpd).(*ComponentDefinitionBox)
	if len(got.Components) != 2 || got.Components[1].URI != "urn:example:thermal" {
		t.Errorf("components = %+v", got.Components)
	}
}

func TestIcbrVersion(t *testing.T) {
	icbr := factories[TypeIcbr]().(*ItemCompressedByteRangeBox)
	icbr.Ranges = []ByteRange{{Offset: 0, Size: 10}, {Offset: 10, Size: 20}}
	if got := reparse(t, icbr); got.Version() != 0 {
		t.Errorf("version = %d", got.Version())
	}
	icbr.Ranges = append(icbr.Ranges, ByteRange{Offset: 1 << 32, Size: 1})
	got := reparse(t, icbr).(*ItemCompressedByteRangeBox)
	if got.Version() != 1 || got.Ranges[2].Offset != 1<<32 {
		t.Errorf("version %d ranges %+v", got.Version(), got.Ranges)
	}
}

func TestGenericCompressionConfig(t *testing.T) {
	got := reparse(t, NewGenericCompressionConfig("zlib", CompressedUnitTile)).(*GenericCompressionConfigBox)
	if got.CompressionType != TypeOf("zlib") || got.UnitType != CompressedUnitTile {
		t.Errorf("got %s/%d", got.CompressionType, got.UnitType)
	}
}
