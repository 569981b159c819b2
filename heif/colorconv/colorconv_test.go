package colorconv

import (
	"errors"
	"testing"

	"github.com/heifkit/goheif/heif/colorprofile"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/limits"
	"github.com/heifkit/goheif/heif/pixel"
)

func rgbGradient(t *testing.T, w, h, bits int) *pixel.Image {
	t.Helper()
	img := pixel.New(w, h, pixel.ColorspaceRGB, pixel.Chroma444)
	for _, c := range []pixel.Channel{pixel.ChannelR, pixel.ChannelG, pixel.ChannelB} {
		if err := img.AddPlane(c, bits); err != nil {
			t.Fatal(err)
		}
	}
	scale := uint16(1) << uint(bits-8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Plane(pixel.ChannelR).Set(x, y, 0, uint16(40+2*x)*scale)
			img.Plane(pixel.ChannelG).Set(x, y, 0, uint16(60+y+x)*scale)
			img.Plane(pixel.ChannelB).Set(x, y, 0, uint16(200-2*y)*scale)
		}
	}
	return img
}

func TestSubsampledRoundTrip(t *testing.T) {
	table := DefaultOperators()
	src := rgbGradient(t, 64, 48, 8)
	tests := []struct {
		chroma pixel.Chroma
		matrix uint16
		full   bool
	}{
		{pixel.Chroma420, colorprofile.MatrixBT601, false},
		{pixel.Chroma420, colorprofile.MatrixBT709, true},
		{pixel.Chroma422, colorprofile.MatrixBT2020NCL, false},
		{pixel.Chroma444, colorprofile.MatrixYCgCo, true},
	}
	for _, tt := range tests {
		ycc, err := table.Convert(src, State{
			Colorspace: pixel.ColorspaceYCbCr,
			Chroma:     tt.chroma,
			Matrix:     tt.matrix,
			FullRange:  tt.full,
		}, Options{})
		if err != nil {
			t.Fatalf("%v: %v", tt, err)
		}
		if ycc.Chroma() != tt.chroma {
			t.Fatalf("%v: got chroma %s", tt, ycc.Chroma())
		}
		ycc.NCLX = &colorprofile.NCLX{MatrixCoefficients: tt.matrix, FullRange: tt.full}

		back, err := table.Convert(ycc, State{Colorspace: pixel.ColorspaceRGB, Chroma: pixel.Chroma444}, Options{})
		if err != nil {
			t.Fatalf("%v: %v", tt, err)
		}
		for _, c := range []pixel.Channel{pixel.ChannelR, pixel.ChannelG, pixel.ChannelB} {
			if p := PSNR(src, back, c); p < 40 {
				t.Errorf("%v: channel %s PSNR %.1f dB", tt, c, p)
			}
		}
	}
}

func TestInterleaveIsLossless(t *testing.T) {
	table := DefaultOperators()
	tests := []struct {
		bits   int
		chroma pixel.Chroma
	}{
		{8, pixel.ChromaInterleavedRGB},
		{10, pixel.ChromaInterleavedRRGGBBBE},
		{12, pixel.ChromaInterleavedRRGGBBLE},
	}
	for _, tt := range tests {
		src := rgbGradient(t, 16, 16, tt.bits)
		packed, err := table.Convert(src, State{Colorspace: pixel.ColorspaceRGB, Chroma: tt.chroma}, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if packed.Chroma() != tt.chroma {
			t.Fatalf("chroma %s, want %s", packed.Chroma(), tt.chroma)
		}
		planar, err := table.Convert(packed, State{Colorspace: pixel.ColorspaceRGB, Chroma: pixel.Chroma444}, Options{})
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range []pixel.Channel{pixel.ChannelR, pixel.ChannelG, pixel.ChannelB} {
			if p := PSNR(src, planar, c); p < 100 {
				t.Errorf("%s: channel %s PSNR %.1f dB", tt.chroma, c, p)
			}
		}
	}
}

func TestSynthesizedAlphaIsOpaque(t *testing.T) {
	table := DefaultOperators()
	tests := []struct {
		bits   int
		chroma pixel.Chroma
		want   uint16
	}{
		{8, pixel.ChromaInterleavedRGBA, 255},
		{10, pixel.ChromaInterleavedRRGGBBAABE, 1023},
	}
	for _, tt := range tests {
		src := rgbGradient(t, 8, 8, tt.bits)
		out, err := table.Convert(src, State{Colorspace: pixel.ColorspaceRGB, Chroma: tt.chroma, HasAlpha: true}, Options{})
		if err != nil {
			t.Fatal(err)
		}
		p := out.Plane(pixel.ChannelInterleaved)
		for y := 0; y < p.Height; y++ {
			for x := 0; x < p.Width; x++ {
				if a := p.At(x, y, 3); a != tt.want {
					t.Fatalf("%s: alpha at (%d,%d) = %d, want %d", tt.chroma, x, y, a, tt.want)
				}
			}
		}
	}
}

func TestMetadataPropagates(t *testing.T) {
	src := rgbGradient(t, 8, 8, 8)
	src.NCLX = colorprofile.SRGB()
	src.ICC = &colorprofile.ICC{Type: "prof", Data: []byte{1, 2, 3}}
	src.PremultipliedAlpha = true
	src.ContentLightLevel = &pixel.ContentLightLevel{MaxContentLightLevel: 1000}
	src.PixelAspectH, src.PixelAspectV = 4, 3
	src.AddWarning(errors.New("decoder warning"))

	out, err := DefaultOperators().Convert(src, State{Colorspace: pixel.ColorspaceYCbCr, Chroma: pixel.Chroma420, Matrix: colorprofile.MatrixBT601}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.NCLX != src.NCLX || out.ICC != src.ICC || !out.PremultipliedAlpha || out.ContentLightLevel != src.ContentLightLevel {
		t.Error("colour metadata lost")
	}
	if out.PixelAspectH != 4 || out.PixelAspectV != 3 || len(out.Warnings) != 1 {
		t.Errorf("pasp %d:%d, %d warnings", out.PixelAspectH, out.PixelAspectV, len(out.Warnings))
	}
}

func TestBitDepthConversion(t *testing.T) {
	src := rgbGradient(t, 4, 4, 8)
	src.Plane(pixel.ChannelR).Set(0, 0, 0, 255)
	out, err := DefaultOperators().Convert(src, State{Colorspace: pixel.ColorspaceRGB, Chroma: pixel.Chroma444, BitDepth: 10}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if out.BitDepth(pixel.ChannelR) != 10 {
		t.Fatalf("bit depth %d", out.BitDepth(pixel.ChannelR))
	}
	if v := out.Plane(pixel.ChannelR).At(0, 0, 0); v != 1023 {
		t.Errorf("white = %d, want 1023", v)
	}
	if v := out.Plane(pixel.ChannelG).At(0, 0, 0); v != 241 {
		t.Errorf("60 scaled to %d, want 241", v)
	}
}

func TestMonochrome(t *testing.T) {
	table := DefaultOperators()
	mono := pixel.New(4, 4, pixel.ColorspaceMonochrome, pixel.ChromaMonochrome)
	if err := mono.AddPlane(pixel.ChannelY, 8); err != nil {
		t.Fatal(err)
	}
	mono.Fill(pixel.ChannelY, 77)

	rgb, err := table.Convert(mono, State{Colorspace: pixel.ColorspaceRGB, Chroma: pixel.ChromaInterleavedRGB}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	p := rgb.Plane(pixel.ChannelInterleaved)
	for k := 0; k < 3; k++ {
		if v := p.At(2, 2, k); v != 77 {
			t.Errorf("component %d = %d", k, v)
		}
	}

	ycc, err := table.Convert(mono, State{Colorspace: pixel.ColorspaceYCbCr, Chroma: pixel.Chroma420}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if v := ycc.Plane(pixel.ChannelCb).At(1, 1, 0); v != 128 {
		t.Errorf("neutral chroma = %d", v)
	}

	back, err := table.Convert(ycc, State{Colorspace: pixel.ColorspaceMonochrome, Chroma: pixel.ChromaMonochrome}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if v := back.Plane(pixel.ChannelY).At(3, 3, 0); v != 77 {
		t.Errorf("luma = %d", v)
	}
}

// fakeOp offers a single transition at a fixed cost.
type fakeOp struct {
	name     string
	from, to pixel.Chroma
	cost     int
}

func (f fakeOp) Name() string { return f.name }

func (f fakeOp) StateAfter(in, target State, opts Options) []Edge {
	if in.Chroma != f.from {
		return nil
	}
	out := in
	out.Chroma = f.to
	return []Edge{{out, f.cost}}
}

func (f fakeOp) Convert(img *pixel.Image, in, out State, opts Options) (*pixel.Image, error) {
	return img, nil
}

func TestBuildPipelinePicksCheapestPath(t *testing.T) {
	table := NewOperatorTable(
		fakeOp{"direct", pixel.Chroma420, pixel.Chroma444, 10},
		fakeOp{"a", pixel.Chroma420, pixel.Chroma422, 2},
		fakeOp{"b", pixel.Chroma422, pixel.Chroma444, 3},
	)
	in := State{Colorspace: pixel.ColorspaceRGB, Chroma: pixel.Chroma420, BitDepth: 8}
	target := in
	target.Chroma = pixel.Chroma444

	p, err := table.BuildPipeline(in, target, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := p.String(); got != "a -> b" {
		t.Errorf("pipeline %q, want %q", got, "a -> b")
	}

	same, err := table.BuildPipeline(in, in, Options{})
	if err != nil || same.Len() != 0 {
		t.Errorf("identity pipeline: %v, %v", same, err)
	}
}

func TestBuildPipelineUnreachable(t *testing.T) {
	table := NewOperatorTable(fakeOp{"a", pixel.Chroma420, pixel.Chroma422, 1})
	in := State{Colorspace: pixel.ColorspaceRGB, Chroma: pixel.Chroma420, BitDepth: 8}
	target := in
	target.Chroma = pixel.ChromaInterleavedRGB
	_, err := table.BuildPipeline(in, target, Options{})
	if !errors.Is(err, heiferr.ErrUnsupportedConversion) {
		t.Errorf("err = %v, want unsupported conversion", err)
	}
}

// copyOp is a fakeOp that returns a new image, or err.
type copyOp struct {
	fakeOp
	err error
}

func (o copyOp) Convert(img *pixel.Image, in, out State, opts Options) (*pixel.Image, error) {
	if o.err != nil {
		return nil, o.err
	}
	res := img.Derive(img.Width(), img.Height(), out.Colorspace, out.Chroma)
	if err := res.AddPlane(pixel.ChannelY, 8); err != nil {
		return nil, err
	}
	return res, nil
}

func TestFailedStepReleasesIntermediate(t *testing.T) {
	tr := limits.NewTracker(nil)
	src := pixel.New(16, 16, pixel.ColorspaceYCbCr, pixel.Chroma420)
	src.SetMemoryLimits(nil, tr)
	if err := src.AddPlane(pixel.ChannelY, 8); err != nil {
		t.Fatal(err)
	}
	held := tr.Total()

	broken := errors.New("broken")
	table := NewOperatorTable(
		copyOp{fakeOp{"a", pixel.Chroma420, pixel.Chroma422, 1}, nil},
		copyOp{fakeOp{"b", pixel.Chroma422, pixel.Chroma444, 1}, broken},
	)
	target := StateOf(src)
	target.Chroma = pixel.Chroma444
	p, err := table.BuildPipeline(StateOf(src), target, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Convert(src); !errors.Is(err, broken) {
		t.Fatalf("err = %v", err)
	}
	if got := tr.Total(); got != held {
		t.Errorf("%d bytes tracked after the failed conversion, want %d", got, held)
	}
	if src.Plane(pixel.ChannelY) == nil {
		t.Error("input image released")
	}
}

func TestOnlyPreferredRestrictsOperators(t *testing.T) {
	in := State{Colorspace: pixel.ColorspaceYCbCr, Chroma: pixel.Chroma420, BitDepth: 8, Matrix: colorprofile.MatrixBT601}
	target := in
	target.Chroma = pixel.Chroma444

	table := NewOperatorTable(chromaUpsample{nearest: true})
	if _, err := table.BuildPipeline(in, target, Options{OnlyPreferred: true}); err == nil {
		t.Error("non-preferred upsampler used")
	}
	p, err := table.BuildPipeline(in, target, Options{Upsampling: UpsamplingNearest, OnlyPreferred: true})
	if err != nil {
		t.Fatal(err)
	}
	if p.String() != "upsample chroma (nearest)" {
		t.Errorf("pipeline %s", p)
	}
}
