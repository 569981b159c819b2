package colorconv

import (
	"math"

	"github.com/heifkit/goheif/heif/colorprofile"
	"github.com/heifkit/goheif/heif/pixel"
)

func isPlanar(c pixel.Chroma) bool { return c != pixel.ChromaUndefined && !c.Interleaved() }

func isSubsampled(c pixel.Chroma) bool { return c == pixel.Chroma420 || c == pixel.Chroma422 }

// copyChannel copies channel c of src into a new plane of dst.
func copyChannel(dst, src *pixel.Image, c pixel.Channel) error {
	sp := src.Plane(c)
	if sp == nil {
		return nil
	}
	if err := dst.AddChannel(c, sp.Width, sp.Height, sp.Datatype, sp.BitDepth); err != nil {
		return err
	}
	dp := dst.Plane(c)
	for y := 0; y < sp.Height; y++ {
		copy(dp.Row(y), sp.Row(y))
	}
	return nil
}

func preferenceCost(preferred, only bool) (int, bool) {
	switch {
	case preferred:
		return CostFast, true
	case only:
		return 0, false
	}
	return CostMedium, true
}

type chromaUpsample struct {
	nearest bool
}

func (op chromaUpsample) Name() string {
	if op.nearest {
		return "upsample chroma (nearest)"
	}
	return "upsample chroma (bilinear)"
}

func (op chromaUpsample) StateAfter(in, target State, opts Options) []Edge {
	if in.Colorspace != pixel.ColorspaceYCbCr || !isSubsampled(in.Chroma) {
		return nil
	}
	cost, ok := preferenceCost(op.nearest == (opts.Upsampling == UpsamplingNearest), opts.OnlyPreferred)
	if !ok {
		return nil
	}
	out := in
	out.Chroma = pixel.Chroma444
	return []Edge{{out, cost}}
}

func (op chromaUpsample) Convert(img *pixel.Image, in, out State, opts Options) (*pixel.Image, error) {
	sh, sv := in.Chroma.Subsampling()
	res := img.Derive(img.Width(), img.Height(), pixel.ColorspaceYCbCr, pixel.Chroma444)
	for _, c := range img.Channels() {
		if !c.IsChroma() {
			if err := copyChannel(res, img, c); err != nil {
				return nil, err
			}
			continue
		}
		sp := img.Plane(c)
		if err := res.AddChannel(c, img.Width(), img.Height(), sp.Datatype, sp.BitDepth); err != nil {
			return nil, err
		}
		dp := res.Plane(c)
		if op.nearest {
			for y := 0; y < dp.Height; y++ {
				for x := 0; x < dp.Width; x++ {
					dp.Set(x, y, 0, sp.At(x/sh, y/sv, 0))
				}
			}
			continue
		}
		upsampleBilinear(dp, sp, sh, sv)
	}
	return res, nil
}

// samplePos maps a full resolution coordinate to the two neighbouring
// chroma samples and the weight of the second one. Chroma samples are
// centred between the luma samples they cover.
func samplePos(v, factor, n int) (i0, i1 int, w float64) {
	f := (float64(v)+0.5)/float64(factor) - 0.5
	if f < 0 {
		f = 0
	}
	i0 = int(f)
	w = f - float64(i0)
	if i0 >= n-1 {
		return n - 1, n - 1, 0
	}
	return i0, i0 + 1, w
}

func upsampleBilinear(dst, src *pixel.Plane, sh, sv int) {
	for y := 0; y < dst.Height; y++ {
		y0, y1, wy := samplePos(y, sv, src.Height)
		for x := 0; x < dst.Width; x++ {
			x0, x1, wx := samplePos(x, sh, src.Width)
			top := (1-wx)*float64(src.At(x0, y0, 0)) + wx*float64(src.At(x1, y0, 0))
			bot := (1-wx)*float64(src.At(x0, y1, 0)) + wx*float64(src.At(x1, y1, 0))
			dst.Set(x, y, 0, uint16((1-wy)*top+wy*bot+0.5))
		}
	}
}

type chromaDownsample struct {
	nearest bool
}

func (op chromaDownsample) Name() string {
	if op.nearest {
		return "downsample chroma (nearest)"
	}
	return "downsample chroma (average)"
}

func (op chromaDownsample) StateAfter(in, target State, opts Options) []Edge {
	if in.Colorspace != pixel.ColorspaceYCbCr || in.Chroma != pixel.Chroma444 ||
		target.Colorspace != pixel.ColorspaceYCbCr || !isSubsampled(target.Chroma) {
		return nil
	}
	cost, ok := preferenceCost(op.nearest == (opts.Downsampling == DownsamplingNearest), opts.OnlyPreferred)
	if !ok {
		return nil
	}
	out := in
	out.Chroma = target.Chroma
	return []Edge{{out, cost}}
}

func (op chromaDownsample) Convert(img *pixel.Image, in, out State, opts Options) (*pixel.Image, error) {
	sh, sv := out.Chroma.Subsampling()
	res := img.Derive(img.Width(), img.Height(), pixel.ColorspaceYCbCr, out.Chroma)
	for _, c := range img.Channels() {
		if !c.IsChroma() {
			if err := copyChannel(res, img, c); err != nil {
				return nil, err
			}
			continue
		}
		sp := img.Plane(c)
		if err := res.AddPlane(c, sp.BitDepth); err != nil {
			return nil, err
		}
		dp := res.Plane(c)
		for y := 0; y < dp.Height; y++ {
			for x := 0; x < dp.Width; x++ {
				if op.nearest {
					dp.Set(x, y, 0, sp.At(x*sh, y*sv, 0))
					continue
				}
				var sum, n uint32
				for yy := y * sv; yy < (y+1)*sv && yy < sp.Height; yy++ {
					for xx := x * sh; xx < (x+1)*sh && xx < sp.Width; xx++ {
						sum += uint32(sp.At(xx, yy, 0))
						n++
					}
				}
				dp.Set(x, y, 0, uint16((sum+n/2)/n))
			}
		}
	}
	return res, nil
}

const (
	matrixKrKb = iota
	matrixIdentity
	matrixYCgCo
)

type coefficients struct {
	kind   int
	kr, kb float64
}

func coefficientsFor(matrix uint16) coefficients {
	switch matrix {
	case colorprofile.MatrixIdentity:
		return coefficients{kind: matrixIdentity}
	case colorprofile.MatrixYCgCo:
		return coefficients{kind: matrixYCgCo}
	}
	k, _ := colorprofile.Coefficients(matrix)
	return coefficients{kind: matrixKrKb, kr: float64(k.Kr), kb: float64(k.Kb)}
}

// valueRange maps normalized luma [0,1] and chroma [-0.5,0.5] to integer
// code values.
type valueRange struct {
	max          float64
	half         float64
	yOff, yScale float64
	cScale       float64
}

func newValueRange(bits int, full bool) valueRange {
	peak := float64(uint32(1)<<uint(bits) - 1)
	r := valueRange{max: peak, half: float64(uint32(1) << uint(bits-1))}
	if full || bits < 8 {
		r.yScale, r.cScale = peak, peak
		return r
	}
	s := float64(uint32(1) << uint(bits-8))
	r.yOff, r.yScale, r.cScale = 16*s, 219*s, 224*s
	return r
}

func (r valueRange) clamp(v float64) uint16 {
	switch {
	case v < 0:
		return 0
	case v > r.max:
		return uint16(r.max)
	}
	return uint16(v + 0.5)
}

func (r valueRange) encodeLuma(v float64) uint16   { return r.clamp(r.yOff + v*r.yScale) }
func (r valueRange) encodeChroma(v float64) uint16 { return r.clamp(r.half + v*r.cScale) }
func (r valueRange) decodeLuma(v uint16) float64   { return (float64(v) - r.yOff) / r.yScale }
func (r valueRange) decodeChroma(v uint16) float64 { return (float64(v) - r.half) / r.cScale }

func (k coefficients) toRGB(y, cb, cr float64) (r, g, b float64) {
	switch k.kind {
	case matrixIdentity:
		return cr, y, cb
	case matrixYCgCo:
		t := y - cb
		return t + cr, y + cb, t - cr
	}
	r = y + 2*(1-k.kr)*cr
	b = y + 2*(1-k.kb)*cb
	g = (y - k.kr*r - k.kb*b) / (1 - k.kr - k.kb)
	return r, g, b
}

func (k coefficients) fromRGB(r, g, b float64) (y, cb, cr float64) {
	switch k.kind {
	case matrixIdentity:
		return g, b, r
	case matrixYCgCo:
		return r/4 + g/2 + b/4, -r/4 + g/2 - b/4, r/2 - b/2
	}
	y = k.kr*r + (1-k.kr-k.kb)*g + k.kb*b
	return y, (b - y) / (2 * (1 - k.kb)), (r - y) / (2 * (1 - k.kr))
}

type ycbcrToRGB struct{}

func (ycbcrToRGB) Name() string { return "YCbCr to RGB" }

func (ycbcrToRGB) StateAfter(in, target State, opts Options) []Edge {
	if in.Colorspace != pixel.ColorspaceYCbCr || in.Chroma != pixel.Chroma444 || in.BitDepth > 16 {
		return nil
	}
	out := State{Colorspace: pixel.ColorspaceRGB, Chroma: pixel.Chroma444, HasAlpha: in.HasAlpha, BitDepth: in.BitDepth}
	return []Edge{{out, CostMedium}}
}

func (ycbcrToRGB) Convert(img *pixel.Image, in, out State, opts Options) (*pixel.Image, error) {
	res := img.Derive(img.Width(), img.Height(), pixel.ColorspaceRGB, pixel.Chroma444)
	for _, c := range []pixel.Channel{pixel.ChannelR, pixel.ChannelG, pixel.ChannelB} {
		if err := res.AddPlane(c, in.BitDepth); err != nil {
			return nil, err
		}
	}
	if err := copyChannel(res, img, pixel.ChannelAlpha); err != nil {
		return nil, err
	}
	k := coefficientsFor(in.Matrix)
	vr := newValueRange(in.BitDepth, in.FullRange)
	full := newValueRange(in.BitDepth, true)
	identity := k.kind == matrixIdentity
	py, pcb, pcr := img.Plane(pixel.ChannelY), img.Plane(pixel.ChannelCb), img.Plane(pixel.ChannelCr)
	pr, pg, pb := res.Plane(pixel.ChannelR), res.Plane(pixel.ChannelG), res.Plane(pixel.ChannelB)
	for y := 0; y < img.Height(); y++ {
		for x := 0; x < img.Width(); x++ {
			vy := vr.decodeLuma(py.At(x, y, 0))
			var vcb, vcr float64
			if identity {
				vcb, vcr = vr.decodeLuma(pcb.At(x, y, 0)), vr.decodeLuma(pcr.At(x, y, 0))
			} else {
				vcb, vcr = vr.decodeChroma(pcb.At(x, y, 0)), vr.decodeChroma(pcr.At(x, y, 0))
			}
			r, g, b := k.toRGB(vy, vcb, vcr)
			pr.Set(x, y, 0, full.encodeLuma(r))
			pg.Set(x, y, 0, full.encodeLuma(g))
			pb.Set(x, y, 0, full.encodeLuma(b))
		}
	}
	return res, nil
}

type rgbToYCbCr struct{}

func (rgbToYCbCr) Name() string { return "RGB to YCbCr" }

func (rgbToYCbCr) StateAfter(in, target State, opts Options) []Edge {
	if in.Colorspace != pixel.ColorspaceRGB || in.Chroma != pixel.Chroma444 || in.BitDepth > 16 {
		return nil
	}
	out := State{Colorspace: pixel.ColorspaceYCbCr, Chroma: pixel.Chroma444, HasAlpha: in.HasAlpha, BitDepth: in.BitDepth}
	switch target.Colorspace {
	case pixel.ColorspaceYCbCr:
		out.Matrix, out.FullRange = target.Matrix, target.FullRange
	case pixel.ColorspaceMonochrome:
		out.Matrix, out.FullRange = colorprofile.MatrixBT601, true
	default:
		return nil
	}
	return []Edge{{out, CostMedium}}
}

func (rgbToYCbCr) Convert(img *pixel.Image, in, out State, opts Options) (*pixel.Image, error) {
	res := img.Derive(img.Width(), img.Height(), pixel.ColorspaceYCbCr, pixel.Chroma444)
	for _, c := range []pixel.Channel{pixel.ChannelY, pixel.ChannelCb, pixel.ChannelCr} {
		if err := res.AddPlane(c, in.BitDepth); err != nil {
			return nil, err
		}
	}
	if err := copyChannel(res, img, pixel.ChannelAlpha); err != nil {
		return nil, err
	}
	k := coefficientsFor(out.Matrix)
	vr := newValueRange(out.BitDepth, out.FullRange)
	full := newValueRange(in.BitDepth, true)
	identity := k.kind == matrixIdentity
	pr, pg, pb := img.Plane(pixel.ChannelR), img.Plane(pixel.ChannelG), img.Plane(pixel.ChannelB)
	py, pcb, pcr := res.Plane(pixel.ChannelY), res.Plane(pixel.ChannelCb), res.Plane(pixel.ChannelCr)
	for y := 0; y < img.Height(); y++ {
		for x := 0; x < img.Width(); x++ {
			vy, vcb, vcr := k.fromRGB(full.decodeLuma(pr.At(x, y, 0)), full.decodeLuma(pg.At(x, y, 0)), full.decodeLuma(pb.At(x, y, 0)))
			py.Set(x, y, 0, vr.encodeLuma(vy))
			if identity {
				pcb.Set(x, y, 0, vr.encodeLuma(vcb))
				pcr.Set(x, y, 0, vr.encodeLuma(vcr))
			} else {
				pcb.Set(x, y, 0, vr.encodeChroma(vcb))
				pcr.Set(x, y, 0, vr.encodeChroma(vcr))
			}
		}
	}
	return res, nil
}

// interleavedChroma returns the interleaved layouts holding RGB samples of
// the given depth.
func interleavedChroma(bits int, alpha bool) []pixel.Chroma {
	switch {
	case bits == 8 && alpha:
		return []pixel.Chroma{pixel.ChromaInterleavedRGBA}
	case bits == 8:
		return []pixel.Chroma{pixel.ChromaInterleavedRGB}
	case bits > 8 && bits <= 16 && alpha:
		return []pixel.Chroma{pixel.ChromaInterleavedRRGGBBAABE, pixel.ChromaInterleavedRRGGBBAALE}
	case bits > 8 && bits <= 16:
		return []pixel.Chroma{pixel.ChromaInterleavedRRGGBBBE, pixel.ChromaInterleavedRRGGBBLE}
	}
	return nil
}

var interleavedOrder = []pixel.Channel{pixel.ChannelR, pixel.ChannelG, pixel.ChannelB, pixel.ChannelAlpha}

type rgbInterleave struct{}

func (rgbInterleave) Name() string { return "interleave RGB" }

func (rgbInterleave) StateAfter(in, target State, opts Options) []Edge {
	if in.Colorspace != pixel.ColorspaceRGB || in.Chroma != pixel.Chroma444 {
		return nil
	}
	var edges []Edge
	for _, c := range interleavedChroma(in.BitDepth, in.HasAlpha) {
		out := in
		out.Chroma = c
		edges = append(edges, Edge{out, CostFast})
	}
	return edges
}

func (rgbInterleave) Convert(img *pixel.Image, in, out State, opts Options) (*pixel.Image, error) {
	res := img.Derive(img.Width(), img.Height(), pixel.ColorspaceRGB, out.Chroma)
	if err := res.AddPlane(pixel.ChannelInterleaved, in.BitDepth); err != nil {
		return nil, err
	}
	dp := res.Plane(pixel.ChannelInterleaved)
	for k := 0; k < dp.Components; k++ {
		sp := img.Plane(interleavedOrder[k])
		for y := 0; y < dp.Height; y++ {
			for x := 0; x < dp.Width; x++ {
				dp.Set(x, y, k, sp.At(x, y, 0))
			}
		}
	}
	return res, nil
}

type rgbDeinterleave struct{}

func (rgbDeinterleave) Name() string { return "deinterleave RGB" }

func (rgbDeinterleave) StateAfter(in, target State, opts Options) []Edge {
	if in.Colorspace != pixel.ColorspaceRGB || !in.Chroma.Interleaved() {
		return nil
	}
	out := in
	out.Chroma = pixel.Chroma444
	return []Edge{{out, CostFast}}
}

func (rgbDeinterleave) Convert(img *pixel.Image, in, out State, opts Options) (*pixel.Image, error) {
	res := img.Derive(img.Width(), img.Height(), pixel.ColorspaceRGB, pixel.Chroma444)
	sp := img.Plane(pixel.ChannelInterleaved)
	for k := 0; k < sp.Components; k++ {
		c := interleavedOrder[k]
		if err := res.AddPlane(c, sp.BitDepth); err != nil {
			return nil, err
		}
		dp := res.Plane(c)
		for y := 0; y < sp.Height; y++ {
			for x := 0; x < sp.Width; x++ {
				dp.Set(x, y, 0, sp.At(x, y, k))
			}
		}
	}
	return res, nil
}

type bitDepth struct{}

func (bitDepth) Name() string { return "change bit depth" }

func (bitDepth) StateAfter(in, target State, opts Options) []Edge {
	if !isPlanar(in.Chroma) || target.BitDepth == in.BitDepth ||
		target.BitDepth < 1 || target.BitDepth > 16 || in.BitDepth > 16 {
		return nil
	}
	out := in
	out.BitDepth = target.BitDepth
	return []Edge{{out, CostMedium}}
}

func (bitDepth) Convert(img *pixel.Image, in, out State, opts Options) (*pixel.Image, error) {
	res := img.Derive(img.Width(), img.Height(), img.Colorspace(), img.Chroma())
	for _, c := range img.Channels() {
		sp := img.Plane(c)
		if err := res.AddChannel(c, sp.Width, sp.Height, sp.Datatype, out.BitDepth); err != nil {
			return nil, err
		}
		dp := res.Plane(c)
		from, to := sp.MaxValue(), dp.MaxValue()
		for y := 0; y < sp.Height; y++ {
			for x := 0; x < sp.Width; x++ {
				v := uint32(sp.At(x, y, 0))
				dp.Set(x, y, 0, uint16((v*to+from/2)/from))
			}
		}
	}
	return res, nil
}

type monoToYCbCr struct{}

func (monoToYCbCr) Name() string { return "monochrome to YCbCr" }

func (monoToYCbCr) StateAfter(in, target State, opts Options) []Edge {
	if in.Colorspace != pixel.ColorspaceMonochrome || target.Colorspace != pixel.ColorspaceYCbCr {
		return nil
	}
	out := in
	out.Colorspace = pixel.ColorspaceYCbCr
	out.Matrix, out.FullRange = target.Matrix, target.FullRange
	out.Chroma = pixel.Chroma444
	edges := []Edge{{out, CostFast}}
	if isSubsampled(target.Chroma) {
		out.Chroma = target.Chroma
		edges = append(edges, Edge{out, CostFast})
	}
	return edges
}

func (monoToYCbCr) Convert(img *pixel.Image, in, out State, opts Options) (*pixel.Image, error) {
	res := img.Derive(img.Width(), img.Height(), pixel.ColorspaceYCbCr, out.Chroma)
	for _, c := range []pixel.Channel{pixel.ChannelY, pixel.ChannelAlpha} {
		if err := copyChannel(res, img, c); err != nil {
			return nil, err
		}
	}
	half := uint16(1) << uint(in.BitDepth-1)
	for _, c := range []pixel.Channel{pixel.ChannelCb, pixel.ChannelCr} {
		if err := res.AddPlane(c, in.BitDepth); err != nil {
			return nil, err
		}
		res.Fill(c, half)
	}
	return res, nil
}

type monoToRGB struct{}

func (monoToRGB) Name() string { return "monochrome to RGB" }

func (monoToRGB) StateAfter(in, target State, opts Options) []Edge {
	if in.Colorspace != pixel.ColorspaceMonochrome || target.Colorspace != pixel.ColorspaceRGB {
		return nil
	}
	out := in
	out.Colorspace, out.Chroma = pixel.ColorspaceRGB, pixel.Chroma444
	return []Edge{{out, CostFast}}
}

func (monoToRGB) Convert(img *pixel.Image, in, out State, opts Options) (*pixel.Image, error) {
	res := img.Derive(img.Width(), img.Height(), pixel.ColorspaceRGB, pixel.Chroma444)
	sp := img.Plane(pixel.ChannelY)
	for _, c := range []pixel.Channel{pixel.ChannelR, pixel.ChannelG, pixel.ChannelB} {
		if err := res.AddPlane(c, sp.BitDepth); err != nil {
			return nil, err
		}
		dp := res.Plane(c)
		for y := 0; y < sp.Height; y++ {
			copy(dp.Row(y), sp.Row(y))
		}
	}
	if err := copyChannel(res, img, pixel.ChannelAlpha); err != nil {
		return nil, err
	}
	return res, nil
}

type ycbcrToMono struct{}

func (ycbcrToMono) Name() string { return "YCbCr to monochrome" }

func (ycbcrToMono) StateAfter(in, target State, opts Options) []Edge {
	if in.Colorspace != pixel.ColorspaceYCbCr || !isPlanar(in.Chroma) || target.Colorspace != pixel.ColorspaceMonochrome {
		return nil
	}
	out := in
	out.Colorspace, out.Chroma = pixel.ColorspaceMonochrome, pixel.ChromaMonochrome
	return []Edge{{out, CostFast}}
}

func (ycbcrToMono) Convert(img *pixel.Image, in, out State, opts Options) (*pixel.Image, error) {
	res := img.Derive(img.Width(), img.Height(), pixel.ColorspaceMonochrome, pixel.ChromaMonochrome)
	for _, c := range []pixel.Channel{pixel.ChannelY, pixel.ChannelAlpha} {
		if err := copyChannel(res, img, c); err != nil {
			return nil, err
		}
	}
	return res, nil
}

type addAlpha struct{}

func (addAlpha) Name() string { return "add alpha" }

func (addAlpha) StateAfter(in, target State, opts Options) []Edge {
	if in.HasAlpha || !target.HasAlpha || !isPlanar(in.Chroma) {
		return nil
	}
	out := in
	out.HasAlpha = true
	return []Edge{{out, CostTrivial}}
}

func (addAlpha) Convert(img *pixel.Image, in, out State, opts Options) (*pixel.Image, error) {
	res := img.Derive(img.Width(), img.Height(), img.Colorspace(), img.Chroma())
	for _, c := range img.Channels() {
		if err := copyChannel(res, img, c); err != nil {
			return nil, err
		}
	}
	if err := res.AddPlane(pixel.ChannelAlpha, in.BitDepth); err != nil {
		return nil, err
	}
	res.Fill(pixel.ChannelAlpha, uint16(res.Plane(pixel.ChannelAlpha).MaxValue()))
	return res, nil
}

type dropAlpha struct{}

func (dropAlpha) Name() string { return "drop alpha" }

func (dropAlpha) StateAfter(in, target State, opts Options) []Edge {
	if !in.HasAlpha || target.HasAlpha || !isPlanar(in.Chroma) {
		return nil
	}
	out := in
	out.HasAlpha = false
	return []Edge{{out, CostTrivial}}
}

func (dropAlpha) Convert(img *pixel.Image, in, out State, opts Options) (*pixel.Image, error) {
	res := img.Derive(img.Width(), img.Height(), img.Colorspace(), img.Chroma())
	for _, c := range img.Channels() {
		if c == pixel.ChannelAlpha {
			continue
		}
		if err := copyChannel(res, img, c); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// PSNR returns the peak signal to noise ratio between channel c of two
// images of equal size, or +Inf if they are identical.
func PSNR(a, b *pixel.Image, c pixel.Channel) float64 {
	pa, pb := a.Plane(c), b.Plane(c)
	var sum float64
	n := 0
	for y := 0; y < pa.Height; y++ {
		for x := 0; x < pa.Width; x++ {
			for k := 0; k < pa.Components; k++ {
				d := float64(pa.At(x, y, k)) - float64(pb.At(x, y, k))
				sum += d * d
				n++
			}
		}
	}
	if sum == 0 {
		return math.Inf(1)
	}
	peak := float64(pa.MaxValue())
	return 10 * math.Log10(peak*peak/(sum/float64(n)))
}
