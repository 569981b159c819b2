package pixel

import (
	"github.com/heifkit/goheif/heif/heiferr"
)

// Mirror axes. MirrorVertical flips top and bottom, MirrorHorizontal flips
// left and right.
type Mirror int

const (
	MirrorVertical Mirror = iota
	MirrorHorizontal
)

// to444 upsamples the chroma planes of a 4:2:0 or 4:2:2 image by sample
// repetition. Other images are returned unchanged.
func (img *Image) to444() (*Image, error) {
	if img.colorspace != ColorspaceYCbCr || (img.chroma != Chroma420 && img.chroma != Chroma422) {
		return img, nil
	}
	sh, sv := img.chroma.Subsampling()
	out := img.Derive(img.width, img.height, img.colorspace, Chroma444)
	for _, c := range img.Channels() {
		p := img.planes[c]
		if !c.IsChroma() {
			if err := out.AddChannel(c, p.Width, p.Height, p.Datatype, p.BitDepth); err != nil {
				return nil, err
			}
			copyPlane(out.planes[c], p, 0, 0, 0, 0, p.Width, p.Height)
			continue
		}
		if err := out.AddChannel(c, img.width, img.height, p.Datatype, p.BitDepth); err != nil {
			return nil, err
		}
		op := out.planes[c]
		for y := 0; y < img.height; y++ {
			for x := 0; x < img.width; x++ {
				op.Set(x, y, 0, p.At(x/sh, y/sv, 0))
			}
		}
	}
	return out, nil
}

// copyPlane copies a w x h block from src at (sx,sy) to dst at (dx,dy).
// Both planes must share the sample layout.
func copyPlane(dst, src *Plane, dx, dy, sx, sy, w, h int) {
	pb := src.pixelBytes()
	for y := 0; y < h; y++ {
		s := src.Data[(sy+y)*src.Stride+sx*pb:]
		d := dst.Data[(dy+y)*dst.Stride+dx*pb:]
		copy(d[:w*pb], s[:w*pb])
	}
}

func isOdd(v int) bool { return v&1 != 0 }

// RotateCCW returns the image rotated counter-clockwise by deg degrees,
// which must be 0, 90, 180 or 270. For 0 the image itself is returned.
func (img *Image) RotateCCW(deg int) (*Image, error) {
	switch deg {
	case 0:
		return img, nil
	case 90, 180, 270:
	default:
		return nil, heiferr.Newf(heiferr.UsageError, heiferr.InvalidParameterValue, "rotation by %d degrees", deg)
	}

	src := img
	if deg != 180 || isOdd(img.width) || isOdd(img.height) {
		// Subsampled chroma cannot follow an axis swap or an odd-sized flip.
		if img.chroma == Chroma420 || img.chroma == Chroma422 {
			var err error
			if src, err = img.to444(); err != nil {
				return nil, err
			}
		}
	}

	w, h := src.width, src.height
	if deg != 180 {
		w, h = h, w
	}
	out, err := src.sameLayout(w, h)
	if err != nil {
		return nil, err
	}
	for _, c := range src.Channels() {
		in, op := src.planes[c], out.planes[c]
		pw, ph := in.Width, in.Height
		for y := 0; y < op.Height; y++ {
			for x := 0; x < op.Width; x++ {
				var ix, iy int
				switch deg {
				case 90:
					ix, iy = pw-1-y, x
				case 180:
					ix, iy = pw-1-x, ph-1-y
				case 270:
					ix, iy = y, ph-1-x
				}
				copyPixel(op, in, x, y, ix, iy)
			}
		}
	}
	return out, nil
}

func copyPixel(dst, src *Plane, dx, dy, sx, sy int) {
	pb := src.pixelBytes()
	copy(dst.Data[dy*dst.Stride+dx*pb:dy*dst.Stride+(dx+1)*pb], src.Data[sy*src.Stride+sx*pb:])
}

// MirrorInPlace flips the image about the given axis. Subsampled images of
// odd size along the flipped direction are first converted to 4:4:4, in
// which case the receiver's planes are replaced.
func (img *Image) MirrorInPlace(m Mirror) error {
	odd := (m == MirrorHorizontal && isOdd(img.width)) || (m == MirrorVertical && isOdd(img.height))
	if odd && (img.chroma == Chroma420 || img.chroma == Chroma422) {
		full, err := img.to444()
		if err != nil {
			return err
		}
		img.Release()
		img.chroma, img.planes, img.tracked = full.chroma, full.planes, full.tracked
	}
	for _, c := range img.Channels() {
		p := img.planes[c]
		pb := p.pixelBytes()
		switch m {
		case MirrorHorizontal:
			tmp := make([]byte, pb)
			for y := 0; y < p.Height; y++ {
				row := p.Data[y*p.Stride:]
				for x := 0; x < p.Width/2; x++ {
					a := row[x*pb : (x+1)*pb]
					b := row[(p.Width-1-x)*pb : (p.Width-x)*pb]
					copy(tmp, a)
					copy(a, b)
					copy(b, tmp)
				}
			}
		case MirrorVertical:
			tmp := make([]byte, p.Width*pb)
			for y := 0; y < p.Height/2; y++ {
				a := p.Data[y*p.Stride : y*p.Stride+p.Width*pb]
				yy := p.Height - 1 - y
				b := p.Data[yy*p.Stride : yy*p.Stride+p.Width*pb]
				copy(tmp, a)
				copy(a, b)
				copy(b, tmp)
			}
		}
	}
	return nil
}

// Crop returns the region between the inclusive pixel bounds.
func (img *Image) Crop(left, right, top, bottom int) (*Image, error) {
	if left < 0 || top < 0 || right < left || bottom < top || right >= img.width || bottom >= img.height {
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.InvalidCleanAperture,
			"crop [%d,%d]x[%d,%d] outside of %dx%d image", left, right, top, bottom, img.width, img.height)
	}
	src := img
	if (isOdd(left) && (img.chroma == Chroma420 || img.chroma == Chroma422)) || (isOdd(top) && img.chroma == Chroma420) {
		var err error
		if src, err = img.to444(); err != nil {
			return nil, err
		}
	}

	w, h := right-left+1, bottom-top+1
	out, err := src.sameLayout(w, h)
	if err != nil {
		return nil, err
	}
	for _, c := range src.Channels() {
		in, op := src.planes[c], out.planes[c]
		pl := left * in.Width / src.width
		pt := top * in.Height / src.height
		cw, ch := op.Width, op.Height
		if pl+cw > in.Width {
			cw = in.Width - pl
		}
		if pt+ch > in.Height {
			ch = in.Height - pt
		}
		copyPlane(op, in, 0, 0, pl, pt, cw, ch)
	}
	return out, nil
}

// ScaleNearestNeighbor resamples every plane to the new size, picking the
// source sample under the centre of each destination pixel. All planes
// must be 8 bit.
func (img *Image) ScaleNearestNeighbor(width, height int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, heiferr.New(heiferr.UsageError, heiferr.InvalidImageSize, "scaling to an empty image")
	}
	for _, c := range img.Channels() {
		if img.planes[c].BitDepth != 8 {
			return nil, heiferr.New(heiferr.UnsupportedFeature, heiferr.UnsupportedBitDepth, "nearest neighbor scaling requires 8 bit planes")
		}
	}
	if img.chroma == ChromaUndefined {
		return nil, heiferr.New(heiferr.UnsupportedFeature, heiferr.UnsupportedColorConversion, "cannot scale an image without chroma layout")
	}
	out, err := img.sameLayout(width, height)
	if err != nil {
		return nil, err
	}
	for _, c := range img.Channels() {
		in, op := img.planes[c], out.planes[c]
		sw, sh := uint64(in.Width), uint64(in.Height)
		dw2, dh2 := 2*uint64(op.Width), 2*uint64(op.Height)
		for y := 0; y < op.Height; y++ {
			sy := int((2*uint64(y) + 1) * sh / dh2)
			for x := 0; x < op.Width; x++ {
				sx := int((2*uint64(x) + 1) * sw / dw2)
				copyPixel(op, in, x, y, sx, sy)
			}
		}
	}
	return out, nil
}
