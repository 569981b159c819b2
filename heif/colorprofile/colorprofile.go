// Package colorprofile describes the colour characterisation attached to
// images: NCLX (primaries / transfer / matrix) or an embedded ICC profile.
package colorprofile

import "fmt"

// Well known NCLX code points.
const (
	PrimariesBT709       = 1
	PrimariesUnspecified = 2
	PrimariesBT2020      = 9

	TransferBT709       = 1
	TransferUnspecified = 2
	TransferPQ          = 16
	TransferHLG         = 18
	TransferSRGB        = 13

	MatrixIdentity    = 0
	MatrixBT709       = 1
	MatrixUnspecified = 2
	MatrixBT470BG     = 5
	MatrixBT601       = 6
	MatrixSMPTE240M   = 7
	MatrixYCgCo       = 8
	MatrixBT2020NCL   = 9
	MatrixBT2020CL    = 10
	MatrixChromaNCL   = 12
)

// NCLX is an "nclx" colour description.
type NCLX struct {
	ColourPrimaries         uint16
	TransferCharacteristics uint16
	MatrixCoefficients      uint16
	FullRange               bool
}

// SRGB returns the profile assumed for RGB content without colour
// information.
func SRGB() *NCLX {
	return &NCLX{
		ColourPrimaries:         PrimariesBT709,
		TransferCharacteristics: TransferSRGB,
		MatrixCoefficients:      MatrixBT601,
		FullRange:               true,
	}
}

// Undefined returns a profile with every field unspecified.
func Undefined() *NCLX {
	return &NCLX{
		ColourPrimaries:         PrimariesUnspecified,
		TransferCharacteristics: TransferUnspecified,
		MatrixCoefficients:      MatrixUnspecified,
	}
}

func (n *NCLX) String() string {
	return fmt.Sprintf("nclx(primaries=%d transfer=%d matrix=%d full=%v)",
		n.ColourPrimaries, n.TransferCharacteristics, n.MatrixCoefficients, n.FullRange)
}

// KrKb are the luma weights of a YCbCr matrix.
type KrKb struct {
	Kr, Kb float32
}

// Coefficients returns the luma weights for matrix; ok is false when the
// matrix is not a plain Kr/Kb matrix (identity, YCgCo, ...). Unknown
// values fall back to BT.601.
func Coefficients(matrix uint16) (c KrKb, ok bool) {
	switch matrix {
	case MatrixBT709:
		return KrKb{0.2126, 0.0722}, true
	case MatrixBT470BG, MatrixBT601:
		return KrKb{0.299, 0.114}, true
	case MatrixSMPTE240M:
		return KrKb{0.212, 0.087}, true
	case MatrixBT2020NCL, MatrixBT2020CL:
		return KrKb{0.2627, 0.0593}, true
	case MatrixIdentity, MatrixYCgCo:
		return KrKb{}, false
	}
	return KrKb{0.299, 0.114}, true
}

// Primaries are CIE xy chromaticities of a set of primaries and white point.
type Primaries struct {
	Defined        bool
	GreenX, GreenY float32
	BlueX, BlueY   float32
	RedX, RedY     float32
	WhiteX, WhiteY float32
}

// ColourPrimaries looks up the chromaticities of an NCLX primaries index.
func ColourPrimaries(idx uint16) Primaries {
	p := func(gx, gy, bx, by, rx, ry, wx, wy float32) Primaries {
		return Primaries{true, gx, gy, bx, by, rx, ry, wx, wy}
	}
	switch idx {
	case 1:
		return p(0.300, 0.600, 0.150, 0.060, 0.640, 0.330, 0.3127, 0.3290)
	case 4:
		return p(0.21, 0.71, 0.14, 0.08, 0.67, 0.33, 0.310, 0.316)
	case 5:
		return p(0.29, 0.60, 0.15, 0.06, 0.64, 0.33, 0.3127, 0.3290)
	case 6, 7:
		return p(0.310, 0.595, 0.155, 0.070, 0.630, 0.340, 0.3127, 0.3290)
	case 8:
		return p(0.243, 0.692, 0.145, 0.049, 0.681, 0.319, 0.310, 0.316)
	case 9:
		return p(0.170, 0.797, 0.131, 0.046, 0.708, 0.292, 0.3127, 0.3290)
	case 10:
		return p(0.0, 1.0, 0.0, 0.0, 1.0, 0.0, 0.333333, 0.33333)
	case 11:
		return p(0.265, 0.690, 0.150, 0.060, 0.680, 0.320, 0.314, 0.351)
	case 12:
		return p(0.265, 0.690, 0.150, 0.060, 0.680, 0.320, 0.3127, 0.3290)
	case 22:
		return p(0.295, 0.605, 0.155, 0.077, 0.630, 0.340, 0.3127, 0.3290)
	}
	return Primaries{}
}

// ICC is a raw ICC profile. Type is "prof" or "rICC".
type ICC struct {
	Type string
	Data []byte
}
