// Package heiferr defines the error kinds reported by the heif packages.
//
// Every error carries a machine-checkable Code (the kind) and SubCode
// (the detail) plus a human-readable message. Sentinel values can be
// matched with errors.Is; a sentinel with an Unspecified SubCode matches
// any error of the same Code.
package heiferr

import (
	"errors"
	"fmt"
)

// Code is the broad kind of an error.
type Code int

const (
	OK Code = iota
	InputDoesNotExist
	InvalidInput
	UnsupportedFiletype
	UnsupportedFeature
	UsageError
	MemoryAllocation
	DecoderPlugin
	EncoderPlugin
	EncodingError
	ColorProfileDoesNotExist
	Canceled
)

var codeNames = map[Code]string{
	OK:                       "success",
	InputDoesNotExist:        "input does not exist",
	InvalidInput:             "invalid input",
	UnsupportedFiletype:      "unsupported file-type",
	UnsupportedFeature:       "unsupported feature",
	UsageError:               "usage error",
	MemoryAllocation:         "memory allocation error",
	DecoderPlugin:            "decoder plugin generated an error",
	EncoderPlugin:            "encoder plugin generated an error",
	EncodingError:            "error during encoding or writing output file",
	ColorProfileDoesNotExist: "color profile does not exist",
	Canceled:                 "canceled",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// SubCode refines a Code.
type SubCode int

const (
	Unspecified SubCode = iota
	EndOfData
	InvalidBoxSize
	NoFtypBox
	NoIdatBox
	NoMetaBox
	NoHdlrBox
	NoHvcCBox
	NoPitmBox
	NoIpcoBox
	NoIpmaBox
	NoIlocBox
	NoIinfBox
	NoIprpBox
	NoIrefBox
	NoPictHandler
	IpmaBoxReferencesNonexistingProperty
	NoPropertiesAssignedToItem
	NoItemData
	InvalidGridData
	MissingGridImages
	InvalidCleanAperture
	InvalidOverlayData
	OverlayImageOutsideOfCanvas
	AuxiliaryImageTypeUnspecified
	NoOrInvalidPrimaryItem
	NoInfeBox
	UnknownColorProfileType
	WrongTileImageChromaFormat
	InvalidFractionalNumber
	InvalidImageSize
	InvalidPixiBox
	NoAv1CBox
	WrongTileImagePixelDepth
	UnknownNCLXColorPrimaries
	UnknownNCLXTransferCharacteristics
	UnknownNCLXMatrixCoefficients
	InvalidRegionData
	NoIspeProperty
	CameraIntrinsicMatrixUndefined
	InvalidJ2kCodestream
	NoVvcCBox
	NoAvcCBox
	NoIcbrBox
	InvalidMaskImage
	InvalidParameterValue
	ItemReferenceCycle
	SecurityLimitExceeded
	NonexistingItemReferenced
	NullPointerArgument
	NonexistingImageChannelReferenced
	UnsupportedPluginVersion
	UnsupportedWriterVersion
	UnsupportedParameter
	IndexOutOfRange
	UnsupportedCodec
	UnsupportedImageType
	UnsupportedDataVersion
	UnsupportedColorConversion
	UnsupportedItemConstructionMethod
	UnsupportedHeaderCompressionMethod
	UnsupportedGenericCompressionMethod
	UnsupportedBitDepth
	UnsupportedEssentialProperty
	CannotWriteOutputData
	EncoderInitialization
	EncoderEncoding
	EncoderCleanup
	TooManyRegions
	PluginIsNotLoaded
)

var subCodeNames = map[SubCode]string{
	Unspecified:                          "unspecified",
	EndOfData:                            "unexpected end of file",
	InvalidBoxSize:                       "invalid box size",
	NoFtypBox:                            "no 'ftyp' box",
	NoIdatBox:                            "no 'idat' box",
	NoMetaBox:                            "no 'meta' box",
	NoHdlrBox:                            "no 'hdlr' box",
	NoHvcCBox:                            "no 'hvcC' box",
	NoPitmBox:                            "no 'pitm' box",
	NoIpcoBox:                            "no 'ipco' box",
	NoIpmaBox:                            "no 'ipma' box",
	NoIlocBox:                            "no 'iloc' box",
	NoIinfBox:                            "no 'iinf' box",
	NoIprpBox:                            "no 'iprp' box",
	NoIrefBox:                            "no 'iref' box",
	NoPictHandler:                        "not a 'pict' handler",
	IpmaBoxReferencesNonexistingProperty: "'ipma' box references a non-existing property",
	NoPropertiesAssignedToItem:           "no properties assigned to item",
	NoItemData:                           "item has no data",
	InvalidGridData:                      "invalid grid data",
	MissingGridImages:                    "missing grid images",
	InvalidCleanAperture:                 "invalid clean-aperture specification",
	InvalidOverlayData:                   "invalid overlay data",
	OverlayImageOutsideOfCanvas:          "overlay image outside of canvas area",
	AuxiliaryImageTypeUnspecified:        "auxiliary image type unspecified",
	NoOrInvalidPrimaryItem:               "no or invalid primary item",
	NoInfeBox:                            "no 'infe' box",
	UnknownColorProfileType:              "unknown color profile type",
	WrongTileImageChromaFormat:           "wrong tile image chroma format",
	InvalidFractionalNumber:              "invalid fractional number",
	InvalidImageSize:                     "invalid image size",
	InvalidPixiBox:                       "invalid pixi box",
	NoAv1CBox:                            "no 'av1C' box",
	WrongTileImagePixelDepth:             "wrong tile image pixel depth",
	UnknownNCLXColorPrimaries:            "unknown NCLX color primaries",
	UnknownNCLXTransferCharacteristics:   "unknown NCLX transfer characteristics",
	UnknownNCLXMatrixCoefficients:        "unknown NCLX matrix coefficients",
	InvalidRegionData:                    "invalid region item data",
	NoIspeProperty:                       "image has no 'ispe' property",
	CameraIntrinsicMatrixUndefined:       "camera intrinsic matrix undefined",
	InvalidJ2kCodestream:                 "invalid JPEG 2000 codestream",
	NoVvcCBox:                            "no 'vvcC' box",
	NoAvcCBox:                            "no 'avcC' box",
	NoIcbrBox:                            "no 'icbr' box",
	InvalidMaskImage:                     "invalid mask image",
	InvalidParameterValue:                "invalid parameter value",
	ItemReferenceCycle:                   "item reference cycle",
	SecurityLimitExceeded:                "security limit exceeded",
	NonexistingItemReferenced:            "non-existing item ID referenced",
	NullPointerArgument:                  "NULL argument received",
	NonexistingImageChannelReferenced:    "non-existing image channel referenced",
	UnsupportedPluginVersion:             "the version of the passed plugin is not supported",
	UnsupportedWriterVersion:             "the version of the passed writer is not supported",
	UnsupportedParameter:                 "unsupported parameter",
	IndexOutOfRange:                      "index out of range",
	UnsupportedCodec:                     "unsupported codec",
	UnsupportedImageType:                 "unsupported image type",
	UnsupportedDataVersion:               "unsupported data version",
	UnsupportedColorConversion:           "unsupported color conversion",
	UnsupportedItemConstructionMethod:    "unsupported item construction method",
	UnsupportedHeaderCompressionMethod:   "unsupported header compression method",
	UnsupportedGenericCompressionMethod:  "unsupported generic compression method",
	UnsupportedBitDepth:                  "unsupported bit depth",
	UnsupportedEssentialProperty:         "unsupported essential item property",
	CannotWriteOutputData:                "cannot write output data",
	EncoderInitialization:                "initialization problem",
	EncoderEncoding:                      "encoding problem",
	EncoderCleanup:                       "cleanup problem",
	TooManyRegions:                       "too many regions",
	PluginIsNotLoaded:                    "plugin is not loaded",
}

func (s SubCode) String() string {
	if n, ok := subCodeNames[s]; ok {
		return n
	}
	return fmt.Sprintf("subcode(%d)", int(s))
}

// Error is the concrete error type used throughout the heif packages.
type Error struct {
	Code Code
	Sub  SubCode
	Msg  string
}

func (e *Error) Error() string {
	s := e.Code.String()
	if e.Sub != Unspecified {
		s += ": " + e.Sub.String()
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return "heif: " + s
}

// Is reports whether target is an *Error of the same kind. An
// Unspecified SubCode in target matches any SubCode.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Sub == Unspecified || t.Sub == e.Sub
}

// New returns an error with the given kind and message.
func New(code Code, sub SubCode, msg string) error {
	return &Error{Code: code, Sub: sub, Msg: msg}
}

// Newf is New with a format string.
func Newf(code Code, sub SubCode, format string, args ...interface{}) error {
	return &Error{Code: code, Sub: sub, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf returns the Code of err, OK for nil and InvalidInput for errors
// not created by this package.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InvalidInput
}

// SubCodeOf returns the SubCode of err, or Unspecified.
func SubCodeOf(err error) SubCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Sub
	}
	return Unspecified
}

// Sentinels for use with errors.Is.
var (
	ErrEndOfData             = &Error{Code: InvalidInput, Sub: EndOfData}
	ErrInvalidBoxSize        = &Error{Code: InvalidInput, Sub: InvalidBoxSize}
	ErrSecurityLimitExceeded = &Error{Code: MemoryAllocation, Sub: SecurityLimitExceeded}
	ErrCanceled              = &Error{Code: Canceled}
	ErrItemReferenceCycle    = &Error{Code: InvalidInput, Sub: ItemReferenceCycle}
	ErrUnsupportedConversion = &Error{Code: UnsupportedFeature, Sub: UnsupportedColorConversion}
	ErrNonexistingItem       = &Error{Code: UsageError, Sub: NonexistingItemReferenced}
	ErrInvalidInput          = &Error{Code: InvalidInput}
	ErrUnsupportedFeature    = &Error{Code: UnsupportedFeature}
)
