package heif

import (
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/heifkit/goheif/heif/bmff"
	"github.com/heifkit/goheif/heif/colorconv"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/limits"
)

// A Context holds the images of one HEIF file, read from an input or
// built with the Encode and Add methods.
//
// Decoding through a Context may happen from several goroutines at once.
// Adding images may not.
type Context struct {
	file    *File
	limits  *limits.SecurityLimits
	tracker *limits.Tracker
	threads int
	logger  *log.Logger
	debug   bool
	ops     *colorconv.OperatorTable

	decoders map[CompressionFormat]Decoder
	encoders map[CompressionFormat]Encoder

	images  map[uint32]*ImageItem
	primary *ImageItem

	// miaf is cleared when an image is added that violates the MIAF
	// constraints.
	miaf bool

	// finalizer runs before the file is written.
	finalizer []func() error
}

// A ContextOption configures a Context.
type ContextOption func(*Context)

// WithSecurityLimits sets the limits applied while reading and decoding.
func WithSecurityLimits(l *limits.SecurityLimits) ContextOption {
	return func(c *Context) { c.limits = l.OrDefault() }
}

// WithMaxDecodingThreads allows up to n tiles of a grid or tiled image
// to be decoded at once. The default of 0 decodes sequentially.
func WithMaxDecodingThreads(n int) ContextOption {
	return func(c *Context) { c.threads = n }
}

// WithLogger sets the logger for recoverable problems, such as items that
// cannot be interpreted. By default nothing is logged.
func WithLogger(l *log.Logger) ContextOption {
	return func(c *Context) { c.logger = l }
}

// WithDebugLog additionally logs the colour conversions and tile decodes
// that are performed.
func WithDebugLog(on bool) ContextOption {
	return func(c *Context) { c.debug = on }
}

// WithDecoder makes d the decoder of its format for this context, in
// preference to the registered ones.
func WithDecoder(d Decoder) ContextOption {
	return func(c *Context) { c.decoders[d.Format()] = d }
}

// WithEncoder makes e the encoder of its format for this context.
func WithEncoder(e Encoder) ContextOption {
	return func(c *Context) { c.encoders[e.Format()] = e }
}

// WithColorOperators replaces the operators used for colour conversion.
func WithColorOperators(t *colorconv.OperatorTable) ContextOption {
	return func(c *Context) { c.ops = t }
}

// NewContext returns an empty context. Images are added with the Encode
// and Add methods, or read with Read.
func NewContext(opts ...ContextOption) *Context {
	c := &Context{
		limits:   limits.Default(),
		logger:   log.New(io.Discard, "", 0),
		decoders: map[CompressionFormat]Decoder{},
		encoders: map[CompressionFormat]Encoder{},
		images:   map[uint32]*ImageItem{},
		miaf:     true,
	}
	for _, o := range opts {
		o(c)
	}
	if c.ops == nil {
		c.ops = colorconv.DefaultOperators()
	}
	c.tracker = limits.NewTracker(c.limits)
	c.file = NewFile()
	c.file.SetLimits(c.limits)
	return c
}

// Read replaces the content of c with the file read from ra.
func (c *Context) Read(ra io.ReaderAt) error {
	return c.load(OpenWithLimits(ra, c.limits))
}

// ReadBytes is Read for a file held in memory.
func (c *Context) ReadBytes(data []byte) error {
	return c.load(OpenBytes(data, c.limits))
}

// File returns the underlying file.
func (c *Context) File() *File { return c.file }

// Limits returns the security limits of the context.
func (c *Context) Limits() *limits.SecurityLimits { return c.limits }

func (c *Context) logf(format string, args ...interface{}) {
	c.logger.Printf(format, args...)
}

func (c *Context) debugf(format string, args ...interface{}) {
	if c.debug {
		c.logger.Printf(format, args...)
	}
}

func (c *Context) decoder(f CompressionFormat) Decoder {
	if d, ok := c.decoders[f]; ok {
		return d
	}
	return registeredDecoder(f)
}

func (c *Context) encoder(f CompressionFormat) Encoder {
	if e, ok := c.encoders[f]; ok {
		return e
	}
	return registeredEncoder(f)
}

// nonImageItems are item types that never hold pixel data.
var nonImageItems = map[string]bool{
	"Exif": true,
	"mime": true,
	"uri ": true,
	"hvt1": true,
	"rgan": true,
	"dpth": true,
}

func (c *Context) load(f *File) error {
	meta, err := f.Meta()
	if err != nil {
		return err
	}
	c.file = f
	c.images = map[uint32]*ImageItem{}
	c.primary = nil
	c.finalizer = nil
	c.miaf = true

	ids, err := f.ItemIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		info := f.infos[id]
		if nonImageItems[info.ItemType] {
			continue
		}
		c.images[id] = c.interpret(id)
	}

	primary, ok := c.images[meta.PrimaryItem.ItemID]
	if !ok {
		return heiferr.Newf(heiferr.InvalidInput, heiferr.NoOrInvalidPrimaryItem,
			"primary item %d is not an image", meta.PrimaryItem.ItemID)
	}
	c.primary = primary
	primary.primary = true

	for _, id := range ids {
		img, ok := c.images[id]
		if !ok {
			c.linkMetadata(id)
			continue
		}
		if img.err != nil {
			continue
		}
		if err := c.linkImage(img); err != nil {
			c.logf("heif: item %d: %v", id, err)
			img.fail(err)
		}
	}
	// 'prem' points from an image to its alpha image, which is only known
	// once every 'auxl' reference has been resolved.
	for _, img := range c.images {
		for _, alphaID := range img.item.referencesOfType("prem") {
			if img.alpha != nil && img.alpha.id == alphaID {
				img.premultiplied = true
			}
		}
	}

	acyclic := map[*ImageItem]bool{}
	for _, id := range ids {
		img, ok := c.images[id]
		if !ok || img.err != nil {
			continue
		}
		if c.dependsOnItself(img, map[*ImageItem]bool{}, acyclic) {
			err := heiferr.Newf(heiferr.InvalidInput, heiferr.ItemReferenceCycle,
				"decoding item %d requires decoding itself", id)
			c.logf("heif: %v", err)
			img.fail(err)
		}
	}
	return nil
}

// dependsOnItself follows the images that decoding img requires: its
// 'dimg' inputs and its alpha image. Thumbnail, 'prem' and 'cdsc'
// references never lead to a decode and are not followed.
func (c *Context) dependsOnItself(img *ImageItem, visiting, acyclic map[*ImageItem]bool) bool {
	if acyclic[img] {
		return false
	}
	if visiting[img] {
		return true
	}
	visiting[img] = true
	next := []*ImageItem{}
	for _, ref := range img.item.referencesOfType("dimg") {
		if d, ok := c.images[ref]; ok {
			next = append(next, d)
		}
	}
	if img.alpha != nil {
		next = append(next, img.alpha)
	}
	for _, d := range next {
		if c.dependsOnItself(d, visiting, acyclic) {
			return true
		}
	}
	delete(visiting, img)
	acyclic[img] = true
	return false
}

// interpret builds the image item of id. Items that cannot be used are
// kept as error items.
func (c *Context) interpret(id uint32) *ImageItem {
	it, err := c.file.ItemByID(id)
	if err != nil {
		c.logf("heif: item %d: %v", id, err)
		return &ImageItem{c: c, id: id, itemType: c.file.infos[id].ItemType, kind: errorKind{err}, err: err}
	}
	img := newImageItem(c, it)
	if err := img.load(); err != nil {
		c.logf("heif: %s item %d: %v", it.Type(), id, err)
		img.fail(err)
	}
	return img
}

// linkImage resolves the thumbnail and auxiliary references from img.
func (c *Context) linkImage(img *ImageItem) error {
	for _, master := range img.item.referencesOfType("thmb") {
		m, ok := c.images[master]
		if !ok {
			return heiferr.Newf(heiferr.InvalidInput, heiferr.NonexistingItemReferenced,
				"thumbnail references non-existing image %d", master)
		}
		img.thumbnailOf = master
		m.thumbnails = append(m.thumbnails, img)
	}

	if masters := img.item.referencesOfType("auxl"); len(masters) > 0 {
		auxC, ok := img.item.Property(bmff.TypeAuxC).(*bmff.AuxiliaryTypeProperty)
		if !ok {
			return heiferr.New(heiferr.InvalidInput, heiferr.AuxiliaryImageTypeUnspecified,
				"auxiliary image without auxC property")
		}
		img.auxType = auxC.AuxType
		for _, master := range masters {
			m, ok := c.images[master]
			if !ok {
				return heiferr.Newf(heiferr.InvalidInput, heiferr.NonexistingItemReferenced,
					"auxiliary image references non-existing image %d", master)
			}
			img.auxOf = master
			switch auxC.AuxType {
			case bmff.AuxTypeAlpha, bmff.AuxTypeAlphaHEVC:
				m.alpha = img
			case bmff.AuxTypeDepth, bmff.AuxTypeDepthHEVC:
				m.depth = img
			default:
				m.aux = append(m.aux, img)
			}
		}
	}
	return nil
}

// linkMetadata attaches a metadata item to the images it describes.
func (c *Context) linkMetadata(id uint32) {
	for _, target := range c.file.References(id, "cdsc") {
		if img, ok := c.images[target]; ok {
			img.metadata = append(img.metadata, id)
		}
	}
}

// PrimaryImage returns the primary image. It may be an error item, whose
// Err method reports why it cannot be decoded.
func (c *Context) PrimaryImage() (*ImageItem, error) {
	if c.primary == nil {
		return nil, heiferr.New(heiferr.InvalidInput, heiferr.NoOrInvalidPrimaryItem, "no primary image")
	}
	return c.primary, nil
}

// Image returns the image item id.
func (c *Context) Image(id uint32) (*ImageItem, error) {
	img, ok := c.images[id]
	if !ok {
		return nil, heiferr.Newf(heiferr.UsageError, heiferr.NonexistingItemReferenced, "no image with ID %d", id)
	}
	return img, nil
}

// ImageIDs returns the IDs of all image items, including hidden ones.
func (c *Context) ImageIDs() []uint32 {
	ids := make([]uint32, 0, len(c.images))
	for id := range c.images {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TopLevelImages returns the images meant to be shown to a user: those
// not hidden and not used as a tile, thumbnail or auxiliary image of
// another image. The primary image comes first.
func (c *Context) TopLevelImages() []*ImageItem {
	derived := map[uint32]bool{}
	for _, img := range c.images {
		for _, ref := range img.item.referencesOfType("dimg") {
			derived[ref] = true
		}
	}
	var out []*ImageItem
	if c.primary != nil {
		out = append(out, c.primary)
	}
	for _, id := range c.ImageIDs() {
		img := c.images[id]
		if img == c.primary || img.hidden || img.thumbnailOf != 0 || img.auxOf != 0 || derived[id] {
			continue
		}
		out = append(out, img)
	}
	return out
}

// Thumbnails returns the thumbnails of image id.
func (c *Context) Thumbnails(id uint32) ([]*ImageItem, error) {
	img, err := c.Image(id)
	if err != nil {
		return nil, err
	}
	return img.Thumbnails(), nil
}

// AuxiliaryImages returns the auxiliary images of image id other than its
// alpha and depth images.
func (c *Context) AuxiliaryImages(id uint32) ([]*ImageItem, error) {
	img, err := c.Image(id)
	if err != nil {
		return nil, err
	}
	return img.AuxiliaryImages(), nil
}

// Metadata returns the content of a metadata item. EXIF data starts at
// its TIFF header.
func (c *Context) Metadata(id uint32) ([]byte, error) {
	data, err := c.file.ItemData(id)
	if err != nil {
		return nil, err
	}
	if c.file.infos[id].ItemType == "Exif" {
		return StripExifOffset(data)
	}
	return data, nil
}

// WriteTo writes the file held by c.
func (c *Context) WriteTo(w io.Writer) (int64, error) {
	for _, fin := range c.finalizer {
		if err := fin(); err != nil {
			return 0, err
		}
	}
	if c.primary != nil {
		if err := c.file.SetBrand(c.primary.Format(), c.miaf); err != nil {
			return 0, err
		}
	}
	return c.file.WriteTo(w)
}

// String summarizes the images of c.
func (c *Context) String() string {
	s := fmt.Sprintf("heif.Context(%d images", len(c.images))
	if c.primary != nil {
		s += fmt.Sprintf(", primary=%d", c.primary.id)
	}
	return s + ")"
}
