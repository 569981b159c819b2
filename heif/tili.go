package heif

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/heifkit/goheif/heif/bitstream"
	"github.com/heifkit/goheif/heif/bmff"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/pixel"
)

// TiledImageHeader starts the data of a 'tili' item. It is followed by the
// coded tiles, which share the codec configuration properties of the item.
//
//	u8     version (0)
//	u8     flags: bits 0-1 offset width (4, 5, 6 or 8 bytes),
//	       bit 2 tile sizes present, bit 3 32 bit sizes (else 24 bit)
//	u32    image width, image height
//	u32    tile width, tile height
//	4cc    item type of the tiles
//	tiles  offset [, size], row by row
//
// Offsets are relative to the start of the item data. An offset of 0
// marks a tile that was never coded.
type TiledImageHeader struct {
	ImageWidth, ImageHeight uint32
	TileWidth, TileHeight   uint32
	TileType                string
	Offsets                 []uint64
	Sizes                   []uint64
}

const tiledHeaderSize = 22

var tiledOffsetWidths = [4]int{4, 5, 6, 8}

func (h *TiledImageHeader) Columns() int {
	return int((h.ImageWidth + h.TileWidth - 1) / h.TileWidth)
}

func (h *TiledImageHeader) Rows() int {
	return int((h.ImageHeight + h.TileHeight - 1) / h.TileHeight)
}

// parseTiledPrefix parses the fixed part of a tiled header and returns the
// widths of the table entries.
func parseTiledPrefix(data []byte) (h TiledImageHeader, offBytes, sizeBytes int, err error) {
	r := dataRange(data)
	if v := r.Uint8(); v != 0 {
		return h, 0, 0, heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedDataVersion, "tili data version %d", v)
	}
	flags := r.Uint8()
	offBytes = tiledOffsetWidths[flags&3]
	if flags&4 == 0 {
		return h, 0, 0, heiferr.New(heiferr.UnsupportedFeature, heiferr.UnsupportedParameter, "tili data without tile sizes")
	}
	sizeBytes = 3
	if flags&8 != 0 {
		sizeBytes = 4
	}
	h.ImageWidth, h.ImageHeight = r.Uint32(), r.Uint32()
	h.TileWidth, h.TileHeight = r.Uint32(), r.Uint32()
	h.TileType = string(r.Bytes(4))
	if err := r.Err(); err != nil {
		return h, 0, 0, err
	}
	if h.TileWidth == 0 || h.TileHeight == 0 || h.ImageWidth == 0 || h.ImageHeight == 0 {
		return h, 0, 0, heiferr.New(heiferr.InvalidInput, heiferr.InvalidImageSize, "tili data with zero image or tile size")
	}
	return h, offBytes, sizeBytes, nil
}

// parseTable fills in the offsets and sizes of h from the table.
func (h *TiledImageHeader) parseTable(table []byte, offBytes, sizeBytes int) error {
	r := dataRange(table)
	n := h.Columns() * h.Rows()
	h.Offsets = make([]uint64, n)
	h.Sizes = make([]uint64, n)
	for i := 0; i < n; i++ {
		h.Offsets[i] = r.UintN(offBytes)
		h.Sizes[i] = r.UintN(sizeBytes)
	}
	return r.Err()
}

// entryFlags returns the flags selecting the narrowest entry widths that
// hold the offsets and sizes of h.
func (h *TiledImageHeader) entryFlags() uint8 {
	var maxOff, maxSize uint64
	for i := range h.Offsets {
		maxOff = maxU64(maxOff, h.Offsets[i])
		maxSize = maxU64(maxSize, h.Sizes[i])
	}
	var flags uint8 = 4
	switch {
	case maxOff >= 1<<48:
		flags |= 3
	case maxOff >= 1<<40:
		flags |= 2
	case maxOff >= 1<<32:
		flags |= 1
	}
	if maxSize >= 1<<24 {
		flags |= 8
	}
	return flags
}

func tiledEntrySize(flags uint8) int {
	if flags&8 != 0 {
		return tiledOffsetWidths[flags&3] + 4
	}
	return tiledOffsetWidths[flags&3] + 3
}

// Bytes serializes h.
func (h *TiledImageHeader) Bytes() []byte { return h.write(h.entryFlags()) }

func (h *TiledImageHeader) write(flags uint8) []byte {
	offBytes, sizeBytes := tiledOffsetWidths[flags&3], 3
	if flags&8 != 0 {
		sizeBytes = 4
	}
	w := bitstream.NewWriter()
	w.Write8(0)
	w.Write8(flags)
	w.Write32(h.ImageWidth)
	w.Write32(h.ImageHeight)
	w.Write32(h.TileWidth)
	w.Write32(h.TileHeight)
	w.WriteBytes([]byte(h.TileType))
	for i := range h.Offsets {
		w.WriteUintN(h.Offsets[i], offBytes)
		w.WriteUintN(h.Sizes[i], sizeBytes)
	}
	return w.Data()
}

type tiledKind struct {
	hdr TiledImageHeader
	f   CompressionFormat

	// Tiles coded since AddTiledImage, by index.
	mu      sync.Mutex
	pending map[int][]byte
}

// load reads the header and the tile table only; tiles are read when they
// are decoded.
func (k *tiledKind) load(img *ImageItem) error {
	prefix, err := img.c.file.ItemDataRange(img.id, 0, tiledHeaderSize)
	if err != nil {
		return err
	}
	hdr, offBytes, sizeBytes, err := parseTiledPrefix(prefix)
	if err != nil {
		return err
	}
	n := uint64(hdr.Columns()) * uint64(hdr.Rows())
	if err := img.c.limits.CheckTiles(n); err != nil {
		return err
	}
	table, err := img.c.file.ItemDataRange(img.id, tiledHeaderSize, n*uint64(offBytes+sizeBytes))
	if err != nil {
		return err
	}
	if err := hdr.parseTable(table, offBytes, sizeBytes); err != nil {
		return err
	}
	k.hdr = hdr
	if k.f = FormatOfItemType(hdr.TileType); k.f == FormatUndefined {
		return heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedCodec, "tiles of type %q", hdr.TileType)
	}
	if img.width == 0 && img.height == 0 {
		img.width, img.height = int(hdr.ImageWidth), int(hdr.ImageHeight)
	}
	return nil
}

func (k *tiledKind) format(img *ImageItem) CompressionFormat { return k.f }

func (k *tiledKind) tiling(img *ImageItem) Tiling {
	return Tiling{
		Columns:     k.hdr.Columns(),
		Rows:        k.hdr.Rows(),
		TileWidth:   int(k.hdr.TileWidth),
		TileHeight:  int(k.hdr.TileHeight),
		ImageWidth:  int(k.hdr.ImageWidth),
		ImageHeight: int(k.hdr.ImageHeight),
	}
}

func (k *tiledKind) decode(ctx context.Context, img *ImageItem, opts *DecodingOptions, tile *tilePos) (*pixel.Image, error) {
	if tile != nil {
		return k.decodeTile(ctx, img, opts, tile.y*k.hdr.Columns()+tile.x)
	}
	return k.decodeFull(ctx, img, opts)
}

var errTileNotCoded = heiferr.New(heiferr.InvalidInput, heiferr.NoItemData, "tile was not coded")

func (k *tiledKind) decodeTile(ctx context.Context, img *ImageItem, opts *DecodingOptions, i int) (*pixel.Image, error) {
	if i < 0 || i >= len(k.hdr.Offsets) {
		return nil, heiferr.Newf(heiferr.UsageError, heiferr.IndexOutOfRange, "tile %d of %d", i, len(k.hdr.Offsets))
	}
	if k.hdr.Offsets[i] == 0 {
		return nil, errTileNotCoded
	}
	data, err := img.c.file.ItemDataRange(img.id, k.hdr.Offsets[i], k.hdr.Sizes[i])
	if err != nil {
		return nil, err
	}
	hdr, err := decoderConfig(img.item, k.hdr.TileType)
	if err != nil {
		return nil, err
	}
	if len(hdr) > 0 {
		data = append(hdr, data...)
	}
	tw, th := int(k.hdr.TileWidth), int(k.hdr.TileHeight)
	out, err := img.runDecoder(ctx, k.f, data, tw, th, opts)
	if err != nil {
		return nil, err
	}
	if out.Width() != tw || out.Height() != th {
		out.Release()
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.InvalidImageSize,
			"tile %d decoded to %dx%d, expected %dx%d", i, out.Width(), out.Height(), tw, th)
	}
	return out, nil
}

// decodeFull assembles all coded tiles. Tiles that were never coded are
// left black. The first coded tile fixes the pixel layout of the canvas.
func (k *tiledKind) decodeFull(ctx context.Context, img *ImageItem, opts *DecodingOptions) (*pixel.Image, error) {
	var coded []int
	for i, off := range k.hdr.Offsets {
		if off != 0 {
			coded = append(coded, i)
		}
	}
	if len(coded) == 0 {
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.NoItemData, "tiled image %d has no coded tiles", img.id)
	}
	if opts.canceled() {
		return nil, errCanceledByCaller
	}
	first, err := k.decodeTile(ctx, img, opts, coded[0])
	if err != nil {
		return nil, err
	}
	w, h := int(k.hdr.ImageWidth), int(k.hdr.ImageHeight)
	canvas := first.Derive(w, h, first.Colorspace(), first.Chroma())
	for _, c := range first.Channels() {
		if err := canvas.AddPlane(c, first.BitDepth(c)); err != nil {
			first.Release()
			canvas.Release()
			return nil, err
		}
	}
	cols, tw, th := k.hdr.Columns(), int(k.hdr.TileWidth), int(k.hdr.TileHeight)

	var (
		mu       sync.Mutex
		done     int
		firstErr error
	)
	finish := func(i int, t *pixel.Image, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			err = canvas.Paste(t, (i%cols)*tw, (i/cols)*th)
		}
		if t != nil {
			t.Release()
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		done++
		if opts.Progress != nil {
			opts.Progress(done, len(coded))
		}
	}
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}
	finish(coded[0], first, nil)

	threads := img.c.threads
	if threads < 1 {
		threads = 1
	}
	sem := semaphore.NewWeighted(int64(threads))
	var wg sync.WaitGroup
	for _, i := range coded[1:] {
		if opts.canceled() {
			finish(i, nil, errCanceledByCaller)
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			finish(i, nil, canceled(err))
			break
		}
		if failed() {
			sem.Release(1)
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			t, err := k.decodeTile(ctx, img, opts, i)
			finish(i, t, err)
		}(i)
	}
	wg.Wait()
	if firstErr != nil {
		canvas.Release()
		return nil, firstErr
	}
	img.c.debugf("heif: tiled image %d: %d of %d tiles decoded", img.id, done, len(k.hdr.Offsets))
	return canvas, nil
}

// AddTiledImage creates a 'tili' image of the given size, whose tiles are
// coded in format and added with AddTiledImageTile. The tile data is
// written when the context is written.
func (c *Context) AddTiledImage(width, height, tileWidth, tileHeight int, format CompressionFormat, opts *EncodingOptions) (*ImageItem, error) {
	if opts == nil {
		opts = &EncodingOptions{}
	}
	if width <= 0 || height <= 0 || tileWidth <= 0 || tileHeight <= 0 {
		return nil, heiferr.Newf(heiferr.UsageError, heiferr.InvalidImageSize,
			"tiled image %dx%d with %dx%d tiles", width, height, tileWidth, tileHeight)
	}
	if err := c.limits.CheckImageSize(uint32(width), uint32(height)); err != nil {
		return nil, err
	}
	if c.encoder(format) == nil {
		return nil, heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedCodec, "no encoder for %s images", format)
	}
	k := &tiledKind{
		hdr: TiledImageHeader{
			ImageWidth:  uint32(width),
			ImageHeight: uint32(height),
			TileWidth:   uint32(tileWidth),
			TileHeight:  uint32(tileHeight),
			TileType:    format.ItemType(),
		},
		f:       format,
		pending: map[int][]byte{},
	}
	n := uint64(k.hdr.Columns()) * uint64(k.hdr.Rows())
	if err := c.limits.CheckTiles(n); err != nil {
		return nil, err
	}
	k.hdr.Offsets = make([]uint64, n)
	k.hdr.Sizes = make([]uint64, n)

	id, err := c.file.AddItem("tili", opts.Hidden)
	if err != nil {
		return nil, err
	}
	if err := c.file.AddProperty(id, bmff.NewImageSpatialExtents(uint32(width), uint32(height)), false); err != nil {
		return nil, err
	}
	if err := c.addOrientation(id, opts); err != nil {
		return nil, err
	}
	img, err := c.track(id, k)
	if err != nil {
		return nil, err
	}
	c.finalizer = append(c.finalizer, func() error { return k.flush(img) })
	return img, nil
}

// AddTiledImageTile codes tile as the tile at column tx and row ty of a
// tiled image. Every tile must have the tile size of the image. The first
// tile added fixes the codec configuration shared by all tiles.
func (c *Context) AddTiledImageTile(ctx context.Context, img *ImageItem, tx, ty int, tile *pixel.Image, opts *EncodingOptions) error {
	k, ok := img.kind.(*tiledKind)
	if !ok || k.pending == nil {
		return heiferr.Newf(heiferr.UsageError, heiferr.Unspecified, "item %d is not a tiled image being written", img.id)
	}
	if opts == nil {
		opts = &EncodingOptions{}
	}
	cols, rows := k.hdr.Columns(), k.hdr.Rows()
	if tx < 0 || ty < 0 || tx >= cols || ty >= rows {
		return heiferr.Newf(heiferr.UsageError, heiferr.IndexOutOfRange, "tile (%d,%d) outside of %dx%d tiles", tx, ty, cols, rows)
	}
	if tile.Width() != int(k.hdr.TileWidth) || tile.Height() != int(k.hdr.TileHeight) {
		return heiferr.Newf(heiferr.UsageError, heiferr.InvalidImageSize,
			"tile is %dx%d, expected %dx%d", tile.Width(), tile.Height(), k.hdr.TileWidth, k.hdr.TileHeight)
	}
	coded, input, err := c.encodePixels(ctx, tile, k.f, opts)
	if err != nil {
		return err
	}
	defer func() {
		if input != tile {
			input.Release()
		}
	}()

	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.pending) == 0 {
		if err := c.addCodedProperties(img.id, coded, input, opts); err != nil {
			return err
		}
	}
	k.pending[ty*cols+tx] = coded.Data
	return nil
}

// flush stores the header and the coded tiles as the item data.
func (k *tiledKind) flush(img *ImageItem) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := len(k.hdr.Offsets)
	var total uint64
	for _, d := range k.pending {
		total += uint64(len(d))
	}
	for i := range k.hdr.Offsets {
		k.hdr.Offsets[i], k.hdr.Sizes[i] = 0, 0
		if d, ok := k.pending[i]; ok {
			// Upper bound, so that the entry widths do not change below.
			k.hdr.Offsets[i] = tiledHeaderSize + uint64(n)*12 + total
			k.hdr.Sizes[i] = uint64(len(d))
		}
	}
	flags := k.hdr.entryFlags()
	pos := uint64(tiledHeaderSize + n*tiledEntrySize(flags))
	data := []byte{}
	for i := range k.hdr.Offsets {
		if d, ok := k.pending[i]; ok {
			k.hdr.Offsets[i] = pos
			pos += uint64(len(d))
			data = append(data, d...)
		}
	}
	out := append(k.hdr.write(flags), data...)
	if err := img.c.file.SetItemData(img.id, out, bmff.ConstructionFile); err != nil {
		return err
	}
	return img.refresh()
}
