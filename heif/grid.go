package heif

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/heifkit/goheif/heif/bitstream"
	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/pixel"
)

// ImageGrid is the content of a 'grid' item: the tiles referenced with
// 'dimg' are laid out row by row and the result is cropped to the output
// size.
type ImageGrid struct {
	Rows, Columns int
	OutputWidth   uint32
	OutputHeight  uint32
}

func dataRange(data []byte) *bitstream.Range {
	return bitstream.NewRange(bitstream.NewMemoryReader(data), uint64(len(data)))
}

// ParseImageGrid parses the data of a 'grid' item.
func ParseImageGrid(data []byte) (ImageGrid, error) {
	var g ImageGrid
	if len(data) < 8 {
		return g, heiferr.New(heiferr.InvalidInput, heiferr.InvalidGridData, "less than 8 bytes in grid data")
	}
	r := dataRange(data)
	if v := r.Uint8(); v != 0 {
		return g, heiferr.Newf(heiferr.UnsupportedFeature, heiferr.UnsupportedDataVersion, "grid data version %d", v)
	}
	flags := r.Uint8()
	g.Rows = int(r.Uint8()) + 1
	g.Columns = int(r.Uint8()) + 1
	if flags&1 != 0 {
		if len(data) < 12 {
			return g, heiferr.New(heiferr.InvalidInput, heiferr.InvalidGridData, "grid data too short for 32 bit dimensions")
		}
		g.OutputWidth, g.OutputHeight = r.Uint32(), r.Uint32()
	} else {
		g.OutputWidth, g.OutputHeight = uint32(r.Uint16()), uint32(r.Uint16())
	}
	return g, r.Err()
}

// Bytes serializes g.
func (g ImageGrid) Bytes() []byte {
	w := bitstream.NewWriter()
	large := g.OutputWidth > 0xFFFF || g.OutputHeight > 0xFFFF
	w.Write8(0)
	if large {
		w.Write8(1)
	} else {
		w.Write8(0)
	}
	w.Write8(uint8(g.Rows - 1))
	w.Write8(uint8(g.Columns - 1))
	if large {
		w.Write32(g.OutputWidth)
		w.Write32(g.OutputHeight)
	} else {
		w.Write16(uint16(g.OutputWidth))
		w.Write16(uint16(g.OutputHeight))
	}
	return w.Data()
}

type gridKind struct {
	grid  ImageGrid
	tiles []uint32
}

func (k *gridKind) load(img *ImageItem) error {
	data, err := img.c.file.ItemData(img.id)
	if err != nil {
		return err
	}
	if k.grid, err = ParseImageGrid(data); err != nil {
		return err
	}
	n := k.grid.Rows * k.grid.Columns
	if err := img.c.limits.CheckTiles(uint64(n)); err != nil {
		return err
	}
	k.tiles = img.item.referencesOfType("dimg")
	switch {
	case len(k.tiles) < n:
		return heiferr.Newf(heiferr.InvalidInput, heiferr.MissingGridImages,
			"grid of %dx%d tiles references %d tile images", k.grid.Columns, k.grid.Rows, len(k.tiles))
	case len(k.tiles) > n:
		return heiferr.Newf(heiferr.InvalidInput, heiferr.InvalidGridData,
			"grid of %dx%d tiles references %d tile images", k.grid.Columns, k.grid.Rows, len(k.tiles))
	}
	if img.width == 0 && img.height == 0 {
		img.width, img.height = int(k.grid.OutputWidth), int(k.grid.OutputHeight)
	}
	return nil
}

func (k *gridKind) format(img *ImageItem) CompressionFormat {
	if t, ok := img.c.images[k.tiles[0]]; ok {
		return t.Format()
	}
	return FormatUndefined
}

func (k *gridKind) tiling(img *ImageItem) Tiling {
	t := Tiling{
		Columns:     k.grid.Columns,
		Rows:        k.grid.Rows,
		ImageWidth:  int(k.grid.OutputWidth),
		ImageHeight: int(k.grid.OutputHeight),
	}
	if first, ok := img.c.images[k.tiles[0]]; ok {
		t.TileWidth, t.TileHeight = first.Width(), first.Height()
	}
	return t
}

// tileImages resolves the tile references.
func (k *gridKind) tileImages(img *ImageItem) ([]*ImageItem, error) {
	tiles := make([]*ImageItem, len(k.tiles))
	for i, id := range k.tiles {
		t, ok := img.c.images[id]
		if !ok {
			return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.MissingGridImages,
				"grid tile %d references non-existing image %d", i, id)
		}
		if t == img {
			return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.ItemReferenceCycle, "grid %d uses itself as a tile", img.id)
		}
		tiles[i] = t
	}
	return tiles, nil
}

func (k *gridKind) decode(ctx context.Context, img *ImageItem, opts *DecodingOptions, tile *tilePos) (*pixel.Image, error) {
	tiles, err := k.tileImages(img)
	if err != nil {
		return nil, err
	}
	if tile != nil {
		return tiles[tile.y*k.grid.Columns+tile.x].decode(ctx, opts, nil)
	}
	return k.decodeFull(ctx, img, opts, tiles)
}

var errCanceledByCaller = heiferr.New(heiferr.Canceled, heiferr.Unspecified, "decoding canceled by the caller")

// decodeFull decodes every tile and pastes it into one canvas. The first
// tile is decoded on its own to learn the tile size and pixel layout; the
// others are decoded by up to Context.threads goroutines.
func (k *gridKind) decodeFull(ctx context.Context, img *ImageItem, opts *DecodingOptions, tiles []*ImageItem) (*pixel.Image, error) {
	total := len(tiles)
	if opts.canceled() {
		return nil, errCanceledByCaller
	}
	first, err := tiles[0].decode(ctx, opts, nil)
	if err != nil {
		return nil, err
	}
	defer first.Release()

	w, h := int(k.grid.OutputWidth), int(k.grid.OutputHeight)
	if err := img.c.limits.CheckImageSize(uint32(w), uint32(h)); err != nil {
		return nil, err
	}
	tw, th := first.Width(), first.Height()
	if tw*k.grid.Columns < w || th*k.grid.Rows < h {
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.InvalidGridData,
			"%dx%d tiles of %dx%d do not cover the %dx%d grid", k.grid.Columns, k.grid.Rows, tw, th, w, h)
	}
	canvas := first.Derive(w, h, first.Colorspace(), first.Chroma())
	for _, c := range first.Channels() {
		if err := canvas.AddPlane(c, first.BitDepth(c)); err != nil {
			canvas.Release()
			return nil, err
		}
	}
	if canvas.HasChannel(pixel.ChannelAlpha) {
		canvas.Fill(pixel.ChannelAlpha, uint16(canvas.Plane(pixel.ChannelAlpha).MaxValue()))
	}

	// The canvas gets an alpha plane once any tile has one. Areas of tiles
	// without alpha stay opaque.
	var pasteMu sync.Mutex
	paste := func(i int, t *pixel.Image) error {
		if t.Width() != tw || t.Height() != th {
			return heiferr.Newf(heiferr.InvalidInput, heiferr.InvalidImageSize,
				"grid tile %d is %dx%d, expected %dx%d", i, t.Width(), t.Height(), tw, th)
		}
		x, y := (i%k.grid.Columns)*tw, (i/k.grid.Columns)*th
		if x >= w || y >= h {
			return nil
		}
		pasteMu.Lock()
		defer pasteMu.Unlock()
		if t.HasChannel(pixel.ChannelAlpha) && !canvas.HasChannel(pixel.ChannelAlpha) && !canvas.Chroma().Interleaved() {
			if err := canvas.AddPlane(pixel.ChannelAlpha, t.BitDepth(pixel.ChannelAlpha)); err != nil {
				return err
			}
			canvas.Fill(pixel.ChannelAlpha, uint16(canvas.Plane(pixel.ChannelAlpha).MaxValue()))
		}
		return canvas.Paste(t, x, y)
	}
	if err := paste(0, first); err != nil {
		canvas.Release()
		return nil, err
	}

	var mu sync.Mutex
	done := 0
	progress := func() {
		mu.Lock()
		defer mu.Unlock()
		done++
		if opts.Progress != nil {
			opts.Progress(done, total)
		}
	}
	progress()

	g, gctx := errgroup.WithContext(ctx)
	threads := img.c.threads
	if threads < 1 {
		threads = 1
	}
	g.SetLimit(threads)
	for i := 1; i < total; i++ {
		i := i
		g.Go(func() error {
			if opts.canceled() {
				return errCanceledByCaller
			}
			if err := gctx.Err(); err != nil {
				return canceled(err)
			}
			t, err := tiles[i].decode(gctx, opts, nil)
			if err != nil {
				return err
			}
			defer t.Release()
			if err := paste(i, t); err != nil {
				return err
			}
			img.c.debugf("heif: grid %d: tile %d (item %d) done", img.id, i, tiles[i].id)
			progress()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		canvas.Release()
		return nil, err
	}
	return canvas, nil
}
