package heif

import (
	"context"

	"github.com/heifkit/goheif/heif/heiferr"
	"github.com/heifkit/goheif/heif/pixel"
)

// idenKind is an 'iden' item: the image it references, with the item's
// own transformations applied on top.
type idenKind struct {
	ref uint32
}

func (k *idenKind) load(img *ImageItem) error {
	refs := img.item.referencesOfType("dimg")
	switch {
	case len(refs) == 0:
		return heiferr.Newf(heiferr.InvalidInput, heiferr.NonexistingItemReferenced, "iden item %d references no image", img.id)
	case len(refs) > 1:
		return heiferr.Newf(heiferr.InvalidInput, heiferr.Unspecified,
			"iden item %d references %d images, exactly one is allowed", img.id, len(refs))
	case refs[0] == img.id:
		return heiferr.Newf(heiferr.InvalidInput, heiferr.ItemReferenceCycle, "iden item %d references itself", img.id)
	}
	k.ref = refs[0]
	return nil
}

func (k *idenKind) source(img *ImageItem) (*ImageItem, error) {
	src, ok := img.c.images[k.ref]
	if !ok {
		return nil, heiferr.Newf(heiferr.InvalidInput, heiferr.NonexistingItemReferenced,
			"iden item %d references non-existing image %d", img.id, k.ref)
	}
	return src, nil
}

func (k *idenKind) format(img *ImageItem) CompressionFormat {
	if src, err := k.source(img); err == nil {
		return src.Format()
	}
	return FormatUndefined
}

func (k *idenKind) tiling(img *ImageItem) Tiling {
	if src, err := k.source(img); err == nil {
		return src.Tiling(true)
	}
	return Tiling{}
}

func (k *idenKind) decode(ctx context.Context, img *ImageItem, opts *DecodingOptions, tile *tilePos) (*pixel.Image, error) {
	src, err := k.source(img)
	if err != nil {
		return nil, err
	}
	return src.decode(ctx, opts, tile)
}
