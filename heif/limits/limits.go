// Package limits holds the ceilings applied while parsing untrusted HEIF
// input and allocating memory for it.
package limits

import (
	"fmt"
	"sync"

	"github.com/heifkit/goheif/heif/heiferr"
)

// Structural constants that are not configurable.
const (
	MaxBoxNestingLevel = 20
	MaxBoxSize         = 0x7FFFFFFF
	MaxLargeBoxSize    = 0x0FFFFFFFFFFFFFFF
	MaxFilePos         = 0x007FFFFFFFFFFFFF
	MaxFractionValue   = 0x10000
)

// CurrentVersion is the layout version of SecurityLimits.
const CurrentVersion = 2

// SecurityLimits bounds resource usage. A zero field means "no limit".
type SecurityLimits struct {
	Version uint8

	MaxImageSizePixels    uint64
	MaxNumberOfTiles      uint64
	MaxBayerPatternPixels uint32
	MaxItems              uint32

	MaxColorProfileSize uint32
	MaxMemoryBlockSize  uint64

	MaxComponents         uint32
	MaxIlocExtentsPerItem uint32
	MaxSizeEntityGroup    uint32
	MaxChildrenPerBox     uint32
	MaxIrefReferences     uint32

	MaxTotalMemory uint64
}

// Default returns the limits applied when the caller does not choose any.
func Default() *SecurityLimits {
	return &SecurityLimits{
		Version:               CurrentVersion,
		MaxImageSizePixels:    32768 * 32768,
		MaxNumberOfTiles:      4096 * 4096,
		MaxBayerPatternPixels: 16 * 16,
		MaxItems:              0,
		MaxColorProfileSize:   100 * 1024 * 1024,
		MaxMemoryBlockSize:    512 * 1024 * 1024,
		MaxComponents:         256,
		MaxIlocExtentsPerItem: 32,
		MaxSizeEntityGroup:    64,
		MaxChildrenPerBox:     65536,
		MaxIrefReferences:     0,
		MaxTotalMemory:        4 * 1024 * 1024 * 1024,
	}
}

// Disabled returns limits with every ceiling switched off. It is only
// ever used when passed explicitly.
func Disabled() *SecurityLimits {
	return &SecurityLimits{Version: CurrentVersion}
}

// OrDefault returns l, or Default() when l is nil.
func (l *SecurityLimits) OrDefault() *SecurityLimits {
	if l == nil {
		return Default()
	}
	return l
}

func exceeded(format string, args ...interface{}) error {
	return heiferr.New(heiferr.MemoryAllocation, heiferr.SecurityLimitExceeded, fmt.Sprintf(format, args...))
}

// CheckMemoryBlock reports whether a single allocation of size bytes is allowed.
func (l *SecurityLimits) CheckMemoryBlock(size uint64, what string) error {
	if l.MaxMemoryBlockSize != 0 && size > l.MaxMemoryBlockSize {
		return exceeded("allocating %d bytes for %s exceeds the security limit of %d bytes", size, what, l.MaxMemoryBlockSize)
	}
	return nil
}

// CheckImageSize validates a pixel area.
func (l *SecurityLimits) CheckImageSize(width, height uint32) error {
	if l.MaxImageSizePixels != 0 && uint64(width)*uint64(height) > l.MaxImageSizePixels {
		return exceeded("image size %dx%d exceeds the maximum image size of %d pixels", width, height, l.MaxImageSizePixels)
	}
	return nil
}

// CheckTiles validates a tile count.
func (l *SecurityLimits) CheckTiles(n uint64) error {
	if l.MaxNumberOfTiles != 0 && n > l.MaxNumberOfTiles {
		return exceeded("number of tiles %d exceeds the maximum of %d", n, l.MaxNumberOfTiles)
	}
	return nil
}

// CheckItems validates the number of items in a file.
func (l *SecurityLimits) CheckItems(n uint64) error {
	if l.MaxItems != 0 && n > uint64(l.MaxItems) {
		return exceeded("number of items %d exceeds the maximum of %d", n, l.MaxItems)
	}
	return nil
}

// CheckColorProfile validates the byte size of an ICC profile.
func (l *SecurityLimits) CheckColorProfile(size uint64) error {
	if l.MaxColorProfileSize != 0 && size > uint64(l.MaxColorProfileSize) {
		return exceeded("color profile of %d bytes exceeds the maximum of %d", size, l.MaxColorProfileSize)
	}
	return nil
}

// CheckComponents validates a component count.
func (l *SecurityLimits) CheckComponents(n uint64) error {
	if l.MaxComponents != 0 && n > uint64(l.MaxComponents) {
		return exceeded("number of components %d exceeds the maximum of %d", n, l.MaxComponents)
	}
	return nil
}

// CheckIlocExtents validates the number of extents of one iloc item.
func (l *SecurityLimits) CheckIlocExtents(n uint64) error {
	if l.MaxIlocExtentsPerItem != 0 && n > uint64(l.MaxIlocExtentsPerItem) {
		return exceeded("number of iloc extents %d exceeds the maximum of %d", n, l.MaxIlocExtentsPerItem)
	}
	return nil
}

// CheckEntityGroup validates the number of entities of a group.
func (l *SecurityLimits) CheckEntityGroup(n uint64) error {
	if l.MaxSizeEntityGroup != 0 && n > uint64(l.MaxSizeEntityGroup) {
		return exceeded("entity group of %d entries exceeds the maximum of %d", n, l.MaxSizeEntityGroup)
	}
	return nil
}

// CheckChildren validates the number of children of one box.
func (l *SecurityLimits) CheckChildren(n uint64) error {
	if l.MaxChildrenPerBox != 0 && n > uint64(l.MaxChildrenPerBox) {
		return exceeded("box has more than %d children", l.MaxChildrenPerBox)
	}
	return nil
}

// CheckIrefReferences validates the total number of item references.
func (l *SecurityLimits) CheckIrefReferences(n uint64) error {
	if l.MaxIrefReferences != 0 && n > uint64(l.MaxIrefReferences) {
		return exceeded("number of iref references %d exceeds the maximum of %d", n, l.MaxIrefReferences)
	}
	return nil
}

// CheckBayerPattern validates the area of a filter-array pattern.
func (l *SecurityLimits) CheckBayerPattern(w, h uint32) error {
	if l.MaxBayerPatternPixels != 0 && uint64(w)*uint64(h) > uint64(l.MaxBayerPatternPixels) {
		return exceeded("bayer pattern %dx%d exceeds the maximum of %d pixels", w, h, l.MaxBayerPatternPixels)
	}
	return nil
}

// Tracker accounts for the memory held by one context against
// MaxTotalMemory. It is safe for concurrent use.
type Tracker struct {
	limits *SecurityLimits

	mu    sync.Mutex
	total uint64
}

// NewTracker returns a Tracker for l.
func NewTracker(l *SecurityLimits) *Tracker {
	return &Tracker{limits: l.OrDefault()}
}

// Alloc registers an allocation of n bytes.
func (t *Tracker) Alloc(n uint64) error {
	if t == nil {
		return nil
	}
	if err := t.limits.CheckMemoryBlock(n, "image data"); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limits.MaxTotalMemory != 0 && t.total+n > t.limits.MaxTotalMemory {
		return exceeded("total memory usage of %d bytes exceeds the limit of %d", t.total+n, t.limits.MaxTotalMemory)
	}
	t.total += n
	return nil
}

// Free releases n bytes previously registered with Alloc.
func (t *Tracker) Free(n uint64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	if n > t.total {
		n = t.total
	}
	t.total -= n
	t.mu.Unlock()
}

// Total returns the currently registered byte count.
func (t *Tracker) Total() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}
