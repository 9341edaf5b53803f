// Package segmentation resolves the segmentation map of a single-epoch
// cutout, preferring the coadd map resampled onto the epoch pixel grid.
package segmentation

import (
	"errors"
	"fmt"
	"math"

	"medscorrect/internal/models"
	"medscorrect/pkg/wcs"
)

var (
	// ErrNoSegmentation is returned when neither the interpolated coadd map
	// nor the stored epoch map is available
	ErrNoSegmentation = errors.New("no segmentation map")

	// ErrNoOverlap is returned when no epoch pixel maps onto the coadd stamp
	ErrNoOverlap = errors.New("epoch cutout does not overlap the coadd cutout")

	// ErrNoCoadd is returned when the object has no usable coadd cutout
	ErrNoCoadd = errors.New("no coadd cutout")
)

// Source provides the object table and stored seg maps
type Source interface {
	Object(mindex int) models.Object
	ReadSeg(mindex, icut int) ([]int32, error)
}

// FallbackFunc is called each time the stored epoch map is used because the
// coadd map could not be interpolated
type FallbackFunc func(mindex, icut int, err error)

// Resolver produces segmentation maps for epoch cutouts. It is not safe for
// concurrent use.
type Resolver struct {
	src        Source
	onFallback FallbackFunc
	fallbacks  int
}

// NewResolver creates a resolver reading from src
func NewResolver(src Source) *Resolver {
	return &Resolver{src: src}
}

// OnFallback registers a function notified of every fallback
func (r *Resolver) OnFallback(fn FallbackFunc) {
	r.onFallback = fn
}

// Fallbacks returns how many times the stored epoch map was used
func (r *Resolver) Fallbacks() int {
	return r.fallbacks
}

// Resolve returns the seg map of cutout icut of object row mindex
func (r *Resolver) Resolve(mindex, icut int) ([]int32, error) {
	seg, err := r.InterpolateCoaddSeg(mindex, icut)
	if err == nil {
		return seg, nil
	}

	r.fallbacks++
	if r.onFallback != nil {
		r.onFallback(mindex, icut, err)
	}

	seg, serr := r.src.ReadSeg(mindex, icut)
	if serr != nil {
		return nil, fmt.Errorf("%w for object row %d cutout %d: interpolation: %v; stored: %v",
			ErrNoSegmentation, mindex, icut, err, serr)
	}
	return seg, nil
}

// InterpolateCoaddSeg resamples the coadd seg map onto the pixel grid of an
// epoch cutout with nearest-neighbor sampling. Epoch pixels that fall off
// the coadd stamp get 0.
func (r *Resolver) InterpolateCoaddSeg(mindex, icut int) ([]int32, error) {
	obj := r.src.Object(mindex)
	if obj.NCutout < 1 || obj.BoxSize <= 0 {
		return nil, ErrNoCoadd
	}
	if icut < 1 || icut >= obj.NCutout {
		return nil, fmt.Errorf("cutout %d out of range for object %d with %d cutouts", icut, obj.ID, obj.NCutout)
	}
	if len(obj.Jacobians) <= icut {
		return nil, fmt.Errorf("object %d has no jacobian for cutout %d", obj.ID, icut)
	}

	coaddWCS, err := wcs.New(obj.Jacobians[0])
	if err != nil {
		return nil, fmt.Errorf("coadd wcs: %w", err)
	}
	epochWCS, err := wcs.New(obj.Jacobians[icut])
	if err != nil {
		return nil, fmt.Errorf("epoch wcs: %w", err)
	}

	coadd, err := r.src.ReadSeg(mindex, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCoadd, err)
	}

	box := obj.BoxSize
	seg := make([]int32, box*box)
	mapped := 0
	for row := 0; row < box; row++ {
		for col := 0; col < box; col++ {
			u, v := epochWCS.PixelToSky(float64(row), float64(col))
			crow, ccol := coaddWCS.SkyToPixel(u, v)
			ir := int(math.Round(crow))
			ic := int(math.Round(ccol))
			if ir < 0 || ir >= box || ic < 0 || ic >= box {
				continue
			}
			seg[row*box+col] = coadd[ir*box+ic]
			mapped++
		}
	}
	if mapped == 0 {
		return nil, ErrNoOverlap
	}
	return seg, nil
}
