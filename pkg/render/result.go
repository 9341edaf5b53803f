// Package render produces model images of a central object and its
// neighbors on the pixel grid of a single-epoch cutout.
package render

import "medscorrect/internal/models"

// MaskAccounted is the neighbor mask value of a pixel whose neighbor flux is
// fully modeled. Any other value marks the pixel as contaminated.
const MaskAccounted = 1.0

// Result is the outcome of a render request. It is one of NoModel,
// CentralOnly or WithNeighbors.
type Result interface {
	result()
}

// NoModel means there is nothing usable to render for the cutout
type NoModel struct{}

// CentralOnly holds the central model when the object has no neighbors
// worth modeling in the cutout
type CentralOnly struct {
	// Image is the central model in surface brightness units, row-major
	Image []float64

	// PixelScale converts surface brightness to pixel flux: flux = Image * PixelScale²
	PixelScale float64
}

// WithNeighbors holds the neighbor model of a cutout
type WithNeighbors struct {
	// Central is nil when the central fit did not converge
	Central []float64

	// NeighborImage is the summed model of all modeled neighbors
	NeighborImage []float64

	// NeighborMask is MaskAccounted where neighbor flux is modeled and 0
	// where an unmodeled neighbor contaminates the pixel
	NeighborMask []float64

	NeighborIDs []int64
	PixelScale  float64
}

func (NoModel) result()       {}
func (CentralOnly) result()   {}
func (WithNeighbors) result() {}

// Central returns the central model image and pixel scale of a result, if any
func Central(r Result) ([]float64, float64, bool) {
	switch res := r.(type) {
	case CentralOnly:
		return res.Image, res.PixelScale, res.Image != nil
	case WithNeighbors:
		return res.Central, res.PixelScale, res.Central != nil
	default:
		return nil, 0, false
	}
}

// ObjectSource gives access to the reference catalog's object table
type ObjectSource interface {
	Object(mindex int) models.Object
}

// Renderer renders models for single-epoch cutouts. Implementations are
// read-only with respect to the catalog.
type Renderer interface {
	// RenderNeighbors renders the neighbors of an object in a cutout. It
	// returns NoModel when no neighbor is worth modeling in the footprint.
	RenderNeighbors(id int64, icut int, seg []int32, model string, band int) (Result, error)

	// RenderCentral renders only the central object on a boxSize x boxSize
	// grid, using the reference catalog's WCS for the cutout. It returns
	// NoModel when no usable central model exists.
	RenderCentral(id int64, ref ObjectSource, mindex, icut int, model string, band int, boxSize int) (Result, error)
}
