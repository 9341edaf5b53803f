// Package wcs maps between cutout pixel coordinates and the tangent plane
// using the per-cutout affine jacobian stored in the catalog.
package wcs

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"medscorrect/internal/models"
)

// ErrSingular is returned for a jacobian that cannot be inverted
var ErrSingular = errors.New("singular jacobian")

// WCS is an invertible affine pixel <-> sky mapping
type WCS struct {
	jac models.Jacobian

	// fwd maps (drow, dcol) to (u, v); inv is its inverse
	fwd *mat.Dense
	inv *mat.Dense
	det float64
}

// New builds a WCS from a jacobian, failing if the jacobian is singular or
// holds non-finite values
func New(j models.Jacobian) (*WCS, error) {
	for _, v := range []float64{j.Row0, j.Col0, j.DuDRow, j.DuDCol, j.DvDRow, j.DvDCol} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite element %v", ErrSingular, v)
		}
	}

	fwd := mat.NewDense(2, 2, []float64{
		j.DuDRow, j.DuDCol,
		j.DvDRow, j.DvDCol,
	})

	det := j.DuDRow*j.DvDCol - j.DuDCol*j.DvDRow
	if det == 0 {
		return nil, ErrSingular
	}

	var inv mat.Dense
	if err := inv.Inverse(fwd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}

	return &WCS{jac: j, fwd: fwd, inv: &inv, det: det}, nil
}

// PixelToSky returns the tangent-plane offset of a pixel position relative
// to the object center
func (w *WCS) PixelToSky(row, col float64) (u, v float64) {
	dr := row - w.jac.Row0
	dc := col - w.jac.Col0
	u = w.fwd.At(0, 0)*dr + w.fwd.At(0, 1)*dc
	v = w.fwd.At(1, 0)*dr + w.fwd.At(1, 1)*dc
	return u, v
}

// SkyToPixel returns the pixel position of a tangent-plane offset
func (w *WCS) SkyToPixel(u, v float64) (row, col float64) {
	row = w.jac.Row0 + w.inv.At(0, 0)*u + w.inv.At(0, 1)*v
	col = w.jac.Col0 + w.inv.At(1, 0)*u + w.inv.At(1, 1)*v
	return row, col
}

// Area returns the pixel area in square arcsec
func (w *WCS) Area() float64 {
	return math.Abs(w.det)
}

// PixelScale returns the linear pixel scale in arcsec
func (w *WCS) PixelScale() float64 {
	return math.Sqrt(w.Area())
}
