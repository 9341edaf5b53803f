package render

import (
	"math"

	"medscorrect/pkg/wcs"
)

// Gauss is one component of a Gaussian mixture in tangent-plane
// coordinates. U, V are offsets from the object position in arcsec and the
// second moments are in arcsec².
type Gauss struct {
	P   float64 `yaml:"p"`
	U   float64 `yaml:"u"`
	V   float64 `yaml:"v"`
	Iuu float64 `yaml:"iuu"`
	Iuv float64 `yaml:"iuv"`
	Ivv float64 `yaml:"ivv"`
}

// Det returns the determinant of the component covariance
func (g Gauss) Det() float64 {
	return g.Iuu*g.Ivv - g.Iuv*g.Iuv
}

// Mixture is a sum of Gaussian components
type Mixture []Gauss

// Eval returns the surface brightness of the mixture at offset (u, v) from
// the object position
func (m Mixture) Eval(u, v float64) float64 {
	var sum float64
	for _, g := range m {
		det := g.Det()
		du := u - g.U
		dv := v - g.V
		chi2 := (g.Ivv*du*du - 2*g.Iuv*du*dv + g.Iuu*dv*dv) / det
		if chi2 > 50 {
			continue
		}
		sum += g.P / (2 * math.Pi * math.Sqrt(det)) * math.Exp(-0.5*chi2)
	}
	return sum
}

// Flux returns the total flux of the mixture
func (m Mixture) Flux() float64 {
	var sum float64
	for _, g := range m {
		sum += g.P
	}
	return sum
}

// renderInto adds the mixture, placed at tangent-plane offset (du, dv) from
// the cutout's reference position, to a boxSize x boxSize image
func (m Mixture) renderInto(img []float64, boxSize int, w *wcs.WCS, du, dv float64) {
	for row := 0; row < boxSize; row++ {
		for col := 0; col < boxSize; col++ {
			u, v := w.PixelToSky(float64(row), float64(col))
			img[row*boxSize+col] += m.Eval(u-du, v-dv)
		}
	}
}
