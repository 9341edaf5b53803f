package correction

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"medscorrect/internal/models"
	"medscorrect/pkg/render"
)

// Options is the pixel policy of a correction run
type Options struct {
	// ReplaceBad replaces pixels with a bmask bit set or a weight at or below
	// MinWeight with the central model
	ReplaceBad bool

	// ResetBmaskAndWeight zeroes the bmask and sets low weights to the
	// cutout's maximum weight after a successful replacement. It also
	// disables neighbor contamination flagging.
	ResetBmaskAndWeight bool

	// MinWeight is the weight at or below which a pixel is bad
	MinWeight float64
}

// Report summarizes what Correct did to one cutout
type Report struct {
	NPix int

	// Subtracted is set when neighbor flux was removed
	Subtracted bool

	// Bad is the number of bad pixels after neighbor subtraction, whether
	// or not they were replaced
	Bad int

	// Replaced is the number of bad pixels set to the central model
	Replaced int

	// Unrepaired is the number of bad pixels flagged CenModelMissing
	Unrepaired int

	// Reset is set when the bmask and weights were reset
	Reset bool

	// Contaminated is the number of pixels flagged NbrsMasked
	Contaminated int
}

// Correct applies neighbor subtraction, bad pixel replacement and bmask
// bookkeeping to a cutout in place. The steps run in a fixed order; each
// sees the effect of the previous ones.
func Correct(c *models.Cutout, res render.Result, opts Options) (Report, error) {
	n := len(c.Image)
	rep := Report{NPix: n}
	if len(c.Weight) != n || len(c.Bmask) != n {
		return rep, fmt.Errorf("cutout arrays differ in length: %d/%d/%d", n, len(c.Weight), len(c.Bmask))
	}
	if n == 0 {
		return rep, nil
	}

	cen, scale, hasCen := render.Central(res)
	if hasCen && len(cen) != n {
		return rep, fmt.Errorf("central model has %d pixels, cutout has %d", len(cen), n)
	}

	// neighbor subtraction
	var nbrsMask []float64
	if wn, ok := res.(render.WithNeighbors); ok {
		if len(wn.NeighborImage) != n || len(wn.NeighborMask) != n {
			return rep, fmt.Errorf("neighbor model has %d/%d pixels, cutout has %d",
				len(wn.NeighborImage), len(wn.NeighborMask), n)
		}
		floats.AddScaled(c.Image, -wn.PixelScale*wn.PixelScale, wn.NeighborImage)
		floats.Mul(c.Weight, wn.NeighborMask)
		nbrsMask = wn.NeighborMask
		rep.Subtracted = true
	}

	var bad, lowWeight []int
	for i := 0; i < n; i++ {
		wl := c.Weight[i] <= opts.MinWeight
		if wl {
			lowWeight = append(lowWeight, i)
		}
		if c.Bmask[i] != 0 || wl {
			bad = append(bad, i)
		}
	}
	rep.Bad = len(bad)

	if opts.ReplaceBad {
		switch {
		case len(bad) == 0:
		case !hasCen:
			for _, i := range bad {
				c.Bmask[i] |= int32(CenModelMissing)
			}
			rep.Unrepaired = len(bad)
		default:
			scale2 := scale * scale
			for _, i := range bad {
				c.Image[i] = cen[i] * scale2
			}
			rep.Replaced = len(bad)

			if opts.ResetBmaskAndWeight {
				for i := range c.Bmask {
					c.Bmask[i] = 0
				}
				maxWeight := floats.Max(c.Weight)
				for _, i := range lowWeight {
					c.Weight[i] = maxWeight
				}
				rep.Reset = true
			}
		}
	}

	// contamination flagging would undo a reset
	if !opts.ResetBmaskAndWeight && nbrsMask != nil {
		for i, m := range nbrsMask {
			if m != render.MaskAccounted {
				c.Bmask[i] |= int32(NbrsMasked)
				rep.Contaminated++
			}
		}
	}

	return rep, nil
}
