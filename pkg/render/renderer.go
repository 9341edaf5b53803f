package render

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"medscorrect/pkg/wcs"
)

// Neighbor masking types
const (
	// MaskNbrsSeg zeroes the mask on the seg pixels of neighbors whose fit
	// failed
	MaskNbrsSeg = "nbrs-seg"

	// MaskNone never masks
	MaskNone = "none"
)

// DefaultFootprintPad is the margin, in arcsec, added around a cutout when
// looking for neighbors that can throw light into it
const DefaultFootprintPad = 5.0

// skyPoint is an object position in the tangent plane
type skyPoint struct {
	U, V float64
	ID   int64
}

// Compare implements the kdtree.Comparable interface
func (p skyPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(skyPoint)
	switch d {
	case 0:
		return p.U - q.U
	case 1:
		return p.V - q.V
	default:
		panic("illegal dimension")
	}
}

func (p skyPoint) Dims() int { return 2 }

// Distance returns the squared distance between two positions
func (p skyPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(skyPoint)
	du := p.U - q.U
	dv := p.V - q.V
	return du*du + dv*dv
}

type skyPoints []skyPoint

func (p skyPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p skyPoints) Len() int                              { return len(p) }
func (p skyPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p skyPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(skyPlane{skyPoints: p, Dim: d}, kdtree.MedianOfRandoms(skyPlane{skyPoints: p, Dim: d}, 100))
}

type skyPlane struct {
	skyPoints
	kdtree.Dim
}

func (p skyPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.skyPoints[i].U < p.skyPoints[j].U
	case 1:
		return p.skyPoints[i].V < p.skyPoints[j].V
	default:
		panic("illegal dimension")
	}
}

func (p skyPlane) Slice(start, end int) kdtree.SortSlicer {
	return skyPlane{skyPoints: p.skyPoints[start:end], Dim: p.Dim}
}

func (p skyPlane) Swap(i, j int) {
	p.skyPoints[i], p.skyPoints[j] = p.skyPoints[j], p.skyPoints[i]
}

// MixtureRenderer renders fitted Gaussian mixtures from a fit database.
// It is safe for concurrent use once built.
type MixtureRenderer struct {
	db          *FitDB
	maskingType string
	pad         float64
	tree        *kdtree.Tree
}

// NewMixtureRenderer builds a renderer over db with the given neighbor
// masking type
func NewMixtureRenderer(db *FitDB, maskingType string) (*MixtureRenderer, error) {
	switch maskingType {
	case MaskNbrsSeg, MaskNone:
	default:
		return nil, fmt.Errorf("unknown neighbor masking type %q", maskingType)
	}

	pts := make(skyPoints, len(db.Objects))
	for i, obj := range db.Objects {
		pts[i] = skyPoint{U: obj.U, V: obj.V, ID: obj.ID}
	}

	r := &MixtureRenderer{db: db, maskingType: maskingType, pad: DefaultFootprintPad}
	if len(pts) > 0 {
		r.tree = kdtree.New(pts, false)
	}
	return r, nil
}

// SetFootprintPad changes the neighbor search margin
func (r *MixtureRenderer) SetFootprintPad(pad float64) {
	r.pad = pad
}

// inFootprint returns the ids of all fit objects within radius of (u, v)
func (r *MixtureRenderer) inFootprint(u, v, radius float64) map[int64]bool {
	found := make(map[int64]bool)
	if r.tree == nil {
		return found
	}
	keep := kdtree.NewDistKeeper(radius * radius)
	r.tree.NearestSet(keep, skyPoint{U: u, V: v})
	for _, c := range keep.Heap {
		if c.Comparable == nil {
			continue
		}
		found[c.Comparable.(skyPoint).ID] = true
	}
	return found
}

// RenderNeighbors implements Renderer
func (r *MixtureRenderer) RenderNeighbors(id int64, icut int, seg []int32, model string, band int) (Result, error) {
	boxSize := int(math.Round(math.Sqrt(float64(len(seg)))))
	if boxSize*boxSize != len(seg) || boxSize == 0 {
		return nil, fmt.Errorf("seg map of %d pixels is not square", len(seg))
	}

	cen, ok := r.db.Object(id)
	if !ok {
		return NoModel{}, nil
	}
	epoch, ok := r.db.Epoch(id, icut, band)
	if !ok || epoch.Flags != 0 {
		return NoModel{}, nil
	}
	nbrs := r.db.Neighbors(id)
	if len(nbrs) == 0 {
		return NoModel{}, nil
	}

	w, err := wcs.New(epoch.Jacobian)
	if err != nil {
		return NoModel{}, nil
	}

	// half diagonal of the cutout plus the margin
	radius := float64(boxSize)*math.Sqrt2/2*w.PixelScale() + r.pad
	near := r.inFootprint(cen.U, cen.V, radius)

	res := WithNeighbors{
		NeighborImage: make([]float64, len(seg)),
		NeighborMask:  make([]float64, len(seg)),
		PixelScale:    w.PixelScale(),
	}
	for i := range res.NeighborMask {
		res.NeighborMask[i] = MaskAccounted
	}

	for _, nid := range nbrs {
		if nid == id || !near[nid] {
			continue
		}
		res.NeighborIDs = append(res.NeighborIDs, nid)

		nbr, _ := r.db.Object(nid)
		if mix, ok := r.db.Mixture(nid, model, band); ok {
			mix.renderInto(res.NeighborImage, boxSize, w, nbr.U-cen.U, nbr.V-cen.V)
			continue
		}

		if r.maskingType == MaskNbrsSeg {
			for i, s := range seg {
				if int64(s) == nid {
					res.NeighborMask[i] = 0
				}
			}
		}
	}
	if len(res.NeighborIDs) == 0 {
		return NoModel{}, nil
	}

	if mix, ok := r.db.Mixture(id, model, band); ok {
		res.Central = make([]float64, len(seg))
		mix.renderInto(res.Central, boxSize, w, 0, 0)
	}
	return res, nil
}

// RenderCentral implements Renderer
func (r *MixtureRenderer) RenderCentral(id int64, ref ObjectSource, mindex, icut int, model string, band int, boxSize int) (Result, error) {
	if boxSize <= 0 {
		return nil, fmt.Errorf("invalid box size %d", boxSize)
	}

	mix, ok := r.db.Mixture(id, model, band)
	if !ok {
		return NoModel{}, nil
	}

	obj := ref.Object(mindex)
	if icut >= len(obj.Jacobians) {
		return NoModel{}, nil
	}
	w, err := wcs.New(obj.Jacobians[icut])
	if err != nil {
		return NoModel{}, nil
	}

	img := make([]float64, boxSize*boxSize)
	mix.renderInto(img, boxSize, w, 0, 0)
	return CentralOnly{Image: img, PixelScale: w.PixelScale()}, nil
}
