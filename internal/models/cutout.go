package models

// Jacobian is the local affine approximation of a cutout's WCS. It maps pixel
// offsets about (Row0, Col0) onto tangent-plane offsets (u, v) in arcsec.
type Jacobian struct {
	// Row0, Col0 is the pixel position of the object center in the cutout
	Row0 float64 `yaml:"row0"`
	Col0 float64 `yaml:"col0"`

	DuDRow float64 `yaml:"dudrow"`
	DuDCol float64 `yaml:"dudcol"`
	DvDRow float64 `yaml:"dvdrow"`
	DvDCol float64 `yaml:"dvdcol"`
}

// Object is one row of the object table. Cutout index 0 is the coadd cutout.
type Object struct {
	// ID is the unique coadd object id
	ID int64 `yaml:"id"`

	// NCutout is the number of cutouts, including the coadd cutout
	NCutout int `yaml:"ncutout"`

	// BoxSize is the side length of every cutout of this object, in pixels
	BoxSize int `yaml:"box_size"`

	// StartRow holds, per cutout, the offset into the flat pixel arrays where
	// the BoxSize*BoxSize block of that cutout begins
	StartRow []int64 `yaml:"start_row"`

	// Jacobians holds the per-cutout WCS jacobian
	Jacobians []Jacobian `yaml:"jacobians"`
}

// NPix returns the number of pixels in one cutout of this object
func (o Object) NPix() int {
	if o.BoxSize <= 0 {
		return 0
	}
	return o.BoxSize * o.BoxSize
}

// Cutout holds owned copies of one cutout's pixel arrays in row-major order.
// Mutating a Cutout never touches the store until it is written back.
type Cutout struct {
	BoxSize int
	Image   []float64
	Weight  []float64
	Bmask   []int32
}

// NewCutout allocates zeroed buffers for a boxSize x boxSize cutout
func NewCutout(boxSize int) *Cutout {
	n := boxSize * boxSize
	return &Cutout{
		BoxSize: boxSize,
		Image:   make([]float64, n),
		Weight:  make([]float64, n),
		Bmask:   make([]int32, n),
	}
}

// Clone returns a deep copy of the cutout
func (c *Cutout) Clone() *Cutout {
	out := &Cutout{
		BoxSize: c.BoxSize,
		Image:   make([]float64, len(c.Image)),
		Weight:  make([]float64, len(c.Weight)),
		Bmask:   make([]int32, len(c.Bmask)),
	}
	copy(out.Image, c.Image)
	copy(out.Weight, c.Weight)
	copy(out.Bmask, c.Bmask)
	return out
}
