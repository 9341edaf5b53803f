package segmentation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medscorrect/internal/models"
)

type fakeSource struct {
	objects []models.Object
	segs    map[[2]int][]int32
}

func (f *fakeSource) Object(i int) models.Object { return f.objects[i] }

func (f *fakeSource) ReadSeg(mindex, icut int) ([]int32, error) {
	seg, ok := f.segs[[2]int{mindex, icut}]
	if !ok {
		return nil, errors.New("no such seg")
	}
	return seg, nil
}

var identity = models.Jacobian{Row0: 1, Col0: 1, DuDCol: 0.25, DvDRow: 0.25}

// coaddSeg is a 3x3 map with distinct values per pixel
var coaddSeg = []int32{1, 2, 3, 4, 5, 6, 7, 8, 9}

func newSource(epoch models.Jacobian) *fakeSource {
	return &fakeSource{
		objects: []models.Object{{
			ID: 5, NCutout: 2, BoxSize: 3,
			Jacobians: []models.Jacobian{identity, epoch},
		}},
		segs: map[[2]int][]int32{
			{0, 0}: coaddSeg,
			{0, 1}: {0, 0, 0, 0, 42, 0, 0, 0, 0},
		},
	}
}

func TestInterpolateSameGrid(t *testing.T) {
	r := NewResolver(newSource(identity))

	seg, err := r.Resolve(0, 1)
	require.NoError(t, err)
	assert.Equal(t, coaddSeg, seg)
	assert.Equal(t, 0, r.Fallbacks())
}

func TestInterpolateShiftedAndRotated(t *testing.T) {
	// epoch center one pixel down: epoch row r is coadd row r-1
	r := NewResolver(newSource(models.Jacobian{Row0: 2, Col0: 1, DuDCol: 0.25, DvDRow: 0.25}))
	seg, err := r.InterpolateCoaddSeg(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 0, 0, 1, 2, 3, 4, 5, 6}, seg)

	// rows and columns swapped
	r = NewResolver(newSource(models.Jacobian{Row0: 1, Col0: 1, DuDRow: 0.25, DvDCol: 0.25}))
	seg, err = r.InterpolateCoaddSeg(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 4, 7, 2, 5, 8, 3, 6, 9}, seg)
}

func TestFallbackToStoredSeg(t *testing.T) {
	cases := map[string]*fakeSource{
		"singular epoch wcs": newSource(models.Jacobian{}),
		"no overlap":         newSource(models.Jacobian{Row0: 40, Col0: 40, DuDCol: 0.25, DvDRow: 0.25}),
	}

	missingJac := newSource(identity)
	missingJac.objects[0].Jacobians = nil
	cases["missing jacobian"] = missingJac

	missingCoadd := newSource(identity)
	delete(missingCoadd.segs, [2]int{0, 0})
	cases["missing coadd seg"] = missingCoadd

	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewResolver(src)
			var notified []int
			r.OnFallback(func(mindex, icut int, err error) {
				assert.Error(t, err)
				notified = append(notified, icut)
			})

			seg, err := r.Resolve(0, 1)
			require.NoError(t, err)
			assert.Equal(t, []int32{0, 0, 0, 0, 42, 0, 0, 0, 0}, seg)
			assert.Equal(t, 1, r.Fallbacks())
			assert.Equal(t, []int{1}, notified)
		})
	}
}

func TestBothPathsFail(t *testing.T) {
	src := newSource(models.Jacobian{})
	delete(src.segs, [2]int{0, 1})

	_, err := NewResolver(src).Resolve(0, 1)
	assert.ErrorIs(t, err, ErrNoSegmentation)
}
