package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medscorrect/internal/models"
	"medscorrect/pkg/correction"
	"medscorrect/pkg/meds"
	"medscorrect/pkg/render"
)

const box = 4

// writeStore creates a store of nobj objects, each with a coadd and one
// epoch cutout holding a single masked pixel
func writeStore(t *testing.T, dir string, nobj int) {
	t.Helper()

	jac := models.Jacobian{Row0: 1.5, Col0: 1.5, DuDCol: 0.5, DvDRow: 0.5}
	npix := box * box

	cat := &meds.Catalog{Metadata: meds.Metadata{Source: "DES0000+0000-i-meds.fits"}}
	arrays := meds.Arrays{
		Image:  make([]float32, 2*nobj*npix),
		Weight: make([]float32, 2*nobj*npix),
		Seg:    make([]int32, 2*nobj*npix),
		Bmask:  make([]int32, 2*nobj*npix),
	}
	for k := 0; k < nobj; k++ {
		start := int64(2 * k * npix)
		cat.Objects = append(cat.Objects, models.Object{
			ID:        int64(k + 1),
			NCutout:   2,
			BoxSize:   box,
			StartRow:  []int64{start, start + int64(npix)},
			Jacobians: []models.Jacobian{jac, jac},
		})
		arrays.Bmask[int(start)+npix+k%npix] = 1
	}
	for i := range arrays.Image {
		arrays.Image[i] = 7
		arrays.Weight[i] = 1
	}
	require.NoError(t, meds.Create(dir, cat, arrays))
}

func testRenderer(t *testing.T, nobj int) render.Renderer {
	t.Helper()

	var objects []render.FitObject
	for k := 0; k < nobj; k++ {
		objects = append(objects, render.FitObject{
			ID: int64(k + 1),
			Models: map[string][]render.BandModel{
				"cm": {{Band: 2, Gauss: render.Mixture{{P: float64(10 * (k + 1)), Iuu: 0.5, Ivv: 0.5}}}},
			},
		})
	}
	db, err := render.NewFitDB(4, objects, nil, nil)
	require.NoError(t, err)
	rdr, err := render.NewMixtureRenderer(db, render.MaskNbrsSeg)
	require.NoError(t, err)
	return rdr
}

func TestCorrectRangesMatchesSerialRun(t *testing.T) {
	const nobj = 7
	root := t.TempDir()
	serialDir := filepath.Join(root, "serial")
	parallelDir := filepath.Join(root, "parallel")
	writeStore(t, serialDir, nobj)
	require.NoError(t, meds.CopyTo(serialDir, parallelDir))

	rdr := testRenderer(t, nobj)
	params := correction.Params{
		Options: correction.Options{ReplaceBad: true},
		Model:   "cm",
		Band:    2,
	}

	run := func(dir string, workers int) correction.Stats {
		store, err := meds.Open(dir, meds.ReadWrite)
		require.NoError(t, err)
		defer store.Close()

		stats, fallbacks, err := correctRanges(context.Background(), store, rdr, params, 0, nobj, workers)
		require.NoError(t, err)
		assert.Zero(t, fallbacks)
		return stats
	}

	serial := run(serialDir, 1)
	parallel := run(parallelDir, 3)

	assert.Equal(t, nobj, serial.Objects)
	assert.Equal(t, nobj, serial.Cutouts)
	assert.Equal(t, nobj, serial.CentralOnly)
	assert.Equal(t, nobj, serial.Replaced)

	assert.Equal(t, serial.Objects, parallel.Objects)
	assert.Equal(t, serial.Cutouts, parallel.Cutouts)
	assert.Equal(t, serial.CentralOnly, parallel.CentralOnly)
	assert.Equal(t, serial.Replaced, parallel.Replaced)
	assert.InDelta(t, serial.MeanBadFraction, parallel.MeanBadFraction, 1e-12)

	a, err := meds.Open(serialDir, meds.ReadOnly)
	require.NoError(t, err)
	defer a.Close()
	b, err := meds.Open(parallelDir, meds.ReadOnly)
	require.NoError(t, err)
	defer b.Close()

	for k := 0; k < nobj; k++ {
		for icut := 0; icut < 2; icut++ {
			ca, err := a.ReadCutout(k, icut)
			require.NoError(t, err)
			cb, err := b.ReadCutout(k, icut)
			require.NoError(t, err)
			assert.Equal(t, ca, cb, "object %d cutout %d", k, icut)
		}

		epoch, err := a.ReadCutout(k, 1)
		require.NoError(t, err)
		assert.NotEqual(t, float64(7), epoch.Image[k%(box*box)], "object %d masked pixel replaced", k)
	}
}

func TestCorrectRangesMoreWorkersThanObjects(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	writeStore(t, dir, 2)

	store, err := meds.Open(dir, meds.ReadWrite)
	require.NoError(t, err)
	defer store.Close()

	params := correction.Params{Model: "cm", Band: 2}
	stats, _, err := correctRanges(context.Background(), store, testRenderer(t, 2), params, 0, 2, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Objects)

	stats, _, err = correctRanges(context.Background(), store, testRenderer(t, 2), params, 1, 1, 4)
	require.NoError(t, err)
	assert.Zero(t, stats.Objects)
}

func TestResolveBandFallbacks(t *testing.T) {
	bands := []string{"g", "r", "i", "z"}

	band, err := resolveBand("tile-z-", "/data/DES0000-r-meds", meds.Metadata{}, bands)
	require.NoError(t, err)
	assert.Equal(t, 3, band, "explicit label wins")

	band, err = resolveBand("", "/data/DES0000-r-meds", meds.Metadata{Source: "DES0000-g-meds.fits"}, bands)
	require.NoError(t, err)
	assert.Equal(t, 1, band, "path before metadata")

	band, err = resolveBand("", "/data/work", meds.Metadata{Source: "DES0000-g-meds.fits"}, bands)
	require.NoError(t, err)
	assert.Equal(t, 0, band)

	_, err = resolveBand("", "/data/work", meds.Metadata{}, bands)
	assert.ErrorIs(t, err, correction.ErrBandNotFound)

	_, err = resolveBand("", "/data/DES0000-g-r-meds", meds.Metadata{Source: "DES0000-g-meds.fits"}, bands)
	assert.ErrorIs(t, err, correction.ErrBandAmbiguous)
}

var errFit = errors.New("fit database out of sync")

// failingRenderer fails on one object. Every other object waits for that
// failure before its model is returned, so its write races the shutdown.
type failingRenderer struct {
	failID int64
	failed chan struct{}
	once   sync.Once
}

func (r *failingRenderer) RenderNeighbors(id int64, icut int, seg []int32, model string, band int) (render.Result, error) {
	if id == r.failID {
		r.once.Do(func() { close(r.failed) })
		return nil, errFit
	}
	<-r.failed
	// give the failing range time to return and cancel the group
	time.Sleep(100 * time.Millisecond)
	return render.NoModel{}, nil
}

func (r *failingRenderer) RenderCentral(id int64, ref render.ObjectSource, mindex, icut int, model string, band int, boxSize int) (render.Result, error) {
	img := make([]float64, boxSize*boxSize)
	for i := range img {
		img[i] = 3
	}
	return render.CentralOnly{Image: img, PixelScale: 1}, nil
}

func TestCorrectRangesStopsAfterFatalError(t *testing.T) {
	const nobj = 20
	dir := filepath.Join(t.TempDir(), "store")
	writeStore(t, dir, nobj)

	store, err := meds.Open(dir, meds.ReadWrite)
	require.NoError(t, err)
	defer store.Close()

	rdr := &failingRenderer{failID: 1, failed: make(chan struct{})}
	params := correction.Params{
		Options: correction.Options{ReplaceBad: true},
		Model:   "cm",
		Band:    2,
	}
	stats, _, err := correctRanges(context.Background(), store, rdr, params, 0, nobj, 2)
	require.ErrorIs(t, err, errFit)
	assert.Zero(t, stats.Cutouts)

	for k := 0; k < nobj; k++ {
		c, err := store.ReadCutout(k, 1)
		require.NoError(t, err)
		for p, v := range c.Image {
			assert.Equal(t, float64(7), v, "object %d pixel %d written after the run failed", k, p)
		}
	}
}

func TestPrepareStoreResolvesBandBeforeCopying(t *testing.T) {
	bands := []string{"g", "r", "i", "z"}
	root := t.TempDir()
	src := filepath.Join(root, "work")
	writeStore(t, src, 2)

	// the catalog source names band i
	target, band, err := prepareStore(src, "", "", bands)
	require.NoError(t, err)
	assert.Equal(t, src, target)
	assert.Equal(t, 2, band)

	out := filepath.Join(root, "copy")
	_, _, err = prepareStore(src, out, "tile-Y-", bands)
	require.ErrorIs(t, err, correction.ErrBandNotFound)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "no working copy when the band is unknown")

	target, band, err = prepareStore(src, out, "tile-r-", bands)
	require.NoError(t, err)
	assert.Equal(t, out, target)
	assert.Equal(t, 1, band)

	copied, err := meds.Open(out, meds.ReadOnly)
	require.NoError(t, err)
	defer copied.Close()
	assert.Equal(t, 2, copied.NumObjects())

	_, _, err = prepareStore(filepath.Join(root, "missing"), "", "tile-r-", bands)
	assert.Error(t, err)
}
