// Package correction removes modeled neighbor flux from the single-epoch
// cutouts of a catalog and repairs bad pixels with the central model.
//
// The engine walks the object table in order. For every epoch cutout
// (index 0, the coadd cutout, is never touched) it:
//  1. resolves the segmentation map
//  2. renders the neighbors, or the central alone when there are none
//  3. applies the pixel policy in Correct
//  4. writes the image, weight and bmask blocks back to the store
package correction

import (
	"context"
	"fmt"
	"log"

	"gonum.org/v1/gonum/stat"

	"medscorrect/internal/models"
	"medscorrect/pkg/render"
)

// Store is the flat cutout store being corrected
type Store interface {
	NumObjects() int
	Object(mindex int) models.Object
	ReadCutout(mindex, icut int) (*models.Cutout, error)
	WriteCutout(mindex, icut int, c *models.Cutout) error
}

// SegResolver returns the segmentation map of an epoch cutout
type SegResolver interface {
	Resolve(mindex, icut int) ([]int32, error)
}

// Params holds the configuration of a correction run
type Params struct {
	Options

	// Model is the model family used in the fit, e.g. "cm"
	Model string

	// Band is the index of the catalog's band in the fit database
	Band int

	// Verbose adds per-cutout detail to the progress output
	Verbose bool
}

// Stats summarizes a correction run
type Stats struct {
	// Objects is the number of objects visited
	Objects int

	// Skipped is the number of objects with no epoch pixel data
	Skipped int

	// Cutouts is the number of cutouts corrected and written
	Cutouts int

	NoModel       int
	CentralOnly   int
	WithNeighbors int

	// BadCentral counts neighbor renders where the central fit did not converge
	BadCentral int

	Replaced     int
	Unrepaired   int
	Contaminated int
	Resets       int

	// MeanBadFraction is the mean over cutouts of the fraction of bad pixels
	MeanBadFraction float64

	badFractions []float64
}

// Add merges the counts of another run into s
func (s *Stats) Add(o Stats) {
	s.Objects += o.Objects
	s.Skipped += o.Skipped
	s.Cutouts += o.Cutouts
	s.NoModel += o.NoModel
	s.CentralOnly += o.CentralOnly
	s.WithNeighbors += o.WithNeighbors
	s.BadCentral += o.BadCentral
	s.Replaced += o.Replaced
	s.Unrepaired += o.Unrepaired
	s.Contaminated += o.Contaminated
	s.Resets += o.Resets
	s.badFractions = append(s.badFractions, o.badFractions...)
	s.updateMean()
}

func (s *Stats) updateMean() {
	if len(s.badFractions) > 0 {
		s.MeanBadFraction = stat.Mean(s.badFractions, nil)
	}
}

// Engine corrects a range of objects of a store, one cutout at a time.
// An engine is not safe for concurrent use; engines working on disjoint
// object ranges of the same store may run concurrently.
type Engine struct {
	store    Store
	seg      SegResolver
	renderer render.Renderer
	params   Params
	log      *log.Logger
	stats    Stats
}

// NewEngine creates a correction engine
func NewEngine(store Store, seg SegResolver, renderer render.Renderer, params Params, logger *log.Logger) *Engine {
	return &Engine{
		store:    store,
		seg:      seg,
		renderer: renderer,
		params:   params,
		log:      logger,
	}
}

// Run corrects the objects in rows [start, end) in catalog order. Any error
// aborts the run; cutouts already written stay written. Cancelling ctx stops
// the run before the next object, cutout or write and returns ctx's error.
func (e *Engine) Run(ctx context.Context, start, end int) (Stats, error) {
	e.stats = Stats{}

	nobj := e.store.NumObjects()
	if start < 0 || end > nobj || start > end {
		return e.stats, fmt.Errorf("object range [%d, %d) outside catalog of %d objects", start, end, nobj)
	}
	if e.params.Model == "" {
		return e.stats, fmt.Errorf("no model name given")
	}
	if e.params.Band < 0 {
		return e.stats, fmt.Errorf("invalid band index %d", e.params.Band)
	}

	for mindex := start; mindex < end; mindex++ {
		if err := ctx.Err(); err != nil {
			e.stats.updateMean()
			return e.stats, err
		}

		obj := e.store.Object(mindex)
		e.stats.Objects++

		e.log.Printf("%d/%d  %d", mindex+1, nobj, obj.ID)
		if obj.NCutout <= 1 || obj.BoxSize <= 0 {
			e.stats.Skipped++
			e.log.Printf("    not writing ncutout: %d box_size: %d", obj.NCutout, obj.BoxSize)
			continue
		}

		for icut := 1; icut < obj.NCutout; icut++ {
			if err := e.correctCutout(ctx, mindex, icut, obj); err != nil {
				e.stats.updateMean()
				return e.stats, fmt.Errorf("object %d cutout %d: %w", obj.ID, icut, err)
			}
		}
	}

	e.stats.updateMean()
	return e.stats, nil
}

func (e *Engine) correctCutout(ctx context.Context, mindex, icut int, obj models.Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	seg, err := e.seg.Resolve(mindex, icut)
	if err != nil {
		return err
	}

	e.log.Printf("  cutout %d/%d", icut+1, obj.NCutout)

	res, err := e.render(mindex, icut, obj, seg)
	if err != nil {
		return err
	}

	c, err := e.store.ReadCutout(mindex, icut)
	if err != nil {
		return err
	}

	rep, err := Correct(c, res, e.params.Options)
	if err != nil {
		return err
	}

	// rendering can outlast a failure elsewhere in the run
	if err := ctx.Err(); err != nil {
		return err
	}
	e.report(icut, rep)

	if err := e.store.WriteCutout(mindex, icut, c); err != nil {
		return err
	}
	e.stats.Cutouts++
	return nil
}

// render asks for the neighbors first and falls back to the central alone
func (e *Engine) render(mindex, icut int, obj models.Object, seg []int32) (render.Result, error) {
	res, err := e.renderer.RenderNeighbors(obj.ID, icut, seg, e.params.Model, e.params.Band)
	if err != nil {
		return nil, fmt.Errorf("rendering neighbors: %w", err)
	}

	if wn, ok := res.(render.WithNeighbors); ok {
		e.stats.WithNeighbors++
		if wn.Central == nil {
			e.stats.BadCentral++
			e.log.Printf("    bad central fit")
		}
		return res, nil
	}

	if e.params.Verbose {
		e.log.Printf("    no nbrs, rendering central")
	}
	res, err = e.renderer.RenderCentral(obj.ID, e.store, mindex, icut, e.params.Model, e.params.Band, obj.BoxSize)
	if err != nil {
		return nil, fmt.Errorf("rendering central: %w", err)
	}

	switch res.(type) {
	case render.CentralOnly:
		e.stats.CentralOnly++
	default:
		e.stats.NoModel++
		res = render.NoModel{}
	}
	return res, nil
}

func (e *Engine) report(icut int, rep Report) {
	switch {
	case rep.Unrepaired > 0:
		e.log.Printf("    no central model, flagged %d bad pixels in cutout %d as %v", rep.Unrepaired, icut, CenModelMissing)
		e.stats.Unrepaired += rep.Unrepaired
	case rep.Replaced > 0:
		e.log.Printf("    replaced %d bad bmask/weight pixels in cutout %d with the central model", rep.Replaced, icut)
		e.stats.Replaced += rep.Replaced
	}
	if rep.Reset {
		e.log.Printf("    reset bmask and weight")
		e.stats.Resets++
	}
	if rep.Contaminated > 0 {
		e.log.Printf("    flagged %d contaminated pixels in cutout %d as %v", rep.Contaminated, icut, NbrsMasked)
		e.stats.Contaminated += rep.Contaminated
	}
	if rep.NPix > 0 {
		e.stats.badFractions = append(e.stats.badFractions, float64(rep.Bad)/float64(rep.NPix))
	}
}
