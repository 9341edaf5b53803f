// Package meds implements the flat cutout store: an object table describing
// where each cutout lives, plus flat image, weight, seg and bmask arrays that
// are shared by every cutout in the catalog.
//
// A store is a directory holding two files:
//
//	catalog.yaml  metadata, image info and the object table
//	cutouts.bin   header followed by the four flat pixel sections
//
// Cutouts are always read into owned buffers and written back as whole
// blocks over the exact byte range they were read from.
package meds

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"medscorrect/internal/models"
)

const (
	// CatalogFile is the name of the object table inside a store directory
	CatalogFile = "catalog.yaml"

	// CutoutFile is the name of the flat pixel file inside a store directory
	CutoutFile = "cutouts.bin"
)

// ErrBadLayout is returned when the object table does not describe a valid,
// non-overlapping set of blocks inside the flat arrays
var ErrBadLayout = errors.New("invalid cutout layout")

// Metadata describes where the catalog came from
type Metadata struct {
	// Source is the name of the file the catalog was extracted from. Its name
	// carries the band token.
	Source string `yaml:"source"`

	// Tile is the coadd tile name
	Tile string `yaml:"tile,omitempty"`

	// Start and End are the object index range the catalog was subset from
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Catalog is the object table of a store
type Catalog struct {
	Metadata Metadata        `yaml:"metadata"`
	Objects  []models.Object `yaml:"object_data"`
}

func readCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading catalog: %w", err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("error parsing catalog: %w", err)
	}
	return &cat, nil
}

func writeCatalog(path string, cat *Catalog) error {
	data, err := yaml.Marshal(cat)
	if err != nil {
		return fmt.Errorf("error marshaling catalog: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing catalog: %w", err)
	}
	return nil
}

type block struct {
	start, end int64
	mindex     int
	icut       int
}

// validateLayout checks that every cutout block lies inside the flat arrays
// and that blocks of different (object, cutout) pairs never overlap.
// Objects with a non-positive box size carry no pixel data and are ignored.
func validateLayout(cat *Catalog, npix int64) error {
	var blocks []block
	seen := make(map[int64]int, len(cat.Objects))

	for i, obj := range cat.Objects {
		if prev, ok := seen[obj.ID]; ok {
			return fmt.Errorf("%w: object id %d at rows %d and %d", ErrBadLayout, obj.ID, prev, i)
		}
		seen[obj.ID] = i

		if obj.NCutout < 0 {
			return fmt.Errorf("%w: object %d has ncutout %d", ErrBadLayout, obj.ID, obj.NCutout)
		}
		if obj.BoxSize <= 0 || obj.NCutout == 0 {
			continue
		}
		if len(obj.StartRow) < obj.NCutout {
			return fmt.Errorf("%w: object %d has %d start rows for %d cutouts",
				ErrBadLayout, obj.ID, len(obj.StartRow), obj.NCutout)
		}

		n := int64(obj.NPix())
		for icut := 0; icut < obj.NCutout; icut++ {
			start := obj.StartRow[icut]
			if start < 0 || start+n > npix {
				return fmt.Errorf("%w: object %d cutout %d block [%d, %d) outside %d pixels",
					ErrBadLayout, obj.ID, icut, start, start+n, npix)
			}
			blocks = append(blocks, block{start: start, end: start + n, mindex: i, icut: icut})
		}
	}

	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].start < blocks[j].start
	})
	for i := 1; i < len(blocks); i++ {
		if blocks[i].start < blocks[i-1].end {
			a, b := blocks[i-1], blocks[i]
			return fmt.Errorf("%w: block of object row %d cutout %d overlaps object row %d cutout %d",
				ErrBadLayout, b.mindex, b.icut, a.mindex, a.icut)
		}
	}
	return nil
}
