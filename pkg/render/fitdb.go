package render

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"medscorrect/internal/models"
)

// ErrMalformedFitDB is returned for a fit database that cannot be used
var ErrMalformedFitDB = errors.New("malformed fit database")

// BandModel is the fitted mixture of one model family in one band
type BandModel struct {
	Band  int     `yaml:"band"`
	Flags int     `yaml:"flags"`
	Gauss Mixture `yaml:"gauss"`
}

// FitObject is the fit result of one object
type FitObject struct {
	ID    int64 `yaml:"id"`
	Flags int   `yaml:"flags"`

	// U, V is the object position in the tile tangent plane, arcsec
	U float64 `yaml:"u"`
	V float64 `yaml:"v"`

	// Models maps a model family name to its per-band fits
	Models map[string][]BandModel `yaml:"models"`
}

// NbrsEntry lists the neighbors that were fit together with an object
type NbrsEntry struct {
	ID   int64   `yaml:"id"`
	Nbrs []int64 `yaml:"nbrs"`
}

// EpochEntry is the per-epoch fit metadata of one cutout of an object
type EpochEntry struct {
	ID       int64           `yaml:"id"`
	Cutout   int             `yaml:"cutout_index"`
	Band     int             `yaml:"band"`
	Flags    int             `yaml:"flags"`
	Jacobian models.Jacobian `yaml:"jacobian"`
}

type epochKey struct {
	id   int64
	icut int
	band int
}

// FitDB holds the fit results of a tile, indexed by object id
type FitDB struct {
	NBand   int          `yaml:"nband"`
	Objects []FitObject  `yaml:"objects"`
	Nbrs    []NbrsEntry  `yaml:"nbrs"`
	Epochs  []EpochEntry `yaml:"epochs"`

	objects map[int64]*FitObject
	nbrs    map[int64][]int64
	epochs  map[epochKey]*EpochEntry
}

// LoadFitDB reads and validates a fit database
func LoadFitDB(path string) (*FitDB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading fit database: %w", err)
	}

	db := &FitDB{}
	if err := yaml.Unmarshal(data, db); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFitDB, err)
	}
	if err := db.index(); err != nil {
		return nil, err
	}
	return db, nil
}

// NewFitDB validates and indexes an in-memory fit database
func NewFitDB(nband int, objects []FitObject, nbrs []NbrsEntry, epochs []EpochEntry) (*FitDB, error) {
	db := &FitDB{NBand: nband, Objects: objects, Nbrs: nbrs, Epochs: epochs}
	if err := db.index(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *FitDB) index() error {
	if db.NBand <= 0 {
		return fmt.Errorf("%w: nband %d", ErrMalformedFitDB, db.NBand)
	}

	db.objects = make(map[int64]*FitObject, len(db.Objects))
	for i := range db.Objects {
		obj := &db.Objects[i]
		if _, ok := db.objects[obj.ID]; ok {
			return fmt.Errorf("%w: duplicate object id %d", ErrMalformedFitDB, obj.ID)
		}
		if math.IsNaN(obj.U) || math.IsNaN(obj.V) {
			return fmt.Errorf("%w: object %d has no position", ErrMalformedFitDB, obj.ID)
		}
		for name, bands := range obj.Models {
			for _, bm := range bands {
				if bm.Band < 0 || bm.Band >= db.NBand {
					return fmt.Errorf("%w: object %d model %s has band %d, nband is %d",
						ErrMalformedFitDB, obj.ID, name, bm.Band, db.NBand)
				}
				for _, g := range bm.Gauss {
					if !(g.Det() > 0) || !(g.Iuu > 0) {
						return fmt.Errorf("%w: object %d model %s band %d has a non-positive covariance",
							ErrMalformedFitDB, obj.ID, name, bm.Band)
					}
				}
			}
		}
		db.objects[obj.ID] = obj
	}

	db.nbrs = make(map[int64][]int64, len(db.Nbrs))
	for _, e := range db.Nbrs {
		if _, ok := db.objects[e.ID]; !ok {
			return fmt.Errorf("%w: nbrs entry for unknown object %d", ErrMalformedFitDB, e.ID)
		}
		for _, n := range e.Nbrs {
			if _, ok := db.objects[n]; !ok {
				return fmt.Errorf("%w: object %d lists unknown neighbor %d", ErrMalformedFitDB, e.ID, n)
			}
		}
		db.nbrs[e.ID] = append(db.nbrs[e.ID], e.Nbrs...)
	}

	db.epochs = make(map[epochKey]*EpochEntry, len(db.Epochs))
	for i := range db.Epochs {
		e := &db.Epochs[i]
		if _, ok := db.objects[e.ID]; !ok {
			return fmt.Errorf("%w: epoch entry for unknown object %d", ErrMalformedFitDB, e.ID)
		}
		if e.Band < 0 || e.Band >= db.NBand {
			return fmt.Errorf("%w: epoch entry for object %d has band %d", ErrMalformedFitDB, e.ID, e.Band)
		}
		db.epochs[epochKey{id: e.ID, icut: e.Cutout, band: e.Band}] = e
	}
	return nil
}

// Object returns the fit of an object
func (db *FitDB) Object(id int64) (*FitObject, bool) {
	obj, ok := db.objects[id]
	return obj, ok
}

// Neighbors returns the neighbors fit together with an object
func (db *FitDB) Neighbors(id int64) []int64 {
	return db.nbrs[id]
}

// Epoch returns the fit metadata of one cutout of an object in a band
func (db *FitDB) Epoch(id int64, icut, band int) (*EpochEntry, bool) {
	e, ok := db.epochs[epochKey{id: id, icut: icut, band: band}]
	return e, ok
}

// Mixture returns the usable fitted mixture of an object for a model and
// band. It reports false when the object fit or the band fit failed.
func (db *FitDB) Mixture(id int64, model string, band int) (Mixture, bool) {
	obj, ok := db.objects[id]
	if !ok || obj.Flags != 0 {
		return nil, false
	}
	for _, bm := range obj.Models[model] {
		if bm.Band == band {
			if bm.Flags != 0 || len(bm.Gauss) == 0 {
				return nil, false
			}
			return bm.Gauss, true
		}
	}
	return nil, false
}
