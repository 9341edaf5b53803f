package meds

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"medscorrect/internal/models"
)

const (
	magic         = "MEDSFLAT"
	formatVersion = 1
	headerSize    = 32
	valueSize     = 4
)

// Section identifies one of the flat arrays in the cutout file
type Section int

const (
	ImageSection Section = iota
	WeightSection
	SegSection
	BmaskSection

	numSections
)

func (s Section) String() string {
	switch s {
	case ImageSection:
		return "image_cutouts"
	case WeightSection:
		return "weight_cutouts"
	case SegSection:
		return "seg_cutouts"
	case BmaskSection:
		return "bmask_cutouts"
	default:
		return fmt.Sprintf("section(%d)", int(s))
	}
}

// Mode selects how a store is opened
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// Arrays holds the full flat arrays of a catalog. All four must have the
// same length.
type Arrays struct {
	Image  []float32
	Weight []float32
	Seg    []int32
	Bmask  []int32
}

// File is an open store. Reads and writes are positional, so disjoint
// cutouts may be accessed from several goroutines.
type File struct {
	dir  string
	mode Mode
	cat  *Catalog
	npix int64
	f    *os.File
}

// Create writes a new store to dir
func Create(dir string, cat *Catalog, arrays Arrays) error {
	npix := int64(len(arrays.Image))
	if int64(len(arrays.Weight)) != npix || int64(len(arrays.Seg)) != npix || int64(len(arrays.Bmask)) != npix {
		return fmt.Errorf("%w: flat arrays differ in length", ErrBadLayout)
	}
	if err := validateLayout(cat, npix); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating store directory: %w", err)
	}
	if err := writeCatalog(filepath.Join(dir, CatalogFile), cat); err != nil {
		return err
	}

	buf := make([]byte, headerSize+int64(numSections)*npix*valueSize)
	copy(buf, magic)
	binary.LittleEndian.PutUint32(buf[8:], formatVersion)
	binary.LittleEndian.PutUint64(buf[16:], uint64(npix))

	encodeFloats(buf[sectionOffset(ImageSection, npix):], arrays.Image)
	encodeFloats(buf[sectionOffset(WeightSection, npix):], arrays.Weight)
	encodeInts(buf[sectionOffset(SegSection, npix):], arrays.Seg)
	encodeInts(buf[sectionOffset(BmaskSection, npix):], arrays.Bmask)

	if err := os.WriteFile(filepath.Join(dir, CutoutFile), buf, 0644); err != nil {
		return fmt.Errorf("error writing cutouts: %w", err)
	}
	return nil
}

// Open opens the store in dir and validates its layout
func Open(dir string, mode Mode) (*File, error) {
	cat, err := readCatalog(filepath.Join(dir, CatalogFile))
	if err != nil {
		return nil, err
	}

	flag := os.O_RDONLY
	if mode == ReadWrite {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(filepath.Join(dir, CutoutFile), flag, 0)
	if err != nil {
		return nil, fmt.Errorf("error opening cutouts: %w", err)
	}

	npix, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := validateLayout(cat, npix); err != nil {
		f.Close()
		return nil, err
	}

	return &File{dir: dir, mode: mode, cat: cat, npix: npix, f: f}, nil
}

func readHeader(f *os.File) (int64, error) {
	hdr := make([]byte, headerSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return 0, fmt.Errorf("%w: reading header: %v", ErrBadLayout, err)
	}
	if string(hdr[:8]) != magic {
		return 0, fmt.Errorf("%w: bad magic %q", ErrBadLayout, hdr[:8])
	}
	if v := binary.LittleEndian.Uint32(hdr[8:]); v != formatVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrBadLayout, v)
	}
	npix := int64(binary.LittleEndian.Uint64(hdr[16:]))

	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("error reading cutouts: %w", err)
	}
	if want := headerSize + int64(numSections)*npix*valueSize; st.Size() != want {
		return 0, fmt.Errorf("%w: file is %d bytes, header implies %d", ErrBadLayout, st.Size(), want)
	}
	return npix, nil
}

// Close closes the cutout file
func (m *File) Close() error {
	return m.f.Close()
}

// Metadata returns the catalog metadata
func (m *File) Metadata() Metadata {
	return m.cat.Metadata
}

// NumObjects returns the number of rows in the object table
func (m *File) NumObjects() int {
	return len(m.cat.Objects)
}

// Object returns row mindex of the object table
func (m *File) Object(mindex int) models.Object {
	return m.cat.Objects[mindex]
}

// NPix returns the length of each flat array
func (m *File) NPix() int64 {
	return m.npix
}

// blockRange returns the pixel offset and length of a cutout block
func (m *File) blockRange(mindex, icut int) (int64, int, error) {
	if mindex < 0 || mindex >= len(m.cat.Objects) {
		return 0, 0, fmt.Errorf("object index %d out of range [0, %d)", mindex, len(m.cat.Objects))
	}
	obj := m.cat.Objects[mindex]
	if icut < 0 || icut >= obj.NCutout {
		return 0, 0, fmt.Errorf("cutout %d out of range for object %d with %d cutouts", icut, obj.ID, obj.NCutout)
	}
	if obj.BoxSize <= 0 {
		return 0, 0, fmt.Errorf("object %d has no pixel data (box_size %d)", obj.ID, obj.BoxSize)
	}
	return obj.StartRow[icut], obj.NPix(), nil
}

func (m *File) readBlock(s Section, start int64, n int) ([]byte, error) {
	buf := make([]byte, n*valueSize)
	off := sectionOffset(s, m.npix) + start*valueSize
	if _, err := m.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("error reading %s at %d: %w", s, start, err)
	}
	return buf, nil
}

func (m *File) writeBlock(s Section, start int64, buf []byte) error {
	off := sectionOffset(s, m.npix) + start*valueSize
	if _, err := m.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("error writing %s at %d: %w", s, start, err)
	}
	return nil
}

// ReadCutout reads the image, weight and bmask blocks of a cutout into
// owned buffers
func (m *File) ReadCutout(mindex, icut int) (*models.Cutout, error) {
	start, n, err := m.blockRange(mindex, icut)
	if err != nil {
		return nil, err
	}

	c := &models.Cutout{BoxSize: m.cat.Objects[mindex].BoxSize}

	buf, err := m.readBlock(ImageSection, start, n)
	if err != nil {
		return nil, err
	}
	c.Image = decodeFloats(buf)

	if buf, err = m.readBlock(WeightSection, start, n); err != nil {
		return nil, err
	}
	c.Weight = decodeFloats(buf)

	if buf, err = m.readBlock(BmaskSection, start, n); err != nil {
		return nil, err
	}
	c.Bmask = decodeInts(buf)

	return c, nil
}

// WriteCutout writes the image, weight and bmask of a cutout back over the
// block it was read from. The cutout must have exactly the block's size.
func (m *File) WriteCutout(mindex, icut int, c *models.Cutout) error {
	if m.mode != ReadWrite {
		return fmt.Errorf("store %s is not open for writing", m.dir)
	}
	start, n, err := m.blockRange(mindex, icut)
	if err != nil {
		return err
	}
	if len(c.Image) != n || len(c.Weight) != n || len(c.Bmask) != n {
		return fmt.Errorf("cutout %d of object row %d: got %d/%d/%d pixels, block holds %d",
			icut, mindex, len(c.Image), len(c.Weight), len(c.Bmask), n)
	}

	buf := make([]byte, n*valueSize)

	encodeFloats64(buf, c.Image)
	if err := m.writeBlock(ImageSection, start, buf); err != nil {
		return err
	}
	encodeFloats64(buf, c.Weight)
	if err := m.writeBlock(WeightSection, start, buf); err != nil {
		return err
	}
	encodeInts(buf, c.Bmask)
	return m.writeBlock(BmaskSection, start, buf)
}

// ReadSeg reads the stored segmentation map of a cutout
func (m *File) ReadSeg(mindex, icut int) ([]int32, error) {
	start, n, err := m.blockRange(mindex, icut)
	if err != nil {
		return nil, err
	}
	buf, err := m.readBlock(SegSection, start, n)
	if err != nil {
		return nil, err
	}
	return decodeInts(buf), nil
}

// Sync flushes written blocks to disk
func (m *File) Sync() error {
	return m.f.Sync()
}

func sectionOffset(s Section, npix int64) int64 {
	return headerSize + int64(s)*npix*valueSize
}

func encodeFloats(dst []byte, src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*valueSize:], math.Float32bits(v))
	}
}

func encodeFloats64(dst []byte, src []float64) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*valueSize:], math.Float32bits(float32(v)))
	}
}

func encodeInts(dst []byte, src []int32) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(dst[i*valueSize:], uint32(v))
	}
}

func decodeFloats(src []byte) []float64 {
	out := make([]float64, len(src)/valueSize)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[i*valueSize:])))
	}
	return out
}

func decodeInts(src []byte) []int32 {
	out := make([]int32, len(src)/valueSize)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(src[i*valueSize:]))
	}
	return out
}
