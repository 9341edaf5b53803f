package wcs

import (
	"errors"
	"math"
	"testing"

	"medscorrect/internal/models"
)

func TestRoundTrip(t *testing.T) {
	w, err := New(models.Jacobian{
		Row0: 12.5, Col0: 10,
		DuDRow: 0.05, DuDCol: -0.26,
		DvDRow: 0.27, DvDCol: 0.01,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for _, p := range [][2]float64{{0, 0}, {12.5, 10}, {3.25, 20}, {-4, 7}} {
		u, v := w.PixelToSky(p[0], p[1])
		row, col := w.SkyToPixel(u, v)
		if math.Abs(row-p[0]) > 1e-9 || math.Abs(col-p[1]) > 1e-9 {
			t.Errorf("round trip of %v gave (%f, %f)", p, row, col)
		}
	}

	u, v := w.PixelToSky(12.5, 10)
	if u != 0 || v != 0 {
		t.Errorf("center should map to the origin, got (%f, %f)", u, v)
	}
}

func TestPixelScale(t *testing.T) {
	w, err := New(models.Jacobian{DuDRow: 0, DuDCol: 0.25, DvDRow: 0.25, DvDCol: 0})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if w.Area() != 0.0625 {
		t.Errorf("Expected area 0.0625, got %f", w.Area())
	}
	if w.PixelScale() != 0.25 {
		t.Errorf("Expected pixel scale 0.25, got %f", w.PixelScale())
	}
}

func TestSingular(t *testing.T) {
	cases := []models.Jacobian{
		{},
		{DuDRow: 1, DuDCol: 2, DvDRow: 2, DvDCol: 4},
		{DuDRow: math.NaN(), DvDCol: 1},
		{DuDRow: 1, DvDCol: 1, Row0: math.Inf(1)},
	}
	for i, j := range cases {
		if _, err := New(j); !errors.Is(err, ErrSingular) {
			t.Errorf("case %d: expected ErrSingular, got %v", i, err)
		}
	}
}
