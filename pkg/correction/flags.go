package correction

import "strings"

// Flag is a bit written into a cutout's bmask by the corrector
type Flag int32

// MaxUpstreamBit is the highest bit set by the source imaging pipeline's
// masks. Bits above it are reserved for the corrector.
const MaxUpstreamBit = 12

const (
	// CenModelMissing marks a bad pixel that could not be repaired because
	// there is no central model
	CenModelMissing Flag = 1 << (MaxUpstreamBit + 1)

	// NbrsMasked marks a pixel contaminated by a neighbor whose flux could
	// not be modeled
	NbrsMasked Flag = 1 << (MaxUpstreamBit + 2)
)

// ReservedMask covers every bit the corrector may write
const ReservedMask = CenModelMissing | NbrsMasked

var flagNames = []struct {
	flag Flag
	name string
}{
	{CenModelMissing, "CEN_MODEL_MISSING"},
	{NbrsMasked, "NBRS_MASKED"},
}

// Has reports whether every bit of f is set in bits
func (f Flag) Has(bits int32) bool {
	return bits&int32(f) == int32(f)
}

func (f Flag) String() string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}
