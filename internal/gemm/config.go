package gemm

import (
	"fmt"
	"strconv"
	"strings"
)

// maxMicro bounds TM and TN so per-thread register files fit on the stack.
const maxMicro = 8

// Mapping decides how thread ids are laid over a tile's thread grid.
type Mapping int

const (
	// RowsFirst puts consecutive thread ids on consecutive output rows, so
	// neighbours touch addresses a full row apart.
	RowsFirst Mapping = iota
	// ColsFirst puts consecutive thread ids on consecutive output columns.
	ColsFirst
)

func (m Mapping) String() string {
	if m == ColsFirst {
		return "cols-first"
	}
	return "rows-first"
}

// Config is a kernel tiling configuration. Each team owns a BM x BN output
// tile; each thread owns a TM x TN micro-tile; K is consumed BK at a time.
type Config struct {
	BM, BN, BK int
	TM, TN     int
	// VectorWidth is the number of contiguous scalars moved per staged load.
	VectorWidth int
	// Staged copies operand tiles into team scratch before accumulating.
	Staged  bool
	Mapping Mapping
	// KMajorA stores the scratch A tile transposed so a thread's TM values
	// for one k are contiguous.
	KMajorA bool
}

// Threads is the team size the configuration launches with.
func (c Config) Threads() int {
	return (c.BM / c.TM) * (c.BN / c.TN)
}

func (c Config) Validate() error {
	switch {
	case c.BM <= 0 || c.BN <= 0 || c.BK <= 0:
		return fmt.Errorf("%w: block %dx%dx%d", ErrInvalidConfig, c.BM, c.BN, c.BK)
	case c.TM <= 0 || c.TN <= 0 || c.TM > maxMicro || c.TN > maxMicro:
		return fmt.Errorf("%w: micro-tile %dx%d", ErrInvalidConfig, c.TM, c.TN)
	case c.BM%c.TM != 0 || c.BN%c.TN != 0:
		return fmt.Errorf("%w: micro-tile %dx%d does not divide block %dx%d", ErrInvalidConfig, c.TM, c.TN, c.BM, c.BN)
	case c.VectorWidth != 1 && c.VectorWidth != 2 && c.VectorWidth != 4:
		return fmt.Errorf("%w: vector width %d", ErrInvalidConfig, c.VectorWidth)
	case c.KMajorA && !c.Staged:
		return fmt.Errorf("%w: k-major scratch needs staging", ErrInvalidConfig)
	case c.Staged && (c.BK%c.VectorWidth != 0 || c.BN%c.VectorWidth != 0):
		return fmt.Errorf("%w: vector width %d does not divide tile rows", ErrInvalidConfig, c.VectorWidth)
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("BM=%d BN=%d BK=%d TM=%d TN=%d V=%d staged=%t mapping=%s kmajorA=%t",
		c.BM, c.BN, c.BK, c.TM, c.TN, c.VectorWidth, c.Staged, c.Mapping, c.KMajorA)
}

// Variant numbers follow the progression from the naive kernel to the
// vectorized one. Reference is the BLAS oracle and has no tiled kernel.
type Variant int

const (
	Reference Variant = iota
	Naive
	Coalesced
	SharedTiled
	RegisterTiled1D
	RegisterTiled2D
	Vectorized
)

var variantNames = [...]string{
	Reference:       "reference",
	Naive:           "naive",
	Coalesced:       "coalesced",
	SharedTiled:     "shared",
	RegisterTiled1D: "blocktile-1d",
	RegisterTiled2D: "blocktile-2d",
	Vectorized:      "vectorized",
}

var presets = map[Variant]Config{
	Naive:           {BM: 32, BN: 32, BK: 32, TM: 1, TN: 1, VectorWidth: 1, Mapping: RowsFirst},
	Coalesced:       {BM: 32, BN: 32, BK: 32, TM: 1, TN: 1, VectorWidth: 1, Mapping: ColsFirst},
	SharedTiled:     {BM: 32, BN: 32, BK: 32, TM: 1, TN: 1, VectorWidth: 1, Staged: true, Mapping: ColsFirst},
	RegisterTiled1D: {BM: 64, BN: 64, BK: 8, TM: 8, TN: 1, VectorWidth: 1, Staged: true, Mapping: ColsFirst},
	RegisterTiled2D: {BM: 128, BN: 128, BK: 8, TM: 8, TN: 8, VectorWidth: 1, Staged: true, Mapping: ColsFirst},
	Vectorized:      {BM: 128, BN: 128, BK: 8, TM: 8, TN: 8, VectorWidth: 4, Staged: true, Mapping: ColsFirst, KMajorA: true},
}

func (v Variant) String() string {
	if v >= 0 && int(v) < len(variantNames) {
		return variantNames[v]
	}
	return "variant(" + strconv.Itoa(int(v)) + ")"
}

// Config returns the tiling preset of a kernel variant.
func (v Variant) Config() (Config, error) {
	cfg, ok := presets[v]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s has no tiled kernel", ErrInvalidConfig, v)
	}
	return cfg, nil
}

// Kernels lists the tiled variants in progression order.
func Kernels() []Variant {
	return []Variant{Naive, Coalesced, SharedTiled, RegisterTiled1D, RegisterTiled2D, Vectorized}
}

// ParseVariant accepts a variant name or its number.
func ParseVariant(s string) (Variant, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n >= 0 && n < len(variantNames) {
			return Variant(n), nil
		}
		return 0, fmt.Errorf("%w: unknown variant %d", ErrInvalidConfig, n)
	}
	for i, name := range variantNames {
		if name == s {
			return Variant(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown variant %q", ErrInvalidConfig, s)
}
