package gemm

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

var (
	ErrDimensionMismatch = errors.New("gemm: dimension mismatch")
	ErrInvalidSize       = errors.New("gemm: invalid size")
	ErrInvalidConfig     = errors.New("gemm: invalid config")
)

// Matrix is a dense row-major float32 matrix: element (r, c) is Data[r*Cols+c].
type Matrix struct {
	Rows, Cols int
	Data       []float32
}

func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

func (m Matrix) At(r, c int) float32 { return m.Data[r*m.Cols+c] }

func (m Matrix) Set(r, c int, v float32) { m.Data[r*m.Cols+c] = v }

// Transpose returns a new matrix holding the physical transpose of m.
func (m Matrix) Transpose() Matrix {
	t := NewMatrix(m.Cols, m.Rows)
	for r := 0; r < m.Rows; r++ {
		for c := 0; c < m.Cols; c++ {
			t.Data[c*t.Cols+r] = m.Data[r*m.Cols+c]
		}
	}
	return t
}

// FillRandom fills m with uniform values in [-1, 1) from a seeded source.
func (m Matrix) FillRandom(seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = rng.Float32()*2 - 1
	}
}

// Operand is a GEMM input. When Transposed is set the buffer holds the
// physical transpose of the logical operand: a Rows x Cols buffer is used as a
// Cols x Rows matrix.
type Operand struct {
	Matrix
	Transposed bool
}

// N wraps m as a non-transposed operand.
func N(m Matrix) Operand { return Operand{Matrix: m} }

// T wraps m as a transposed operand.
func T(m Matrix) Operand { return Operand{Matrix: m, Transposed: true} }

// Shape returns the logical shape.
func (o Operand) Shape() (rows, cols int) {
	if o.Transposed {
		return o.Cols, o.Rows
	}
	return o.Rows, o.Cols
}

// load returns logical element (r, c), or zero outside the operand.
func (o Operand) load(r, c int) float32 {
	if o.Transposed {
		if c >= o.Rows || r >= o.Cols {
			return 0
		}
		return o.Data[c*o.Cols+r]
	}
	if r >= o.Rows || c >= o.Cols {
		return 0
	}
	return o.Data[r*o.Cols+c]
}

// loadRun fills dst with logical row r starting at column c. A run that lies
// inside a non-transposed buffer is one contiguous copy; anything else falls
// back to predicated scalar loads.
func (o Operand) loadRun(dst []float32, r, c int) {
	if !o.Transposed && r < o.Rows && c+len(dst) <= o.Cols {
		copy(dst, o.Data[r*o.Cols+c:])
		return
	}
	for i := range dst {
		dst[i] = o.load(r, c+i)
	}
}

// Validate checks the shapes of one C = alpha*op(A)*op(B) + beta*C call.
func Validate(m, n, k int, a, b Operand, c Matrix) error {
	if err := ValidateInputs(m, n, k, a, b); err != nil {
		return err
	}
	if err := checkBuffer("C", c); err != nil {
		return err
	}
	if c.Rows != m || c.Cols != n {
		return fmt.Errorf("%w: C is %dx%d, want %dx%d", ErrDimensionMismatch, c.Rows, c.Cols, m, n)
	}
	return nil
}

// ValidateInputs checks the problem size and both operands, leaving C out so
// callers can size C only after the request is known to be sound.
func ValidateInputs(m, n, k int, a, b Operand) error {
	if m <= 0 || n <= 0 || k <= 0 {
		return fmt.Errorf("%w: m=%d n=%d k=%d", ErrInvalidSize, m, n, k)
	}
	if !fits(m, k) || !fits(k, n) || !fits(m, n) {
		return fmt.Errorf("%w: m=%d n=%d k=%d overflows int", ErrInvalidSize, m, n, k)
	}
	if err := checkBuffer("A", a.Matrix); err != nil {
		return err
	}
	if err := checkBuffer("B", b.Matrix); err != nil {
		return err
	}
	if r, cc := a.Shape(); r != m || cc != k {
		return fmt.Errorf("%w: op(A) is %dx%d, want %dx%d", ErrDimensionMismatch, r, cc, m, k)
	}
	if r, cc := b.Shape(); r != k || cc != n {
		return fmt.Errorf("%w: op(B) is %dx%d, want %dx%d", ErrDimensionMismatch, r, cc, k, n)
	}
	return nil
}

// fits reports whether rows*cols is representable. Both must be non-negative.
func fits(rows, cols int) bool {
	return rows == 0 || cols <= math.MaxInt/rows
}

func checkBuffer(name string, m Matrix) error {
	if m.Rows < 0 || m.Cols < 0 {
		return fmt.Errorf("%w: %s has shape %dx%d", ErrInvalidSize, name, m.Rows, m.Cols)
	}
	if !fits(m.Rows, m.Cols) {
		return fmt.Errorf("%w: %s shape %dx%d overflows int", ErrInvalidSize, name, m.Rows, m.Cols)
	}
	if len(m.Data) < m.Rows*m.Cols {
		return fmt.Errorf("%w: %s holds %d values, shape %dx%d needs %d",
			ErrDimensionMismatch, name, len(m.Data), m.Rows, m.Cols, m.Rows*m.Cols)
	}
	return nil
}
