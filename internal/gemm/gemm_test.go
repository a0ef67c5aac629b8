package gemm

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-kernels/internal/grid"
)

// gemmNaive is the literal triple loop, accumulated in float64.
func gemmNaive(m, n, k int, alpha float32, a, b Operand, beta float32, c Matrix) {
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float64
			for p := 0; p < k; p++ {
				sum += float64(a.load(i, p)) * float64(b.load(p, j))
			}
			v := float64(alpha) * sum
			if beta != 0 {
				v += float64(beta) * float64(c.Data[i*n+j])
			}
			c.Data[i*n+j] = float32(v)
		}
	}
}

func maxAbsDiff(a, b []float32) float64 {
	var worst float64
	for i := range a {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if math.IsNaN(d) {
			return math.Inf(1)
		}
		worst = max(worst, d)
	}
	return worst
}

func randomOperand(rows, cols int, transposed bool, seed int64) Operand {
	return operand(rows, cols, transposed, seed)
}

func cloneMatrix(m Matrix) Matrix {
	out := NewMatrix(m.Rows, m.Cols)
	copy(out.Data, m.Data)
	return out
}

func TestVariantsMatchTripleLoop(t *testing.T) {
	shapes := [][3]int{{255, 129, 63}, {1, 1, 1}, {37, 5, 130}, {64, 64, 64}}
	for _, v := range Kernels() {
		cfg, err := v.Config()
		require.NoError(t, err)
		for _, sh := range shapes {
			m, n, k := sh[0], sh[1], sh[2]
			for _, ta := range []bool{false, true} {
				for _, tb := range []bool{false, true} {
					name := fmt.Sprintf("%s/%dx%dx%d/ta=%t/tb=%t", v, m, n, k, ta, tb)
					t.Run(name, func(t *testing.T) {
						a := randomOperand(m, k, ta, 1)
						b := randomOperand(k, n, tb, 2)
						c := NewMatrix(m, n)
						c.FillRandom(3)
						want := cloneMatrix(c)

						require.NoError(t, Gemm(context.Background(), cfg, m, n, k, 0.5, a, b, 2, c))
						gemmNaive(m, n, k, 0.5, a, b, 2, want)
						assert.LessOrEqual(t, maxAbsDiff(c.Data, want.Data), 1e-4)
					})
				}
			}
		}
	}
}

func TestConcreteScenario128(t *testing.T) {
	const m, n, k = 128, 128, 128
	const alpha, beta = float32(1.25), float32(-0.75)

	a := randomOperand(m, k, false, 11)
	b := randomOperand(k, n, false, 12)
	c0 := NewMatrix(m, n)
	c0.FillRandom(13)
	want := cloneMatrix(c0)
	gemmNaive(m, n, k, alpha, a, b, beta, want)

	for _, v := range Kernels() {
		t.Run(v.String(), func(t *testing.T) {
			cfg, err := v.Config()
			require.NoError(t, err)
			c := cloneMatrix(c0)
			require.NoError(t, Gemm(context.Background(), cfg, m, n, k, alpha, a, b, beta, c))
			assert.LessOrEqual(t, maxAbsDiff(c.Data, want.Data), 1e-4)
		})
	}
}

func TestVariantsAgreeWithEachOther(t *testing.T) {
	const m, n, k = 200, 150, 90
	a := randomOperand(m, k, false, 21)
	b := randomOperand(k, n, true, 22)

	var first []float32
	for _, v := range Kernels() {
		cfg, _ := v.Config()
		c := NewMatrix(m, n)
		require.NoError(t, Gemm(context.Background(), cfg, m, n, k, 1, a, b, 0, c))
		if first == nil {
			first = c.Data
			continue
		}
		assert.LessOrEqual(t, maxAbsDiff(first, c.Data), 1e-4, v.String())
	}
}

func TestTransposeRoundTrip(t *testing.T) {
	const m, n, k = 70, 45, 33
	a := NewMatrix(m, k)
	a.FillRandom(31)
	b := NewMatrix(k, n)
	b.FillRandom(32)

	for _, v := range Kernels() {
		cfg, _ := v.Config()
		plain := NewMatrix(m, n)
		viaT := NewMatrix(m, n)
		require.NoError(t, Gemm(context.Background(), cfg, m, n, k, 1, N(a), N(b), 0, plain))
		require.NoError(t, Gemm(context.Background(), cfg, m, n, k, 1, T(a.Transpose()), T(b.Transpose()), 0, viaT))
		assert.Equal(t, plain.Data, viaT.Data, v.String())
	}
}

func TestBetaZeroIgnoresGarbage(t *testing.T) {
	const m, n, k = 50, 60, 20
	a := randomOperand(m, k, false, 41)
	b := randomOperand(k, n, false, 42)
	want := NewMatrix(m, n)
	gemmNaive(m, n, k, 1, a, b, 0, want)

	for _, v := range Kernels() {
		cfg, _ := v.Config()
		c := NewMatrix(m, n)
		for i := range c.Data {
			c.Data[i] = float32(math.NaN())
		}
		require.NoError(t, Gemm(context.Background(), cfg, m, n, k, 1, a, b, 0, c))
		for _, x := range c.Data {
			require.False(t, math.IsNaN(float64(x)), v.String())
		}
		assert.LessOrEqual(t, maxAbsDiff(c.Data, want.Data), 1e-4, v.String())
	}
}

func TestCooperativeMatchesSequential(t *testing.T) {
	const m, n, k = 130, 70, 40
	a := randomOperand(m, k, true, 51)
	b := randomOperand(k, n, false, 52)
	c0 := NewMatrix(m, n)
	c0.FillRandom(53)

	for _, v := range Kernels() {
		t.Run(v.String(), func(t *testing.T) {
			cfg, _ := v.Config()
			seq := cloneMatrix(c0)
			coop := cloneMatrix(c0)
			require.NoError(t, Engine{Mode: grid.ModeSequential}.Gemm(context.Background(), cfg, m, n, k, 1, a, b, 1, seq))
			require.NoError(t, Engine{Mode: grid.ModeCooperative, Workers: 2}.Gemm(context.Background(), cfg, m, n, k, 1, a, b, 1, coop))
			assert.Equal(t, seq.Data, coop.Data)
		})
	}
}

func TestShapeErrors(t *testing.T) {
	cfg, _ := SharedTiled.Config()
	ctx := context.Background()
	a := NewMatrix(4, 3)
	b := NewMatrix(3, 5)
	c := NewMatrix(4, 5)

	err := Gemm(ctx, cfg, 0, 5, 3, 1, N(a), N(b), 0, c)
	assert.ErrorIs(t, err, ErrInvalidSize)

	err = Gemm(ctx, cfg, 4, 5, 3, 1, T(a), N(b), 0, c)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	err = Gemm(ctx, cfg, 4, 5, 3, 1, N(a), N(NewMatrix(4, 5)), 0, c)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	err = Gemm(ctx, cfg, 4, 5, 3, 1, N(a), N(b), 0, NewMatrix(5, 4))
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	short := Matrix{Rows: 4, Cols: 3, Data: make([]float32, 5)}
	err = Gemm(ctx, cfg, 4, 5, 3, 1, N(short), N(b), 0, c)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	// nothing was written
	for _, x := range c.Data {
		assert.Zero(t, x)
	}
}

func TestOverflowingShapesAreRejected(t *testing.T) {
	cfg, _ := RegisterTiled2D.Config()
	ctx := context.Background()
	big := math.MaxInt/2 + 1

	// Rows*Cols wraps, so a nil buffer would otherwise look large enough.
	huge := Matrix{Rows: big, Cols: 4}
	err := Validate(big, big, 4, N(huge), T(huge), huge)
	assert.ErrorIs(t, err, ErrInvalidSize)

	err = Gemm(ctx, cfg, big, big, 4, 1, N(huge), T(huge), 0, huge)
	assert.ErrorIs(t, err, ErrInvalidSize)

	// m*n overflows even when both operands are tiny.
	a := NewMatrix(2, 1)
	err = ValidateInputs(big, 4, 1, N(Matrix{Rows: big, Cols: 1}), N(NewMatrix(1, 4)))
	assert.ErrorIs(t, err, ErrInvalidSize)
	err = ValidateInputs(2, 3, 1, N(a), N(NewMatrix(1, 3)))
	assert.NoError(t, err)

	assert.ErrorIs(t, checkBuffer("A", Matrix{Rows: big, Cols: 2}), ErrInvalidSize)
	assert.ErrorIs(t, checkBuffer("A", Matrix{Rows: 3, Cols: 3, Data: make([]float32, 8)}), ErrDimensionMismatch)
	assert.NoError(t, checkBuffer("A", Matrix{Rows: 0, Cols: big}))
}

func TestConfigStringNamesLayout(t *testing.T) {
	naive, _ := Naive.Config()
	coalesced, _ := Coalesced.Config()
	assert.NotEqual(t, naive.String(), coalesced.String())
	assert.Contains(t, coalesced.String(), "mapping=cols-first")

	twoD, _ := RegisterTiled2D.Config()
	vec, _ := Vectorized.Config()
	assert.Contains(t, vec.String(), "kmajorA=true")
	assert.Contains(t, twoD.String(), "kmajorA=false")
}

func TestConfigValidation(t *testing.T) {
	bad := []Config{
		{},
		{BM: 32, BN: 32, BK: 8, TM: 3, TN: 1, VectorWidth: 1},
		{BM: 32, BN: 32, BK: 8, TM: 16, TN: 16, VectorWidth: 1},
		{BM: 32, BN: 32, BK: 8, TM: 1, TN: 1, VectorWidth: 3},
		{BM: 32, BN: 32, BK: 8, TM: 1, TN: 1, VectorWidth: 1, KMajorA: true},
		{BM: 32, BN: 32, BK: 6, TM: 1, TN: 1, VectorWidth: 4, Staged: true},
	}
	for i, cfg := range bad {
		assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig, "case %d", i)
	}
	for _, v := range Kernels() {
		cfg, err := v.Config()
		require.NoError(t, err)
		assert.NoError(t, cfg.Validate(), v.String())
	}
	_, err := Reference.Config()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestParseVariant(t *testing.T) {
	v, err := ParseVariant("5")
	require.NoError(t, err)
	assert.Equal(t, RegisterTiled2D, v)

	v, err = ParseVariant("Vectorized")
	require.NoError(t, err)
	assert.Equal(t, Vectorized, v)
	assert.Equal(t, "vectorized", v.String())

	_, err = ParseVariant("7")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = ParseVariant("fastest")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestThreadCounts(t *testing.T) {
	want := map[Variant]int{
		Naive:           1024,
		SharedTiled:     1024,
		RegisterTiled1D: 512,
		RegisterTiled2D: 256,
		Vectorized:      256,
	}
	for v, n := range want {
		cfg, _ := v.Config()
		assert.Equal(t, n, cfg.Threads(), v.String())
	}
}

func TestMatMulLeavesCUntouched(t *testing.T) {
	const m, n, k = 33, 17, 9
	a := NewMatrix(m, k)
	a.FillRandom(61)
	b := NewMatrix(k, n)
	b.FillRandom(62)
	c := NewMatrix(m, n)
	c.FillRandom(63)
	cBefore := cloneMatrix(c)

	want := cloneMatrix(c)
	gemmNaive(m, n, k, 2, N(a), N(b), 0.5, want)

	cfg, _ := RegisterTiled1D.Config()
	d := NewMatrix(m, n)
	require.NoError(t, MatMul(context.Background(), cfg, m, n, k, 2, a, b, 0.5, c, d))
	assert.Equal(t, cBefore.Data, c.Data)
	assert.LessOrEqual(t, maxAbsDiff(d.Data, want.Data), 1e-4)

	err := MatMul(context.Background(), cfg, m, n, k, 2, a, b, 0.5, NewMatrix(n, m), d)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestAutotunerCachesWinner(t *testing.T) {
	tuner := NewAutotuner(Engine{}, SharedTiled, RegisterTiled2D)
	s := Shape{M: 64, N: 48, K: 32}

	first, err := tuner.Select(context.Background(), s)
	require.NoError(t, err)
	assert.Contains(t, []Variant{SharedTiled, RegisterTiled2D}, first.Variant)

	again, err := tuner.Select(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, tuner.Cached())

	_, err = tuner.Select(context.Background(), Shape{M: 0, N: 1, K: 1})
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func BenchmarkGemm256(b *testing.B) {
	const m, n, k = 256, 256, 256
	a := randomOperand(m, k, false, 1)
	bb := randomOperand(k, n, false, 2)
	c := NewMatrix(m, n)
	for _, v := range Kernels() {
		cfg, _ := v.Config()
		b.Run(v.String(), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_ = Gemm(context.Background(), cfg, m, n, k, 1, a, bb, 0, c)
			}
		})
	}
}
