package bench

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-kernels/internal/device"
	"github.com/23skdu/longbow-kernels/internal/gemm"
	"github.com/23skdu/longbow-kernels/internal/simd"
)

// GemmSpec describes one GEMM benchmark. With MatMul set the D = alpha*A*B +
// beta*C form is used and the transpose flags are ignored.
type GemmSpec struct {
	M, N, K        int
	Alpha, Beta    float32
	TransA, TransB bool
	MatMul         bool
	Variant        gemm.Variant
}

func (s GemmSpec) kernel() string {
	if s.MatMul {
		return "matmul"
	}
	return "gemm"
}

func (s GemmSpec) shape() string {
	return fmt.Sprintf("%dx%dx%d", s.M, s.N, s.K)
}

// problem identifies the inputs, not the variant, so all variants share a
// cached reference.
func (s GemmSpec) problem(seed int64) string {
	return fmt.Sprintf("%s/%s/a=%g/b=%g/ta=%t/tb=%t/seed=%d", s.kernel(), s.shape(), s.Alpha, s.Beta, s.TransA, s.TransB, seed)
}

type gemmInputs struct {
	a, b gemm.Operand
	c    gemm.Matrix
}

func (r *Runner) gemmInputs(s GemmSpec) gemmInputs {
	transA, transB := s.TransA, s.TransB
	if s.MatMul {
		transA, transB = false, false
	}
	in := gemmInputs{
		a: randomOperand(s.M, s.K, transA, r.Seed),
		b: randomOperand(s.K, s.N, transB, r.Seed+1),
		c: gemm.NewMatrix(s.M, s.N),
	}
	in.c.FillRandom(r.Seed + 2)
	return in
}

func randomOperand(rows, cols int, transposed bool, seed int64) gemm.Operand {
	if transposed {
		m := gemm.NewMatrix(cols, rows)
		m.FillRandom(seed)
		return gemm.T(m)
	}
	m := gemm.NewMatrix(rows, cols)
	m.FillRandom(seed)
	return gemm.N(m)
}

func clone(m gemm.Matrix) gemm.Matrix {
	out := gemm.NewMatrix(m.Rows, m.Cols)
	copy(out.Data, m.Data)
	return out
}

// launchGemm runs v once, writing into out. In MatMul form in.c is left untouched;
// otherwise out is C and is updated in place.
func (r *Runner) launchGemm(ctx context.Context, s GemmSpec, v gemm.Variant, in gemmInputs, out gemm.Matrix) error {
	if s.MatMul {
		return r.Backend.MatMul(ctx, v, device.MatMulCall{
			M: s.M, N: s.N, K: s.K, Alpha: s.Alpha,
			A: in.a.Matrix, B: in.b.Matrix,
			Beta: s.Beta, C: in.c, D: out,
		})
	}
	return r.Backend.Gemm(ctx, v, device.GemmCall{
		M: s.M, N: s.N, K: s.K, Alpha: s.Alpha,
		A: in.a, B: in.b,
		Beta: s.Beta, C: out,
	})
}

// Gemm benchmarks one variant and, when checking, validates it against the
// BLAS oracle on a fresh copy of C.
func (r *Runner) Gemm(ctx context.Context, s GemmSpec) (Result, error) {
	res := Result{Kernel: s.kernel(), Variant: s.Variant.String(), Shape: s.shape()}
	in := r.gemmInputs(s)

	if r.Check {
		want, err := r.refs.GetOrCompute(s.problem(r.Seed), func() ([]float32, error) {
			out := clone(in.c)
			err := r.launchGemm(ctx, s, gemm.Reference, in, out)
			return out.Data, err
		})
		if err != nil {
			return res, fmt.Errorf("reference %s: %w", s.shape(), err)
		}
		got := clone(in.c)
		if err := r.launchGemm(ctx, s, s.Variant, in, got); err != nil {
			return res, err
		}
		r.validate(&res, simd.MaxAbsDiff(got.Data, want), GemmTolerance(s.K, s.Alpha, s.Beta))
	}

	out := clone(in.c)
	t, err := r.time(ctx, func(ctx context.Context) error {
		return r.launchGemm(ctx, s, s.Variant, in, out)
	})
	if err != nil {
		return res, err
	}
	r.fill(&res, t, device.GemmFlops(s.M, s.N, s.K))
	return res, nil
}

// Sweep benchmarks every variant in vs on the same inputs.
func (r *Runner) Sweep(ctx context.Context, s GemmSpec, vs []gemm.Variant) ([]Result, error) {
	results := make([]Result, 0, len(vs))
	for _, v := range vs {
		s.Variant = v
		res, err := r.Gemm(ctx, s)
		if err != nil {
			return results, fmt.Errorf("%s: %w", v, err)
		}
		results = append(results, res)
	}
	return results, nil
}
