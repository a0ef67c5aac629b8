// Package gemm implements single-precision C = alpha*op(A)*op(B) + beta*C as a
// family of tiled kernels on the worker grid.
package gemm

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-kernels/internal/grid"
)

// Engine carries the grid settings every launch uses.
type Engine struct {
	// Workers bounds concurrently running blocks. Zero means GOMAXPROCS.
	Workers int
	Mode    grid.Mode
}

// Gemm runs the kernel described by cfg with the default engine.
func Gemm(ctx context.Context, cfg Config, m, n, k int, alpha float32, a, b Operand, beta float32, c Matrix) error {
	return Engine{}.Gemm(ctx, cfg, m, n, k, alpha, a, b, beta, c)
}

// MatMul computes D = alpha*A*B + beta*C with the default engine.
func MatMul(ctx context.Context, cfg Config, m, n, k int, alpha float32, a, b Matrix, beta float32, c, d Matrix) error {
	return Engine{}.MatMul(ctx, cfg, m, n, k, alpha, a, b, beta, c, d)
}

// Gemm overwrites C with alpha*op(A)*op(B) + beta*C. Shapes are checked before
// anything is launched; when beta is zero C is never read.
func (e Engine) Gemm(ctx context.Context, cfg Config, m, n, k int, alpha float32, a, b Operand, beta float32, c Matrix) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := Validate(m, n, k, a, b, c); err != nil {
		return err
	}

	l := &launch{
		cfg: cfg, m: m, n: n, k: k,
		alpha: alpha, beta: beta,
		a: a, b: b, c: c,
		rowsT: cfg.BM / cfg.TM,
		colsT: cfg.BN / cfg.TN,
	}
	return grid.Launch(ctx, grid.LaunchConfig{
		Grid:     grid.GridFor(m, n, cfg.BM, cfg.BN),
		TeamSize: cfg.Threads(),
		Mode:     e.Mode,
		Workers:  e.Workers,
	}, l.run)
}

// MatMul leaves C untouched and writes the result to D.
func (e Engine) MatMul(ctx context.Context, cfg Config, m, n, k int, alpha float32, a, b Matrix, beta float32, c, d Matrix) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := Validate(m, n, k, N(a), N(b), d); err != nil {
		return err
	}
	if beta != 0 {
		if err := checkBuffer("C", c); err != nil {
			return err
		}
		if c.Rows != m || c.Cols != n {
			return fmt.Errorf("%w: C is %dx%d, want %dx%d", ErrDimensionMismatch, c.Rows, c.Cols, m, n)
		}
		copy(d.Data[:m*n], c.Data[:m*n])
	}
	return e.Gemm(ctx, cfg, m, n, k, alpha, N(a), N(b), beta, d)
}

type launch struct {
	cfg         Config
	m, n, k     int
	alpha, beta float32
	a, b        Operand
	c           Matrix

	rowsT, colsT int
}

// coords places thread tid on the tile's (BM/TM) x (BN/TN) thread grid.
func (l *launch) coords(tid int) (tr, tc int) {
	if l.cfg.Mapping == RowsFirst {
		return tid % l.rowsT, tid / l.rowsT
	}
	return tid / l.colsT, tid % l.colsT
}

func (l *launch) run(block grid.Dim3, team grid.Team) {
	cfg := l.cfg
	rowBase, colBase := block.Y*cfg.BM, block.X*cfg.BN
	threads := team.Size()
	micro := cfg.TM * cfg.TN

	// per-thread accumulators; thread tid owns acc[tid*micro:(tid+1)*micro]
	acc := make([]float32, threads*micro)
	regs := func(tid int) []float32 { return acc[tid*micro : (tid+1)*micro] }

	var as, bs []float32
	if cfg.Staged {
		as = make([]float32, cfg.BM*cfg.BK)
		bs = make([]float32, cfg.BK*cfg.BN)
	}

	for k0 := 0; k0 < l.k; k0 += cfg.BK {
		if cfg.Staged {
			team.Step(func(tid int) { l.stage(as, bs, tid, threads, rowBase, colBase, k0) })
			team.Step(func(tid int) { l.accumulateScratch(regs(tid), as, bs, tid) })
			continue
		}
		team.Step(func(tid int) { l.accumulateGlobal(regs(tid), tid, rowBase, colBase, k0) })
	}

	team.Step(func(tid int) { l.epilogue(regs(tid), tid, rowBase, colBase) })
}

func (l *launch) accumulateScratch(acc, as, bs []float32, tid int) {
	cfg := l.cfg
	tr, tc := l.coords(tid)
	var regM, regN [maxMicro]float32

	for kk := 0; kk < cfg.BK; kk++ {
		if cfg.KMajorA {
			copy(regM[:cfg.TM], as[kk*cfg.BM+tr*cfg.TM:])
		} else {
			for i := 0; i < cfg.TM; i++ {
				regM[i] = as[(tr*cfg.TM+i)*cfg.BK+kk]
			}
		}
		copy(regN[:cfg.TN], bs[kk*cfg.BN+tc*cfg.TN:])

		for i := 0; i < cfg.TM; i++ {
			row := acc[i*cfg.TN : (i+1)*cfg.TN]
			for j := range row {
				row[j] += regM[i] * regN[j]
			}
		}
	}
}

// accumulateGlobal is the unstaged path: operands are read from the caller's
// buffers for every product.
func (l *launch) accumulateGlobal(acc []float32, tid, rowBase, colBase, k0 int) {
	cfg := l.cfg
	tr, tc := l.coords(tid)
	kEnd := min(k0+cfg.BK, l.k)

	for i := 0; i < cfg.TM; i++ {
		r := rowBase + tr*cfg.TM + i
		if r >= l.m {
			break
		}
		for j := 0; j < cfg.TN; j++ {
			c := colBase + tc*cfg.TN + j
			if c >= l.n {
				break
			}
			sum := acc[i*cfg.TN+j]
			for kk := k0; kk < kEnd; kk++ {
				sum += l.a.load(r, kk) * l.b.load(kk, c)
			}
			acc[i*cfg.TN+j] = sum
		}
	}
}

func (l *launch) epilogue(acc []float32, tid, rowBase, colBase int) {
	cfg := l.cfg
	tr, tc := l.coords(tid)
	out := l.c.Data

	for i := 0; i < cfg.TM; i++ {
		r := rowBase + tr*cfg.TM + i
		if r >= l.m {
			return
		}
		for j := 0; j < cfg.TN; j++ {
			c := colBase + tc*cfg.TN + j
			if c >= l.n {
				break
			}
			v := l.alpha * acc[i*cfg.TN+j]
			if l.beta != 0 {
				v += l.beta * out[r*l.n+c]
			}
			out[r*l.n+c] = v
		}
	}
}
