// Package attention implements the FlashAttention forward pass: exact
// softmax(QK^T/sqrt(D))V computed one key/value block at a time with a running
// softmax state per query row, so the N x N score matrix is never built.
package attention

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-kernels/internal/dtype"
	"github.com/23skdu/longbow-kernels/internal/grid"
	"github.com/23skdu/longbow-kernels/internal/simd"
)

var (
	ErrInvalidSize       = errors.New("attention: invalid size")
	ErrDimensionMismatch = errors.New("attention: dimension mismatch")
)

// DefaultBlock is the query and key block size used when Params leaves one unset.
const DefaultBlock = 64

// Params describes a [B, H, N, D] attention problem and its tiling.
type Params struct {
	B, H, N, D int
	// BlockRows is the number of query rows per team, BlockCols the number of
	// keys staged per step.
	BlockRows, BlockCols int
	Causal               bool
}

// Elements is the size of one Q, K, V or O tensor.
func (p Params) Elements() int { return p.B * p.H * p.N * p.D }

// Rows is the size of the log-sum-exp output.
func (p Params) Rows() int { return p.B * p.H * p.N }

func (p Params) String() string {
	return fmt.Sprintf("B=%d H=%d N=%d D=%d Br=%d Bc=%d causal=%t", p.B, p.H, p.N, p.D, p.BlockRows, p.BlockCols, p.Causal)
}

// withDefaults fills unset block sizes and trims them to N.
func (p Params) withDefaults() Params {
	if p.BlockRows == 0 {
		p.BlockRows = DefaultBlock
	}
	if p.BlockCols == 0 {
		p.BlockCols = DefaultBlock
	}
	p.BlockRows = min(p.BlockRows, p.N)
	p.BlockCols = min(p.BlockCols, p.N)
	return p
}

// Validate rejects non-positive dimensions, negative block sizes and shapes
// whose element count does not fit in an int.
func (p Params) Validate() error {
	if p.B <= 0 || p.H <= 0 || p.N <= 0 || p.D <= 0 {
		return fmt.Errorf("%w: B=%d H=%d N=%d D=%d", ErrInvalidSize, p.B, p.H, p.N, p.D)
	}
	if p.BlockRows < 0 || p.BlockCols < 0 {
		return fmt.Errorf("%w: block %dx%d", ErrInvalidSize, p.BlockRows, p.BlockCols)
	}
	n := p.B
	for _, d := range []int{p.H, p.N, p.D} {
		if d > math.MaxInt/n {
			return fmt.Errorf("%w: %s overflows int", ErrInvalidSize, p)
		}
		n *= d
	}
	return nil
}

// Result holds the attention output O, laid out like Q, and the per-row
// log-sum-exp L of length B*H*N.
type Result struct {
	O []float32
	L []float32
}

// NewResult allocates outputs for p.
func NewResult(p Params) Result {
	return Result{O: make([]float32, p.Elements()), L: make([]float32, p.Rows())}
}

type options struct {
	workers int
	mode    grid.Mode
	out     *Result
}

// Option tunes a FlashForward call.
type Option func(*options)

// WithWorkers bounds how many query tiles run at once.
func WithWorkers(n int) Option { return func(o *options) { o.workers = n } }

// WithMode selects the team execution mode.
func WithMode(m grid.Mode) Option { return func(o *options) { o.mode = m } }

// WithOutput makes FlashForward write into caller-owned buffers.
func WithOutput(r Result) Option { return func(o *options) { o.out = &r } }

// FlashForward computes O = softmax(scale*Q*K^T + mask)*V and the row
// log-sum-exp for every (batch, head). Q, K and V must share one dtype.
func FlashForward(ctx context.Context, q, k, v dtype.Buffer, p Params, opts ...Option) (Result, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	if err := CheckInputs(p, q, k, v); err != nil {
		return Result{}, err
	}
	p = p.withDefaults()

	var out Result
	if o.out != nil {
		out = *o.out
		if len(out.O) != p.Elements() || len(out.L) != p.Rows() {
			return Result{}, fmt.Errorf("%w: output holds %d/%d values, want %d/%d",
				ErrDimensionMismatch, len(out.O), len(out.L), p.Elements(), p.Rows())
		}
	} else {
		out = NewResult(p)
	}

	l := &launch{
		p: p, q: q, k: k, v: v, out: out,
		scale: float32(1 / math.Sqrt(float64(p.D))),
	}
	err := grid.Launch(ctx, grid.LaunchConfig{
		Grid:     grid.Dim3{X: grid.CeilDiv(p.N, p.BlockRows), Y: p.B * p.H, Z: 1},
		TeamSize: p.BlockRows,
		Mode:     o.mode,
		Workers:  o.workers,
	}, l.run)
	if err != nil {
		return Result{}, err
	}
	return out, nil
}

// CheckInputs validates p and checks that Q, K and V share one dtype and hold
// exactly p.Elements() values each.
func CheckInputs(p Params, q, k, v dtype.Buffer) error {
	if err := p.Validate(); err != nil {
		return err
	}
	for _, b := range []struct {
		name string
		buf  dtype.Buffer
	}{{"Q", q}, {"K", k}, {"V", v}} {
		if err := b.buf.Validate(); err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
		if b.buf.DType != q.DType {
			return fmt.Errorf("%w: %s is %s, Q is %s", dtype.ErrUnsupportedDType, b.name, b.buf.DType, q.DType)
		}
		if n := b.buf.Len(); n != p.Elements() {
			return fmt.Errorf("%w: %s holds %d values, want %d", ErrDimensionMismatch, b.name, n, p.Elements())
		}
	}
	return nil
}

type launch struct {
	p       Params
	q, k, v dtype.Buffer
	out     Result
	scale   float32
}

// run processes BlockRows query rows of one (batch, head). Worker tid owns
// query row q0+tid and its running state; K/V blocks are staged by the whole
// team.
func (l *launch) run(block grid.Dim3, team grid.Team) {
	p := l.p
	d, br, bc := p.D, p.BlockRows, p.BlockCols
	bh := block.Y
	q0 := block.X * br
	qLast := min(q0+br, p.N) - 1
	base := bh * p.N * d

	qs := make([]float32, br*d)
	ks := make([]float32, bc*d)
	vs := make([]float32, bc*d)
	scores := make([]float32, br*bc)
	accs := make([]float32, br*d)
	states := make([]RowState, br)
	for i := range states {
		states[i] = RowState{M: negInf, Acc: accs[i*d : (i+1)*d]}
	}

	team.Step(func(tid int) {
		if row := q0 + tid; row < p.N {
			l.q.Widen(qs[tid*d:(tid+1)*d], base+row*d)
		}
	})

	for k0 := 0; k0 < p.N; k0 += bc {
		// every later block is masked for every row of this tile
		if p.Causal && k0 > qLast {
			break
		}
		kn := min(bc, p.N-k0)

		team.Step(func(tid int) {
			for r := tid; r < bc; r += team.Size() {
				kr, vr := ks[r*d:(r+1)*d], vs[r*d:(r+1)*d]
				if r >= kn {
					clear(kr)
					clear(vr)
					continue
				}
				off := base + (k0+r)*d
				l.k.Widen(kr, off)
				l.v.Widen(vr, off)
			}
		})

		team.Step(func(tid int) {
			row := q0 + tid
			if row >= p.N {
				return
			}
			qrow := qs[tid*d : (tid+1)*d]
			s := scores[tid*bc : tid*bc+kn]
			for j := range s {
				if p.Causal && k0+j > row {
					s[j] = negInf
					continue
				}
				s[j] = l.scale * simd.DotProduct(qrow, ks[j*d:(j+1)*d])
			}
			states[tid].Update(s, vs[:kn*d])
		})
	}

	team.Step(func(tid int) {
		row := q0 + tid
		if row >= p.N {
			return
		}
		off := base + row*d
		l.out.L[bh*p.N+row] = states[tid].Finalize(l.out.O[off : off+d])
	})
}
