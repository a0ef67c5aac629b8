package bench

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-kernels/internal/attention"
	"github.com/23skdu/longbow-kernels/internal/device"
	"github.com/23skdu/longbow-kernels/internal/dtype"
	"github.com/23skdu/longbow-kernels/internal/reference"
)

// AttentionSpec describes one FlashAttention benchmark.
type AttentionSpec struct {
	Params attention.Params
	DType  dtype.DType
}

func (s AttentionSpec) shape() string {
	p := s.Params
	return fmt.Sprintf("B%d H%d N%d D%d Br%d Bc%d causal=%t", p.B, p.H, p.N, p.D, p.BlockRows, p.BlockCols, p.Causal)
}

func randomValues(n int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

// Attention benchmarks the forward pass and optionally validates O and L
// against the float64 reference computed on the same widened inputs.
func (r *Runner) Attention(ctx context.Context, s AttentionSpec) (Result, error) {
	p := s.Params
	res := Result{Kernel: "attention", Variant: s.DType.String(), Shape: s.shape()}

	if err := p.Validate(); err != nil {
		return res, err
	}

	var call device.AttentionCall
	call.Params = p
	for i, dst := range []*dtype.Buffer{&call.Q, &call.K, &call.V} {
		buf, err := dtype.FromFloat32(s.DType, randomValues(p.Elements(), r.Seed+int64(i)))
		if err != nil {
			return res, err
		}
		*dst = buf
	}

	run := func(ctx context.Context) (attention.Result, error) {
		return r.Backend.FlashAttention(ctx, call)
	}

	if r.Check {
		got, err := run(ctx)
		if err != nil {
			return res, err
		}
		wantO, wantL := reference.Attention(call.Q.Float32s(), call.K.Float32s(), call.V.Float32s(), p.B, p.H, p.N, p.D, p.Causal)
		diff := math.Max(finiteDiff(got.O, wantO), finiteDiff(got.L, wantL))
		r.Backend.PutBuffer(got.O)
		r.Backend.PutBuffer(got.L)
		r.validate(&res, diff, AttentionTolerance)
	}

	t, err := r.time(ctx, func(ctx context.Context) error {
		out, err := run(ctx)
		if err != nil {
			return err
		}
		r.Backend.PutBuffer(out.O)
		r.Backend.PutBuffer(out.L)
		return nil
	})
	if err != nil {
		return res, err
	}
	r.fill(&res, t, device.AttentionFlops(p))
	return res, nil
}

// finiteDiff is the max abs difference where matching infinities count as equal.
func finiteDiff(got, want []float32) float64 {
	if len(got) != len(want) {
		return math.Inf(1)
	}
	var worst float64
	for i := range got {
		g, w := float64(got[i]), float64(want[i])
		if math.IsInf(w, 0) && g == w {
			continue
		}
		d := math.Abs(g - w)
		if math.IsNaN(d) {
			return math.Inf(1)
		}
		worst = math.Max(worst, d)
	}
	return worst
}
