package bench

import (
	"context"
	"fmt"
	"math"

	"github.com/23skdu/longbow-kernels/internal/baseline"
	"github.com/23skdu/longbow-kernels/internal/device"
)

// BaselineSpec describes the integer CPU baseline sweep.
type BaselineSpec struct {
	M, K, N int
	Threads []int
}

// Baseline times the single-threaded matmul and then every thread count,
// checking each parallel result against the single-threaded one. Throughput
// is reported in GOP/s of integer multiply-adds.
func (r *Runner) Baseline(ctx context.Context, s BaselineSpec) ([]Result, error) {
	shape := fmt.Sprintf("%dx%dx%d", s.M, s.N, s.K)
	a := baseline.Random(s.M*s.K, r.Seed)
	b := baseline.Random(s.K*s.N, r.Seed+1)
	want := make([]int32, s.M*s.N)
	ops := device.GemmFlops(s.M, s.N, s.K)

	single := Result{Kernel: "baseline", Variant: "single", Shape: shape}
	t, err := r.time(ctx, func(context.Context) error {
		return baseline.MatMul(a, b, want, s.M, s.K, s.N)
	})
	if err != nil {
		return nil, err
	}
	r.fill(&single, t, ops)
	results := []Result{single}

	threads := s.Threads
	if len(threads) == 0 {
		threads = baseline.DefaultThreads
	}
	for _, n := range threads {
		res := Result{Kernel: "baseline", Variant: fmt.Sprintf("threads=%d", n), Shape: shape}
		got := make([]int32, s.M*s.N)
		t, err := r.time(ctx, func(context.Context) error {
			return baseline.MatMulParallel(a, b, got, s.M, s.K, s.N, n)
		})
		if err != nil {
			return results, err
		}
		r.fill(&res, t, ops)
		if r.Check {
			var diff float64
			for i := range got {
				diff = max(diff, math.Abs(float64(got[i])-float64(want[i])))
			}
			r.validate(&res, diff, 0)
		}
		results = append(results, res)
	}
	return results, nil
}
