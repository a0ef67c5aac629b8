// Package bench times kernel launches, validates them against the reference
// oracles and turns the outcome into report rows.
package bench

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-kernels/internal/cache"
	"github.com/23skdu/longbow-kernels/internal/device"
)

var validationDiff = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "longbow_validation_max_abs_diff",
	Help: "Largest absolute difference from the reference in the latest validation",
}, []string{"kernel", "variant"})

// Result is one row of a benchmark report.
type Result struct {
	RunID      string  `json:"run_id"`
	Kernel     string  `json:"kernel"`
	Variant    string  `json:"variant"`
	Shape      string  `json:"shape"`
	Iters      int     `json:"iters"`
	MeanMs     float64 `json:"mean_ms"`
	MinMs      float64 `json:"min_ms"`
	GFLOPS     float64 `json:"gflops"`
	Checked    bool    `json:"checked"`
	MaxAbsDiff float64 `json:"max_abs_diff"`
	Tolerance  float64 `json:"tolerance"`
	Passed     bool    `json:"passed"`
}

// Failed reports whether the row was validated and missed its tolerance.
func (r Result) Failed() bool { return r.Checked && !r.Passed }

// Options controls how every benchmark in a run is executed.
type Options struct {
	Warmup int
	Iters  int
	Check  bool
	Seed   int64
}

// Runner executes benchmarks on one backend. Reference outputs are cached per
// problem so sweeping several variants computes each oracle once.
type Runner struct {
	Backend device.Backend
	Options
	RunID string

	refs *cache.MapCache[string, []float32]
}

func NewRunner(backend device.Backend, opts Options) *Runner {
	if opts.Iters <= 0 {
		opts.Iters = 1
	}
	return &Runner{
		Backend: backend,
		Options: opts,
		RunID:   uuid.NewString(),
		refs:    cache.NewSliceCache[string](),
	}
}

// Timing summarises the timed iterations of one benchmark.
type Timing struct {
	Iters int
	Mean  time.Duration
	Min   time.Duration
}

// time runs fn Warmup times untimed and Iters times timed.
func (r *Runner) time(ctx context.Context, fn func(context.Context) error) (Timing, error) {
	for i := 0; i < r.Warmup; i++ {
		if err := fn(ctx); err != nil {
			return Timing{}, err
		}
	}
	r.Backend.Synchronize()

	var total time.Duration
	best := time.Duration(math.MaxInt64)
	for i := 0; i < r.Iters; i++ {
		start := time.Now()
		if err := fn(ctx); err != nil {
			return Timing{}, err
		}
		r.Backend.Synchronize()
		el := time.Since(start)
		total += el
		best = min(best, el)
	}
	return Timing{Iters: r.Iters, Mean: total / time.Duration(r.Iters), Min: best}, nil
}

func (r *Runner) fill(res *Result, t Timing, flops float64) {
	res.RunID = r.RunID
	res.Iters = t.Iters
	res.MeanMs = float64(t.Mean) / float64(time.Millisecond)
	res.MinMs = float64(t.Min) / float64(time.Millisecond)
	if s := t.Mean.Seconds(); s > 0 {
		res.GFLOPS = flops / s / 1e9
	}
}

func (r *Runner) validate(res *Result, diff, tol float64) {
	res.Checked = true
	res.MaxAbsDiff = diff
	res.Tolerance = tol
	res.Passed = diff <= tol
	validationDiff.WithLabelValues(res.Kernel, res.Variant).Set(diff)

	ev := log.Info()
	if !res.Passed {
		ev = log.Warn()
	}
	ev.Str("kernel", res.Kernel).
		Str("variant", res.Variant).
		Str("shape", res.Shape).
		Float64("max_abs_diff", diff).
		Float64("tolerance", tol).
		Bool("passed", res.Passed).
		Msg("validation")
}

// GemmTolerance is the absolute error budget against the BLAS oracle for a
// reduction of length k with inputs in [-1, 1). It grows linearly with k and
// reaches 5e-2 at k=4096 for alpha=1.
func GemmTolerance(k int, alpha, beta float32) float64 {
	tol := 1.2e-5*float64(k)*math.Abs(float64(alpha)) + 1e-6*math.Abs(float64(beta))
	return max(tol, 1e-4)
}

// AttentionTolerance is the absolute error budget for O and L.
const AttentionTolerance = 1e-4
