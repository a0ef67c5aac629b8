package device

import (
	"context"
	"errors"
	"math/bits"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-kernels/internal/attention"
	"github.com/23skdu/longbow-kernels/internal/gemm"
	"github.com/23skdu/longbow-kernels/internal/grid"
	"github.com/23skdu/longbow-kernels/internal/reference"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

var tracer = otel.Tracer("longbow-kernels/device")

// CPUBackend runs every kernel on the worker grid.
type CPUBackend struct {
	engine gemm.Engine
	pools  [maxPoolClass + 1]sync.Pool
}

// maxPoolClass bounds pooled capacities to 1<<maxPoolClass elements; larger
// buffers are allocated and dropped.
const maxPoolClass = 32

// sizeClass is the smallest c with 1<<c >= n.
func sizeClass(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// Option configures a CPUBackend.
type Option func(*CPUBackend)

// WithWorkers bounds how many blocks run at once.
func WithWorkers(n int) Option {
	return func(b *CPUBackend) { b.engine.Workers = n }
}

// WithMode selects sequential or cooperative teams.
func WithMode(m grid.Mode) Option {
	return func(b *CPUBackend) { b.engine.Mode = m }
}

func NewCPUBackend(opts ...Option) *CPUBackend {
	b := &CPUBackend{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) Gemm(ctx context.Context, v gemm.Variant, call GemmCall) error {
	ctx, span := tracer.Start(ctx, "Gemm", trace.WithAttributes(
		attribute.String("variant", v.String()),
		attribute.Int("m", call.M),
		attribute.Int("n", call.N),
		attribute.Int("k", call.K),
		attribute.Bool("transpose_a", call.A.Transposed),
		attribute.Bool("transpose_b", call.B.Transposed),
	))
	defer span.End()

	start := time.Now()
	err := b.gemm(ctx, v, call)
	b.observe(span, "gemm", v.String(), start, GemmFlops(call.M, call.N, call.K), err)
	return err
}

func (b *CPUBackend) gemm(ctx context.Context, v gemm.Variant, call GemmCall) error {
	if v == gemm.Reference {
		return reference.Gemm(call.M, call.N, call.K, call.Alpha, call.A, call.B, call.Beta, call.C)
	}
	cfg, err := v.Config()
	if err != nil {
		return err
	}
	return b.engine.Gemm(ctx, cfg, call.M, call.N, call.K, call.Alpha, call.A, call.B, call.Beta, call.C)
}

func (b *CPUBackend) MatMul(ctx context.Context, v gemm.Variant, call MatMulCall) error {
	ctx, span := tracer.Start(ctx, "MatMul", trace.WithAttributes(
		attribute.String("variant", v.String()),
		attribute.Int("m", call.M),
		attribute.Int("n", call.N),
		attribute.Int("k", call.K),
	))
	defer span.End()

	start := time.Now()
	var err error
	if v == gemm.Reference {
		a, bb := gemm.N(call.A), gemm.N(call.B)
		err = gemm.Validate(call.M, call.N, call.K, a, bb, call.D)
		if err == nil && call.Beta != 0 {
			if err = gemm.Validate(call.M, call.N, call.K, a, bb, call.C); err == nil {
				copy(call.D.Data[:call.M*call.N], call.C.Data)
			}
		}
		if err == nil {
			err = reference.Gemm(call.M, call.N, call.K, call.Alpha, a, bb, call.Beta, call.D)
		}
	} else {
		var cfg gemm.Config
		if cfg, err = v.Config(); err == nil {
			err = b.engine.MatMul(ctx, cfg, call.M, call.N, call.K, call.Alpha, call.A, call.B, call.Beta, call.C, call.D)
		}
	}
	b.observe(span, "matmul", v.String(), start, GemmFlops(call.M, call.N, call.K), err)
	return err
}

func (b *CPUBackend) FlashAttention(ctx context.Context, call AttentionCall) (attention.Result, error) {
	p := call.Params
	ctx, span := tracer.Start(ctx, "FlashAttention", trace.WithAttributes(
		attribute.Int("batch", p.B),
		attribute.Int("heads", p.H),
		attribute.Int("seq_len", p.N),
		attribute.Int("head_dim", p.D),
		attribute.Bool("causal", p.Causal),
		attribute.String("dtype", call.Q.DType.String()),
	))
	defer span.End()

	start := time.Now()
	if err := attention.CheckInputs(p, call.Q, call.K, call.V); err != nil {
		b.observe(span, "attention", call.Q.DType.String(), start, 0, err)
		return attention.Result{}, err
	}
	out := attention.Result{O: b.GetBuffer(p.Elements()), L: b.GetBuffer(p.Rows())}
	res, err := attention.FlashForward(ctx, call.Q, call.K, call.V, p,
		attention.WithOutput(out),
		attention.WithWorkers(b.engine.Workers),
		attention.WithMode(b.engine.Mode),
	)
	b.observe(span, "attention", call.Q.DType.String(), start, AttentionFlops(p), err)
	if err != nil {
		b.PutBuffer(out.O)
		b.PutBuffer(out.L)
		return attention.Result{}, err
	}
	return res, nil
}

// observe records the outcome of one launch on the span, the metrics and the log.
func (b *CPUBackend) observe(span trace.Span, kernel, variant string, start time.Time, flops float64, err error) {
	elapsed := time.Since(start)
	kernelLaunches.WithLabelValues(kernel, variant).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, grid.ErrLaunchFault) {
			kernelFaults.WithLabelValues(kernel).Inc()
			log.Error().Err(err).Str("kernel", kernel).Str("variant", variant).Msg("launch fault")
		}
		return
	}

	kernelDuration.WithLabelValues(kernel, variant).Observe(elapsed.Seconds())
	var gflops float64
	if s := elapsed.Seconds(); s > 0 {
		gflops = flops / s / 1e9
	}
	kernelGflops.WithLabelValues(kernel, variant).Set(gflops)
	span.SetAttributes(attribute.Float64("gflops", gflops))

	log.Debug().
		Str("kernel", kernel).
		Str("variant", variant).
		Dur("elapsed", elapsed).
		Float64("gflops", gflops).
		Msg("launch complete")
}

// GetBuffer returns a zeroed buffer of length n. Buffers are pooled by
// power-of-two capacity so small and large requests never evict each other.
func (b *CPUBackend) GetBuffer(n int) []float32 {
	n = max(n, 0)
	c := sizeClass(n)
	if c > maxPoolClass {
		poolMisses.Inc()
		return make([]float32, n)
	}
	if v, ok := b.pools[c].Get().(*[]float32); ok {
		poolHits.Inc()
		buf := (*v)[:n]
		clear(buf)
		return buf
	}
	poolMisses.Inc()
	return make([]float32, n, 1<<c)
}

// PutBuffer files buf under the largest class its capacity covers.
func (b *CPUBackend) PutBuffer(buf []float32) {
	if cap(buf) == 0 {
		return
	}
	c := bits.Len(uint(cap(buf))) - 1
	if c > maxPoolClass {
		return
	}
	buf = buf[:cap(buf)]
	b.pools[c].Put(&buf)
}

func (b *CPUBackend) Synchronize() {
	// CPU launches return only after the grid has completed
}
