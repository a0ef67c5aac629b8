package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/23skdu/longbow-kernels/internal/attention"
	"github.com/23skdu/longbow-kernels/internal/dtype"
	"github.com/23skdu/longbow-kernels/internal/gemm"
	"github.com/23skdu/longbow-kernels/internal/grid"
	"github.com/23skdu/longbow-kernels/internal/reference"
)

func metricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	if err := m.Write(&metric); err != nil {
		return 0
	}
	if metric.Counter != nil {
		return metric.Counter.GetValue()
	}
	if metric.Gauge != nil {
		return metric.Gauge.GetValue()
	}
	return 0
}

func newGemmCall(m, n, k int) GemmCall {
	a := gemm.NewMatrix(m, k)
	a.FillRandom(1)
	b := gemm.NewMatrix(k, n)
	b.FillRandom(2)
	return GemmCall{M: m, N: n, K: k, Alpha: 1, A: gemm.N(a), B: gemm.N(b), C: gemm.NewMatrix(m, n)}
}

func TestCPUBackendGemmVariantsAgree(t *testing.T) {
	backend := NewCPUBackend(WithWorkers(4))
	assert.Equal(t, "CPU", backend.Name())

	ref := newGemmCall(65, 33, 40)
	require.NoError(t, backend.Gemm(context.Background(), gemm.Reference, ref))

	for _, v := range gemm.Kernels() {
		call := newGemmCall(65, 33, 40)
		require.NoError(t, backend.Gemm(context.Background(), v, call), v.String())
		assert.InDeltaSlice(t, ref.C.Data, call.C.Data, 1e-4, v.String())
	}
	backend.Synchronize()
}

func TestCPUBackendCountsLaunches(t *testing.T) {
	backend := NewCPUBackend()
	before := metricValue(kernelLaunches.WithLabelValues("gemm", gemm.SharedTiled.String()))

	require.NoError(t, backend.Gemm(context.Background(), gemm.SharedTiled, newGemmCall(8, 8, 8)))
	err := backend.Gemm(context.Background(), gemm.SharedTiled, GemmCall{M: 8, N: 8, K: 8})
	assert.ErrorIs(t, err, gemm.ErrDimensionMismatch)

	after := metricValue(kernelLaunches.WithLabelValues("gemm", gemm.SharedTiled.String()))
	assert.Equal(t, before+2, after)
}

func TestCPUBackendMatMul(t *testing.T) {
	backend := NewCPUBackend()
	const m, n, k = 20, 30, 10
	a := gemm.NewMatrix(m, k)
	a.FillRandom(3)
	b := gemm.NewMatrix(k, n)
	b.FillRandom(4)
	c := gemm.NewMatrix(m, n)
	c.FillRandom(5)

	ref := gemm.NewMatrix(m, n)
	require.NoError(t, backend.MatMul(context.Background(), gemm.Reference,
		MatMulCall{M: m, N: n, K: k, Alpha: 1, A: a, B: b, Beta: 1, C: c, D: ref}))

	d := gemm.NewMatrix(m, n)
	require.NoError(t, backend.MatMul(context.Background(), gemm.Vectorized,
		MatMulCall{M: m, N: n, K: k, Alpha: 1, A: a, B: b, Beta: 1, C: c, D: d}))
	assert.InDeltaSlice(t, ref.Data, d.Data, 1e-4)

	err := backend.MatMul(context.Background(), gemm.Reference,
		MatMulCall{M: m, N: n, K: k, Alpha: 1, A: a, B: b, Beta: 1, C: gemm.NewMatrix(1, 1), D: d})
	assert.ErrorIs(t, err, gemm.ErrDimensionMismatch)
}

func TestCPUBackendFlashAttention(t *testing.T) {
	backend := NewCPUBackend(WithMode(grid.ModeCooperative), WithWorkers(2))
	p := attention.Params{B: 1, H: 2, N: 12, D: 4, BlockRows: 4, BlockCols: 4, Causal: true}

	q := make([]float32, p.Elements())
	k := make([]float32, p.Elements())
	v := make([]float32, p.Elements())
	for i := range q {
		q[i] = float32(i%7) / 7
		k[i] = float32(i%5) / 5
		v[i] = float32(i%3) - 1
	}
	qb, _ := dtype.FromFloat32(dtype.Float32, q)
	kb, _ := dtype.FromFloat32(dtype.Float32, k)
	vb, _ := dtype.FromFloat32(dtype.Float32, v)

	res, err := backend.FlashAttention(context.Background(), AttentionCall{Q: qb, K: kb, V: vb, Params: p})
	require.NoError(t, err)
	wantO, wantL := reference.Attention(q, k, v, p.B, p.H, p.N, p.D, true)
	assert.InDeltaSlice(t, wantO, res.O, 1e-5)
	assert.InDeltaSlice(t, wantL, res.L, 1e-5)
	backend.PutBuffer(res.O)
	backend.PutBuffer(res.L)

	_, err = backend.FlashAttention(context.Background(), AttentionCall{Q: qb, K: kb, V: vb, Params: attention.Params{B: 9, H: 1, N: 1, D: 1}})
	assert.ErrorIs(t, err, attention.ErrDimensionMismatch)
}

func TestFlashAttentionValidatesBeforeAllocating(t *testing.T) {
	backend := NewCPUBackend()
	one, _ := dtype.FromFloat32(dtype.Float32, []float32{1})
	hits, misses := metricValue(poolHits), metricValue(poolMisses)

	huge := attention.Params{B: 1 << 12, H: 1 << 12, N: 1 << 12, D: 1 << 12}
	_, err := backend.FlashAttention(context.Background(), AttentionCall{Q: one, K: one, V: one, Params: huge})
	assert.ErrorIs(t, err, attention.ErrDimensionMismatch)

	wrap := attention.Params{B: 1 << 16, H: 1 << 16, N: 1 << 16, D: 1 << 16}
	_, err = backend.FlashAttention(context.Background(), AttentionCall{Q: one, K: one, V: one, Params: wrap})
	assert.ErrorIs(t, err, attention.ErrInvalidSize)

	assert.Equal(t, hits, metricValue(poolHits))
	assert.Equal(t, misses, metricValue(poolMisses))
}

func TestBufferPoolZeroesReusedBuffers(t *testing.T) {
	backend := NewCPUBackend()
	buf := backend.GetBuffer(16)
	require.Len(t, buf, 16)
	for i := range buf {
		buf[i] = 42
	}
	backend.PutBuffer(buf)

	again := backend.GetBuffer(12)
	require.Len(t, again, 12)
	for _, x := range again {
		assert.Zero(t, x)
	}
	backend.PutBuffer(nil)
}

func TestBufferPoolSizeClasses(t *testing.T) {
	tests := []struct {
		n, class int
	}{
		{0, 0}, {1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {1000, 10}, {1024, 10}, {1025, 11},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.class, sizeClass(tt.n), "n=%d", tt.n)
	}

	backend := NewCPUBackend()
	small := backend.GetBuffer(5)
	assert.Len(t, small, 5)
	assert.Equal(t, 8, cap(small))

	// A large request must not consume the pooled small buffer.
	backend.PutBuffer(small)
	large := backend.GetBuffer(1000)
	assert.Len(t, large, 1000)
	assert.GreaterOrEqual(t, cap(large), 1024)

	// Odd capacities are filed under the class they fully cover.
	backend.PutBuffer(make([]float32, 6))
	got := backend.GetBuffer(4)
	assert.Len(t, got, 4)
	assert.GreaterOrEqual(t, cap(got), 4)
}

func TestObserveCountsFaults(t *testing.T) {
	backend := NewCPUBackend()
	before := metricValue(kernelFaults.WithLabelValues("gemm"))

	_, span := noop.NewTracerProvider().Tracer("test").Start(context.Background(), "fault")
	fault := &grid.FaultError{Block: grid.Dim3{X: 1}, Value: "index out of range"}
	backend.observe(span, "gemm", "naive", time.Now(), 1, fault)
	backend.observe(span, "gemm", "naive", time.Now(), 1, errors.New("not a fault"))

	assert.Equal(t, before+1, metricValue(kernelFaults.WithLabelValues("gemm")))
}

func TestFlops(t *testing.T) {
	assert.Equal(t, float64(2*4*5*6), GemmFlops(4, 5, 6))
	p := attention.Params{B: 1, H: 1, N: 4, D: 2}
	assert.Equal(t, float64(4*16*2), AttentionFlops(p))
	p.Causal = true
	assert.Equal(t, float64(2*16*2), AttentionFlops(p))
}

func TestFeaturesAreNamed(t *testing.T) {
	for _, f := range Features() {
		assert.NotEmpty(t, f)
	}
}
