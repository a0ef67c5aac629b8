package device

import (
	"context"

	"github.com/23skdu/longbow-kernels/internal/attention"
	"github.com/23skdu/longbow-kernels/internal/dtype"
	"github.com/23skdu/longbow-kernels/internal/gemm"
)

// GemmCall is one C = alpha*op(A)*op(B) + beta*C request.
type GemmCall struct {
	M, N, K int
	Alpha   float32
	A, B    gemm.Operand
	Beta    float32
	C       gemm.Matrix
}

// MatMulCall is one D = alpha*A*B + beta*C request; C is left untouched.
type MatMulCall struct {
	M, N, K int
	Alpha   float32
	A, B    gemm.Matrix
	Beta    float32
	C, D    gemm.Matrix
}

// AttentionCall is one FlashAttention forward request.
type AttentionCall struct {
	Q, K, V dtype.Buffer
	Params  attention.Params
}

// Backend runs kernels and manages scratch memory.
type Backend interface {
	Name() string

	// Gemm runs the given variant. Reference runs the BLAS oracle.
	Gemm(ctx context.Context, v gemm.Variant, call GemmCall) error

	// MatMul runs the given variant in the D = alpha*A*B + beta*C form.
	MatMul(ctx context.Context, v gemm.Variant, call MatMulCall) error

	// FlashAttention runs the streaming-softmax forward pass. The result
	// buffers come from GetBuffer; hand them back with PutBuffer when done.
	FlashAttention(ctx context.Context, call AttentionCall) (attention.Result, error)

	// GetBuffer gets a zeroed buffer from the pool or allocates a new one.
	GetBuffer(n int) []float32

	// PutBuffer returns a buffer to the pool.
	PutBuffer(buf []float32)

	// Synchronize blocks until all queued work is complete.
	Synchronize()
}

// GemmFlops is the floating point work of an m x n x k GEMM.
func GemmFlops(m, n, k int) float64 {
	return 2 * float64(m) * float64(n) * float64(k)
}

// AttentionFlops counts the two N x N x D products of every (batch, head).
// Causal masking halves the useful work.
func AttentionFlops(p attention.Params) float64 {
	f := 4 * float64(p.B) * float64(p.H) * float64(p.N) * float64(p.N) * float64(p.D)
	if p.Causal {
		f /= 2
	}
	return f
}
