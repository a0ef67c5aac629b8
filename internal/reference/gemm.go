// Package reference holds the validation oracles the kernels are checked against.
package reference

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-kernels/internal/gemm"
)

func general(m gemm.Matrix) blas32.General {
	return blas32.General{Rows: m.Rows, Cols: m.Cols, Stride: m.Cols, Data: m.Data}
}

func trans(o gemm.Operand) blas.Transpose {
	if o.Transposed {
		return blas.Trans
	}
	return blas.NoTrans
}

// Gemm computes C = alpha*op(A)*op(B) + beta*C through the registered BLAS
// implementation (pure Go gonum unless built with the netlib tag).
func Gemm(m, n, k int, alpha float32, a, b gemm.Operand, beta float32, c gemm.Matrix) error {
	if err := gemm.Validate(m, n, k, a, b, c); err != nil {
		return err
	}
	blas32.Gemm(trans(a), trans(b), alpha, general(a.Matrix), general(b.Matrix), beta, general(c))
	return nil
}

// TripleLoop is the literal i, j, p loop with float64 accumulation. It is slow
// and exists for small correctness checks.
func TripleLoop(m, n, k int, alpha float32, a, b gemm.Operand, beta float32, c gemm.Matrix) error {
	if err := gemm.Validate(m, n, k, a, b, c); err != nil {
		return err
	}
	at := func(o gemm.Operand, r, col int) float64 {
		if o.Transposed {
			return float64(o.Data[col*o.Cols+r])
		}
		return float64(o.Data[r*o.Cols+col])
	}
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float64
			for p := 0; p < k; p++ {
				sum += at(a, i, p) * at(b, p, j)
			}
			v := float64(alpha) * sum
			if beta != 0 {
				v += float64(beta) * float64(c.Data[i*n+j])
			}
			c.Data[i*n+j] = float32(v)
		}
	}
	return nil
}
