package attention

import (
	"math"

	"github.com/23skdu/longbow-kernels/internal/simd"
)

var negInf = float32(math.Inf(-1))

// RowState is the running softmax state of one query row: the running max M,
// the running denominator L and the unnormalised output Acc.
type RowState struct {
	M   float32
	L   float32
	Acc []float32
}

// NewRowState returns an initialised state for head dimension d.
func NewRowState(d int) RowState {
	return RowState{M: negInf, Acc: make([]float32, d)}
}

// Reset returns the state to M=-Inf, L=0, Acc=0.
func (s *RowState) Reset() {
	s.M = negInf
	s.L = 0
	clear(s.Acc)
}

// Update folds one key/value block into the state. scores[j] is the scaled
// score of key j, or -Inf when the key is masked; values holds len(scores)
// rows of len(Acc) elements.
func (s *RowState) Update(scores, values []float32) {
	d := len(s.Acc)
	mNew := max(s.M, simd.Max(scores))

	var alpha float32
	if isFinite(s.M) {
		alpha = exp32(s.M - mNew)
	}
	s.L *= alpha
	simd.VecScale(s.Acc, alpha)

	for j, sc := range scores {
		if !isFinite(sc) {
			continue
		}
		p := exp32(sc - mNew)
		s.L += p
		simd.VecAddScaled(s.Acc, values[j*d:(j+1)*d], p)
	}
	s.M = mNew
}

// Finalize writes Acc/L to out and returns the log-sum-exp M + log(L). A row
// that never saw an unmasked key yields zeros and -Inf.
func (s *RowState) Finalize(out []float32) float32 {
	if s.L == 0 {
		clear(out)
		return negInf
	}
	inv := 1 / s.L
	for i, a := range s.Acc {
		out[i] = a * inv
	}
	return s.M + float32(math.Log(float64(s.L)))
}

func isFinite(x float32) bool {
	return !math.IsInf(float64(x), 0) && !math.IsNaN(float64(x))
}

func exp32(x float32) float32 {
	return float32(math.Exp(float64(x)))
}
