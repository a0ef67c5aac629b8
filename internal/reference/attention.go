package reference

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Attention materialises the full score matrix per (batch, head) in float64
// and returns O and the row log-sum-exp. Inputs are [B, H, N, D] row-major.
func Attention(q, k, v []float32, b, h, n, d int, causal bool) (o, lse []float32) {
	o = make([]float32, b*h*n*d)
	lse = make([]float32, b*h*n)
	scale := 1 / math.Sqrt(float64(d))

	for bh := 0; bh < b*h; bh++ {
		off := bh * n * d
		qm := mat.NewDense(n, d, widen(q[off:off+n*d]))
		km := mat.NewDense(n, d, widen(k[off:off+n*d]))
		vm := mat.NewDense(n, d, widen(v[off:off+n*d]))

		var s mat.Dense
		s.Mul(qm, km.T())
		s.Scale(scale, &s)

		for i := 0; i < n; i++ {
			row := s.RawRowView(i)
			limit := n
			if causal {
				limit = i + 1
			}
			m := math.Inf(-1)
			for j := 0; j < limit; j++ {
				m = math.Max(m, row[j])
			}
			var sum float64
			for j := range row {
				if j >= limit {
					row[j] = 0
					continue
				}
				row[j] = math.Exp(row[j] - m)
				sum += row[j]
			}
			for j := 0; j < limit; j++ {
				row[j] /= sum
			}
			lse[bh*n+i] = float32(m + math.Log(sum))
		}

		var out mat.Dense
		out.Mul(&s, vm)
		for i := 0; i < n; i++ {
			for j, x := range out.RawRowView(i) {
				o[off+i*d+j] = float32(x)
			}
		}
	}
	return o, lse
}

// NaiveAttention is the single-precision two-pass version: a full score row
// per query, a max pass, then normalised weights applied to V. It returns O only.
func NaiveAttention(q, k, v []float32, b, h, n, d int, causal bool) []float32 {
	o := make([]float32, b*h*n*d)
	scale := float32(1 / math.Sqrt(float64(d)))
	scores := make([]float32, n)
	probs := make([]float32, n)
	negInf := float32(math.Inf(-1))

	for bh := 0; bh < b*h; bh++ {
		base := bh * n * d
		for i := 0; i < n; i++ {
			qi := q[base+i*d : base+(i+1)*d]
			m := negInf
			for j := 0; j < n; j++ {
				s := negInf
				if !causal || j <= i {
					kj := k[base+j*d : base+(j+1)*d]
					s = 0
					for x := range qi {
						s += qi[x] * kj[x]
					}
					s *= scale
				}
				scores[j] = s
				m = max(m, s)
			}

			var l float32
			for j, s := range scores {
				if math.IsInf(float64(s), -1) {
					probs[j] = 0
					continue
				}
				probs[j] = float32(math.Exp(float64(s - m)))
				l += probs[j]
			}

			out := o[base+i*d : base+(i+1)*d]
			for j, p := range probs {
				w := p / l
				if w == 0 {
					continue
				}
				vj := v[base+j*d : base+(j+1)*d]
				for x := range out {
					out[x] += w * vj[x]
				}
			}
		}
	}
	return o
}

func widen(src []float32) []float64 {
	dst := make([]float64, len(src))
	for i, x := range src {
		dst[i] = float64(x)
	}
	return dst
}
