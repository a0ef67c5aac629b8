package gemm

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-kernels/internal/cache"
)

// Shape identifies a GEMM problem for tuning purposes.
type Shape struct {
	M, N, K        int
	TransA, TransB bool
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d ta=%t tb=%t", s.M, s.N, s.K, s.TransA, s.TransB)
}

// Tuned is the winning variant for a shape and the time it took.
type Tuned struct {
	Variant Variant
	Elapsed time.Duration
}

// Autotuner times each candidate variant once per shape and remembers the
// fastest.
type Autotuner struct {
	engine     Engine
	candidates []Variant
	cache      *cache.MapCache[Shape, Tuned]
}

// NewAutotuner returns a tuner over candidates, or over the staged variants
// when none are given.
func NewAutotuner(engine Engine, candidates ...Variant) *Autotuner {
	if len(candidates) == 0 {
		candidates = []Variant{SharedTiled, RegisterTiled1D, RegisterTiled2D, Vectorized}
	}
	return &Autotuner{
		engine:     engine,
		candidates: candidates,
		cache:      cache.NewMapCache[Shape, Tuned](),
	}
}

// Select returns the tuned variant for s, timing the candidates on a miss.
func (t *Autotuner) Select(ctx context.Context, s Shape) (Tuned, error) {
	return t.cache.GetOrCompute(s, func() (Tuned, error) {
		return t.tune(ctx, s)
	})
}

// Cached reports how many shapes have been tuned.
func (t *Autotuner) Cached() int { return t.cache.Size() }

func (t *Autotuner) tune(ctx context.Context, s Shape) (Tuned, error) {
	if s.M <= 0 || s.N <= 0 || s.K <= 0 {
		return Tuned{}, fmt.Errorf("%w: tuning %s", ErrInvalidSize, s)
	}
	a := operand(s.M, s.K, s.TransA, 1)
	b := operand(s.K, s.N, s.TransB, 2)
	c := NewMatrix(s.M, s.N)

	best := Tuned{Elapsed: time.Duration(math.MaxInt64)}
	for _, v := range t.candidates {
		cfg, err := v.Config()
		if err != nil {
			return Tuned{}, err
		}
		start := time.Now()
		if err := t.engine.Gemm(ctx, cfg, s.M, s.N, s.K, 1, a, b, 0, c); err != nil {
			return Tuned{}, fmt.Errorf("tuning %s with %s: %w", s, v, err)
		}
		elapsed := time.Since(start)
		log.Debug().Str("shape", s.String()).Str("variant", v.String()).Dur("elapsed", elapsed).Msg("autotune candidate")
		if elapsed < best.Elapsed {
			best = Tuned{Variant: v, Elapsed: elapsed}
		}
	}

	log.Info().Str("shape", s.String()).Str("variant", best.Variant.String()).Dur("elapsed", best.Elapsed).Msg("autotune selected")
	return best, nil
}

// operand builds a random logical rows x cols operand, stored transposed when
// asked.
func operand(rows, cols int, transposed bool, seed int64) Operand {
	if transposed {
		m := NewMatrix(cols, rows)
		m.FillRandom(seed)
		return T(m)
	}
	m := NewMatrix(rows, cols)
	m.FillRandom(seed)
	return N(m)
}
