package gemm

// stage copies the BM x BK tile of op(A) and the BK x BN tile of op(B) that
// start at reduction index k0 into team scratch. Thread tid moves the groups
// of VectorWidth elements starting at tid*V, tid*V + T*V, ... of each tile.
// Coordinates outside the operands are written as zero so the compute step
// never needs a bounds check.
func (l *launch) stage(as, bs []float32, tid, threads, rowBase, colBase, k0 int) {
	cfg := l.cfg
	v := cfg.VectorWidth
	stride := threads * v

	var run [4]float32
	for e := tid * v; e < cfg.BM*cfg.BK; e += stride {
		r, c := e/cfg.BK, e%cfg.BK
		vals := run[:v]
		l.a.loadRun(vals, rowBase+r, k0+c)
		if cfg.KMajorA {
			for i, x := range vals {
				as[(c+i)*cfg.BM+r] = x
			}
			continue
		}
		copy(as[e:e+v], vals)
	}

	for e := tid * v; e < cfg.BK*cfg.BN; e += stride {
		r, c := e/cfg.BN, e%cfg.BN
		l.b.loadRun(bs[e:e+v], k0+r, colBase+c)
	}
}
