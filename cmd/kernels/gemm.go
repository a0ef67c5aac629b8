package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-kernels/internal/bench"
	"github.com/23skdu/longbow-kernels/internal/gemm"
)

// gemmCmd builds the gemm command, or the matmul command for the
// D = alpha*A*B + beta*C form.
func gemmCmd(matmul bool) *cli.Command {
	var (
		m, n, k        int
		algo           string
		alpha, beta    float64
		transA, transB bool
	)

	name, usage := "gemm", "Benchmark C = alpha*op(A)*op(B) + beta*C"
	if matmul {
		name, usage = "matmul", "Benchmark D = alpha*A*B + beta*C"
	}

	flags := []cli.Flag{
		&cli.IntFlag{Name: "m", Usage: "rows of C", Value: 1024, Destination: &m},
		&cli.IntFlag{Name: "n", Usage: "columns of C", Value: 1024, Destination: &n},
		&cli.IntFlag{Name: "k", Usage: "inner dimension", Value: 1024, Destination: &k},
		&cli.StringFlag{
			Name:        "algo",
			Usage:       "variant by number or name, all, or auto (" + variantList() + ")",
			Value:       "all",
			Destination: &algo,
		},
		&cli.FloatFlag{Name: "alpha", Value: 1, Destination: &alpha},
		&cli.FloatFlag{Name: "beta", Value: 0, Destination: &beta},
	}
	if !matmul {
		flags = append(flags,
			&cli.BoolFlag{Name: "transpose-a", Usage: "A is stored K x M", Destination: &transA},
			&cli.BoolFlag{Name: "transpose-b", Usage: "B is stored N x K", Destination: &transB},
		)
	}

	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: append(flags, runFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyRunConfig(cmd, fileConfig)

			backend, mode, err := newBackend()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			r := bench.NewRunner(backend, bench.Options{Warmup: warmup, Iters: iters, Check: check, Seed: seed})
			spec := bench.GemmSpec{
				M: m, N: n, K: k,
				Alpha: float32(alpha), Beta: float32(beta),
				TransA: transA, TransB: transB,
				MatMul: matmul,
			}

			var variants []gemm.Variant
			switch algo {
			case "all":
				variants = append([]gemm.Variant{gemm.Reference}, gemm.Kernels()...)
			case "auto":
				tuner := gemm.NewAutotuner(gemm.Engine{Workers: workers, Mode: mode})
				tuned, err := tuner.Select(ctx, gemm.Shape{M: m, N: n, K: k, TransA: transA, TransB: transB})
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: autotune: %v", err), 1)
				}
				log.Info().Str("variant", tuned.Variant.String()).Dur("elapsed", tuned.Elapsed).Msg("autotuned")
				variants = []gemm.Variant{tuned.Variant}
			default:
				v, err := gemm.ParseVariant(algo)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				variants = []gemm.Variant{v}
			}

			log.Info().Str("run_id", r.RunID).Str("kernel", name).Int("m", m).Int("n", n).Int("k", k).Int("variants", len(variants)).Msg("starting")
			results, err := r.Sweep(ctx, spec, variants)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %s: %v", name, err), 1)
			}
			return emit(os.Stdout, r, results)
		},
	}
}

func variantList() string {
	vs := append([]gemm.Variant{gemm.Reference}, gemm.Kernels()...)
	names := make([]string, len(vs))
	for i, v := range vs {
		names[i] = fmt.Sprintf("%d=%s", int(v), v)
	}
	return strings.Join(names, ", ")
}
