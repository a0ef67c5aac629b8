package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-kernels/internal/attention"
	"github.com/23skdu/longbow-kernels/internal/bench"
	"github.com/23skdu/longbow-kernels/internal/dtype"
)

func attentionCmd() *cli.Command {
	var (
		p         attention.Params
		dtypeName string
	)

	return &cli.Command{
		Name:  "attention",
		Usage: "Benchmark the FlashAttention forward pass",
		Flags: append([]cli.Flag{
			&cli.IntFlag{Name: "batch", Usage: "batch size", Value: 1, Destination: &p.B},
			&cli.IntFlag{Name: "heads", Usage: "attention heads", Value: 8, Destination: &p.H},
			&cli.IntFlag{Name: "seq", Usage: "sequence length", Value: 1024, Destination: &p.N},
			&cli.IntFlag{Name: "dim", Usage: "head dimension", Value: 64, Destination: &p.D},
			&cli.IntFlag{Name: "block-rows", Usage: "query rows per block (0 = 64)", Destination: &p.BlockRows},
			&cli.IntFlag{Name: "block-cols", Usage: "key rows per block (0 = 64)", Destination: &p.BlockCols},
			&cli.BoolFlag{Name: "causal", Usage: "mask keys after the query", Destination: &p.Causal},
			&cli.StringFlag{Name: "dtype", Usage: "input element type (f32, f16, bf16 or 0, 1, 2)", Value: "f32", Destination: &dtypeName},
		}, runFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyRunConfig(cmd, fileConfig)

			dt, err := dtype.ParseName(dtypeName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			backend, _, err := newBackend()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			r := bench.NewRunner(backend, bench.Options{Warmup: warmup, Iters: iters, Check: check, Seed: seed})

			log.Info().Str("run_id", r.RunID).Stringer("params", p).Str("dtype", dt.String()).Msg("starting")
			res, err := r.Attention(ctx, bench.AttentionSpec{Params: p, DType: dt})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: attention: %v", err), 1)
			}
			return emit(os.Stdout, r, []bench.Result{res})
		},
	}
}
