package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-kernels/internal/bench"
)

func baselineCmd() *cli.Command {
	var (
		m, k, n int
		threads string
	)

	return &cli.Command{
		Name:  "baseline",
		Usage: "Benchmark the int32 CPU matmul, single and multi-threaded",
		Flags: append([]cli.Flag{
			&cli.IntFlag{Name: "m", Value: 512, Destination: &m},
			&cli.IntFlag{Name: "k", Value: 512, Destination: &k},
			&cli.IntFlag{Name: "n", Value: 512, Destination: &n},
			&cli.StringFlag{Name: "threads", Usage: "comma separated thread counts", Value: "1,4,16,32,64,128", Destination: &threads},
		}, runFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyRunConfig(cmd, fileConfig)

			counts, err := parseThreads(threads)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			backend, _, err := newBackend()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			r := bench.NewRunner(backend, bench.Options{Warmup: warmup, Iters: iters, Check: check, Seed: seed})

			log.Info().Str("run_id", r.RunID).Ints("threads", counts).Msg("starting baseline")
			results, err := r.Baseline(ctx, bench.BaselineSpec{M: m, K: k, N: n, Threads: counts})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: baseline: %v", err), 1)
			}
			return emit(os.Stdout, r, results)
		},
	}
}

func parseThreads(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.Atoi(f)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid thread count %q", f)
		}
		out = append(out, v)
	}
	return out, nil
}
