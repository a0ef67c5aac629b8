package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-kernels/internal/device"
	"github.com/23skdu/longbow-kernels/internal/grid"
)

// teardown runs in reverse order once the command has finished.
var teardown []func()

func main() {
	app := &cli.Command{
		Name:   "kernels",
		Usage:  "Tiled GEMM and FlashAttention kernels on a CPU worker grid",
		Flags:  globalFlags(),
		Before: setup,
		After: func(ctx context.Context, cmd *cli.Command) error {
			for i := len(teardown) - 1; i >= 0; i-- {
				teardown[i]()
			}
			return nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			gemmCmd(false),
			gemmCmd(true),
			attentionCmd(),
			baselineCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("kernels failed")
		os.Exit(1)
	}
}

func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return ctx, err
	}
	fileConfig = cfg
	applyGlobalConfig(cmd, cfg)

	if err := setupLogger(); err != nil {
		return ctx, err
	}

	if enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			return ctx, fmt.Errorf("initializing tracer: %w", err)
		}
		teardown = append(teardown, func() {
			if err := shutdown(context.Background()); err != nil {
				log.Warn().Err(err).Msg("tracer shutdown")
			}
		})
	}

	if cpuProfile != "" {
		f, err := os.Create(cpuProfile)
		if err != nil {
			return ctx, fmt.Errorf("creating cpu profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return ctx, fmt.Errorf("starting cpu profile: %w", err)
		}
		teardown = append(teardown, func() {
			pprof.StopCPUProfile()
			_ = f.Close()
		})
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", metricsAddr).Msg("metrics server failed")
			}
		}()
		log.Info().Str("addr", metricsAddr).Msg("serving metrics")
		teardown = append(teardown, func() { _ = srv.Close() })
	}
	return ctx, nil
}

func setupLogger() error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch logFormat {
	case "console", "":
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()
	case "json":
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Caller().Logger()
	default:
		return fmt.Errorf("invalid --log-format %q (console, json)", logFormat)
	}
	return nil
}

func newBackend() (*device.CPUBackend, grid.Mode, error) {
	mode, err := grid.ParseMode(modeName)
	if err != nil {
		return nil, mode, err
	}
	return device.NewCPUBackend(device.WithWorkers(workers), device.WithMode(mode)), mode, nil
}
