package main

import "github.com/urfave/cli/v3"

var (
	configFile  string
	logLevel    string
	logFormat   string
	enableOTel  bool
	cpuProfile  string
	metricsAddr string
	workers     int
	modeName    string
	format      string
	arrowOut    string

	warmup int
	iters  int
	seed   int64
	check  bool
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to a YAML file with flag defaults",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (console, json)",
			Value:       "console",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "otel",
			Usage:       "enable OpenTelemetry tracing (stdout)",
			Destination: &enableOTel,
		},
		&cli.StringFlag{
			Name:        "cpuprofile",
			Usage:       "write cpu profile to file",
			Destination: &cpuProfile,
		},
		&cli.StringFlag{
			Name:        "metrics-addr",
			Usage:       "serve /metrics on this address while benchmarking",
			Destination: &metricsAddr,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "blocks run concurrently (0 = GOMAXPROCS)",
			Destination: &workers,
		},
		&cli.StringFlag{
			Name:        "mode",
			Usage:       "team execution mode (sequential, cooperative)",
			Value:       "sequential",
			Destination: &modeName,
		},
		&cli.StringFlag{
			Name:        "format",
			Usage:       "report format (text, json)",
			Value:       "text",
			Destination: &format,
		},
		&cli.StringFlag{
			Name:        "arrow-out",
			Usage:       "also write results as an Arrow IPC stream to this file",
			Destination: &arrowOut,
		},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "warmup",
			Usage:       "untimed launches before timing",
			Value:       1,
			Destination: &warmup,
		},
		&cli.IntFlag{
			Name:        "iters",
			Usage:       "timed launches",
			Value:       3,
			Destination: &iters,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed for the inputs",
			Value:       42,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "check",
			Usage:       "validate against the reference",
			Value:       true,
			Destination: &check,
		},
	}
}
