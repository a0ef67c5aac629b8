package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-kernels/internal/bench"
	"github.com/23skdu/longbow-kernels/internal/device"
	"github.com/23skdu/longbow-kernels/internal/reference"
)

// emit writes the report to out in the selected format and, with --arrow-out,
// to an Arrow IPC file. A validation failure exits with status 2.
func emit(out io.Writer, r *bench.Runner, results []bench.Result) error {
	rep := bench.Report{
		Header: bench.Header{
			RunID:    r.RunID,
			Backend:  r.Backend.Name(),
			BLAS:     reference.Backend,
			Mode:     modeName,
			Workers:  workers,
			Features: device.Features(),
		},
		Results: results,
	}

	var err error
	switch format {
	case "text", "":
		err = bench.WriteText(out, rep)
	case "json":
		err = bench.WriteJSON(out, rep)
	default:
		return cli.Exit(fmt.Sprintf("error: unknown --format %q (text, json)", format), 1)
	}
	if err != nil {
		return err
	}

	if arrowOut != "" {
		if err := writeArrowFile(arrowOut, results); err != nil {
			return err
		}
		log.Info().Str("path", arrowOut).Int("rows", len(results)).Msg("wrote arrow results")
	}

	if rep.Failed() {
		return cli.Exit("validation failed", 2)
	}
	return nil
}

func writeArrowFile(path string, results []bench.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := bench.WriteArrow(f, results); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
