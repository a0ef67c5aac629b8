// Package grid emulates an accelerator launch on the Go scheduler: a grid of
// blocks, each executed by a team of workers sharing scratch memory.
package grid

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrLaunchFault is reported after a launch when any block faulted.
	ErrLaunchFault = errors.New("grid: launch fault")
	// ErrInvalidLaunch is returned when the launch geometry is unusable.
	ErrInvalidLaunch = errors.New("grid: invalid launch configuration")
)

// Dim3 is a grid or block coordinate. Zero or negative extents count as 1.
type Dim3 struct {
	X, Y, Z int
}

func (d Dim3) normalize() Dim3 {
	return Dim3{X: max(d.X, 1), Y: max(d.Y, 1), Z: max(d.Z, 1)}
}

// Size returns the number of coordinates covered by d.
func (d Dim3) Size() int {
	n := d.normalize()
	return n.X * n.Y * n.Z
}

// at maps a flat block number to its coordinate, X fastest.
func (d Dim3) at(i int) Dim3 {
	return Dim3{
		X: i % d.X,
		Y: (i / d.X) % d.Y,
		Z: i / (d.X * d.Y),
	}
}

func (d Dim3) String() string {
	return fmt.Sprintf("(%d,%d,%d)", d.X, d.Y, d.Z)
}

// CeilDiv returns ceil(a/b) for positive b.
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}

// GridFor returns the grid covering a rows x cols output with blockRows x
// blockCols tiles. Tile columns map to X and tile rows to Y.
func GridFor(rows, cols, blockRows, blockCols int) Dim3 {
	return Dim3{X: CeilDiv(cols, blockCols), Y: CeilDiv(rows, blockRows), Z: 1}
}

// Kernel is the body of one block. It must drive every cooperative phase
// through team.Step so that all team workers observe the same barriers.
type Kernel func(block Dim3, team Team)

// LaunchConfig describes the geometry and execution of one launch.
type LaunchConfig struct {
	Grid     Dim3
	TeamSize int
	Mode     Mode
	// Workers bounds how many blocks run at once. Defaults to GOMAXPROCS.
	Workers int
}

// FaultError describes a block that panicked while running.
type FaultError struct {
	Block Dim3
	Value any
	Stack []byte
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("grid: launch fault in block %s: %v", e.Block, e.Value)
}

func (e *FaultError) Unwrap() error { return ErrLaunchFault }

// Launch runs kernel once for every block of cfg.Grid and returns after all of
// them have finished. A launched grid always runs to completion; ctx is only
// checked before the first block is scheduled.
func Launch(ctx context.Context, cfg LaunchConfig, kernel Kernel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cfg.TeamSize <= 0 {
		return fmt.Errorf("%w: team size %d", ErrInvalidLaunch, cfg.TeamSize)
	}

	dims := cfg.Grid.normalize()
	total := dims.Size()
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, total)

	log.Debug().
		Str("grid", dims.String()).
		Int("team", cfg.TeamSize).
		Str("mode", cfg.Mode.String()).
		Int("workers", workers).
		Msg("launch")

	var g errgroup.Group
	g.SetLimit(workers)
	for i := 0; i < total; i++ {
		block := dims.at(i)
		g.Go(func() error {
			return runBlock(cfg, block, kernel)
		})
	}
	return g.Wait()
}

func runBlock(cfg LaunchConfig, block Dim3, kernel Kernel) (err error) {
	var team Team
	switch cfg.Mode {
	case ModeCooperative:
		ct := newCooperativeTeam(cfg.TeamSize)
		defer ct.close()
		team = ct
	default:
		team = sequentialTeam(cfg.TeamSize)
	}

	defer func() {
		if r := recover(); r != nil {
			err = &FaultError{Block: block, Value: r, Stack: debug.Stack()}
		}
	}()
	kernel(block, team)
	return nil
}
