package grid

import (
	"fmt"
	"strings"
	"sync"
)

// Mode selects how the workers of a team are realised.
type Mode int

const (
	// ModeSequential runs the whole team on the block's goroutine, one worker
	// after another per phase.
	ModeSequential Mode = iota
	// ModeCooperative runs one goroutine per worker, synchronised by a Barrier.
	ModeCooperative
)

func (m Mode) String() string {
	switch m {
	case ModeSequential:
		return "sequential"
	case ModeCooperative:
		return "cooperative"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "sequential" or "cooperative".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sequential", "seq":
		return ModeSequential, nil
	case "cooperative", "coop":
		return ModeCooperative, nil
	default:
		return 0, fmt.Errorf("%w: unknown team mode %q", ErrInvalidLaunch, s)
	}
}

// Team is a group of workers that share a block's scratch memory.
//
// Step runs fn once for every worker id in [0, Size()) and returns only after
// all of them are done, so consecutive Steps are separated by a full barrier.
// Writes made to scratch in one Step are visible to every worker in the next.
type Team interface {
	Size() int
	Step(fn func(tid int))
}

type sequentialTeam int

func (t sequentialTeam) Size() int { return int(t) }

func (t sequentialTeam) Step(fn func(tid int)) {
	for tid := 0; tid < int(t); tid++ {
		fn(tid)
	}
}

// cooperativeTeam keeps Size worker goroutines parked on a barrier shared
// with the block coordinator. Each Step crosses the barrier twice: once to
// release the workers into fn and once to wait for all of them to finish.
type cooperativeTeam struct {
	size int
	bar  *Barrier
	fn   func(tid int)

	mu    sync.Mutex
	fault any
}

func newCooperativeTeam(size int) *cooperativeTeam {
	t := &cooperativeTeam{size: size, bar: NewBarrier(size + 1)}
	for tid := 0; tid < size; tid++ {
		go t.worker(tid)
	}
	return t
}

func (t *cooperativeTeam) Size() int { return t.size }

func (t *cooperativeTeam) worker(tid int) {
	for {
		t.bar.Wait()
		fn := t.fn
		if fn == nil {
			return
		}
		t.run(fn, tid)
		t.bar.Wait()
	}
}

// run executes one phase for one worker. A panicking worker still reaches the
// completion barrier; the fault is re-raised on the coordinator.
func (t *cooperativeTeam) run(fn func(int), tid int) {
	defer func() {
		if r := recover(); r != nil {
			t.mu.Lock()
			if t.fault == nil {
				t.fault = fmt.Errorf("worker %d: %v", tid, r)
			}
			t.mu.Unlock()
		}
	}()
	fn(tid)
}

func (t *cooperativeTeam) Step(fn func(tid int)) {
	t.fn = fn
	t.bar.Wait()
	t.bar.Wait()

	t.mu.Lock()
	fault := t.fault
	t.fault = nil
	t.mu.Unlock()
	if fault != nil {
		panic(fault)
	}
}

func (t *cooperativeTeam) close() {
	t.fn = nil
	t.bar.Wait()
}
