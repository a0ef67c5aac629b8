// Package baseline is the plain CPU integer matmul the kernels are compared
// against: one loop nest, optionally split by rows across goroutines.
package baseline

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

var ErrInvalidArgs = errors.New("baseline: invalid arguments")

// DefaultThreads is the thread sweep used by the baseline benchmark.
var DefaultThreads = []int{1, 4, 16, 32, 64, 128}

func check(a, b, c []int32, m, k, n int) error {
	if m <= 0 || k <= 0 || n <= 0 {
		return fmt.Errorf("%w: m=%d k=%d n=%d", ErrInvalidArgs, m, k, n)
	}
	if len(a) < m*k || len(b) < k*n || len(c) < m*n {
		return fmt.Errorf("%w: buffers %d/%d/%d too small for %dx%dx%d", ErrInvalidArgs, len(a), len(b), len(c), m, k, n)
	}
	return nil
}

// MatMul computes C = A*B for row-major int32 matrices (A is m x k, B is k x n)
// on the calling goroutine. Overflow wraps.
func MatMul(a, b, c []int32, m, k, n int) error {
	if err := check(a, b, c, m, k, n); err != nil {
		return err
	}
	rows(a, b, c, k, n, 0, m)
	return nil
}

// MatMulParallel splits the rows of C into threads contiguous bands of m/threads
// rows; the last band also takes the remainder.
func MatMulParallel(a, b, c []int32, m, k, n, threads int) error {
	if err := check(a, b, c, m, k, n); err != nil {
		return err
	}
	if threads <= 0 {
		return fmt.Errorf("%w: threads=%d", ErrInvalidArgs, threads)
	}

	band := m / threads
	var wg sync.WaitGroup
	for t := 0; t < threads; t++ {
		start, end := t*band, (t+1)*band
		if t == threads-1 {
			end = m
		}
		if start == end {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows(a, b, c, k, n, start, end)
		}()
	}
	wg.Wait()
	return nil
}

func rows(a, b, c []int32, k, n, start, end int) {
	for i := start; i < end; i++ {
		for j := 0; j < n; j++ {
			var sum int32
			for p := 0; p < k; p++ {
				sum += a[i*k+p] * b[p*n+j]
			}
			c[i*n+j] = sum
		}
	}
}

// Random returns size values in [0, 10) from a seeded source.
func Random(size int, seed int64) []int32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]int32, size)
	for i := range out {
		out[i] = int32(rng.Intn(10))
	}
	return out
}
