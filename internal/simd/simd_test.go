package simd

import (
	"math"
	"testing"
)

func TestVecAdd(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{11, 22, 33, 44, 55}

	VecAdd(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAdd(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecAddScaled(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{6, 12, 18, 24, 30}

	VecAddScaled(dst, src, 0.5)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAddScaled(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecScale(t *testing.T) {
	dst := []float32{2, -4, 8}
	VecScale(dst, 0.25)
	expected := []float32{0.5, -1, 2}
	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecScale(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestDotProduct(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{2, 3, 4, 5, 6}
	// 2 + 6 + 12 + 20 + 30 = 70
	if got := DotProduct(a, b); got != 70 {
		t.Errorf("DotProduct = %f, want 70", got)
	}
}

func TestMax(t *testing.T) {
	if got := Max([]float32{-3, 7, 2}); got != 7 {
		t.Errorf("Max = %f, want 7", got)
	}
	if got := Max(nil); !math.IsInf(float64(got), -1) {
		t.Errorf("Max(nil) = %f, want -Inf", got)
	}
	neg := float32(math.Inf(-1))
	if got := Max([]float32{neg, neg}); !math.IsInf(float64(got), -1) {
		t.Errorf("Max(all -Inf) = %f, want -Inf", got)
	}
}

func TestMaxAbsDiff(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"equal", []float32{1, 2}, []float32{1, 2}, 0},
		{"diff", []float32{1, 2, 3}, []float32{1, 2.5, 2}, 1},
		{"length", []float32{1}, []float32{1, 2}, math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaxAbsDiff(tt.a, tt.b); got != tt.want {
				t.Errorf("MaxAbsDiff = %f, want %f", got, tt.want)
			}
		})
	}

	nan := float32(math.NaN())
	if got := MaxAbsDiff([]float32{nan}, []float32{0}); !math.IsNaN(got) {
		t.Errorf("MaxAbsDiff with NaN = %f, want NaN", got)
	}
}

// Benchmarks

func BenchmarkDotProduct(b *testing.B) {
	size := 128
	v1 := make([]float32, size)
	v2 := make([]float32, size)
	for i := range v1 {
		v1[i] = float32(i)
		v2[i] = float32(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DotProduct(v1, v2)
	}
}

func BenchmarkVecAddScaled(b *testing.B) {
	size := 128
	v1 := make([]float32, size)
	v2 := make([]float32, size)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VecAddScaled(v1, v2, 0.5)
	}
}
