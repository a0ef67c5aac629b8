// Package dtype defines the element formats accepted by the attention kernel.
// Every format is widened to float32 on load; arithmetic is always float32.
package dtype

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// ErrUnsupportedDType is returned for a dtype tag outside the known set.
var ErrUnsupportedDType = errors.New("dtype: unsupported dtype")

// DType is the integer discriminator used on the wire and the CLI.
type DType int

const (
	Float32  DType = 0
	Float16  DType = 1
	BFloat16 DType = 2
)

// Parse maps an integer discriminator to a DType.
func Parse(v int) (DType, error) {
	d := DType(v)
	if !d.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedDType, v)
	}
	return d, nil
}

// ParseName accepts the common spellings ("f32", "fp16", "bf16", ...) as well
// as the numeric tags.
func ParseName(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "f32", "fp32", "float32":
		return Float32, nil
	case "1", "f16", "fp16", "float16", "half":
		return Float16, nil
	case "2", "bf16", "bfloat16":
		return BFloat16, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
}

func (d DType) Valid() bool {
	return d >= Float32 && d <= BFloat16
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	case BFloat16:
		return "bf16"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// Size is the storage size of one element in bytes.
func (d DType) Size() int {
	if d == Float32 {
		return 4
	}
	return 2
}

// Buffer is a flat tensor in one of the supported formats. Float32 data lives
// in F32; the 16-bit formats keep their raw bit patterns in Bits.
type Buffer struct {
	DType DType
	F32   []float32
	Bits  []uint16
}

// FromFloat32 encodes src into a buffer of the given dtype, rounding to
// nearest-even for the 16-bit formats.
func FromFloat32(d DType, src []float32) (Buffer, error) {
	switch d {
	case Float32:
		dst := make([]float32, len(src))
		copy(dst, src)
		return Buffer{DType: d, F32: dst}, nil
	case Float16:
		bits := make([]uint16, len(src))
		for i, v := range src {
			bits[i] = float16.Fromfloat32(v).Bits()
		}
		return Buffer{DType: d, Bits: bits}, nil
	case BFloat16:
		bits := make([]uint16, len(src))
		for i, v := range src {
			bits[i] = BF16Bits(v)
		}
		return Buffer{DType: d, Bits: bits}, nil
	}
	return Buffer{}, fmt.Errorf("%w: %d", ErrUnsupportedDType, int(d))
}

// Len returns the element count.
func (b Buffer) Len() int {
	if b.DType == Float32 {
		return len(b.F32)
	}
	return len(b.Bits)
}

// Validate checks the tag and that the payload sits in the field that matches it.
func (b Buffer) Validate() error {
	switch b.DType {
	case Float32:
		if b.Bits != nil {
			return fmt.Errorf("%w: f32 buffer carries 16-bit payload", ErrUnsupportedDType)
		}
	case Float16, BFloat16:
		if b.F32 != nil {
			return fmt.Errorf("%w: %s buffer carries f32 payload", ErrUnsupportedDType, b.DType)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedDType, int(b.DType))
	}
	return nil
}

// At widens element i to float32.
func (b Buffer) At(i int) float32 {
	switch b.DType {
	case Float16:
		return float16.Frombits(b.Bits[i]).Float32()
	case BFloat16:
		return BF16ToFloat32(b.Bits[i])
	default:
		return b.F32[i]
	}
}

// Widen copies len(dst) elements starting at off into dst as float32.
func (b Buffer) Widen(dst []float32, off int) {
	switch b.DType {
	case Float16:
		for i, u := range b.Bits[off : off+len(dst)] {
			dst[i] = float16.Frombits(u).Float32()
		}
	case BFloat16:
		for i, u := range b.Bits[off : off+len(dst)] {
			dst[i] = BF16ToFloat32(u)
		}
	default:
		copy(dst, b.F32[off:off+len(dst)])
	}
}

// Float32s returns the whole buffer widened to float32.
func (b Buffer) Float32s() []float32 {
	out := make([]float32, b.Len())
	b.Widen(out, 0)
	return out
}

// BF16ToFloat32 widens a bfloat16 bit pattern. bfloat16 is the high half of
// an IEEE binary32, so widening is exact.
func BF16ToFloat32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// BF16Bits rounds f to bfloat16 (nearest-even). NaN stays a quiet NaN.
func BF16Bits(f float32) uint16 {
	u := math.Float32bits(f)
	if u&0x7fffffff > 0x7f800000 {
		return uint16(u>>16) | 0x0040
	}
	rnd := uint32(0x7fff + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}
