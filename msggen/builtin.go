// msggen/builtin.go

package msggen

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"unicode/utf8"

	"github.com/illmade-knight/go-topicfuzz/entropy"
)

// Int32 values are drawn from this closed range.
const (
	Int32Min = -1000
	Int32Max = 1000
)

// NewDefaultRegistry returns a registry holding every built-in generator.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterFunc(TypeString, GenerateString)
	r.RegisterFunc(TypeInt32, GenerateInt32)
	r.RegisterFunc(TypeBool, GenerateBool)
	r.RegisterFunc(TypeUInt8, GenerateUInt8)
	r.RegisterFunc(TypeFloat64, GenerateFloat64)
	r.RegisterFunc(TypeColorRGBA, GenerateColorRGBA)
	r.RegisterFunc(TypePoint, GeneratePoint)
	r.RegisterFunc(TypeRgb, GenerateRgb)
	return r
}

// GenerateString consumes every remaining byte as UTF-8 text.
func GenerateString(src *entropy.Source) (Message, error) {
	raw := src.TakeRest()
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: %d bytes are not valid UTF-8", ErrGenerationMalformed, len(raw))
	}
	return String{Data: string(raw)}, nil
}

// GenerateInt32 draws an integer in [Int32Min, Int32Max] from two big-endian bytes.
func GenerateInt32(src *entropy.Source) (Message, error) {
	v, err := intInRange(src, Int32Min, Int32Max)
	if err != nil {
		return nil, err
	}
	return Int32{Data: int32(v)}, nil
}

// GenerateBool uses the low bit of one byte.
func GenerateBool(src *entropy.Source) (Message, error) {
	b, err := src.Take(1)
	if err != nil {
		return nil, err
	}
	return Bool{Data: b[0]&1 == 1}, nil
}

// GenerateUInt8 takes one raw byte.
func GenerateUInt8(src *entropy.Source) (Message, error) {
	b, err := src.Take(1)
	if err != nil {
		return nil, err
	}
	return UInt8{Data: b[0]}, nil
}

// GenerateFloat64 reads eight bytes as IEEE-754 bits. NaN and infinities are malformed.
func GenerateFloat64(src *entropy.Source) (Message, error) {
	f, err := finiteFloat64(src)
	if err != nil {
		return nil, err
	}
	return Float64{Data: f}, nil
}

// GenerateColorRGBA scales four bytes into [0, 1] channels.
func GenerateColorRGBA(src *entropy.Source) (Message, error) {
	b, err := src.Take(4)
	if err != nil {
		return nil, err
	}
	return ColorRGBA{
		R: float32(b[0]) / 255,
		G: float32(b[1]) / 255,
		B: float32(b[2]) / 255,
		A: float32(b[3]) / 255,
	}, nil
}

// GeneratePoint decodes three Float64 coordinates.
func GeneratePoint(src *entropy.Source) (Message, error) {
	var xyz [3]float64
	for i := range xyz {
		f, err := finiteFloat64(src)
		if err != nil {
			return nil, err
		}
		xyz[i] = f
	}
	return Point{X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
}

// GenerateRgb takes three raw bytes as the r, g and b channels.
func GenerateRgb(src *entropy.Source) (Message, error) {
	b, err := src.Take(3)
	if err != nil {
		return nil, err
	}
	return Rgb{R: b[0], G: b[1], B: b[2]}, nil
}

// intInRange reads just enough big-endian bytes to cover the span of [lo, hi]
// and reduces the result into the range.
func intInRange(src *entropy.Source, lo, hi int64) (int64, error) {
	if lo > hi {
		return 0, fmt.Errorf("%w: empty range [%d, %d]", ErrGenerationMalformed, lo, hi)
	}
	span := uint64(hi - lo)
	if span == 0 {
		return lo, nil
	}
	n := (bits.Len64(span) + 7) / 8
	b, err := src.Take(n)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	if span < math.MaxUint64 {
		v %= span + 1
	}
	return lo + int64(v), nil
}

func finiteFloat64(src *entropy.Source) (float64, error) {
	b, err := src.Take(8)
	if err != nil {
		return 0, err
	}
	f := math.Float64frombits(binary.BigEndian.Uint64(b))
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: non-finite float %v", ErrGenerationMalformed, f)
	}
	return f, nil
}
