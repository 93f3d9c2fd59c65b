package tensor

import (
	"encoding/binary"
	"math"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the storage encoding of a tensor.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
	U8
)

func (d DType) String() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	case U8:
		return "U8"
	default:
		return "invalid"
	}
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	case U8:
		return 1
	default:
		return 0
	}
}

// IsFloat reports whether d is one of the floating storage types.
func (d DType) IsFloat() bool {
	return d == F32 || d == F16 || d == BF16
}

// ParseDType accepts the safetensors spelling ("F32", "BF16", ...), case
// insensitive.
func ParseDType(s string) (DType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "F32":
		return F32, true
	case "F16":
		return F16, true
	case "BF16":
		return BF16, true
	case "U8":
		return U8, true
	default:
		return 0, false
	}
}

// RoundValue rounds v to the precision of d. F32 and U8 are identity.
func RoundValue(d DType, v float32) float32 {
	switch d {
	case F16:
		return float16.Fromfloat32(v).Float32()
	case BF16:
		return bfloat16.ToFloat32(bfloat16.FromFloat32(v))
	default:
		return v
	}
}

// Round rounds every element of xs to the precision of d in place.
func Round(d DType, xs []float32) {
	if d != F16 && d != BF16 {
		return
	}
	for i, v := range xs {
		xs[i] = RoundValue(d, v)
	}
}

// Decode converts raw little-endian storage into dst. len(dst) elements are
// decoded. U8 values are widened without scaling.
func Decode(d DType, dst []float32, raw []byte) {
	switch d {
	case F32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case F16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case BF16:
		for i := range dst {
			dst[i] = bf16At(raw, i)
		}
	case U8:
		for i := range dst {
			dst[i] = float32(raw[i])
		}
	default:
		panic("unsupported dtype for decode")
	}
}

// Encode converts src into little-endian storage of type d. U8 values are
// clamped to [0, 255] and truncated.
func Encode(d DType, src []float32) []byte {
	switch d {
	case F32:
		out := make([]byte, len(src)*4)
		for i, v := range src {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out
	case F16:
		out := make([]byte, len(src)*2)
		for i, v := range src {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out
	case BF16:
		return bfloat16.EncodeFloat32(src)
	case U8:
		out := make([]byte, len(src))
		for i, v := range src {
			out[i] = uint8(min(max(v, 0), 255))
		}
		return out
	default:
		panic("unsupported dtype for encode")
	}
}

func f16At(raw []byte, i int) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
}

func bf16At(raw []byte, i int) float32 {
	return math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
}
