package tensor

import "fmt"

// Tensor is an n-dimensional weight with a storage type and a residency.
// F32 tensors keep Data; narrower types keep Raw.
type Tensor struct {
	Shape  []int
	DType  DType
	Device string
	Data   []float32
	Raw    []byte
}

// New wraps data as an F32 tensor resident on the cpu.
func New(shape []int, data []float32) *Tensor {
	if numel(shape) != len(data) {
		panic(fmt.Sprintf("tensor data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), DType: F32, Device: "cpu", Data: data}
}

// FromRaw wraps little-endian storage of dtype.
func FromRaw(shape []int, dtype DType, raw []byte) (*Tensor, error) {
	n := numel(shape)
	if dtype.Size() == 0 {
		return nil, errUnsupportedDType
	}
	if len(raw) != n*dtype.Size() {
		return nil, fmt.Errorf("%w: %d bytes for shape %v %s", errRawSizeMismatch, len(raw), shape, dtype)
	}
	t := &Tensor{Shape: append([]int(nil), shape...), DType: dtype, Device: "cpu"}
	if dtype == F32 {
		t.Data = make([]float32, n)
		Decode(F32, t.Data, raw)
		return t, nil
	}
	t.Raw = raw
	return t, nil
}

// Len is the element count.
func (t *Tensor) Len() int { return numel(t.Shape) }

// Bytes is the storage footprint.
func (t *Tensor) Bytes() int {
	if t.DType == F32 {
		return len(t.Data) * 4
	}
	return len(t.Raw)
}

// Float32s returns the values as float32. F32 tensors return Data itself.
func (t *Tensor) Float32s() []float32 {
	if t.DType == F32 {
		return t.Data
	}
	out := make([]float32, t.Len())
	Decode(t.DType, out, t.Raw)
	return out
}

// Encoded returns the little-endian storage bytes.
func (t *Tensor) Encoded() []byte {
	if t.DType == F32 {
		return Encode(F32, t.Data)
	}
	return t.Raw
}

// Squeezed returns the shape with all unit dimensions removed.
func (t *Tensor) Squeezed() []int {
	out := make([]int, 0, len(t.Shape))
	for _, d := range t.Shape {
		if d != 1 {
			out = append(out, d)
		}
	}
	return out
}

// Mat views the tensor as a matrix. Leading dimensions are folded into the
// row count, so a (5, D, C) tensor becomes a (5*D, C) matrix.
func (t *Tensor) Mat() (Mat, error) {
	if len(t.Shape) == 0 {
		return Mat{}, fmt.Errorf("scalar tensor has no matrix view")
	}
	c := t.Shape[len(t.Shape)-1]
	r := 1
	for _, d := range t.Shape[:len(t.Shape)-1] {
		r *= d
	}
	if t.DType == F32 {
		return NewMatFromData(r, c, t.Data), nil
	}
	return NewMatFromRaw(r, c, t.DType, t.Raw)
}

// Clone deep-copies the tensor storage.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{Shape: append([]int(nil), t.Shape...), DType: t.DType, Device: t.Device}
	if t.Data != nil {
		out.Data = append([]float32(nil), t.Data...)
	}
	if t.Raw != nil {
		out.Raw = append([]byte(nil), t.Raw...)
	}
	return out
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
