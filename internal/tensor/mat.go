package tensor

import (
	"math/rand"
)

// Mat is a dense row-major matrix.
//
// Projection weights are laid out (in, out): row i holds the weights that
// input channel i contributes to every output. F32 matrices keep Data
// populated; F16, BF16 and U8 matrices keep Raw and are decoded inline by
// the kernels.
type Mat struct {
	R, C   int
	Stride int

	DType DType
	Data  []float32
	Raw   []byte
}

// NewMat allocates a zeroed F32 matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  F32,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData wraps data as an F32 matrix. len(data) must be r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  F32,
		Data:   data,
	}
}

// NewMatFromRaw wraps raw little-endian storage as a matrix of dtype.
func NewMatFromRaw(r, c int, dtype DType, raw []byte) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	elemSize := dtype.Size()
	if elemSize == 0 {
		return Mat{}, errUnsupportedDType
	}
	want := r * c
	if r != 0 && want/r != c {
		return Mat{}, errMatTooLarge
	}
	if len(raw) != want*elemSize {
		return Mat{}, errRawSizeMismatch
	}
	if dtype == F32 {
		data := make([]float32, want)
		Decode(F32, data, raw)
		return NewMatFromData(r, c, data), nil
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  dtype,
		Raw:    raw,
	}, nil
}

// Row returns row i. For F32 matrices the slice aliases Data; otherwise it
// is a freshly decoded copy.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if m.DType == F32 {
		start := i * m.Stride
		return m.Data[start : start+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes row i into dst. U8 rows decode to the raw code values.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	start := i * m.Stride
	if m.DType == F32 {
		copy(dst[:m.C], m.Data[start:start+m.C])
		return
	}
	off := start * m.DType.Size()
	Decode(m.DType, dst[:m.C], m.Raw[off:])
}

// Bytes is the storage footprint of the matrix.
func (m *Mat) Bytes() int {
	if m.DType == F32 {
		return len(m.Data) * 4
	}
	return len(m.Raw)
}

// Convert returns a copy of m stored as dtype. Converting to U8 is not
// supported; use the quant package.
func (m *Mat) Convert(dtype DType) Mat {
	if dtype == U8 || m.DType == U8 {
		panic("convert does not quantize")
	}
	vals := make([]float32, m.R*m.C)
	for i := 0; i < m.R; i++ {
		m.RowTo(vals[i*m.C:(i+1)*m.C], i)
	}
	if dtype == F32 {
		return NewMatFromData(m.R, m.C, vals)
	}
	return Mat{R: m.R, C: m.C, Stride: m.C, DType: dtype, Raw: Encode(dtype, vals)}
}

// FillRand fills an F32 matrix with reproducible values in (-scale, scale).
func FillRand(m *Mat, seed int64, scale float32) {
	if m.DType != F32 {
		panic("FillRand only supports f32 mats")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32()*2 - 1) * scale
	}
}

var (
	errNegativeDim      = fmtError("negative dimension for matrix")
	errUnsupportedDType = fmtError("unsupported dtype for raw matrix")
	errMatTooLarge      = fmtError("matrix too large")
	errRawSizeMismatch  = fmtError("raw data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }

// Rows returns a view of rows [lo, hi). The view shares storage with m.
func (m *Mat) Rows(lo, hi int) Mat {
	if lo < 0 || hi > m.R || lo > hi {
		panic("row range out of bounds")
	}
	out := Mat{R: hi - lo, C: m.C, Stride: m.Stride, DType: m.DType}
	if m.DType == F32 {
		out.Data = m.Data[lo*m.Stride : hi*m.Stride]
		return out
	}
	sz := m.DType.Size()
	out.Raw = m.Raw[lo*m.Stride*sz : hi*m.Stride*sz]
	return out
}
