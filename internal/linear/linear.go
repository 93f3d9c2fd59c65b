// Package linear implements the projection used by every recurrent cell:
// x @ W for float weights, and the affine-compensated product for 8-bit
// weights, without materialising the dequantized matrix.
package linear

import (
	"github.com/samcharles93/rwkv/internal/errs"
	"github.com/samcharles93/rwkv/internal/tensor"
	"github.com/samcharles93/rwkv/pkg/quant"
)

// Weight is a projection matrix laid out (in, out). MX, RX, MY and RY are
// the quantization companions; they are set if and only if W is U8.
type Weight struct {
	Name string
	W    tensor.Mat

	MY, RY []float32 // per input row
	MX, RX []float32 // per output column
}

// New returns a float weight.
func New(name string, w tensor.Mat) *Weight {
	return &Weight{Name: name, W: w}
}

// NewQuantized wraps an affine-quantized matrix.
func NewQuantized(name string, a *quant.Affine) *Weight {
	m, err := tensor.NewMatFromRaw(a.Rows, a.Cols, tensor.U8, a.Q)
	if err != nil {
		panic(err)
	}
	return &Weight{Name: name, W: m, MY: a.MY, RY: a.RY, MX: a.MX, RX: a.RX}
}

// FromDict looks up key and, for U8 storage, its four companions.
func FromDict(tensors map[string]*tensor.Tensor, key string) (*Weight, error) {
	t, ok := tensors[key]
	if !ok {
		return nil, errs.Configuration("missing weight %s", key)
	}
	if len(t.Shape) != 2 {
		return nil, errs.Shape("%s: projection must be 2-D, got %v", key, t.Shape)
	}
	m, err := t.Mat()
	if err != nil {
		return nil, errs.Shape("%s: %v", key, err)
	}
	w := &Weight{Name: key, W: m}
	if t.DType != tensor.U8 {
		return w, nil
	}
	aux := func(suffix string) []float32 {
		a, ok := tensors[key+suffix]
		if !ok {
			return nil
		}
		return a.Float32s()
	}
	w.MY = aux(quant.SuffixRowMin)
	w.RY = aux(quant.SuffixRowScale)
	w.MX = aux(quant.SuffixColMin)
	w.RX = aux(quant.SuffixColScale)
	if err := w.validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// In is the input width.
func (w *Weight) In() int { return w.W.R }

// Out is the output width.
func (w *Weight) Out() int { return w.W.C }

// Quantized reports whether the weight is stored as 8-bit codes.
func (w *Weight) Quantized() bool { return w.W.DType == tensor.U8 }

// Bytes is the storage footprint of the matrix, companions excluded.
func (w *Weight) Bytes() int { return w.W.Bytes() }

// WithMat returns a shallow copy of w backed by m, which must have the
// same shape and dtype. Used to swap in a staged copy.
func (w *Weight) WithMat(m tensor.Mat) *Weight {
	c := *w
	c.W = m
	return &c
}

func (w *Weight) validate() error {
	if !w.Quantized() {
		return nil
	}
	if w.MY == nil || w.RY == nil || w.MX == nil || w.RX == nil {
		return errs.Dtype("%s: quantized weight is missing scale/offset companions", w.Name)
	}
	if len(w.MY) != w.In() || len(w.RY) != w.In() {
		return errs.Shape("%s: row companions have %d/%d entries, want %d", w.Name, len(w.MY), len(w.RY), w.In())
	}
	if len(w.MX) != w.Out() || len(w.RX) != w.Out() {
		return errs.Shape("%s: column companions have %d/%d entries, want %d", w.Name, len(w.MX), len(w.RX), w.Out())
	}
	return nil
}

// MatVec writes x @ W into dst[:Out()] rounded to out. For float weights
// xType must equal the weight storage type.
func (w *Weight) MatVec(dst, x []float32, xType, out tensor.DType) error {
	if err := w.check(len(x), len(dst), xType); err != nil {
		return err
	}
	w.matVec(dst, x)
	tensor.Round(out, dst[:w.Out()])
	return nil
}

// MatMul computes dst = x @ W row by row. Each row goes through the same
// kernel as MatVec, so a one-row batch is bit-identical to MatVec.
func (w *Weight) MatMul(dst, x *tensor.Mat, xType, out tensor.DType) error {
	if x.R != dst.R {
		return errs.Shape("%s: batch of %d rows into %d output rows", w.Name, x.R, dst.R)
	}
	if err := w.check(x.C, dst.C, xType); err != nil {
		return err
	}
	for t := 0; t < x.R; t++ {
		row := dst.Row(t)
		w.matVec(row, x.Row(t))
		tensor.Round(out, row)
	}
	return nil
}

func (w *Weight) check(xLen, dstLen int, xType tensor.DType) error {
	if xLen != w.In() {
		return errs.Shape("%s: input has %d features, weight expects %d", w.Name, xLen, w.In())
	}
	if dstLen < w.Out() {
		return errs.Shape("%s: output buffer holds %d, need %d", w.Name, dstLen, w.Out())
	}
	if !w.Quantized() {
		if xType != w.W.DType {
			return errs.Dtype("%s: activation %s against %s weight", w.Name, xType, w.W.DType)
		}
		return nil
	}
	return w.validate()
}

// matVec expands (q + 0.5) * ry[i] * rx[j] + my[i] + mx[j] into
//
//	rx[j] * sum_i (x[i]*ry[i]) * (q[i][j] + 0.5) + sum_i x[i]*my[i] + mx[j] * sum_i x[i]
func (w *Weight) matVec(dst, x []float32) {
	if !w.Quantized() {
		tensor.VecMat(dst, x, &w.W)
		return
	}
	xr := make([]float32, len(x))
	var sumX, sumXMY float32
	for i, v := range x {
		xr[i] = v * w.RY[i]
		sumX += v
		sumXMY += v * w.MY[i]
	}
	tensor.VecMat(dst, xr, &w.W)
	for j := range w.Out() {
		dst[j] = dst[j]*w.RX[j] + sumXMY + w.MX[j]*sumX
	}
}

// Dequantize materialises w as an F32 (in, out) matrix. Float weights are
// decoded; U8 weights are reconstructed from their companions.
func Dequantize(w *Weight) (tensor.Mat, error) {
	if err := w.validate(); err != nil {
		return tensor.Mat{}, err
	}
	out := tensor.NewMat(w.In(), w.Out())
	for i := range w.In() {
		row := out.Row(i)
		w.W.RowTo(row, i)
		if !w.Quantized() {
			continue
		}
		for j := range row {
			row[j] = (row[j]+0.5)*w.RY[i]*w.RX[j] + w.MY[i] + w.MX[j]
		}
	}
	return out, nil
}
