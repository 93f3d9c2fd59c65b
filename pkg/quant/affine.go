// Package quant implements affine min/max 8-bit weight quantization with
// per-row and per-column offsets and scales.
//
// A (rows, cols) matrix w is stored as codes q with four companions:
//
//	MY[rows]  row minimum      RY[rows]  row scale
//	MX[cols]  column minimum   RX[cols]  column scale
//
// and reconstructs as (q[i][j] + 0.5) * RY[i] * RX[j] + MY[i] + MX[j].
// The stored scales already include the 1/256 code step split evenly
// between the two axes, so the reconstruction needs no extra constant.
package quant

import (
	"errors"
	"math"
)

// Key suffixes of the companion tensors in a weight dictionary.
const (
	SuffixRowMin   = "_my"
	SuffixRowScale = "_ry"
	SuffixColMin   = "_mx"
	SuffixColScale = "_rx"
)

var ErrShape = errors.New("quant: data length does not match shape")

// Affine is a quantized matrix.
type Affine struct {
	Rows, Cols int
	Q          []uint8
	MY, RY     []float32
	MX, RX     []float32
}

// Quantize encodes a row-major (rows, cols) matrix. The minimum along the
// longer axis is removed first, then the other axis; ranges are taken by
// columns and then by rows. Zero ranges store a zero scale so constant
// lines reconstruct exactly from their offsets.
func Quantize(rows, cols int, data []float32) (*Affine, error) {
	if rows <= 0 || cols <= 0 || len(data) != rows*cols {
		return nil, ErrShape
	}
	w := append([]float32(nil), data...)
	a := &Affine{
		Rows: rows,
		Cols: cols,
		Q:    make([]uint8, rows*cols),
		MY:   make([]float32, rows),
		RY:   make([]float32, rows),
		MX:   make([]float32, cols),
		RX:   make([]float32, cols),
	}
	if rows > cols {
		subRowMin(w, rows, cols, a.MY)
		subColMin(w, rows, cols, a.MX)
	} else {
		subColMin(w, rows, cols, a.MX)
		subRowMin(w, rows, cols, a.MY)
	}

	for j := range cols {
		m := float32(math.Inf(-1))
		for i := range rows {
			m = max(m, w[i*cols+j])
		}
		a.RX[j] = m
		if m != 0 {
			for i := range rows {
				w[i*cols+j] /= m
			}
		}
	}
	for i := range rows {
		row := w[i*cols : (i+1)*cols]
		m := float32(math.Inf(-1))
		for _, v := range row {
			m = max(m, v)
		}
		a.RY[i] = m
		if m != 0 {
			for j := range row {
				row[j] /= m
			}
		}
	}

	for i, v := range w {
		q := math.Floor(float64(v * 256))
		a.Q[i] = uint8(min(max(q, 0), 255))
	}
	for j := range a.RX {
		a.RX[j] /= 16
	}
	for i := range a.RY {
		a.RY[i] /= 16
	}
	return a, nil
}

func subRowMin(w []float32, rows, cols int, dst []float32) {
	for i := range rows {
		row := w[i*cols : (i+1)*cols]
		m := float32(math.Inf(1))
		for _, v := range row {
			m = min(m, v)
		}
		dst[i] = m
		for j := range row {
			row[j] -= m
		}
	}
}

func subColMin(w []float32, rows, cols int, dst []float32) {
	for j := range cols {
		m := float32(math.Inf(1))
		for i := range rows {
			m = min(m, w[i*cols+j])
		}
		dst[j] = m
		for i := range rows {
			w[i*cols+j] -= m
		}
	}
}

// At reconstructs element (i, j).
func (a *Affine) At(i, j int) float32 {
	q := float32(a.Q[i*a.Cols+j])
	return (q+0.5)*a.RY[i]*a.RX[j] + a.MY[i] + a.MX[j]
}

// Dequantize materialises the full float matrix.
func (a *Affine) Dequantize() []float32 {
	out := make([]float32, a.Rows*a.Cols)
	for i := range a.Rows {
		for j := range a.Cols {
			out[i*a.Cols+j] = a.At(i, j)
		}
	}
	return out
}

// ErrorBound is the worst-case reconstruction error of element (i, j):
// half a code step in the scaled domain.
func (a *Affine) ErrorBound(i, j int) float32 {
	return 0.5 * a.RY[i] * a.RX[j]
}
