package rwkv

import (
	"github.com/samcharles93/rwkv/internal/errs"
	"github.com/samcharles93/rwkv/internal/linear"
	"github.com/samcharles93/rwkv/internal/model"
	"github.com/samcharles93/rwkv/internal/tensor"
)

const (
	lnEps        = 1e-5
	groupNormEps = 64e-5
)

// Context carries what a cell needs beyond its block and state during one
// layer of one Forward call.
type Context struct {
	Params model.Params
	// Act is the activation dtype of the current layer.
	Act tensor.DType
	// vFirst is the v7 value carry: the first layer's values, one row per
	// token of the current call. It never outlives the call.
	vFirst *tensor.Mat
}

// Cell is one version's recurrence. Every method adds its output into the
// residual stream x in place and advances st. A Seq call over a single row
// matches the One call.
type Cell interface {
	TimeMixOne(c *Context, b *model.Block, x []float32, st *LayerState) error
	TimeMixSeq(c *Context, b *model.Block, x *tensor.Mat, st *LayerState) error
	ChannelMixOne(c *Context, b *model.Block, x []float32, st *LayerState) error
	ChannelMixSeq(c *Context, b *model.Block, x *tensor.Mat, st *LayerState) error
}

// CellFor returns the recurrence of version v.
func CellFor(v model.Version) (Cell, error) {
	switch v {
	case model.V4:
		return v4Cell{}, nil
	case model.V5, model.V5_1, model.V5_2:
		return v5Cell{version: v}, nil
	case model.V6:
		return v6Cell{}, nil
	case model.V7:
		return v7Cell{}, nil
	}
	return nil, errs.Version("no recurrence for %s", v)
}

// layerNorm writes the rounded layer norm of src into dst.
func (c *Context) layerNorm(dst, src []float32, n model.Norm) {
	tensor.LayerNorm(dst, src, n.W, n.B, lnEps)
	tensor.Round(c.Act, dst)
}

func (c *Context) layerNormRows(x *tensor.Mat, n model.Norm) tensor.Mat {
	out := tensor.NewMat(x.R, x.C)
	for t := range x.R {
		c.layerNorm(out.Row(t), x.Row(t), n)
	}
	return out
}

// residual adds out into x and rounds the sum.
func (c *Context) residual(x, out []float32) {
	tensor.Add(x, out)
	tensor.Round(c.Act, x)
}

func (c *Context) residualRows(x, out *tensor.Mat) {
	c.residual(x.Data, out.Data)
}

// lerp writes xx*mix + sx*(1-mix), the static interpolation of v4 and v5.
func (c *Context) lerp(dst, xx, sx, mix []float32) {
	for i := range dst {
		dst[i] = xx[i]*mix[i] + sx[i]*(1-mix[i])
	}
	tensor.Round(c.Act, dst)
}

// shift returns the previous-token rows for xx: prev for row 0, then xx
// shifted down by one.
func shift(xx *tensor.Mat, prev []float32) tensor.Mat {
	out := tensor.NewMat(xx.R, xx.C)
	copy(out.Row(0), prev)
	if xx.R > 1 {
		copy(out.Data[xx.C:], xx.Data[:(xx.R-1)*xx.C])
	}
	return out
}

// project is x @ w with the result rounded to out.
func (c *Context) project(w *linear.Weight, x []float32, out tensor.DType) ([]float32, error) {
	dst := make([]float32, w.Out())
	if err := w.MatVec(dst, x, c.Act, out); err != nil {
		return nil, err
	}
	return dst, nil
}

func (c *Context) projectRows(w *linear.Weight, x *tensor.Mat, out tensor.DType) (tensor.Mat, error) {
	dst := tensor.NewMat(x.R, w.Out())
	if err := w.MatMul(&dst, x, c.Act, out); err != nil {
		return tensor.Mat{}, err
	}
	return dst, nil
}

// applyRound replaces each element with f(x) rounded to the activation type.
func (c *Context) applyRound(x []float32, f func(float32) float32) {
	tensor.Apply(x, f)
	tensor.Round(c.Act, x)
}

func (c *Context) mulRound(dst, src []float32) {
	tensor.Mul(dst, src)
	tensor.Round(c.Act, dst)
}
