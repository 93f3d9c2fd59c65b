package rwkv

import (
	"github.com/samcharles93/rwkv/internal/errs"
	"github.com/samcharles93/rwkv/internal/model"
	"github.com/samcharles93/rwkv/internal/tensor"
)

// v6Cell makes both the token-shift interpolation and the decay data
// dependent. A shared tanh low-rank projection of the shifted input yields
// five offsets, one each for the w, k, v, r and g mixes.
type v6Cell struct{}

func (v6Cell) TimeMixOne(c *Context, b *model.Block, x []float32, st *LayerState) error {
	m := tensor.NewMatFromData(1, len(x), x)
	return v6Cell{}.TimeMixSeq(c, b, &m, st)
}

func (v6Cell) TimeMixSeq(c *Context, b *model.Block, x *tensor.Mat, st *LayerState) error {
	a := &b.Att
	xx := c.layerNormRows(x, b.Ln1)
	sx := shift(&xx, st.AttX)
	T, D := xx.R, xx.C

	// sx becomes the delta to the previous token.
	for i := range sx.Data {
		sx.Data[i] -= xx.Data[i]
	}
	tensor.Round(c.Act, sx.Data)
	base := tensor.NewMat(T, D)
	for i := range base.Data {
		base.Data[i] = xx.Data[i] + sx.Data[i]*a.MaaX[i%D]
	}
	tensor.Round(c.Act, base.Data)
	hidden, err := c.projectRows(a.MaaW1, &base, c.Act)
	if err != nil {
		return err
	}
	c.applyRound(hidden.Data, tensor.Tanh)
	if hidden.C%5 != 0 {
		return errs.Shape("layer %d: time_maa_w1 width %d not divisible by 5", b.Index, hidden.C)
	}
	rank := hidden.C / 5

	targets := [5][]float32{a.MaaW, a.MaaK, a.MaaV, a.MaaR, a.MaaG}
	var mixed [5]tensor.Mat
	for ci := range 5 {
		part := columns(&hidden, ci*rank, (ci+1)*rank)
		m, err := c.projectRows(a.MaaW2[ci], &part, c.Act)
		if err != nil {
			return err
		}
		for i := range m.Data {
			m.Data[i] = xx.Data[i] + sx.Data[i]*(targets[ci][i%D]+m.Data[i])
		}
		tensor.Round(c.Act, m.Data)
		mixed[ci] = m
	}
	wx, kx, vx, rx, gx := &mixed[0], &mixed[1], &mixed[2], &mixed[3], &mixed[4]

	r, k, v, err := c.rkv(a, rx, kx, vx)
	if err != nil {
		return err
	}
	dh, err := c.projectRows(a.DecayW1, wx, c.Act)
	if err != nil {
		return err
	}
	c.applyRound(dh.Data, tensor.Tanh)
	w, err := c.projectRows(a.DecayW2, &dh, c.Act)
	if err != nil {
		return err
	}
	A := w.C
	for i := range w.Data {
		w.Data[i] = tensor.Exp(-tensor.Exp(a.Decay[i%A] + w.Data[i]))
	}

	y := tensor.NewMat(T, A)
	matrixWKV(&y, &r, &k, &v, &w, nil, a.First, st.WKV, c.Params.Heads, c.Params.HeadSize)
	out, err := c.finishMatrix(a, &y, gx, true)
	if err != nil {
		return err
	}

	copy(st.AttX, xx.Row(T-1))
	c.residualRows(x, &out)
	return nil
}

func (v6Cell) ChannelMixOne(c *Context, b *model.Block, x []float32, st *LayerState) error {
	return channelMixOne(c, b, mixDelta, x, st)
}

func (v6Cell) ChannelMixSeq(c *Context, b *model.Block, x *tensor.Mat, st *LayerState) error {
	return channelMixSeq(c, b, mixDelta, x, st)
}

// columns copies columns [lo, hi) of an F32 matrix.
func columns(m *tensor.Mat, lo, hi int) tensor.Mat {
	out := tensor.NewMat(m.R, hi-lo)
	for t := range m.R {
		copy(out.Row(t), m.Row(t)[lo:hi])
	}
	return out
}
