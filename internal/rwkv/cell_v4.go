package rwkv

import (
	"github.com/samcharles93/rwkv/internal/model"
	"github.com/samcharles93/rwkv/internal/tensor"
)

// v4Cell keeps a numerically stable weighted average of past values in
// log-sum-exp form: AttA and AttB are the scaled numerator and denominator,
// AttP their shared exponent.
type v4Cell struct{}

func (v4Cell) TimeMixOne(c *Context, b *model.Block, x []float32, st *LayerState) error {
	m := tensor.NewMatFromData(1, len(x), x)
	return v4Cell{}.TimeMixSeq(c, b, &m, st)
}

func (v4Cell) TimeMixSeq(c *Context, b *model.Block, x *tensor.Mat, st *LayerState) error {
	a := &b.Att
	xx := c.layerNormRows(x, b.Ln1)
	sx := shift(&xx, st.AttX)
	T, D := xx.R, xx.C

	kx, vx, rx := tensor.NewMat(T, D), tensor.NewMat(T, D), tensor.NewMat(T, D)
	for t := range T {
		c.lerp(kx.Row(t), xx.Row(t), sx.Row(t), a.MixK)
		c.lerp(vx.Row(t), xx.Row(t), sx.Row(t), a.MixV)
		c.lerp(rx.Row(t), xx.Row(t), sx.Row(t), a.MixR)
	}
	r, err := c.projectRows(a.R, &rx, c.Act)
	if err != nil {
		return err
	}
	c.applyRound(r.Data, tensor.Sigmoid)
	k, err := c.projectRows(a.K, &kx, tensor.F32)
	if err != nil {
		return err
	}
	v, err := c.projectRows(a.V, &vx, tensor.F32)
	if err != nil {
		return err
	}

	wkv := tensor.NewMat(T, a.K.Out())
	for t := range T {
		v4Step(wkv.Row(t), k.Row(t), v.Row(t), a.Decay, a.First, st)
	}
	tensor.Round(c.Act, wkv.Data)
	c.mulRound(r.Data, wkv.Data)
	out, err := c.projectRows(a.O, &r, c.Act)
	if err != nil {
		return err
	}

	copy(st.AttX, xx.Row(T-1))
	c.residualRows(x, &out)
	return nil
}

func (v4Cell) ChannelMixOne(c *Context, b *model.Block, x []float32, st *LayerState) error {
	return channelMixOne(c, b, mixLerp, x, st)
}

func (v4Cell) ChannelMixSeq(c *Context, b *model.Block, x *tensor.Mat, st *LayerState) error {
	return channelMixSeq(c, b, mixLerp, x, st)
}

// v4Step reads out the weighted average including the current token with
// the time-first bonus, then folds the token into the accumulators with
// the decay. decay is already -exp(w).
func v4Step(out, k, v, decay, first []float32, st *LayerState) {
	aa, bb, pp := st.AttA, st.AttB, st.AttP
	for i := range out {
		ww := first[i] + k[i]
		p := max(pp[i], ww)
		e1 := tensor.Exp(pp[i] - p)
		e2 := tensor.Exp(ww - p)
		out[i] = (e1*aa[i] + e2*v[i]) / (e1*bb[i] + e2)

		ww = decay[i] + pp[i]
		p = max(ww, k[i])
		e1 = tensor.Exp(ww - p)
		e2 = tensor.Exp(k[i] - p)
		aa[i] = e1*aa[i] + e2*v[i]
		bb[i] = e1*bb[i] + e2
		pp[i] = p
	}
}
