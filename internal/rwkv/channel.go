package rwkv

import (
	"github.com/samcharles93/rwkv/internal/errs"
	"github.com/samcharles93/rwkv/internal/model"
	"github.com/samcharles93/rwkv/internal/tensor"
)

// mixStyle selects how the previous token is blended into the current one.
type mixStyle int

const (
	// mixLerp is xx*mix + sx*(1-mix) (v4, v5 family).
	mixLerp mixStyle = iota
	// mixDelta is xx + (sx-xx)*mix (v6, v7).
	mixDelta
)

func (c *Context) mix(style mixStyle, dst, xx, sx, m []float32) {
	if style == mixLerp {
		c.lerp(dst, xx, sx, m)
		return
	}
	for i := range dst {
		dst[i] = xx[i] + (sx[i]-xx[i])*m[i]
	}
	tensor.Round(c.Act, dst)
}

// channelMixOne runs one token through the rows path; a one-row batch goes
// through the same kernels as a vector.
func channelMixOne(c *Context, b *model.Block, style mixStyle, x []float32, st *LayerState) error {
	m := tensor.NewMatFromData(1, len(x), x)
	return channelMixSeq(c, b, style, &m, st)
}

// channelMixSeq is the squared-ReLU bottleneck, gated by a sigmoid
// receptance when the block has one.
func channelMixSeq(c *Context, b *model.Block, style mixStyle, x *tensor.Mat, st *LayerState) error {
	f := &b.Ffn
	gated := f.R != nil
	if gated && f.MixR == nil {
		return errs.Configuration("layer %d: receptance gate without a mixing vector", b.Index)
	}
	xx := c.layerNormRows(x, b.Ln2)
	sx := shift(&xx, st.FfnX)

	T, D := xx.R, xx.C
	kx := tensor.NewMat(T, D)
	var rx tensor.Mat
	if gated {
		rx = tensor.NewMat(T, D)
	}
	for t := range T {
		c.mix(style, kx.Row(t), xx.Row(t), sx.Row(t), f.MixK)
		if gated {
			c.mix(style, rx.Row(t), xx.Row(t), sx.Row(t), f.MixR)
		}
	}

	k, err := c.projectRows(f.K, &kx, c.Act)
	if err != nil {
		return err
	}
	c.applyRound(k.Data, tensor.ReluSquare)
	out, err := c.projectRows(f.V, &k, c.Act)
	if err != nil {
		return err
	}
	if gated {
		r, err := c.projectRows(f.R, &rx, c.Act)
		if err != nil {
			return err
		}
		c.applyRound(r.Data, tensor.Sigmoid)
		c.mulRound(out.Data, r.Data)
	}

	copy(st.FfnX, xx.Row(T-1))
	c.residualRows(x, &out)
	return nil
}
