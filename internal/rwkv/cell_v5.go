package rwkv

import (
	"github.com/samcharles93/rwkv/internal/model"
	"github.com/samcharles93/rwkv/internal/tensor"
)

// v5Cell covers v5, v5.1 and v5.2. They share the matrix-valued state and
// differ in the gate (from v5.1) and in decay granularity (per channel from
// v5.2, per head before).
type v5Cell struct {
	version model.Version
}

func (cell v5Cell) TimeMixOne(c *Context, b *model.Block, x []float32, st *LayerState) error {
	m := tensor.NewMatFromData(1, len(x), x)
	return cell.TimeMixSeq(c, b, &m, st)
}

func (cell v5Cell) TimeMixSeq(c *Context, b *model.Block, x *tensor.Mat, st *LayerState) error {
	a := &b.Att
	gated := cell.version.Gated()
	xx := c.layerNormRows(x, b.Ln1)
	sx := shift(&xx, st.AttX)
	T, D := xx.R, xx.C

	kx, vx, rx := tensor.NewMat(T, D), tensor.NewMat(T, D), tensor.NewMat(T, D)
	var gx tensor.Mat
	if gated {
		gx = tensor.NewMat(T, D)
	}
	for t := range T {
		c.lerp(kx.Row(t), xx.Row(t), sx.Row(t), a.MixK)
		c.lerp(vx.Row(t), xx.Row(t), sx.Row(t), a.MixV)
		c.lerp(rx.Row(t), xx.Row(t), sx.Row(t), a.MixR)
		if gated {
			c.lerp(gx.Row(t), xx.Row(t), sx.Row(t), a.MixG)
		}
	}
	r, k, v, err := c.rkv(a, &rx, &kx, &vx)
	if err != nil {
		return err
	}

	y := tensor.NewMat(T, a.K.Out())
	matrixWKV(&y, &r, &k, &v, nil, a.Decay, a.First, st.WKV, c.Params.Heads, c.Params.HeadSize)
	out, err := c.finishMatrix(a, &y, &gx, gated)
	if err != nil {
		return err
	}

	copy(st.AttX, xx.Row(T-1))
	c.residualRows(x, &out)
	return nil
}

func (v5Cell) ChannelMixOne(c *Context, b *model.Block, x []float32, st *LayerState) error {
	return channelMixOne(c, b, mixLerp, x, st)
}

func (v5Cell) ChannelMixSeq(c *Context, b *model.Block, x *tensor.Mat, st *LayerState) error {
	return channelMixSeq(c, b, mixLerp, x, st)
}

// rkv projects receptance, key and value in f32.
func (c *Context) rkv(a *model.TimeMix, rx, kx, vx *tensor.Mat) (r, k, v tensor.Mat, err error) {
	if r, err = c.projectRows(a.R, rx, tensor.F32); err != nil {
		return
	}
	if k, err = c.projectRows(a.K, kx, tensor.F32); err != nil {
		return
	}
	v, err = c.projectRows(a.V, vx, tensor.F32)
	return
}

// finishMatrix group-normalizes the readout per head, applies the SiLU gate
// when there is one and projects through the output matrix.
func (c *Context) finishMatrix(a *model.TimeMix, y, gx *tensor.Mat, gated bool) (tensor.Mat, error) {
	for t := range y.R {
		row := y.Row(t)
		tensor.GroupNorm(row, row, a.LnX.W, a.LnX.B, c.Params.Heads, groupNormEps)
	}
	tensor.Round(c.Act, y.Data)
	if gated {
		g, err := c.projectRows(a.G, gx, c.Act)
		if err != nil {
			return tensor.Mat{}, err
		}
		c.applyRound(g.Data, tensor.Silu)
		c.mulRound(y.Data, g.Data)
	}
	return c.projectRows(a.O, y, c.Act)
}
