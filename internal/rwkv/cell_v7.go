package rwkv

import (
	"math"

	"github.com/samcharles93/rwkv/internal/errs"
	"github.com/samcharles93/rwkv/internal/linear"
	"github.com/samcharles93/rwkv/internal/model"
	"github.com/samcharles93/rwkv/internal/tensor"
)

// v7DecayScale is exp(-0.5); it keeps the per-step decay in (exp(-0.5), 1).
const v7DecayScale = 0.606531

// v7Cell is the generalized delta rule: the state is corrected towards
// the new value along a normalized key before the new outer product is
// added. Layers after the first blend their values with the first layer's
// values of the same token.
type v7Cell struct{}

func (v7Cell) TimeMixOne(c *Context, b *model.Block, x []float32, st *LayerState) error {
	m := tensor.NewMatFromData(1, len(x), x)
	return v7Cell{}.TimeMixSeq(c, b, &m, st)
}

func (v7Cell) TimeMixSeq(c *Context, b *model.Block, x *tensor.Mat, st *LayerState) error {
	a := &b.Att
	H, N := c.Params.Heads, c.Params.HeadSize
	xx := c.layerNormRows(x, b.Ln1)
	prev := shift(&xx, st.AttX)
	T, D := xx.R, xx.C

	mixes := [6][]float32{a.XR, a.XW, a.XK, a.XV, a.XA, a.XG}
	var in [6]tensor.Mat
	for mi := range in {
		in[mi] = tensor.NewMat(T, D)
		for t := range T {
			c.mix(mixDelta, in[mi].Row(t), xx.Row(t), prev.Row(t), mixes[mi])
		}
	}
	xr, xw, xk, xv, xa, xg := &in[0], &in[1], &in[2], &in[3], &in[4], &in[5]

	r, err := c.projectRows(a.R, xr, c.Act)
	if err != nil {
		return err
	}
	k, err := c.projectRows(a.K, xk, c.Act)
	if err != nil {
		return err
	}
	v, err := c.projectRows(a.V, xv, c.Act)
	if err != nil {
		return err
	}
	w, err := c.lowRank(a.W1, a.W2, xw, tensor.Tanh)
	if err != nil {
		return err
	}
	aa, err := c.lowRank(a.A1, a.A2, xa, nil)
	if err != nil {
		return err
	}
	for i := range aa.Data {
		aa.Data[i] = tensor.Sigmoid(a.A0[i%D] + aa.Data[i])
	}
	tensor.Round(c.Act, aa.Data)
	g, err := c.lowRank(a.G1, a.G2, xg, tensor.Sigmoid)
	if err != nil {
		return err
	}

	A := k.C
	kk := tensor.NewMat(T, A)
	for i := range kk.Data {
		kk.Data[i] = k.Data[i] * a.KK[i%A]
	}
	tensor.Round(c.Act, kk.Data)
	for t := range T {
		tensor.L2NormalizeGroups(kk.Row(t), H)
	}
	tensor.Round(c.Act, kk.Data)
	for i := range k.Data {
		k.Data[i] *= 1 + (aa.Data[i]-1)*a.KA[i%A]
	}
	tensor.Round(c.Act, k.Data)

	if b.Index == 0 {
		vf := tensor.NewMat(T, A)
		copy(vf.Data, v.Data)
		c.vFirst = &vf
	} else {
		if c.vFirst == nil || c.vFirst.R != T || c.vFirst.C != A {
			return errs.Configuration("layer %d: value carry missing for this call", b.Index)
		}
		gate, err := c.lowRank(a.V1, a.V2, xv, nil)
		if err != nil {
			return err
		}
		for i := range v.Data {
			s := tensor.Sigmoid(a.V0[i%A] + gate.Data[i])
			v.Data[i] += (c.vFirst.Data[i] - v.Data[i]) * s
		}
		tensor.Round(c.Act, v.Data)
	}
	for i := range w.Data {
		w.Data[i] = float32(math.Exp(-v7DecayScale * float64(tensor.Sigmoid(a.W0[i%A]+w.Data[i]))))
	}

	y := tensor.NewMat(T, A)
	forHeads(H, func(h int) {
		lo, hi := h*N, (h+1)*N
		s := st.WKV[h*N*N : (h+1)*N*N]
		for t := range T {
			v7Step(y.Row(t)[lo:hi], r.Row(t)[lo:hi], w.Row(t)[lo:hi], k.Row(t)[lo:hi],
				v.Row(t)[lo:hi], kk.Row(t)[lo:hi], aa.Row(t)[lo:hi], s, N)
		}
	})
	tensor.Round(c.Act, y.Data)

	for t := range T {
		row := y.Row(t)
		tensor.GroupNorm(row, row, a.LnX.W, a.LnX.B, H, groupNormEps)
		rt, kt, vt := r.Row(t), k.Row(t), v.Row(t)
		for h := range H {
			var bonus float32
			for j := h * N; j < (h+1)*N; j++ {
				bonus += rt[j] * kt[j] * a.RK[j]
			}
			for j := h * N; j < (h+1)*N; j++ {
				row[j] += bonus * vt[j]
			}
		}
	}
	tensor.Round(c.Act, y.Data)
	c.mulRound(y.Data, g.Data)
	out, err := c.projectRows(a.O, &y, c.Act)
	if err != nil {
		return err
	}

	copy(st.AttX, xx.Row(T-1))
	c.residualRows(x, &out)
	return nil
}

func (v7Cell) ChannelMixOne(c *Context, b *model.Block, x []float32, st *LayerState) error {
	return channelMixOne(c, b, mixDelta, x, st)
}

func (v7Cell) ChannelMixSeq(c *Context, b *model.Block, x *tensor.Mat, st *LayerState) error {
	return channelMixSeq(c, b, mixDelta, x, st)
}

// lowRank computes f(x @ w1) @ w2, skipping f when nil.
func (c *Context) lowRank(w1, w2 *linear.Weight, x *tensor.Mat, f func(float32) float32) (tensor.Mat, error) {
	h, err := c.projectRows(w1, x, c.Act)
	if err != nil {
		return tensor.Mat{}, err
	}
	if f != nil {
		c.applyRound(h.Data, f)
	}
	return c.projectRows(w2, &h, c.Act)
}
