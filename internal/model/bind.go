package model

import (
	"fmt"

	"github.com/samcharles93/rwkv/internal/errs"
	"github.com/samcharles93/rwkv/internal/linear"
	"github.com/samcharles93/rwkv/internal/tensor"
)

// Norm is a layer norm's affine parameters.
type Norm struct {
	W, B []float32
}

// TimeMix holds one layer's time-mixing parameters. Which fields are set
// depends on the version.
type TimeMix struct {
	// v4 and the v5 family: static interpolation weights.
	MixK, MixV, MixR, MixG []float32

	// v6: data-dependent interpolation through a shared low-rank projection.
	// MaaW2 holds the five per-target blocks (w, k, v, r, g in that order).
	MaaX, MaaW, MaaK, MaaV, MaaR, MaaG []float32
	MaaW1                              *linear.Weight
	MaaW2                              [5]*linear.Weight
	DecayW1, DecayW2                   *linear.Weight

	// v7.
	XR, XW, XK, XV, XA, XG []float32
	W0, A0, V0             []float32
	W1, W2, A1, A2         *linear.Weight
	V1, V2                 *linear.Weight // nil on layer 0
	G1, G2                 *linear.Weight
	KK, KA, RK             []float32

	// Decay and First are broadcast to the full attention width. v4 stores
	// -exp(w), the v5 family exp(-exp(w)), v6 the raw pre-activation.
	Decay, First []float32

	R, K, V, G, O *linear.Weight
	LnX           Norm

	// TimeState is the tuned initial state (H, N, N) if the checkpoint has one.
	TimeState []float32
}

// ChannelMix holds one layer's channel-mixing parameters. R is nil for v7
// and for v6 checkpoints without a receptance gate.
type ChannelMix struct {
	MixK, MixR []float32
	K, V, R    *linear.Weight
}

// Block is one bound layer.
type Block struct {
	Index    int
	Ln1, Ln2 Norm
	Att      TimeMix
	Ffn      ChannelMix
}

// Projections lists the large matrices of the block, the ones a streamed
// layer stages before running. Entries point into the block so callers can
// swap in staged copies.
func (b *Block) Projections() []**linear.Weight {
	out := []**linear.Weight{&b.Att.R, &b.Att.K, &b.Att.V, &b.Att.O, &b.Ffn.K, &b.Ffn.V}
	if b.Att.G != nil {
		out = append(out, &b.Att.G)
	}
	if b.Ffn.R != nil {
		out = append(out, &b.Ffn.R)
	}
	return out
}

// Bound is a converted checkpoint resolved into typed per-layer views.
type Bound struct {
	Params Params
	Emb    tensor.Mat
	LnOut  Norm
	Head   *linear.Weight
	Blocks []Block
}

// Bind resolves a converted dictionary. It fails with a configuration error
// on the first missing tensor.
func Bind(w *Weights, p Params) (*Bound, error) {
	if !w.Converted() {
		return nil, errs.Configuration("weights must be converted before binding")
	}
	b := &binder{w: w, p: p}
	out := &Bound{Params: p}
	emb := w.Get("emb.weight")
	if emb == nil {
		return nil, errs.Configuration("missing emb.weight")
	}
	m, err := emb.Mat()
	if err != nil {
		return nil, errs.Shape("emb.weight: %v", err)
	}
	out.Emb = m
	out.LnOut = b.norm("ln_out")
	out.Head = b.proj("head.weight")

	out.Blocks = make([]Block, p.Layers)
	for i := range p.Layers {
		out.Blocks[i] = b.block(i)
	}
	if b.err != nil {
		return nil, b.err
	}
	return out, nil
}

// binder records the first failure so block assembly reads straight through.
type binder struct {
	w   *Weights
	p   Params
	err error
}

func (b *binder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *binder) vec(key string) []float32 {
	t := b.w.Get(key)
	if t == nil {
		b.fail(errs.Configuration("missing %s", key))
		return nil
	}
	return append([]float32(nil), t.Float32s()...)
}

func (b *binder) optVec(key string) []float32 {
	if !b.w.Has(key) {
		return nil
	}
	return b.vec(key)
}

func (b *binder) norm(prefix string) Norm {
	return Norm{W: b.vec(prefix + ".weight"), B: b.vec(prefix + ".bias")}
}

func (b *binder) proj(key string) *linear.Weight {
	lw, err := linear.FromDict(b.w.Tensors, key)
	if err != nil {
		b.fail(err)
		return nil
	}
	return lw
}

func (b *binder) optProj(key string) *linear.Weight {
	if !b.w.Has(key) {
		return nil
	}
	return b.proj(key)
}

// mat binds a small matrix kept in the activation dtype. Leading dimensions
// fold into rows.
func (b *binder) mat(key string) *linear.Weight {
	t := b.w.Get(key)
	if t == nil {
		b.fail(errs.Configuration("missing %s", key))
		return nil
	}
	m, err := t.Mat()
	if err != nil {
		b.fail(errs.Shape("%s: %v", key, err))
		return nil
	}
	return linear.New(key, m)
}

// perChannel expands a per-head or per-channel vector to width Att.
func (b *binder) perChannel(key string) []float32 {
	v := b.vec(key)
	if v == nil {
		return nil
	}
	switch {
	case len(v) == b.p.Att:
		return v
	case b.p.Heads > 0 && len(v) == b.p.Heads:
		out := make([]float32, b.p.Att)
		for h := range b.p.Heads {
			for j := range b.p.HeadSize {
				out[h*b.p.HeadSize+j] = v[h]
			}
		}
		return out
	}
	b.fail(errs.Shape("%s has %d entries, want %d or %d", key, len(v), b.p.Att, b.p.Heads))
	return nil
}

func (b *binder) block(i int) Block {
	pre := fmt.Sprintf("blocks.%d.", i)
	att, ffn := pre+"att.", pre+"ffn."
	blk := Block{
		Index: i,
		Ln1:   b.norm(pre + "ln1"),
		Ln2:   b.norm(pre + "ln2"),
	}
	a := &blk.Att
	a.R = b.proj(att + "receptance.weight")
	a.K = b.proj(att + "key.weight")
	a.V = b.proj(att + "value.weight")
	a.O = b.proj(att + "output.weight")

	switch v := b.p.Version; v {
	case V4, V5, V5_1, V5_2:
		a.MixK = b.vec(att + "time_mix_k")
		a.MixV = b.vec(att + "time_mix_v")
		a.MixR = b.vec(att + "time_mix_r")
		a.Decay = b.perChannel(att + "time_decay")
		a.First = b.perChannel(att + "time_first")
		if v != V4 {
			a.LnX = b.norm(att + "ln_x")
		}
		if v.Gated() {
			a.MixG = b.vec(att + "time_mix_g")
			a.G = b.proj(att + "gate.weight")
		}
	case V6:
		a.MaaX = b.vec(att + "time_maa_x")
		a.MaaW = b.vec(att + "time_maa_w")
		a.MaaK = b.vec(att + "time_maa_k")
		a.MaaV = b.vec(att + "time_maa_v")
		a.MaaR = b.vec(att + "time_maa_r")
		a.MaaG = b.vec(att + "time_maa_g")
		a.MaaW1 = b.mat(att + "time_maa_w1")
		if w2 := b.mat(att + "time_maa_w2"); w2 != nil {
			if w2.In()%5 != 0 {
				b.fail(errs.Shape("%stime_maa_w2 has %d rows, not divisible by 5", att, w2.In()))
			} else {
				lr := w2.In() / 5
				for c := range 5 {
					a.MaaW2[c] = w2.WithMat(w2.W.Rows(c*lr, (c+1)*lr))
				}
			}
		}
		a.DecayW1 = b.mat(att + "time_decay_w1")
		a.DecayW2 = b.mat(att + "time_decay_w2")
		a.Decay = b.perChannel(att + "time_decay")
		a.First = b.perChannel(att + "time_first")
		a.LnX = b.norm(att + "ln_x")
		a.G = b.proj(att + "gate.weight")
	case V7:
		a.XR = b.vec(att + "x_r")
		a.XW = b.vec(att + "x_w")
		a.XK = b.vec(att + "x_k")
		a.XV = b.vec(att + "x_v")
		a.XA = b.vec(att + "x_a")
		a.XG = b.vec(att + "x_g")
		a.W0 = b.vec(att + "w0")
		a.W1 = b.mat(att + "w1")
		a.W2 = b.mat(att + "w2")
		a.A0 = b.vec(att + "a0")
		a.A1 = b.mat(att + "a1")
		a.A2 = b.mat(att + "a2")
		if i > 0 {
			a.V0 = b.vec(att + "v0")
			a.V1 = b.mat(att + "v1")
			a.V2 = b.mat(att + "v2")
		}
		a.G1 = b.mat(att + "g1")
		a.G2 = b.mat(att + "g2")
		a.KK = b.vec(att + "k_k")
		a.KA = b.vec(att + "k_a")
		a.RK = b.vec(att + "r_k")
		a.LnX = b.norm(att + "ln_x")
	default:
		b.fail(errs.Version("cannot bind %s", v))
	}
	if b.p.Version.MatrixState() && b.p.Version != V7 {
		a.TimeState = b.optVec(att + "time_state")
		if a.TimeState != nil && len(a.TimeState) != b.p.Heads*b.p.HeadSize*b.p.HeadSize {
			b.fail(errs.Shape("%stime_state has %d entries", att, len(a.TimeState)))
		}
	}

	f := &blk.Ffn
	f.K = b.proj(ffn + "key.weight")
	f.V = b.proj(ffn + "value.weight")
	switch b.p.Version {
	case V7:
		f.MixK = b.vec(ffn + "x_k")
	case V6:
		f.MixK = b.vec(ffn + "time_maa_k")
		f.MixR = b.optVec(ffn + "time_maa_r")
		f.R = b.optProj(ffn + "receptance.weight")
	default:
		f.MixK = b.vec(ffn + "time_mix_k")
		f.MixR = b.vec(ffn + "time_mix_r")
		f.R = b.proj(ffn + "receptance.weight")
	}
	return blk
}
