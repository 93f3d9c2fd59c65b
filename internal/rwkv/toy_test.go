package rwkv

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/rwkv/internal/linear"
	"github.com/samcharles93/rwkv/internal/model"
)

// refV5 is a float64 transcription of the v5 recurrence, one token at a
// time, used to check the runtime on a toy model.
type refV5 struct {
	b     *model.Bound
	attX  [][]float64
	ffnX  [][]float64
	state [][]float64 // per layer, H×N×N key×value
}

func newRefV5(b *model.Bound) *refV5 {
	p := b.Params
	r := &refV5{b: b}
	for range p.Layers {
		r.attX = append(r.attX, make([]float64, p.Embd))
		r.ffnX = append(r.ffnX, make([]float64, p.Embd))
		r.state = append(r.state, make([]float64, p.Heads*p.HeadSize*p.HeadSize))
	}
	return r
}

func refLayerNorm(x []float64, n model.Norm, eps float64) []float64 {
	var mean, sq float64
	for _, v := range x {
		mean += v
	}
	mean /= float64(len(x))
	for _, v := range x {
		sq += (v - mean) * (v - mean)
	}
	inv := 1 / math.Sqrt(sq/float64(len(x))+eps)
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = (v-mean)*inv*float64(n.W[i]) + float64(n.B[i])
	}
	return out
}

func refMatVec(x []float64, w *linear.Weight) []float64 {
	out := make([]float64, w.Out())
	for i := range w.In() {
		row := w.W.Row(i)
		for j := range out {
			out[j] += x[i] * float64(row[j])
		}
	}
	return out
}

func refLerp(xx, sx []float64, mix []float32) []float64 {
	out := make([]float64, len(xx))
	for i := range xx {
		out[i] = xx[i]*float64(mix[i]) + sx[i]*(1-float64(mix[i]))
	}
	return out
}

func (r *refV5) step(tok int) []float64 {
	p := r.b.Params
	H, N := p.Heads, p.HeadSize
	x := make([]float64, p.Embd)
	for i, v := range r.b.Emb.Row(tok) {
		x[i] = float64(v)
	}
	for l := range p.Layers {
		blk := &r.b.Blocks[l]
		a := &blk.Att

		xx := refLayerNorm(x, blk.Ln1, lnEps)
		rr := refMatVec(refLerp(xx, r.attX[l], a.MixR), a.R)
		kk := refMatVec(refLerp(xx, r.attX[l], a.MixK), a.K)
		vv := refMatVec(refLerp(xx, r.attX[l], a.MixV), a.V)
		r.attX[l] = xx

		y := make([]float64, p.Att)
		s := r.state[l]
		for h := range H {
			for i := range N {
				c := h*N + i
				for j := range N {
					kv := kk[c] * vv[h*N+j]
					idx := h*N*N + i*N + j
					y[h*N+j] += rr[c] * (float64(a.First[c])*kv + s[idx])
					s[idx] = kv + float64(a.Decay[c])*s[idx]
				}
			}
		}
		for h := range H {
			g := refLayerNorm(y[h*N:(h+1)*N], model.Norm{W: a.LnX.W[h*N : (h+1)*N], B: a.LnX.B[h*N : (h+1)*N]}, groupNormEps)
			copy(y[h*N:], g)
		}
		for i, v := range refMatVec(y, a.O) {
			x[i] += v
		}

		f := &blk.Ffn
		xx = refLayerNorm(x, blk.Ln2, lnEps)
		k := refMatVec(refLerp(xx, r.ffnX[l], f.MixK), f.K)
		for i := range k {
			k[i] = math.Pow(math.Max(k[i], 0), 2)
		}
		kv := refMatVec(k, f.V)
		gate := refMatVec(refLerp(xx, r.ffnX[l], f.MixR), f.R)
		r.ffnX[l] = xx
		for i := range x {
			x[i] += kv[i] / (1 + math.Exp(-gate[i]))
		}
	}
	return refMatVec(refLayerNorm(x, r.b.LnOut, lnEps), r.b.Head)
}

func TestToyV5MatchesReference(t *testing.T) {
	t.Parallel()
	d := dims{layers: 2, embd: 4, heads: 1, ffn: 8, vocab: 8, rank: 2}
	m := buildModel(t, model.V5, d, "cpu fp32")
	require.Equal(t, 1, m.Params().Heads)
	require.Equal(t, 4, m.Params().HeadSize)

	tokens := []int{3, 7, 3}
	ref := newRefV5(m.bound)
	var want []float64
	for _, tok := range tokens {
		want = ref.step(tok)
	}
	want32 := make([]float32, len(want))
	for i, v := range want {
		want32[i] = float32(v)
	}

	seq, _, err := m.Forward(tokens, nil, false)
	require.NoError(t, err)
	requireClose(t, seq.Row(0), want32, 1e-4)

	steps, _ := stepwise(t, m, tokens, nil)
	requireClose(t, steps[len(steps)-1], want32, 1e-4)
}
