package rwkv

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/rwkv/internal/logger"
	"github.com/samcharles93/rwkv/internal/model"
	"github.com/samcharles93/rwkv/internal/tensor"
)

type dims struct {
	layers, embd, heads, ffn, vocab, rank int
}

var smallDims = dims{layers: 3, embd: 16, heads: 2, ffn: 32, vocab: 11, rank: 4}

// rawCheckpoint builds a random checkpoint with the key names and raw
// (out, in) shapes of a trained model of version v.
func rawCheckpoint(v model.Version, d dims, seed int64) *model.Weights {
	rng := rand.New(rand.NewSource(seed))
	w := model.NewWeights()
	uniform := func(key string, lo, hi float32, shape ...int) {
		n := 1
		for _, s := range shape {
			n *= s
		}
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = lo + rng.Float32()*(hi-lo)
		}
		w.Set(key, tensor.New(shape, vals))
	}
	sym := func(key string, scale float32, shape ...int) { uniform(key, -scale, scale, shape...) }

	D, F, V, H, R := d.embd, d.ffn, d.vocab, d.heads, d.rank
	A, N := D, D/H
	norm := func(prefix string, width int) {
		uniform(prefix+".weight", 0.8, 1.2, width)
		sym(prefix+".bias", 0.1, width)
	}

	sym("emb.weight", 1, V, D)
	norm("blocks.0.ln0", D)
	norm("ln_out", D)
	sym("head.weight", 0.5, V, D)

	for i := range d.layers {
		pre := fmt.Sprintf("blocks.%d.", i)
		att, ffn := pre+"att.", pre+"ffn."
		norm(pre+"ln1", D)
		norm(pre+"ln2", D)
		sym(att+"key.weight", 0.5, A, D)
		sym(att+"value.weight", 0.5, A, D)
		sym(att+"receptance.weight", 0.5, A, D)
		sym(att+"output.weight", 0.5, D, A)

		switch v {
		case model.V4, model.V5, model.V5_1, model.V5_2:
			for _, m := range []string{"k", "v", "r"} {
				uniform(att+"time_mix_"+m, 0, 1, 1, 1, D)
			}
			switch v {
			case model.V4:
				uniform(att+"time_decay", -1, 1, A)
				sym(att+"time_first", 0.5, A)
			case model.V5, model.V5_1:
				uniform(att+"time_decay", -1, 1, H)
				sym(att+"time_first", 0.5, H)
			case model.V5_2:
				uniform(att+"time_decay", -1, 1, H, N)
				sym(att+"time_faaaa", 0.5, H, N)
			}
			if v != model.V4 {
				norm(att+"ln_x", A)
			}
			if v.Gated() {
				uniform(att+"time_mix_g", 0, 1, 1, 1, D)
				sym(att+"gate.weight", 0.5, A, D)
			}
		case model.V6:
			for _, m := range []string{"x", "w", "k", "v", "r", "g"} {
				uniform(att+"time_maa_"+m, 0, 1, 1, 1, D)
			}
			sym(att+"time_maa_w1", 0.2, D, 5*R)
			sym(att+"time_maa_w2", 0.2, 5, R, D)
			uniform(att+"time_decay", -1, 1, 1, 1, A)
			sym(att+"time_decay_w1", 0.2, D, R)
			sym(att+"time_decay_w2", 0.2, R, A)
			sym(att+"time_faaaa", 0.5, H, N)
			sym(att+"gate.weight", 0.5, A, D)
			norm(att+"ln_x", A)
		case model.V7:
			for _, m := range []string{"r", "w", "k", "v", "a", "g"} {
				uniform(att+"x_"+m, 0, 1, 1, 1, D)
			}
			uniform(att+"w0", -1, 1, 1, 1, D)
			sym(att+"w1", 0.3, D, R)
			sym(att+"w2", 0.3, R, D)
			sym(att+"a0", 0.5, 1, 1, D)
			sym(att+"a1", 0.3, D, R)
			sym(att+"a2", 0.3, R, D)
			if i > 0 {
				sym(att+"v0", 0.5, 1, 1, D)
				sym(att+"v1", 0.3, D, R)
				sym(att+"v2", 0.3, R, D)
			}
			sym(att+"g1", 0.3, D, R)
			sym(att+"g2", 0.3, R, D)
			uniform(att+"k_k", 0.5, 1.5, 1, 1, D)
			uniform(att+"k_a", 0, 1, 1, 1, D)
			sym(att+"r_k", 0.5, H, N)
			norm(att+"ln_x", A)
		}

		sym(ffn+"key.weight", 0.5, F, D)
		sym(ffn+"value.weight", 0.5, D, F)
		switch v {
		case model.V7:
			uniform(ffn+"x_k", 0, 1, 1, 1, D)
		case model.V6:
			uniform(ffn+"time_maa_k", 0, 1, 1, 1, D)
			uniform(ffn+"time_maa_r", 0, 1, 1, 1, D)
			sym(ffn+"receptance.weight", 0.5, D, D)
		default:
			uniform(ffn+"time_mix_k", 0, 1, 1, 1, D)
			uniform(ffn+"time_mix_r", 0, 1, 1, 1, D)
			sym(ffn+"receptance.weight", 0.5, D, D)
		}
	}
	return w
}

func blockKey(i int, suffix string) string {
	return fmt.Sprintf("blocks.%d.%s", i, suffix)
}

func loadTest(t testing.TB, w *model.Weights, spec string) *Model {
	t.Helper()
	zero := 0
	m, err := FromWeights(w, Options{Strategy: spec, RescaleLayer: &zero, Logger: logger.Nop()})
	require.NoError(t, err)
	return m
}

func buildModel(t testing.TB, v model.Version, d dims, spec string) *Model {
	t.Helper()
	return loadTest(t, rawCheckpoint(v, d, 7), spec)
}

var allVersions = []model.Version{model.V4, model.V5, model.V5_1, model.V5_2, model.V6, model.V7}

func maxAbs(xs []float32) float32 {
	var m float32
	for _, x := range xs {
		m = max(m, float32(math.Abs(float64(x))))
	}
	return m
}

// requireClose checks max |a-b| <= tol * max(1, max |b|).
func requireClose(t testing.TB, a, b []float32, tol float32, msgAndArgs ...any) {
	t.Helper()
	require.Len(t, a, len(b), msgAndArgs...)
	var diff float32
	for i := range a {
		require.False(t, math.IsNaN(float64(a[i])) || math.IsInf(float64(a[i]), 0), msgAndArgs...)
		diff = max(diff, float32(math.Abs(float64(a[i]-b[i]))))
	}
	bound := tol * max(1, maxAbs(b))
	require.LessOrEqual(t, diff, bound, msgAndArgs...)
}

func requireStatesClose(t testing.TB, a, b *State, tol float32) {
	t.Helper()
	require.Equal(t, a.Version, b.Version)
	require.Len(t, a.Layers, len(b.Layers))
	for i := range a.Layers {
		la, lb := a.Layers[i], b.Layers[i]
		requireClose(t, la.AttX, lb.AttX, tol, "layer %d att_x", i)
		requireClose(t, la.FfnX, lb.FfnX, tol, "layer %d ffn_x", i)
		requireClose(t, la.WKV, lb.WKV, tol, "layer %d wkv", i)
		requireClose(t, la.AttA, lb.AttA, tol, "layer %d att_a", i)
		requireClose(t, la.AttB, lb.AttB, tol, "layer %d att_b", i)
		requireClose(t, la.AttP, lb.AttP, tol, "layer %d att_p", i)
	}
}
