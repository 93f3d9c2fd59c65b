package model

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/rwkv/internal/errs"
	"github.com/samcharles93/rwkv/internal/tensor"
)

func zeros(shape ...int) *tensor.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return tensor.New(shape, make([]float32, n))
}

// skeleton has the keys Detect and DeriveParams look at for a raw
// checkpoint with 8 channels in 2 heads.
func skeleton(v Version) *Weights {
	w := NewWeights()
	w.Set("emb.weight", zeros(10, 8))
	for _, l := range []string{"0", "1"} {
		att := "blocks." + l + ".att."
		w.Set(att+"key.weight", zeros(8, 8))
		w.Set("blocks."+l+".ffn.key.weight", zeros(32, 8))
		switch v {
		case V4:
			w.Set(att+"time_decay", zeros(8))
		case V5:
			w.Set(att+"time_decay", zeros(2))
			w.Set(att+"ln_x.weight", zeros(8))
		case V5_1:
			w.Set(att+"time_decay", zeros(2))
			w.Set(att+"ln_x.weight", zeros(8))
			w.Set(att+"gate.weight", zeros(8, 8))
		case V5_2:
			w.Set(att+"time_decay", zeros(2, 4))
			w.Set(att+"ln_x.weight", zeros(8))
			w.Set(att+"gate.weight", zeros(8, 8))
		case V6:
			w.Set(att+"time_maa_x", zeros(1, 1, 8))
			w.Set(att+"time_faaaa", zeros(2, 4))
			w.Set(att+"ln_x.weight", zeros(8))
			w.Set(att+"gate.weight", zeros(8, 8))
		case V7:
			w.Set(att+"r_k", zeros(2, 4))
			w.Set(att+"ln_x.weight", zeros(8))
		}
	}
	return w
}

func TestDetect(t *testing.T) {
	t.Parallel()
	for _, v := range []Version{V4, V5, V5_1, V5_2, V6, V7} {
		got, err := Detect(skeleton(v))
		require.NoError(t, err, v)
		require.Equal(t, v, got)
	}

	_, err := Detect(NewWeights())
	require.ErrorIs(t, err, errs.ErrUnsupportedVersion)

	w := NewWeights()
	w.Set("emb.weight", zeros(2, 2))
	w.Set("blocks.0.ffn.key.weight", zeros(2, 2))
	_, err = Detect(w)
	require.ErrorIs(t, err, errs.ErrUnsupportedVersion)
}

func TestParseVersion(t *testing.T) {
	t.Parallel()
	cases := map[string]Version{
		"v4": V4, "5": V5, "5.1": V5_1, " V5.2 ": V5_2, "6.0": V6, "v7": V7,
	}
	for in, want := range cases {
		got, err := ParseVersion(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
		again, err := ParseVersion(got.String())
		require.NoError(t, err)
		require.Equal(t, got, again)
	}
	_, err := ParseVersion("8")
	require.ErrorIs(t, err, errs.ErrUnsupportedVersion)
	require.Equal(t, "unknown", Version(42).String())
}

func TestVersionTraits(t *testing.T) {
	t.Parallel()
	require.False(t, V5.Gated())
	require.True(t, V5_1.Gated())
	require.True(t, V6.Gated())
	require.False(t, V7.Gated())
	require.False(t, V5_1.PerChannelDecay())
	require.True(t, V5_2.PerChannelDecay())
	require.False(t, V4.MatrixState())
	require.True(t, V7.MatrixState())
}

func TestDeriveParams(t *testing.T) {
	t.Parallel()
	p, err := DeriveParams(skeleton(V5_2), V5_2)
	require.NoError(t, err)
	require.Equal(t, Params{Version: V5_2, Layers: 2, Embd: 8, Att: 8, FFN: 32, Vocab: 10, Heads: 2, HeadSize: 4}, p)

	p, err = DeriveParams(skeleton(V4), V4)
	require.NoError(t, err)
	require.Zero(t, p.Heads)
	require.Equal(t, 32, p.FFN)

	p, err = DeriveParams(skeleton(V7), V7)
	require.NoError(t, err)
	require.Equal(t, 2, p.Heads)

	// Converted projections are (in, out).
	w := skeleton(V6)
	w.Set("blocks.0.ffn.key.weight", zeros(8, 32))
	w.Meta[MetaStrategy] = "cpu fp32"
	p, err = DeriveParams(w, V6)
	require.NoError(t, err)
	require.Equal(t, 32, p.FFN)

	bad := skeleton(V5)
	bad.Set("blocks.0.att.time_decay", zeros(3))
	_, err = DeriveParams(bad, V5)
	require.ErrorIs(t, err, errs.ErrShapeMismatch)

	missing := skeleton(V5)
	missing.Delete("blocks.0.ffn.key.weight")
	_, err = DeriveParams(missing, V5)
	require.ErrorIs(t, err, errs.ErrShapeMismatch)
}

func TestWeightsHelpers(t *testing.T) {
	t.Parallel()
	w := skeleton(V4)
	require.Equal(t, 2, w.Layers())
	require.False(t, w.Converted())
	require.Equal(t, "blocks.0.att.key.weight", w.Keys()[0])
	require.Equal(t, (10*8+2*(8*8+32*8+8))*4, w.Bytes())

	i, ok := LayerOf("blocks.12.att.key.weight")
	require.True(t, ok)
	require.Equal(t, 12, i)
	_, ok = LayerOf("head.weight")
	require.False(t, ok)
	_, ok = LayerOf("blocks.x.ln1.weight")
	require.False(t, ok)
}

func TestBindRequiresConvertedWeights(t *testing.T) {
	t.Parallel()
	w := skeleton(V5)
	p, err := DeriveParams(w, V5)
	require.NoError(t, err)
	_, err = Bind(w, p)
	require.ErrorIs(t, err, errs.ErrConfiguration)

	w.Meta[MetaStrategy] = "cpu fp32"
	_, err = Bind(w, p)
	require.ErrorIs(t, err, errs.ErrConfiguration)
}
