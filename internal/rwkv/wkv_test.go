package rwkv

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/rwkv/internal/tensor"
)

func randRows(rng *rand.Rand, r, c int, lo, hi float32) tensor.Mat {
	m := tensor.NewMat(r, c)
	for i := range m.Data {
		m.Data[i] = lo + rng.Float32()*(hi-lo)
	}
	return m
}

func TestChunkedWKVMatchesStep(t *testing.T) {
	t.Parallel()
	const heads, n = 3, 4
	width := heads * n
	for _, T := range []int{2, chunkLen, chunkLen + 1, 150} {
		for _, dynamic := range []bool{false, true} {
			rng := rand.New(rand.NewSource(int64(T)))
			r := randRows(rng, T, width, -1, 1)
			k := randRows(rng, T, width, -1, 1)
			v := randRows(rng, T, width, -1, 1)
			u := randRows(rng, 1, width, -0.5, 1.5).Data
			static := randRows(rng, 1, width, 0.6, 0.99).Data
			var w *tensor.Mat
			if dynamic {
				dw := randRows(rng, T, width, 0.6, 0.99)
				w = &dw
			}
			init := randRows(rng, 1, heads*n*n, -0.5, 0.5).Data

			want := tensor.NewMat(T, width)
			wantState := append([]float32(nil), init...)
			for i := range T {
				for h := range heads {
					lo, hi := h*n, (h+1)*n
					wkvStep(want.Row(i)[lo:hi], r.Row(i)[lo:hi], k.Row(i)[lo:hi], v.Row(i)[lo:hi],
						decayAt(w, static, i)[lo:hi], u[lo:hi], wantState[h*n*n:(h+1)*n*n], n)
				}
			}

			got := tensor.NewMat(T, width)
			gotState := append([]float32(nil), init...)
			matrixWKV(&got, &r, &k, &v, w, static, u, gotState, heads, n)

			requireClose(t, got.Data, want.Data, 1e-4, "T=%d dynamic=%v", T, dynamic)
			requireClose(t, gotState, wantState, 1e-4, "T=%d dynamic=%v state", T, dynamic)
		}
	}
}

func TestWKVStepFromZeroState(t *testing.T) {
	t.Parallel()
	const n = 2
	s := make([]float32, n*n)
	out := make([]float32, n)
	r := []float32{1, 2}
	k := []float32{3, 4}
	v := []float32{5, 6}
	w := []float32{0.5, 0.25}
	u := []float32{1, 0}

	wkvStep(out, r, k, v, w, u, s, n)
	// Only the bonus term contributes: out[j] = sum_i r[i] u[i] k[i] v[j].
	require.Equal(t, []float32{15, 18}, out)
	require.Equal(t, []float32{15, 18, 20, 24}, s)

	wkvStep(out, r, k, v, w, u, s, n)
	// S_prev contributes r^T S; the state decays by w per key row.
	require.Equal(t, []float32{15 + 15 + 40, 18 + 18 + 48}, out)
	require.Equal(t, []float32{15 + 7.5, 18 + 9, 20 + 5, 24 + 6}, s)
}

func TestV7StepDeltaRule(t *testing.T) {
	t.Parallel()
	const n = 2
	s := []float32{1, 2, 3, 4} // value×key
	out := make([]float32, n)
	r := []float32{1, 1}
	w := []float32{1, 1}
	k := []float32{0, 0}
	v := []float32{0, 0}
	kk := []float32{1, 0}
	a := []float32{1, 1}

	v7Step(out, r, w, k, v, kk, a, s, n)
	// With a=1 and unit kk, the update removes the state's projection on kk.
	require.Equal(t, []float32{0, 2, 0, 4}, s)
	require.Equal(t, []float32{2, 4}, out)
}
