package rwkv

import (
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/rwkv/internal/tensor"
)

// chunkLen bounds the T×T decay matrix of the closed-form sequence kernel.
const chunkLen = 64

// forHeads runs fn for every head. Heads own disjoint slices of the state
// and of every output row, so they need no locking.
func forHeads(heads int, fn func(h int)) {
	if heads == 1 {
		fn(0)
		return
	}
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for h := range heads {
		g.Go(func() error {
			fn(h)
			return nil
		})
	}
	_ = g.Wait()
}

// decayAt returns the per-channel decay of token t: row t of w when the
// decay is data dependent, the static decay otherwise.
func decayAt(w *tensor.Mat, static []float32, t int) []float32 {
	if w != nil {
		return w.Row(t)
	}
	return static
}

// matrixWKV advances the v5/v6 state s (per head, key×value) over the rows
// of r, k, v and writes the per-token readout into out. A single row takes
// the step recurrence; longer inputs take the chunked closed form.
//
// Step:  out[j] += r[i] * (u[i]*k[i]*v[j] + S[i][j]);  S[i][j] = k[i]*v[j] + w[i]*S[i][j]
func matrixWKV(out, r, k, v, w *tensor.Mat, static, u, s []float32, heads, n int) {
	if r.R == 1 {
		forHeads(heads, func(h int) {
			lo := h * n
			wkvStep(out.Row(0)[lo:lo+n], r.Row(0)[lo:lo+n], k.Row(0)[lo:lo+n], v.Row(0)[lo:lo+n],
				decayAt(w, static, 0)[lo:lo+n], u[lo:lo+n], s[h*n*n:(h+1)*n*n], n)
		})
		return
	}
	forHeads(heads, func(h int) {
		wkvHeadChunked(out, r, k, v, w, static, u, s[h*n*n:(h+1)*n*n], h, n)
	})
}

func wkvStep(out, r, k, v, w, u, s []float32, n int) {
	clear(out)
	for i := range n {
		row := s[i*n : (i+1)*n]
		ri, ki, ui, wi := r[i], k[i], u[i], w[i]
		for j := range n {
			a := ki * v[j]
			out[j] += ri * (ui*a + row[j])
			row[j] = a + wi*row[j]
		}
	}
}

// wkvHeadChunked evaluates one head over chunks of at most chunkLen tokens.
// Within a chunk starting at c0 with state S0:
//
//	A[t][s] = sum_i r_t[i] k_s[i] prod_{m=s+1}^{t-1} w_m[i]   (s < t)
//	A[t][t] = sum_i r_t[i] u[i] k_t[i]
//	out_t   = sum_{s<=t} A[t][s] v_s + sum_i r_t[i] P_t[i] S0[i][:],  P_t = prod_{m=c0}^{t-1} w_m
//	S_end   = sum_s (k_s * prod_{m=s+1}^{end} w_m) v_s + P_end S0
func wkvHeadChunked(out, r, k, v, w *tensor.Mat, static, u, s []float32, h, n int) {
	lo, hi := h*n, (h+1)*n
	T := r.R
	A := make([]float32, chunkLen*chunkLen)
	carry := make([]float32, chunkLen*n) // k_s scaled by the decay to the chunk end
	prod := make([]float32, n)
	next := make([]float32, n*n)

	for c0 := 0; c0 < T; c0 += chunkLen {
		c1 := min(c0+chunkLen, T)
		L := c1 - c0
		clear(A[:L*L])

		for si := range L {
			ks := k.Row(c0 + si)[lo:hi]
			for i := range prod {
				prod[i] = 1
			}
			for ti := si + 1; ti < L; ti++ {
				rt := r.Row(c0 + ti)[lo:hi]
				var acc float32
				for i := range n {
					acc += rt[i] * ks[i] * prod[i]
				}
				A[ti*L+si] = acc
				wt := decayAt(w, static, c0+ti)[lo:hi]
				for i := range n {
					prod[i] *= wt[i]
				}
			}
			cs := carry[si*n : (si+1)*n]
			for i := range n {
				cs[i] = ks[i] * prod[i]
			}
			rs := r.Row(c0 + si)[lo:hi]
			var diag float32
			for i := range n {
				diag += rs[i] * u[lo+i] * ks[i]
			}
			A[si*L+si] = diag
		}

		for i := range prod {
			prod[i] = 1
		}
		for ti := range L {
			o := out.Row(c0 + ti)[lo:hi]
			clear(o)
			for si := 0; si <= ti; si++ {
				a := A[ti*L+si]
				vs := v.Row(c0 + si)[lo:hi]
				for j := range n {
					o[j] += a * vs[j]
				}
			}
			rt := r.Row(c0 + ti)[lo:hi]
			for i := range n {
				coef := rt[i] * prod[i]
				row := s[i*n : (i+1)*n]
				for j := range n {
					o[j] += coef * row[j]
				}
			}
			wt := decayAt(w, static, c0+ti)[lo:hi]
			for i := range n {
				prod[i] *= wt[i]
			}
		}

		for i := range n {
			pi := prod[i]
			dst := next[i*n : (i+1)*n]
			row := s[i*n : (i+1)*n]
			for j := range n {
				dst[j] = pi * row[j]
			}
			for si := range L {
				ki := carry[si*n+i]
				vs := v.Row(c0 + si)[lo:hi]
				for j := range n {
					dst[j] += ki * vs[j]
				}
			}
		}
		copy(s, next)
	}
}

// v7Step advances one head of the v7 state (value×key) by one token:
//
//	S = S*diag(w) + (S*(-kk)) (kk*a)^T + v k^T,   out = S r
func v7Step(out, r, w, k, v, kk, a, s []float32, n int) {
	for i := range n {
		row := s[i*n : (i+1)*n]
		var sa float32
		for j := range n {
			sa -= row[j] * kk[j]
		}
		vi := v[i]
		var o float32
		for j := range n {
			row[j] = row[j]*w[j] + sa*kk[j]*a[j] + vi*k[j]
			o += row[j] * r[j]
		}
		out[i] = o
	}
}
