package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Mul multiplies dst by src element-wise.
func Mul(dst, src []float32) {
	for i := range dst {
		dst[i] *= src[i]
	}
}

// Scale multiplies every element of dst by s.
func Scale(dst []float32, s float32) {
	for i := range dst {
		dst[i] *= s
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// LayerNorm normalises src over its full length with a biased variance and
// writes (x-mean)/sqrt(var+eps)*weight+bias into dst.
func LayerNorm(dst, src, weight, bias []float32, eps float32) {
	normalize(dst, src, weight, bias, eps)
}

// GroupNorm applies LayerNorm independently to each of groups equal slices
// of src. weight and bias are per channel across the whole vector.
func GroupNorm(dst, src, weight, bias []float32, groups int, eps float32) {
	n := len(src) / groups
	for g := range groups {
		lo, hi := g*n, (g+1)*n
		normalize(dst[lo:hi], src[lo:hi], weight[lo:hi], bias[lo:hi], eps)
	}
}

func normalize(dst, src, weight, bias []float32, eps float32) {
	var mean float64
	for _, v := range src {
		mean += float64(v)
	}
	mean /= float64(len(src))
	var variance float64
	for _, v := range src {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(src))
	inv := 1 / math.Sqrt(variance+float64(eps))
	for i, v := range src {
		dst[i] = float32((float64(v)-mean)*inv)*weight[i] + bias[i]
	}
}

// L2NormalizeGroups scales each of groups equal slices of x to unit L2
// norm. Slices with a norm below 1e-12 are divided by 1e-12 instead.
func L2NormalizeGroups(x []float32, groups int) {
	n := len(x) / groups
	for g := range groups {
		seg := x[g*n : (g+1)*n]
		var ss float64
		for _, v := range seg {
			ss += float64(v) * float64(v)
		}
		norm := max(math.Sqrt(ss), 1e-12)
		inv := float32(1 / norm)
		for i := range seg {
			seg[i] *= inv
		}
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// Tanh is float32 tanh.
func Tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// Exp is float32 exp.
func Exp(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// ReluSquare computes max(x, 0)^2.
func ReluSquare(x float32) float32 {
	if x <= 0 {
		return 0
	}
	return x * x
}

// Apply replaces every element of x with f(x).
func Apply(x []float32, f func(float32) float32) {
	for i, v := range x {
		x[i] = f(v)
	}
}
