package quant

// Scheme quantizes a row-major matrix.
type Scheme interface {
	Name() string
	Bits() int
	Quantize(rows, cols int, data []float32) (*Affine, error)
}

// MinMax8 is the 8-bit row/column min-max scheme implemented by Quantize.
type MinMax8 struct{}

func (MinMax8) Name() string { return "minmax-u8" }

func (MinMax8) Bits() int { return 8 }

func (MinMax8) Quantize(rows, cols int, data []float32) (*Affine, error) {
	return Quantize(rows, cols, data)
}

// ForBits returns the scheme storing weights at the given width. Widths
// without a scheme (4 and 3 bits today) report false and stay unquantized.
func ForBits(bits int) (Scheme, bool) {
	if bits == 8 {
		return MinMax8{}, true
	}
	return nil, false
}
