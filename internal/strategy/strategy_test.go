package strategy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/rwkv/internal/errs"
	"github.com/samcharles93/rwkv/internal/tensor"
)

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()
	bad := []string{
		"",
		"gpu fp16",
		"cuda fp8",
		"cuda fp16 *",
		"cuda  fp16",
		"cuda fp16 -> ",
		"cuda fp16i2",
		"cuda fp16 *2+ -> cpu fp32 *1+",
	}
	for _, s := range bad {
		_, err := Parse(s)
		require.ErrorIs(t, err, errs.ErrConfiguration, "strategy %q", s)
	}
}

func TestParseSegments(t *testing.T) {
	t.Parallel()
	segs, err := Parse("cuda:1 fp16i8 *10+ -> cpu bf16 -> mps fp32i4 *2")
	require.NoError(t, err)
	require.Len(t, segs, 3)
	require.Equal(t, Segment{Device: "cuda:1", ActType: tensor.F16, WeightType: tensor.U8, QuantBits: 8, Count: 10, HasCount: true, Stream: true}, segs[0])
	require.Equal(t, Segment{Device: "cpu", ActType: tensor.BF16, WeightType: tensor.BF16}, segs[1])
	require.Equal(t, Segment{Device: "mps", ActType: tensor.F32, WeightType: tensor.F32, QuantBits: 4, Count: 2, HasCount: true}, segs[2])
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	require.Equal(t, "cuda fp16 *3 -> cpu fp32", Normalize("cuda fp16 *3->  cpu fp32 "))
}

func TestAllocation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		spec   string
		layers int
		alloc  []int
		stream int
	}{
		{"cpu fp32", 24, []int{25}, 0},
		{"cuda fp16 *10 -> cpu fp32", 24, []int{10, 15}, 0},
		{"cuda fp16 -> cpu fp32", 24, []int{12, 13}, 0},
		{"cuda fp16 -> cpu fp32 -> cpu bf16", 9, []int{3, 3, 4}, 0},
		{"cuda fp16 *30 -> cpu fp32", 24, []int{25, 0}, 0},
		{"cuda fp16 *4 -> cuda fp16 *2", 12, []int{4, 9}, 0},
		{"cuda fp16 *6+", 24, []int{25}, 19},
		{"cuda fp16 *4 -> cuda fp16i8 *2+", 12, []int{4, 9}, 7},
		{"cuda fp16i8 *30+ -> cpu fp32", 24, []int{25, 0}, 0},
	}
	for _, tc := range cases {
		p, err := New(tc.spec, tc.layers)
		require.NoError(t, err, tc.spec)
		require.Equal(t, tc.alloc, p.Alloc, tc.spec)
		require.Equal(t, tc.stream, p.StreamCount, tc.spec)
		require.Len(t, p.Layers, tc.layers+1, tc.spec)
	}
}

func TestStreamingIsSuffixOfSegment(t *testing.T) {
	t.Parallel()
	p, err := New("cuda fp16 *2 -> cuda fp16i8 *1+", 5)
	require.NoError(t, err)
	want := []bool{false, false, false, true, true, true}
	for i, l := range p.Layers {
		require.Equal(t, want[i], l.Stream, "slot %d", i)
	}
	require.Equal(t, tensor.U8, p.Layers[3].WeightType)
	require.Equal(t, tensor.F16, p.Layers[0].WeightType)
	require.Equal(t, 8, p.Layers[3].QuantBits)
	require.Zero(t, p.Layers[0].QuantBits)
	require.Equal(t, p.Layers[5], p.Head())
	require.Equal(t, 5, p.NumLayers())
}

// Every valid strategy covers exactly n+1 contiguous slots in segment order.
func TestCoverageProperty(t *testing.T) {
	t.Parallel()
	specs := []string{
		"cpu fp32",
		"cuda fp16 -> cpu fp32",
		"cuda fp16 *1 -> cuda fp16i8 -> cpu fp32 *2",
		"cuda fp16 *3 -> cpu fp32 *3",
		"cuda:0 fp16 *2 -> cuda:1 fp16 *2 -> cpu fp32i8 *1+",
		"dml fp32 -> mps bf16 -> cpu fp16i3",
	}
	for _, spec := range specs {
		for n := 1; n <= 40; n++ {
			p, err := New(spec, n)
			require.NoError(t, err)
			require.Len(t, p.Layers, n+1, "%s n=%d", spec, n)

			sum := 0
			for _, a := range p.Alloc {
				require.GreaterOrEqual(t, a, 0)
				sum += a
			}
			require.Equal(t, n+1, sum, "%s n=%d", spec, n)

			slot := 0
			for i, seg := range p.Segments {
				seenStream := false
				for k := 0; k < p.Alloc[i]; k++ {
					l := p.Layers[slot]
					require.Equal(t, seg.Device, l.Device, fmt.Sprintf("%s n=%d slot %d", spec, n, slot))
					if seenStream {
						require.True(t, l.Stream, "stream slots must be a suffix")
					}
					seenStream = seenStream || l.Stream
					slot++
				}
			}
		}
	}
}

func TestNewRejectsEmptyModel(t *testing.T) {
	t.Parallel()
	_, err := New("cpu fp32", 0)
	require.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestSummary(t *testing.T) {
	t.Parallel()
	p, err := New("cuda fp16 *2 -> cpu fp32i8 *1+", 5)
	require.NoError(t, err)
	require.Equal(t, []string{
		"cuda F16 store 2 layers",
		"cpu F32/U8 store 1 layers, stream 3 layers",
	}, p.Summary())
	require.Equal(t, "cpu-F32-U8-stream", p.Layers[5].String())
}
