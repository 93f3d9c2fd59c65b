package safetensors

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/rwkv/internal/model"
	"github.com/samcharles93/rwkv/internal/tensor"
)

// writeRaw builds a file from a header map and a payload.
func writeRaw(t *testing.T, header map[string]any, payload []byte) string {
	t.Helper()
	hdr, err := json.Marshal(header)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "test.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	data := append(append(lenBuf[:], hdr...), payload...)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestOpenReadsTensorsAndMetadata(t *testing.T) {
	t.Parallel()
	payload := tensor.Encode(tensor.F32, []float32{1, 2, 3, 4})
	path := writeRaw(t, map[string]any{
		"__metadata__": map[string]string{"_strategy": "cpu fp32"},
		"w":            tensorHeader{DType: "F32", Shape: []int{2, 2}, DataOffsets: []int64{0, 16}},
	}, payload)

	f, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	require.Equal(t, "cpu fp32", f.Meta["_strategy"])
	require.Len(t, f.Tensors, 1)

	vals, info, err := f.ReadTensorF32("w")
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, info.Shape)
	require.Equal(t, []float32{1, 2, 3, 4}, vals)

	_, err = f.ReadTensor("missing")
	require.Error(t, err)
}

func TestOpenRejectsBadFiles(t *testing.T) {
	t.Parallel()
	_, err := Open(filepath.Join(t.TempDir(), "nope.safetensors"))
	require.Error(t, err)

	short := filepath.Join(t.TempDir(), "short.safetensors")
	require.NoError(t, os.WriteFile(short, []byte{1, 2, 3}, 0o644))
	_, err = Open(short)
	require.Error(t, err)

	cases := map[string]map[string]any{
		"offsets past payload": {"w": tensorHeader{DType: "F32", Shape: []int{4}, DataOffsets: []int64{0, 64}}},
		"inverted offsets":     {"w": tensorHeader{DType: "F32", Shape: []int{1}, DataOffsets: []int64{8, 4}}},
		"size mismatch":        {"w": tensorHeader{DType: "F32", Shape: []int{3}, DataOffsets: []int64{0, 16}}},
		"bad dtype":            {"w": tensorHeader{DType: "I64", Shape: []int{2}, DataOffsets: []int64{0, 16}}},
		"one offset":           {"w": tensorHeader{DType: "F32", Shape: []int{4}, DataOffsets: []int64{0}}},
	}
	for name, header := range cases {
		path := writeRaw(t, header, make([]byte, 16))
		_, err := Open(path)
		require.Error(t, err, name)
	}
}

func TestWriteWeightsRoundTrip(t *testing.T) {
	t.Parallel()
	w := model.NewWeights()
	w.Set("a.f32", tensor.New([]int{2, 3}, []float32{1, -2, 3, -4, 5, -6}))
	f16, err := tensor.FromRaw([]int{3}, tensor.F16, tensor.Encode(tensor.F16, []float32{0.5, -1, 96}))
	require.NoError(t, err)
	w.Set("b.f16", f16)
	bf, err := tensor.FromRaw([]int{2}, tensor.BF16, tensor.Encode(tensor.BF16, []float32{1.5, -2.5}))
	require.NoError(t, err)
	w.Set("c.bf16", bf)
	q, err := tensor.FromRaw([]int{2, 2}, tensor.U8, []byte{0, 7, 128, 255})
	require.NoError(t, err)
	w.Set("d.u8", q)
	w.Meta[model.MetaStrategy] = "cpu fp16i8"

	path := filepath.Join(t.TempDir(), "out.safetensors")
	require.NoError(t, WriteWeights(path, w))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Zero(t, binary.LittleEndian.Uint64(raw[:8])%headerAlign)

	got, err := LoadWeights(path)
	require.NoError(t, err)
	require.Equal(t, w.Keys(), got.Keys())
	require.Equal(t, "cpu fp16i8", got.Meta[model.MetaStrategy])
	for _, k := range w.Keys() {
		want, have := w.Get(k), got.Get(k)
		require.Equal(t, want.DType, have.DType, k)
		require.Equal(t, want.Shape, have.Shape, k)
		require.Equal(t, want.Encoded(), have.Encoded(), k)
	}
}
