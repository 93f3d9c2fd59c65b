// Package safetensors reads and writes the safetensors container: an
// 8-byte little-endian header length, a JSON header describing each tensor
// and an optional __metadata__ string map, then the raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/rwkv/internal/model"
	"github.com/samcharles93/rwkv/internal/tensor"
)

const metadataKey = "__metadata__"

type TensorInfo struct {
	DType tensor.DType
	Shape []int
	Start int64
	End   int64
}

// File is an open safetensors file. The data is memory mapped when the
// platform allows it and read into memory otherwise.
type File struct {
	Path      string
	Tensors   map[string]TensorInfo
	Meta      map[string]string
	data      []byte
	dataStart int64
	mmapped   bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open maps path read-only and parses its header. Close releases the
// mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%s: not a safetensors file (size %d)", path, size)
	}

	sf := &File{Path: path}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		sf.data, sf.mmapped = data, true
	} else {
		buf := make([]byte, size)
		if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		sf.data = buf
	}
	if err := sf.parseHeader(); err != nil {
		_ = sf.Close()
		return nil, err
	}
	return sf, nil
}

func (f *File) parseHeader() error {
	headerLen := binary.LittleEndian.Uint64(f.data[:8])
	if headerLen > uint64(len(f.data)-8) {
		return fmt.Errorf("%s: header length %d exceeds file", f.Path, headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(f.data[8:8+headerLen], &raw); err != nil {
		return fmt.Errorf("%s: header: %w", f.Path, err)
	}
	f.Meta = make(map[string]string)
	if m, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(m, &f.Meta); err != nil {
			return fmt.Errorf("%s: metadata: %w", f.Path, err)
		}
		delete(raw, metadataKey)
	}

	f.dataStart = int64(8 + headerLen)
	payload := int64(len(f.data)) - f.dataStart
	f.Tensors = make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		dt, ok := tensor.ParseDType(th.DType)
		if !ok {
			return fmt.Errorf("tensor %s: unsupported dtype %s", name, th.DType)
		}
		info := TensorInfo{DType: dt, Shape: th.Shape, Start: th.DataOffsets[0], End: th.DataOffsets[1]}
		if info.Start < 0 || info.End < info.Start || info.End > payload {
			return fmt.Errorf("tensor %s: offsets [%d, %d) outside payload of %d", name, info.Start, info.End, payload)
		}
		if want := int64(numel(info.Shape) * dt.Size()); info.End-info.Start != want {
			return fmt.Errorf("tensor %s: %d bytes for shape %v %s", name, info.End-info.Start, info.Shape, dt)
		}
		f.Tensors[name] = info
	}
	return nil
}

// Close releases the mapping. Tensors returned by ReadTensor stay valid.
func (f *File) Close() error {
	if f.mmapped && f.data != nil {
		err := unix.Munmap(f.data)
		f.data = nil
		return err
	}
	f.data = nil
	return nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor copies one tensor out of the file.
func (f *File) ReadTensor(name string) (*tensor.Tensor, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor not found: %s", name)
	}
	if f.data == nil {
		return nil, fmt.Errorf("%s: file is closed", f.Path)
	}
	lo, hi := f.dataStart+info.Start, f.dataStart+info.End
	raw := append([]byte(nil), f.data[lo:hi]...)
	return tensor.FromRaw(info.Shape, info.DType, raw)
}

// ReadTensorF32 reads a tensor and decodes it to float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	t, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	return t.Float32s(), f.Tensors[name], nil
}

// LoadWeights reads every tensor and the metadata of path.
func LoadWeights(path string) (*model.Weights, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	w := model.NewWeights()
	for name := range f.Tensors {
		t, err := f.ReadTensor(name)
		if err != nil {
			return nil, err
		}
		w.Set(name, t)
	}
	for k, v := range f.Meta {
		w.Meta[k] = v
	}
	return w, nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
