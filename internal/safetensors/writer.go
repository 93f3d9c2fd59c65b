package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/rwkv/internal/model"
)

// headerAlign pads the JSON header so the payload starts 8-byte aligned.
const headerAlign = 8

// WriteWeights saves w to path with its metadata. Tensors are laid out in
// sorted name order. The file is written next to path and renamed into
// place, so readers never observe a partial file.
func WriteWeights(path string, w *model.Weights) error {
	keys := w.Keys()
	header := make(map[string]any, len(keys)+1)
	if len(w.Meta) > 0 {
		header[metadataKey] = w.Meta
	}
	var off int64
	for _, k := range keys {
		t := w.Get(k)
		n := int64(t.Bytes())
		header[k] = tensorHeader{DType: t.DType.String(), Shape: t.Shape, DataOffsets: []int64{off, off + n}}
		off += n
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for len(hdr)%headerAlign != 0 {
		hdr = append(hdr, ' ')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	bw := bufio.NewWriterSize(tmp, 1<<20)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := bw.Write(hdr); err != nil {
		_ = tmp.Close()
		return err
	}
	for _, k := range keys {
		if _, err := bw.Write(w.Get(k).Encoded()); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write %s: %w", k, err)
		}
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
