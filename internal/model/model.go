// Package model holds RWKV checkpoints as named tensor dictionaries, infers
// their architecture parameters and binds converted dictionaries into
// per-layer structures the recurrent cells run on.
package model

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/samcharles93/rwkv/internal/tensor"
)

// Metadata keys written by the converter.
const (
	MetaStrategy     = "_strategy"
	MetaRescaleLayer = "_rescale_layer"
	MetaFormat       = "_version"
	MetaModelVersion = "_model_version"

	// FormatVersion is the converted-dictionary format understood here.
	FormatVersion = "0.7"
)

// Weights is a checkpoint: tensors by name plus string metadata.
type Weights struct {
	Tensors map[string]*tensor.Tensor
	Meta    map[string]string
}

// NewWeights returns an empty dictionary.
func NewWeights() *Weights {
	return &Weights{Tensors: make(map[string]*tensor.Tensor), Meta: make(map[string]string)}
}

func (w *Weights) Has(key string) bool {
	_, ok := w.Tensors[key]
	return ok
}

func (w *Weights) Get(key string) *tensor.Tensor { return w.Tensors[key] }

// Set stores t under key, replacing any previous tensor.
func (w *Weights) Set(key string, t *tensor.Tensor) { w.Tensors[key] = t }

func (w *Weights) Delete(key string) { delete(w.Tensors, key) }

// Keys returns the tensor names in sorted order.
func (w *Weights) Keys() []string {
	return slices.Sorted(maps.Keys(w.Tensors))
}

// Converted reports whether the dictionary came out of the converter.
func (w *Weights) Converted() bool {
	_, ok := w.Meta[MetaStrategy]
	return ok
}

// Layers counts the blocks.N prefixes.
func (w *Weights) Layers() int {
	n := 0
	for key := range w.Tensors {
		if i, ok := LayerOf(key); ok && i+1 > n {
			n = i + 1
		}
	}
	return n
}

// LayerOf parses N out of a "blocks.N." key.
func LayerOf(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, "blocks.")
	if !ok {
		return 0, false
	}
	num, _, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(num)
	if err != nil {
		return 0, false
	}
	return i, true
}

// Bytes is the total tensor storage.
func (w *Weights) Bytes() int {
	n := 0
	for _, t := range w.Tensors {
		n += t.Bytes()
	}
	return n
}
