package model

import (
	"fmt"

	"github.com/samcharles93/rwkv/internal/errs"
)

// Params are the architecture dimensions of a checkpoint.
type Params struct {
	Version Version
	Layers  int
	Embd    int
	Att     int
	FFN     int
	Vocab   int
	// Heads is zero for v4.
	Heads    int
	HeadSize int
	// RescaleLayer halves the residual stream after every RescaleLayer
	// layers; zero disables it.
	RescaleLayer int
}

func (p Params) String() string {
	return fmt.Sprintf("%s layers=%d embd=%d att=%d ffn=%d vocab=%d heads=%d",
		p.Version, p.Layers, p.Embd, p.Att, p.FFN, p.Vocab, p.Heads)
}

// DeriveParams reads the dimensions off tensor shapes. Projection matrices
// are (out, in) in raw checkpoints and (in, out) once converted.
func DeriveParams(w *Weights, v Version) (Params, error) {
	p := Params{Version: v, Layers: w.Layers()}
	emb := w.Get("emb.weight")
	if emb == nil || len(emb.Shape) != 2 {
		return p, errs.Shape("emb.weight must be (vocab, embd)")
	}
	p.Vocab, p.Embd = emb.Shape[0], emb.Shape[1]
	if p.Layers == 0 {
		return p, errs.Configuration("checkpoint has no blocks")
	}

	outDim := func(key string) (int, error) {
		t := w.Get(key)
		if t == nil || len(t.Shape) != 2 {
			return 0, errs.Shape("%s must be a 2-D projection", key)
		}
		if w.Converted() {
			return t.Shape[1], nil
		}
		return t.Shape[0], nil
	}
	var err error
	if p.Att, err = outDim("blocks.0.att.key.weight"); err != nil {
		return p, err
	}
	if p.FFN, err = outDim("blocks.0.ffn.key.weight"); err != nil {
		return p, err
	}

	if v == V4 {
		return p, nil
	}
	var src string
	switch v {
	case V5, V5_1, V5_2:
		src = "blocks.0.att.time_decay"
	case V6:
		src = "blocks.0.att.time_faaaa"
		if !w.Has(src) {
			src = "blocks.0.att.time_first"
		}
	case V7:
		src = "blocks.0.att.r_k"
	}
	t := w.Get(src)
	if t == nil || len(t.Shape) == 0 {
		return p, errs.Configuration("cannot infer head count: missing %s", src)
	}
	p.Heads = t.Shape[0]
	if p.Heads <= 0 || p.Att%p.Heads != 0 {
		return p, errs.Shape("attention width %d not divisible into %d heads", p.Att, p.Heads)
	}
	p.HeadSize = p.Att / p.Heads
	return p, nil
}
