// Package convert turns a raw RWKV checkpoint into the layout the runtime
// executes: projections transposed to (in, out), decays precomputed, the
// embedding pre-normalized and every tensor stored in the dtype its layer's
// plan asks for.
package convert

import (
	"math"
	"strconv"
	"strings"

	"github.com/samcharles93/rwkv/internal/errs"
	"github.com/samcharles93/rwkv/internal/logger"
	"github.com/samcharles93/rwkv/internal/model"
	"github.com/samcharles93/rwkv/internal/strategy"
	"github.com/samcharles93/rwkv/internal/tensor"
	"github.com/samcharles93/rwkv/pkg/quant"
)

// Options control a conversion.
type Options struct {
	Plan *strategy.Plan
	// RescaleLayer is ignored for v7, which never rescales.
	RescaleLayer int
	Logger       logger.Logger
}

var projectionSuffixes = []string{
	"key.weight", "value.weight", "receptance.weight", "gate.weight", "output.weight", "head.weight",
}

func isProjection(key string, shape []int) bool {
	if len(shape) != 2 || strings.HasPrefix(key, "emb.") {
		return false
	}
	for _, s := range projectionSuffixes {
		if strings.HasSuffix(key, s) {
			return true
		}
	}
	return false
}

// Convert returns a new converted dictionary; raw is not modified.
func Convert(raw *model.Weights, opts Options) (*model.Weights, model.Params, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	if raw.Converted() {
		return nil, model.Params{}, errs.Configuration("checkpoint is already converted")
	}
	v, err := model.Detect(raw)
	if err != nil {
		return nil, model.Params{}, err
	}
	p, err := model.DeriveParams(raw, v)
	if err != nil {
		return nil, p, err
	}
	if opts.Plan == nil {
		return nil, p, errs.Configuration("conversion needs a strategy plan")
	}
	if opts.Plan.NumLayers() != p.Layers {
		return nil, p, errs.Configuration("plan covers %d layers, checkpoint has %d", opts.Plan.NumLayers(), p.Layers)
	}
	p.RescaleLayer = opts.RescaleLayer
	if v == model.V7 {
		p.RescaleLayer = 0
	}
	log.Info("converting checkpoint", "params", p.String(), "strategy", opts.Plan.Spec, "rescale_layer", p.RescaleLayer)

	c := &converter{raw: raw, out: model.NewWeights(), p: p, plan: opts.Plan}
	for _, key := range raw.Keys() {
		if strings.HasPrefix(key, "blocks.0.ln0.") {
			continue
		}
		if strings.HasSuffix(key, ".time_faaaa") {
			c.realTimeFirst = true
		}
	}
	for _, key := range raw.Keys() {
		if strings.HasPrefix(key, "blocks.0.ln0.") {
			continue
		}
		if err := c.convert(key); err != nil {
			return nil, p, err
		}
	}
	for k, val := range raw.Meta {
		c.out.Meta[k] = val
	}
	c.out.Meta[model.MetaStrategy] = opts.Plan.Spec
	c.out.Meta[model.MetaRescaleLayer] = strconv.Itoa(p.RescaleLayer)
	c.out.Meta[model.MetaFormat] = model.FormatVersion
	c.out.Meta[model.MetaModelVersion] = v.String()
	log.Debug("conversion done", "tensors", len(c.out.Tensors), "bytes", c.out.Bytes())
	return c.out, p, nil
}

type converter struct {
	raw, out      *model.Weights
	p             model.Params
	plan          *strategy.Plan
	realTimeFirst bool
}

func (c *converter) layerOf(key string) int {
	if strings.HasPrefix(key, "ln_out.") || strings.HasPrefix(key, "head.") {
		return c.p.Layers
	}
	i, _ := model.LayerOf(key)
	return i
}

func (c *converter) convert(key string) error {
	t := c.raw.Get(key)
	layer := c.layerOf(key)
	lp := c.plan.Layers[layer]
	vals := append([]float32(nil), t.Float32s()...)
	shape := append([]int(nil), t.Shape...)
	name := strings.Replace(key, ".time_faaaa", ".time_first", 1)

	if key == "emb.weight" {
		if err := c.normalizeEmbedding(vals, shape); err != nil {
			return err
		}
		return c.store(name, shape, lp.ActType, vals)
	}

	if c.p.RescaleLayer > 0 && (strings.HasSuffix(key, "att.output.weight") || strings.HasSuffix(key, "ffn.value.weight")) {
		tensor.Scale(vals, float32(1/math.Pow(2, float64(layer/c.p.RescaleLayer))))
	}
	if strings.Contains(key, ".time_") || (c.p.Version == model.V7 && !strings.HasSuffix(key, "att.r_k")) {
		shape = squeeze(shape)
	}
	if isProjection(key, shape) {
		vals = transpose(vals, shape[0], shape[1])
		shape = []int{shape[1], shape[0]}
	}

	H, N := c.p.Heads, c.p.HeadSize
	var err error
	switch {
	case strings.HasSuffix(key, ".time_decay"):
		switch c.p.Version {
		case model.V4:
			tensor.Apply(vals, func(x float32) float32 { return -tensor.Exp(x) })
			shape = []int{len(vals)}
		case model.V6:
			// data-dependent; the runtime adds the low-rank term first
			if shape, err = headShape(name, len(vals), H, N); err != nil {
				return err
			}
		default:
			tensor.Apply(vals, func(x float32) float32 { return tensor.Exp(-tensor.Exp(x)) })
			if shape, err = headShape(name, len(vals), H, N); err != nil {
				return err
			}
		}
		return c.store(name, shape, tensor.F32, vals)
	case strings.HasSuffix(name, ".time_first"):
		switch c.p.Version {
		case model.V4:
			shape = []int{len(vals)}
		default:
			if !c.realTimeFirst {
				tensor.Apply(vals, tensor.Exp)
			}
			if shape, err = headShape(name, len(vals), H, N); err != nil {
				return err
			}
		}
		return c.store(name, shape, tensor.F32, vals)
	case strings.Contains(key, ".ln_x."), strings.HasSuffix(key, ".time_state"):
		return c.store(name, shape, tensor.F32, vals)
	case isProjection(key, shape):
		if lp.WeightType == tensor.U8 {
			return c.quantize(quant.MinMax8{}, name, shape, lp.ActType, vals)
		}
		return c.store(name, shape, lp.WeightType, vals)
	}
	return c.store(name, shape, lp.ActType, vals)
}

// headShape is the converted decay/first layout: (H, 1, 1) with one value
// per head as in v5 and v5.1, (H, N, 1) with one per channel from v5.2 on.
func headShape(name string, n, H, N int) ([]int, error) {
	switch n {
	case H:
		return []int{H, 1, 1}, nil
	case H * N:
		return []int{H, N, 1}, nil
	}
	return nil, errs.Shape("%s has %d values for %d heads of size %d", name, n, H, N)
}

func (c *converter) normalizeEmbedding(vals []float32, shape []int) error {
	w, b := c.raw.Get("blocks.0.ln0.weight"), c.raw.Get("blocks.0.ln0.bias")
	if w == nil || b == nil {
		return errs.Configuration("missing blocks.0.ln0 for embedding normalization")
	}
	d := shape[1]
	lw, lb := w.Float32s(), b.Float32s()
	if len(lw) != d || len(lb) != d {
		return errs.Shape("ln0 has %d entries, embedding width is %d", len(lw), d)
	}
	for r := range shape[0] {
		row := vals[r*d : (r+1)*d]
		tensor.LayerNorm(row, row, lw, lb, 1e-5)
	}
	return nil
}

func (c *converter) quantize(scheme quant.Scheme, name string, shape []int, atype tensor.DType, vals []float32) error {
	a, err := scheme.Quantize(shape[0], shape[1], vals)
	if err != nil {
		return errs.Shape("%s: %v", name, err)
	}
	q, err := tensor.FromRaw(shape, tensor.U8, a.Q)
	if err != nil {
		return errs.Shape("%s: %v", name, err)
	}
	c.out.Set(name, q)
	for suffix, v := range map[string][]float32{
		quant.SuffixRowMin:   a.MY,
		quant.SuffixRowScale: a.RY,
		quant.SuffixColMin:   a.MX,
		quant.SuffixColScale: a.RX,
	} {
		if err := c.store(name+suffix, []int{len(v)}, atype, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *converter) store(name string, shape []int, dtype tensor.DType, vals []float32) error {
	if dtype == tensor.F32 {
		c.out.Set(name, tensor.New(shape, vals))
		return nil
	}
	t, err := tensor.FromRaw(shape, dtype, tensor.Encode(dtype, vals))
	if err != nil {
		return errs.Dtype("%s: %v", name, err)
	}
	c.out.Set(name, t)
	return nil
}

func squeeze(shape []int) []int {
	out := make([]int, 0, len(shape))
	for _, d := range shape {
		if d != 1 {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		out = append(out, 1)
	}
	return out
}

func transpose(vals []float32, rows, cols int) []float32 {
	out := make([]float32, len(vals))
	for i := range rows {
		for j := range cols {
			out[j*rows+i] = vals[i*cols+j]
		}
	}
	return out
}

// Verify checks that a converted dictionary was produced for spec and
// rescale. Converted weights bake both in, so a mismatch cannot be fixed at
// load time.
func Verify(w *model.Weights, spec string, rescale int) error {
	if !w.Converted() {
		return errs.Configuration("weights are not converted")
	}
	if f := w.Meta[model.MetaFormat]; f != model.FormatVersion {
		return errs.Configuration("converted format %q, want %q", f, model.FormatVersion)
	}
	if got := w.Meta[model.MetaStrategy]; strategy.Normalize(got) != strategy.Normalize(spec) {
		return errs.Configuration("converted with strategy %q, loading with %q", got, spec)
	}
	if got := w.Meta[model.MetaRescaleLayer]; got != strconv.Itoa(rescale) {
		return errs.Configuration("converted with rescale layer %s, loading with %d", got, rescale)
	}
	return nil
}
