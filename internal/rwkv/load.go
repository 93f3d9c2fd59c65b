package rwkv

import (
	"os"
	"strconv"
	"strings"

	"github.com/samcharles93/rwkv/internal/backend"
	"github.com/samcharles93/rwkv/internal/convert"
	"github.com/samcharles93/rwkv/internal/errs"
	"github.com/samcharles93/rwkv/internal/logger"
	"github.com/samcharles93/rwkv/internal/model"
	"github.com/samcharles93/rwkv/internal/safetensors"
	"github.com/samcharles93/rwkv/internal/strategy"
)

// RescaleEnv overrides the default rescale interval.
const RescaleEnv = "RWKV_RESCALE_LAYER"

// Options configure loading.
type Options struct {
	Strategy string
	// RescaleLayer overrides DefaultRescale when non-nil.
	RescaleLayer *int
	Logger       logger.Logger
	Registry     *backend.Registry
}

// DefaultRescale is 6 for strategies that compute in fp16, which overflows
// on the growing residual stream of deep models, and 0 otherwise. RescaleEnv
// takes precedence when set.
func DefaultRescale(spec string) (int, error) {
	if env, ok := os.LookupEnv(RescaleEnv); ok && strings.TrimSpace(env) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(env))
		if err != nil || n < 0 {
			return 0, errs.Configuration("%s=%q is not a non-negative integer", RescaleEnv, env)
		}
		return n, nil
	}
	if strings.Contains(spec, "fp16") {
		return 6, nil
	}
	return 0, nil
}

// Load reads a safetensors checkpoint, raw or converted, and prepares it
// for opts.Strategy.
func Load(path string, opts Options) (*Model, error) {
	// The grammar needs no layer count, so a bad strategy fails before
	// the checkpoint is read.
	if _, err := strategy.Parse(opts.Strategy); err != nil {
		return nil, err
	}
	w, err := safetensors.LoadWeights(path)
	if err != nil {
		return nil, err
	}
	return FromWeights(w, opts)
}

// FromWeights converts raw weights for the strategy, or verifies that
// converted weights were produced for it, then binds them.
func FromWeights(w *model.Weights, opts Options) (*Model, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	v, err := model.Detect(w)
	if err != nil {
		return nil, err
	}
	if mv, ok := w.Meta[model.MetaModelVersion]; ok {
		if v, err = model.ParseVersion(mv); err != nil {
			return nil, err
		}
	}
	rescale := 0
	if opts.RescaleLayer != nil {
		rescale = *opts.RescaleLayer
	} else if rescale, err = DefaultRescale(opts.Strategy); err != nil {
		return nil, err
	}
	if v == model.V7 {
		rescale = 0
	}

	p, err := model.DeriveParams(w, v)
	if err != nil {
		return nil, err
	}
	plan, err := strategy.New(opts.Strategy, p.Layers)
	if err != nil {
		return nil, err
	}

	conv := w
	if w.Converted() {
		if err := convert.Verify(w, plan.Spec, rescale); err != nil {
			return nil, err
		}
		p.RescaleLayer = rescale
	} else {
		conv, p, err = convert.Convert(w, convert.Options{Plan: plan, RescaleLayer: rescale, Logger: log})
		if err != nil {
			return nil, err
		}
	}
	log.Info("model loaded", "params", p.String(), "rescale_layer", p.RescaleLayer)

	bound, err := model.Bind(conv, p)
	if err != nil {
		return nil, err
	}
	return New(bound, plan, opts.Registry, log)
}
