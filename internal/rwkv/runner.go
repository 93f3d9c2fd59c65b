// Package rwkv runs RWKV v4 to v7 recurrences over token sequences. A Model
// is immutable after construction and may serve concurrent Forward calls on
// distinct states.
package rwkv

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/rwkv/internal/backend"
	"github.com/samcharles93/rwkv/internal/errs"
	"github.com/samcharles93/rwkv/internal/logger"
	"github.com/samcharles93/rwkv/internal/metrics"
	"github.com/samcharles93/rwkv/internal/model"
	"github.com/samcharles93/rwkv/internal/strategy"
	"github.com/samcharles93/rwkv/internal/tensor"
)

// Model is a bound checkpoint with its execution plan.
type Model struct {
	params  model.Params
	plan    *strategy.Plan
	bound   *model.Bound
	cells   []Cell
	devices []backend.Device
	log     logger.Logger
}

// New ties bound weights to a plan. reg resolves the plan's devices.
func New(b *model.Bound, plan *strategy.Plan, reg *backend.Registry, log logger.Logger) (*Model, error) {
	if log == nil {
		log = logger.Nop()
	}
	if reg == nil {
		reg = backend.NewRegistry(log)
	}
	p := b.Params
	if plan.NumLayers() != p.Layers {
		return nil, errs.Configuration("plan covers %d layers, model has %d", plan.NumLayers(), p.Layers)
	}
	cell, err := CellFor(p.Version)
	if err != nil {
		return nil, err
	}
	m := &Model{
		params:  p,
		plan:    plan,
		bound:   b,
		cells:   make([]Cell, p.Layers),
		devices: make([]backend.Device, len(plan.Layers)),
		log:     log,
	}
	for i := range m.cells {
		m.cells[i] = cell
	}
	for i, lp := range plan.Layers {
		d, err := reg.Get(lp.Device)
		if err != nil {
			return nil, errs.Configuration("layer %d: %v", i, err)
		}
		m.devices[i] = d
	}
	for _, line := range plan.Summary() {
		log.Info("strategy", "segment", line)
	}
	for i, lp := range plan.Layers {
		log.Debug("placement", "layer", i, "plan", lp.String())
	}
	return m, nil
}

func (m *Model) Params() model.Params { return m.params }

func (m *Model) Plan() *strategy.Plan { return m.plan }

// NewState returns a fresh state, seeded from the checkpoint's tuned
// time_state where it has one.
func (m *Model) NewState() *State {
	s := NewState(m.params)
	if m.params.Version.MatrixState() && m.params.Version != model.V7 {
		s.seed(m.bound.Blocks, m.params.Heads, m.params.HeadSize)
	}
	return s
}

// Forward feeds tokens through every layer, advancing state. A nil state
// starts from NewState. The logits are 1×Vocab for the last token, or
// T×Vocab when fullOutput is set and more than one token was given.
//
// A failed call leaves state partially advanced.
func (m *Model) Forward(tokens []int, state *State, fullOutput bool) (*tensor.Mat, *State, error) {
	start := time.Now()
	mode := "one"
	if len(tokens) > 1 {
		mode = "seq"
	}
	logits, state, err := m.forward(tokens, state, fullOutput)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ForwardTotal.WithLabelValues(mode, outcome).Inc()
	metrics.ForwardDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.ForwardTokensTotal.Add(float64(len(tokens)))
	}
	return logits, state, err
}

func (m *Model) forward(tokens []int, state *State, fullOutput bool) (*tensor.Mat, *State, error) {
	p := m.params
	if len(tokens) == 0 {
		return nil, state, errs.Configuration("no tokens")
	}
	for _, tok := range tokens {
		if tok < 0 || tok >= p.Vocab {
			return nil, state, errs.Configuration("token %d outside vocabulary of %d", tok, p.Vocab)
		}
	}
	if state == nil {
		state = m.NewState()
	} else if err := state.Validate(p); err != nil {
		return nil, state, err
	}

	T := len(tokens)
	seq := T > 1
	x := tensor.NewMat(T, p.Embd)
	for t, tok := range tokens {
		m.bound.Emb.RowTo(x.Row(t), tok)
	}

	ctx := &Context{Params: p}
	var cur *stagedBlock
	var next *pendingStage
	defer func() {
		if cur != nil {
			cur.release()
		}
		if next != nil {
			if sb := next.wait(); sb != nil {
				sb.release()
			}
		}
	}()

	for i := range p.Layers {
		lp := m.plan.Layers[i]
		blk := &m.bound.Blocks[i]
		if lp.Stream {
			waitStart := time.Now()
			if next != nil && next.layer == i {
				cur = next.wait()
				next = nil
			} else {
				cur = stageBlock(m.devices[i], blk)
			}
			metrics.StagingWait.Observe(time.Since(waitStart).Seconds())
			blk = &cur.block
			m.log.Debug("staged layer", "layer", i, "device", m.devices[i].Name())
		}
		if j := i + 1; j < p.Layers && next == nil && m.plan.Layers[j].Stream {
			next = m.prefetch(j)
		}

		ctx.Act = lp.ActType
		tensor.Round(ctx.Act, x.Data)
		cell, ls := m.cells[i], &state.Layers[i]
		var err error
		if seq {
			if err = cell.TimeMixSeq(ctx, blk, &x, ls); err == nil {
				err = cell.ChannelMixSeq(ctx, blk, &x, ls)
			}
		} else {
			if err = cell.TimeMixOne(ctx, blk, x.Data, ls); err == nil {
				err = cell.ChannelMixOne(ctx, blk, x.Data, ls)
			}
		}
		if err != nil {
			return nil, state, err
		}
		if p.RescaleLayer > 0 && (i+1)%p.RescaleLayer == 0 {
			tensor.Scale(x.Data, 0.5)
		}
		if cur != nil {
			cur.release()
			cur = nil
		}
	}

	logits, err := m.head(&x, fullOutput && seq)
	if err != nil {
		return nil, state, err
	}
	return logits, state, nil
}

func (m *Model) head(x *tensor.Mat, all bool) (*tensor.Mat, error) {
	hp := m.plan.Head()
	c := &Context{Params: m.params, Act: hp.ActType}
	first := x.R - 1
	if all {
		first = 0
	}
	h := tensor.NewMat(x.R-first, x.C)
	for t := first; t < x.R; t++ {
		row := h.Row(t - first)
		copy(row, x.Row(t))
		tensor.Round(c.Act, row)
		c.layerNorm(row, row, m.bound.LnOut)
	}
	logits := tensor.NewMat(h.R, m.bound.Head.Out())
	if err := m.bound.Head.MatMul(&logits, &h, c.Act, c.Act); err != nil {
		return nil, err
	}
	return &logits, nil
}

// stagedBlock is a block whose projections live in device staging buffers.
type stagedBlock struct {
	block model.Block
	dev   backend.Device
	mats  []tensor.Mat
}

func stageBlock(dev backend.Device, src *model.Block) *stagedBlock {
	sb := &stagedBlock{block: *src, dev: dev}
	for _, pw := range sb.block.Projections() {
		staged := dev.Stage((*pw).W)
		*pw = (*pw).WithMat(staged)
		sb.mats = append(sb.mats, staged)
	}
	return sb
}

func (s *stagedBlock) release() {
	for _, m := range s.mats {
		s.dev.Release(m)
	}
	s.mats = nil
}

// pendingStage is a block being staged in the background while the layer
// before it computes.
type pendingStage struct {
	layer int
	g     errgroup.Group
	sb    *stagedBlock
}

func (m *Model) prefetch(i int) *pendingStage {
	ps := &pendingStage{layer: i}
	ps.g.Go(func() error {
		ps.sb = stageBlock(m.devices[i], &m.bound.Blocks[i])
		return nil
	})
	return ps
}

func (ps *pendingStage) wait() *stagedBlock {
	_ = ps.g.Wait()
	return ps.sb
}
