// Package strategy parses execution strategies such as
//
//	cuda fp16 *10 -> cuda fp16i8 *6+ -> cpu fp32
//
// and expands them into one LayerPlan per layer plus one for the head.
package strategy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/samcharles93/rwkv/internal/errs"
	"github.com/samcharles93/rwkv/internal/tensor"
	"github.com/samcharles93/rwkv/pkg/quant"
)

var grammar = regexp.MustCompile(`^(?:(?:^|->) *(?:cuda(?::[\d]+)?|cpu|mps|dml) (?:fp(?:16|32)|bf16)(?:i8|i4|i3)?(?: \*[\d]+\+?)? *)+$`)

// Segment is one "->"-separated clause.
type Segment struct {
	Device     string
	ActType    tensor.DType
	WeightType tensor.DType
	// QuantBits is 8, 4 or 3 when a quantization suffix was given. Only 8
	// changes the weight storage; 4 and 3 are accepted and stored unquantized.
	QuantBits int
	Count     int
	HasCount  bool
	Stream    bool
}

// LayerPlan is the placement of one layer (or the head).
type LayerPlan struct {
	Device     string
	ActType    tensor.DType
	WeightType tensor.DType
	QuantBits  int
	Stream     bool
}

func (l LayerPlan) String() string {
	s := fmt.Sprintf("%s-%s-%s", l.Device, l.ActType, l.WeightType)
	if l.Stream {
		s += "-stream"
	}
	return s
}

// Plan covers layers 0..n-1 and the head at index n.
type Plan struct {
	// Spec is the normalised strategy string.
	Spec     string
	Segments []Segment
	// Alloc[i] is the number of slots assigned to Segments[i].
	Alloc       []int
	StreamCount int
	Layers      []LayerPlan
}

// Normalize trims each segment and joins them with " -> ".
func Normalize(spec string) string {
	parts := strings.Split(spec, "->")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, " -> ")
}

// Parse validates spec and splits it into segments.
func Parse(spec string) ([]Segment, error) {
	if !grammar.MatchString(spec) {
		return nil, errs.Configuration("invalid strategy %q", spec)
	}
	var segs []Segment
	streams := 0
	for _, part := range strings.Split(spec, "->") {
		fields := strings.Fields(part)
		seg := Segment{Device: fields[0]}
		prec := fields[1]
		switch {
		case strings.HasPrefix(prec, "fp32"):
			seg.ActType = tensor.F32
		case strings.HasPrefix(prec, "fp16"):
			seg.ActType = tensor.F16
		case strings.HasPrefix(prec, "bf16"):
			seg.ActType = tensor.BF16
		}
		seg.WeightType = seg.ActType
		switch {
		case strings.HasSuffix(prec, "i8"):
			seg.QuantBits = 8
		case strings.HasSuffix(prec, "i4"):
			seg.QuantBits = 4
		case strings.HasSuffix(prec, "i3"):
			seg.QuantBits = 3
		}
		if _, ok := quant.ForBits(seg.QuantBits); ok {
			seg.WeightType = tensor.U8
		}
		if len(fields) > 2 {
			count := strings.TrimPrefix(fields[2], "*")
			if strings.HasSuffix(count, "+") {
				seg.Stream = true
				count = strings.TrimSuffix(count, "+")
				streams++
			}
			n, err := strconv.Atoi(count)
			if err != nil {
				return nil, errs.Configuration("invalid layer count in %q", part)
			}
			seg.Count = n
			seg.HasCount = true
		}
		segs = append(segs, seg)
	}
	if streams > 1 {
		return nil, errs.Configuration("strategy %q has %d streaming segments, at most one allowed", spec, streams)
	}
	return segs, nil
}

// New parses spec and allocates n+1 slots for a model with n layers.
func New(spec string, n int) (*Plan, error) {
	if n <= 0 {
		return nil, errs.Configuration("layer count must be positive, got %d", n)
	}
	segs, err := Parse(spec)
	if err != nil {
		return nil, err
	}
	alloc, streamCount := allocate(segs, n+1)
	p := &Plan{
		Spec:        Normalize(spec),
		Segments:    segs,
		Alloc:       alloc,
		StreamCount: streamCount,
		Layers:      make([]LayerPlan, 0, n+1),
	}
	for i, seg := range segs {
		for k := range alloc[i] {
			p.Layers = append(p.Layers, LayerPlan{
				Device:     seg.Device,
				ActType:    seg.ActType,
				WeightType: seg.WeightType,
				QuantBits:  seg.QuantBits,
				Stream:     seg.Stream && k >= alloc[i]-streamCount,
			})
		}
	}
	return p, nil
}

// allocate distributes total slots. Explicit counts are taken in order and
// the one that reaches capacity is truncated. Without a streaming segment,
// free segments split the rest evenly and the last segment takes any
// remainder. With one, the streaming segment takes the whole remainder.
func allocate(segs []Segment, total int) ([]int, int) {
	alloc := make([]int, len(segs))
	allocated, free := 0, 0
	streamIdx := -1
	for i, seg := range segs {
		if !seg.HasCount {
			free++
			continue
		}
		if seg.Stream {
			streamIdx = i
		}
		alloc[i] = seg.Count
		allocated += seg.Count
		if allocated >= total {
			alloc[i] -= allocated - total
			allocated = total
			break
		}
	}

	streamCount := 0
	if streamIdx < 0 {
		if free > 0 && total > allocated {
			for i, seg := range segs {
				if seg.HasCount {
					continue
				}
				alloc[i] = (total - allocated) / free
				allocated += alloc[i]
				free--
			}
		}
		if total > allocated {
			alloc[len(segs)-1] += total - allocated
		}
	} else if total > allocated {
		streamCount = total - allocated
		alloc[streamIdx] += streamCount
	}
	return alloc, streamCount
}

// Head is the plan entry of the output head.
func (p *Plan) Head() LayerPlan { return p.Layers[len(p.Layers)-1] }

// NumLayers is the number of recurrent layers covered.
func (p *Plan) NumLayers() int { return len(p.Layers) - 1 }

// Summary describes each segment's share, one line per segment.
func (p *Plan) Summary() []string {
	lines := make([]string, 0, len(p.Segments))
	for i, seg := range p.Segments {
		kind := seg.ActType.String()
		if seg.WeightType != seg.ActType {
			kind += "/" + seg.WeightType.String()
		}
		if seg.Stream {
			lines = append(lines, fmt.Sprintf("%s %s store %d layers, stream %d layers",
				seg.Device, kind, p.Alloc[i]-p.StreamCount, p.StreamCount))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s store %d layers", seg.Device, kind, p.Alloc[i]))
	}
	return lines
}
