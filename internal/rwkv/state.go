package rwkv

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/goccy/go-json"

	"github.com/samcharles93/rwkv/internal/errs"
	"github.com/samcharles93/rwkv/internal/model"
)

// v4 starts its running exponent at an effectively infinite negative value.
const negInf = -1e30

// LayerState is the recurrent memory of one layer. AttX and FfnX hold the
// normalized input of the last token seen by time mixing and channel
// mixing. v4 keeps the log-sum-exp accumulators AttA, AttB and AttP; later
// versions keep WKV, one N×N matrix per head.
type LayerState struct {
	AttX []float32
	AttA []float32
	AttB []float32
	AttP []float32
	WKV  []float32
	FfnX []float32
}

// State is caller-owned and mutated in place by Forward.
type State struct {
	Version model.Version
	Layers  []LayerState
}

// NewState returns a zeroed state for p.
func NewState(p model.Params) *State {
	s := &State{Version: p.Version, Layers: make([]LayerState, p.Layers)}
	for i := range s.Layers {
		l := &s.Layers[i]
		l.AttX = make([]float32, p.Embd)
		l.FfnX = make([]float32, p.Embd)
		if p.Version == model.V4 {
			l.AttA = make([]float32, p.Att)
			l.AttB = make([]float32, p.Att)
			l.AttP = make([]float32, p.Att)
			for j := range l.AttP {
				l.AttP[j] = negInf
			}
			continue
		}
		l.WKV = make([]float32, p.Heads*p.HeadSize*p.HeadSize)
	}
	return s
}

// seed copies a tuned time_state (h, value, key) into the key×value layout
// of the WKV matrices.
func (s *State) seed(blocks []model.Block, heads, n int) {
	for li := range s.Layers {
		ts := blocks[li].Att.TimeState
		if ts == nil {
			continue
		}
		wkv := s.Layers[li].WKV
		for h := range heads {
			base := h * n * n
			for i := range n {
				for j := range n {
					wkv[base+i*n+j] = ts[base+j*n+i]
				}
			}
		}
	}
}

// Clone deep-copies the state.
func (s *State) Clone() *State {
	c := &State{Version: s.Version, Layers: make([]LayerState, len(s.Layers))}
	cp := func(x []float32) []float32 {
		if x == nil {
			return nil
		}
		return append([]float32(nil), x...)
	}
	for i, l := range s.Layers {
		c.Layers[i] = LayerState{
			AttX: cp(l.AttX), AttA: cp(l.AttA), AttB: cp(l.AttB), AttP: cp(l.AttP),
			WKV: cp(l.WKV), FfnX: cp(l.FfnX),
		}
	}
	return c
}

// Validate checks every buffer against p.
func (s *State) Validate(p model.Params) error {
	if s.Version != p.Version {
		return errs.Shape("state is for %s, model is %s", s.Version, p.Version)
	}
	if len(s.Layers) != p.Layers {
		return errs.Shape("state has %d layers, model has %d", len(s.Layers), p.Layers)
	}
	want := func(layer int, name string, x []float32, n int) error {
		if len(x) != n {
			return errs.Shape("layer %d %s has %d entries, want %d", layer, name, len(x), n)
		}
		return nil
	}
	for i, l := range s.Layers {
		checks := []error{
			want(i, "att_x", l.AttX, p.Embd),
			want(i, "ffn_x", l.FfnX, p.Embd),
		}
		if p.Version == model.V4 {
			checks = append(checks,
				want(i, "att_a", l.AttA, p.Att),
				want(i, "att_b", l.AttB, p.Att),
				want(i, "att_p", l.AttP, p.Att))
		} else {
			checks = append(checks, want(i, "wkv", l.WKV, p.Heads*p.HeadSize*p.HeadSize))
		}
		for _, err := range checks {
			if err != nil {
				return err
			}
		}
	}
	return nil
}

var stateMagic = [8]byte{'R', 'W', 'K', 'V', 'S', 'T', '0', '1'}

type stateHeader struct {
	Version string `json:"version"`
	Layers  int    `json:"layers"`
	Embd    int    `json:"embd"`
	Att     int    `json:"att"`
	WKV     int    `json:"wkv"`
}

func (s *State) buffers(l *LayerState) []*[]float32 {
	if s.Version == model.V4 {
		return []*[]float32{&l.AttX, &l.AttA, &l.AttB, &l.AttP, &l.FfnX}
	}
	return []*[]float32{&l.AttX, &l.WKV, &l.FfnX}
}

// MarshalBinary writes the magic, a length-prefixed JSON header and the
// buffers as little-endian float32, layer by layer.
func (s *State) MarshalBinary() ([]byte, error) {
	h := stateHeader{Version: s.Version.String(), Layers: len(s.Layers)}
	if len(s.Layers) > 0 {
		l := s.Layers[0]
		h.Embd, h.Att, h.WKV = len(l.AttX), len(l.AttA), len(l.WKV)
	}
	hdr, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(stateMagic[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(hdr)))
	buf.Write(hdr)
	for i := range s.Layers {
		for _, b := range s.buffers(&s.Layers[i]) {
			for _, v := range *b {
				_ = binary.Write(&buf, binary.LittleEndian, math.Float32bits(v))
			}
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary replaces s with a snapshot written by MarshalBinary.
func (s *State) UnmarshalBinary(data []byte) error {
	if len(data) < 12 || !bytes.Equal(data[:8], stateMagic[:]) {
		return errs.Configuration("not a state snapshot")
	}
	n := int(binary.LittleEndian.Uint32(data[8:12]))
	if len(data) < 12+n {
		return errs.Shape("truncated state header")
	}
	var h stateHeader
	if err := json.Unmarshal(data[12:12+n], &h); err != nil {
		return errs.Configuration("state header: %v", err)
	}
	v, err := model.ParseVersion(h.Version)
	if err != nil {
		return err
	}
	if h.Layers < 0 || h.Embd < 0 || h.Att < 0 || h.WKV < 0 {
		return errs.Shape("negative size in state header")
	}
	payload := data[12+n:]
	// Header sizes are bounded by the payload before any multiplication.
	floats := len(payload) / 4
	if h.Embd > floats || h.Att > floats || h.WKV > floats || h.Layers > floats {
		return errs.Shape("state header sizes exceed a %d-byte payload", len(payload))
	}
	perLayer := 2*h.Embd + h.WKV
	if v == model.V4 {
		perLayer = 2*h.Embd + 3*h.Att
	}
	if h.Layers > 0 && (perLayer == 0 || h.Layers != floats/perLayer || len(payload) != 4*perLayer*h.Layers) {
		return errs.Shape("state payload has %d bytes, header describes %d layers of %d values", len(payload), h.Layers, perLayer)
	}
	if h.Layers == 0 && len(payload) != 0 {
		return errs.Shape("%d payload bytes for an empty state", len(payload))
	}
	out := State{Version: v, Layers: make([]LayerState, h.Layers)}
	for i := range out.Layers {
		l := &out.Layers[i]
		l.AttX = make([]float32, h.Embd)
		l.FfnX = make([]float32, h.Embd)
		if v == model.V4 {
			l.AttA = make([]float32, h.Att)
			l.AttB = make([]float32, h.Att)
			l.AttP = make([]float32, h.Att)
		} else {
			l.WKV = make([]float32, h.WKV)
		}
		for _, b := range out.buffers(l) {
			need := 4 * len(*b)
			if len(payload) < need {
				return errs.Shape("truncated state payload at layer %d", i)
			}
			for j := range *b {
				(*b)[j] = math.Float32frombits(binary.LittleEndian.Uint32(payload[4*j:]))
			}
			payload = payload[need:]
		}
	}
	if len(payload) != 0 {
		return errs.Shape("%d trailing bytes after state payload", len(payload))
	}
	*s = out
	return nil
}
