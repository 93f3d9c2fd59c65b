package model

import (
	"strings"

	"github.com/samcharles93/rwkv/internal/errs"
)

// Version is the RWKV architecture generation of a checkpoint.
type Version int

const (
	V4 Version = iota
	V5
	V5_1
	V5_2
	V6
	V7
)

var versionNames = [...]string{"v4", "v5", "v5.1", "v5.2", "v6", "v7"}

func (v Version) String() string {
	if v < V4 || v > V7 {
		return "unknown"
	}
	return versionNames[v]
}

// ParseVersion accepts "v5.2", "5.2", "6" and the like.
func ParseVersion(s string) (Version, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v")
	switch s {
	case "4", "4.0":
		return V4, nil
	case "5", "5.0":
		return V5, nil
	case "5.1":
		return V5_1, nil
	case "5.2":
		return V5_2, nil
	case "6", "6.0":
		return V6, nil
	case "7", "7.0":
		return V7, nil
	}
	return 0, errs.Version("unknown version %q", s)
}

// Gated reports whether time mixing multiplies its output by a SiLU gate.
func (v Version) Gated() bool { return v == V5_1 || v == V5_2 || v == V6 }

// PerChannelDecay reports whether decay and time-first vary within a head.
func (v Version) PerChannelDecay() bool { return v == V5_2 || v == V6 }

// MatrixState reports whether the time-mix state is a per-head N×N matrix.
func (v Version) MatrixState() bool { return v != V4 }

// Detect infers the version from the key set and shapes of a checkpoint,
// raw or converted.
func Detect(w *Weights) (Version, error) {
	if !w.Has("emb.weight") {
		return 0, errs.Version("no emb.weight in checkpoint")
	}
	var lnX, gate, maa, rk, hasAtt bool
	decayRank := 0
	for key, t := range w.Tensors {
		if !strings.HasPrefix(key, "blocks.") {
			continue
		}
		switch {
		case strings.HasSuffix(key, "att.r_k"):
			rk = true
		case strings.Contains(key, "att.time_maa"):
			maa = true
		case strings.Contains(key, "att.ln_x"):
			lnX = true
		case strings.HasSuffix(key, "att.gate.weight"):
			gate = true
		case strings.HasSuffix(key, "att.time_decay"):
			decayRank = len(t.Squeezed())
		}
		if strings.Contains(key, ".att.") {
			hasAtt = true
		}
	}
	switch {
	case !hasAtt:
		return 0, errs.Version("checkpoint has no time-mix tensors")
	case rk:
		return V7, nil
	case maa:
		return V6, nil
	case lnX && gate && decayRank == 2:
		return V5_2, nil
	case lnX && gate:
		return V5_1, nil
	case lnX:
		return V5, nil
	}
	return V4, nil
}
