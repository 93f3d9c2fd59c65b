// Package logits picks the next token from a logits vector.
package logits

import (
	"math"
	"math/rand"
)

// Config controls sampling. A non-positive Temperature selects greedy
// decoding.
type Config struct {
	Seed        int64
	Temperature float32
	TopK        int
	TopP        float32
	// RepeatPenalty divides positive (multiplies negative) logits of tokens
	// seen in the last RepeatWindow entries of the history.
	RepeatPenalty float32
	RepeatWindow  int
}

// Sampler is not safe for concurrent use.
type Sampler struct {
	rng    *rand.Rand
	cfg    Config
	greedy bool

	candIdx []int
	candVal []float32
	prob    []float64
	seen    map[int]struct{}
}

func NewSampler(cfg Config) *Sampler {
	greedy := cfg.Temperature <= 0
	if greedy {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatWindow <= 0 {
		cfg.RepeatWindow = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
		seen:   make(map[int]struct{}),
	}
}

// Sample returns a token id. logits is modified in place by the repeat
// penalty. Steps: penalize recent history, keep the TopK largest logits
// scaled by 1/Temperature, softmax them, cut the tail once the cumulative
// probability reaches TopP and draw.
func (s *Sampler) Sample(logits []float32, history []int) int {
	if len(logits) == 0 {
		return 0
	}
	s.penalize(logits, history)
	if s.greedy || s.cfg.TopK == 1 {
		return Argmax(logits)
	}

	idx, val := s.topK(logits, min(s.cfg.TopK, len(logits)), 1/s.cfg.Temperature)
	if cap(s.prob) < len(val) {
		s.prob = make([]float64, len(val))
	}
	prob := s.prob[:len(val)]
	var sum float64
	for i, v := range val {
		// val is sorted descending, so val[0] is the max
		prob[i] = math.Exp(float64(v - val[0]))
		sum += prob[i]
	}
	cut := len(prob)
	var kept float64
	for i := range prob {
		prob[i] /= sum
		if i < cut {
			kept += prob[i]
			if s.cfg.TopP < 1 && kept >= float64(s.cfg.TopP) {
				cut = i + 1
			}
		}
	}

	// Draw within the kept mass so the tail cut needs no renormalization.
	r := s.rng.Float64() * kept
	var acc float64
	for i := range cut {
		acc += prob[i]
		if r < acc {
			return idx[i]
		}
	}
	return idx[cut-1]
}

func (s *Sampler) penalize(logits []float32, history []int) {
	if s.cfg.RepeatPenalty == 1 || len(history) == 0 {
		return
	}
	clear(s.seen)
	for _, id := range history[max(len(history)-s.cfg.RepeatWindow, 0):] {
		if id < 0 || id >= len(logits) {
			continue
		}
		if _, dup := s.seen[id]; dup {
			continue
		}
		s.seen[id] = struct{}{}
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

// Argmax returns the index of the largest value, the first one on ties.
func Argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// topK keeps the k largest logits scaled by invTemp, sorted descending, by
// insertion. Fine for the small k used in generation.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(s.candIdx) < k+1 {
		s.candIdx = make([]int, 0, k+1)
		s.candVal = make([]float32, 0, k+1)
	}
	idx, val := s.candIdx[:0], s.candVal[:0]
	for i, l := range logits {
		v := l * invTemp
		pos := len(val)
		for pos > 0 && val[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		idx = append(idx, 0)
		val = append(val, 0)
		copy(idx[pos+1:], idx[pos:])
		copy(val[pos+1:], val[pos:])
		idx[pos], val[pos] = i, v
		if len(val) > k {
			idx, val = idx[:k], val[:k]
		}
	}
	s.candIdx, s.candVal = idx, val
	return idx, val
}
