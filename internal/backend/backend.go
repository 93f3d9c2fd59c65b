// Package backend resolves strategy device identifiers to compute devices
// and owns the staging buffers used to stream weights onto them.
package backend

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/samcharles93/rwkv/internal/logger"
	"github.com/samcharles93/rwkv/internal/tensor"
)

const (
	CPU  = "cpu"
	CUDA = "cuda"
	MPS  = "mps"
	DML  = "dml"
)

// Device is a compute target named by a strategy segment.
type Device interface {
	// Name is the identifier as written in the strategy, e.g. "cuda:1".
	Name() string
	// Kind is the device family without an index.
	Kind() string
	// Stage copies m into memory owned by the device. The copy must be
	// handed back with Release once the layer using it is done.
	Stage(m tensor.Mat) tensor.Mat
	Release(m tensor.Mat)
}

// Normalize splits a device identifier into its kind and index.
func Normalize(id string) (string, int, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	kind, idx, hasIdx := strings.Cut(id, ":")
	switch kind {
	case CPU, MPS, DML:
		if hasIdx {
			return "", 0, fmt.Errorf("device %q does not take an index", id)
		}
		return kind, 0, nil
	case CUDA:
		if !hasIdx {
			return kind, 0, nil
		}
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return "", 0, fmt.Errorf("invalid cuda index in %q", id)
		}
		return kind, n, nil
	default:
		return "", 0, fmt.Errorf("unknown device %q (expected cpu, cuda[:N], mps or dml)", id)
	}
}

// Registry hands out one Device per identifier.
type Registry struct {
	mu      sync.Mutex
	log     logger.Logger
	devices map[string]Device
}

func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{log: log, devices: make(map[string]Device)}
}

// Get returns the device for id, creating it on first use. Accelerator
// identifiers are served by the host implementation in this build.
func (r *Registry) Get(id string) (Device, error) {
	kind, _, err := Normalize(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		return d, nil
	}
	if !Has(kind) {
		r.log.Warn("device not available in this build, computing on cpu", "device", id)
	}
	d := newHostDevice(id, kind)
	r.devices[id] = d
	return d, nil
}
