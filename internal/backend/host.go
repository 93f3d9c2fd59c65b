package backend

import (
	"sync"

	"github.com/samcharles93/rwkv/internal/metrics"
	"github.com/samcharles93/rwkv/internal/tensor"
)

// hostDevice computes on the cpu. Staging copies into buffers recycled by
// exact size, since a streamed layer asks for the same shapes every call.
type hostDevice struct {
	name, kind string

	mu     sync.Mutex
	floats map[int][][]float32
	bytes  map[int][][]byte
	idle   int
}

func newHostDevice(name, kind string) *hostDevice {
	return &hostDevice{
		name:   name,
		kind:   kind,
		floats: make(map[int][][]float32),
		bytes:  make(map[int][][]byte),
	}
}

func (d *hostDevice) Name() string { return d.name }
func (d *hostDevice) Kind() string { return d.kind }

func (d *hostDevice) Stage(m tensor.Mat) tensor.Mat {
	out := m
	if m.DType == tensor.F32 {
		buf := d.getFloats(len(m.Data))
		copy(buf, m.Data)
		out.Data = buf
	} else {
		buf := d.getBytes(len(m.Raw))
		copy(buf, m.Raw)
		out.Raw = buf
	}
	metrics.StagedBytesTotal.WithLabelValues(d.name).Add(float64(m.Bytes()))
	return out
}

func (d *hostDevice) Release(m tensor.Mat) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m.DType == tensor.F32 {
		if m.Data == nil {
			return
		}
		d.floats[len(m.Data)] = append(d.floats[len(m.Data)], m.Data)
	} else {
		if m.Raw == nil {
			return
		}
		d.bytes[len(m.Raw)] = append(d.bytes[len(m.Raw)], m.Raw)
	}
	d.idle += m.Bytes()
	metrics.StagingPoolBytes.WithLabelValues(d.name).Set(float64(d.idle))
}

func (d *hostDevice) getFloats(n int) []float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if free := d.floats[n]; len(free) > 0 {
		buf := free[len(free)-1]
		d.floats[n] = free[:len(free)-1]
		d.idle -= n * 4
		metrics.StagingPoolBytes.WithLabelValues(d.name).Set(float64(d.idle))
		return buf
	}
	return make([]float32, n)
}

func (d *hostDevice) getBytes(n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if free := d.bytes[n]; len(free) > 0 {
		buf := free[len(free)-1]
		d.bytes[n] = free[:len(free)-1]
		d.idle -= n
		metrics.StagingPoolBytes.WithLabelValues(d.name).Set(float64(d.idle))
		return buf
	}
	return make([]byte, n)
}

// IdleBytes reports the bytes parked in the staging pool.
func (d *hostDevice) IdleBytes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}
