package tensor

import (
	"runtime"
	"sync"
)

// Below this many weight elements a product runs on the calling goroutine.
const parallelMinElems = 1 << 15

type vecMatTask struct {
	dst    []float32
	x      []float32
	w      *Mat
	cs, ce int
	done   chan struct{}
}

type vecMatPool struct {
	size      int
	tasks     chan vecMatTask
	doneSlots chan chan struct{}
}

var (
	vecMatWorkPool *vecMatPool
	vecMatPoolOnce sync.Once
)

func getVecMatPool() *vecMatPool {
	vecMatPoolOnce.Do(func() {
		vecMatWorkPool = newVecMatPool()
	})
	return vecMatWorkPool
}

func newVecMatPool() *vecMatPool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &vecMatPool{
		size:      size,
		tasks:     make(chan vecMatTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size {
		go func() {
			for task := range p.tasks {
				vecMatRange(task.dst, task.x, task.w, task.cs, task.ce)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// VecMat computes dst = x @ w for a (R, C) matrix, len(x) >= R and
// len(dst) >= C. Output columns are split across a worker pool; each column
// sums rows in ascending order, so the result does not depend on the number
// of workers.
//
// For U8 matrices the product is taken over the code values offset by one
// half: dst[j] = sum_i x[i] * (w[i][j] + 0.5). Scale and offset
// compensation is the caller's job.
func VecMat(dst, x []float32, w *Mat) {
	if w.R == 0 || w.C == 0 {
		clear(dst[:w.C])
		return
	}
	if len(dst) < w.C || len(x) < w.R {
		panic("vecmat shape mismatch")
	}
	pool := getVecMatPool()
	workers := min(pool.size, w.C)
	if workers <= 1 || w.R*w.C < parallelMinElems {
		vecMatRange(dst, x, w, 0, w.C)
		return
	}

	chunk := (w.C + workers - 1) / workers
	done := <-pool.doneSlots
	active := 0
	for i := range workers {
		cs := i * chunk
		ce := min(cs+chunk, w.C)
		if cs >= ce {
			break
		}
		active++
		pool.tasks <- vecMatTask{dst: dst, x: x, w: w, cs: cs, ce: ce, done: done}
	}
	for range active {
		<-done
	}
	pool.doneSlots <- done
}

func vecMatRange(dst, x []float32, w *Mat, cs, ce int) {
	acc := dst[cs:ce]
	clear(acc)
	switch w.DType {
	case F32:
		for i := 0; i < w.R; i++ {
			xi := x[i]
			base := i * w.Stride
			row := w.Data[base+cs : base+ce]
			for j, v := range row {
				acc[j] += xi * v
			}
		}
	case F16:
		for i := 0; i < w.R; i++ {
			xi := x[i]
			base := i*w.Stride + cs
			for j := range acc {
				acc[j] += xi * f16At(w.Raw, base+j)
			}
		}
	case BF16:
		for i := 0; i < w.R; i++ {
			xi := x[i]
			base := i*w.Stride + cs
			for j := range acc {
				acc[j] += xi * bf16At(w.Raw, base+j)
			}
		}
	case U8:
		for i := 0; i < w.R; i++ {
			xi := x[i]
			base := i * w.Stride
			row := w.Raw[base+cs : base+ce]
			for j, q := range row {
				acc[j] += xi * (float32(q) + 0.5)
			}
		}
	default:
		panic("unsupported dtype for vecmat")
	}
}
