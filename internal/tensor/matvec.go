package tensor

import (
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Rows below this count are computed on the calling goroutine.
const parallelMinRows = 256

type matVecTask struct {
	dst    []float32
	w      *Mat
	x      []float32
	rs, re int
	done   chan struct{}
}

type matVecPool struct {
	size      int
	tasks     chan matVecTask
	doneSlots chan chan struct{}
}

var (
	matVecWorkPool *matVecPool
	matVecPoolOnce sync.Once
)

func getMatVecPool() *matVecPool {
	matVecPoolOnce.Do(func() {
		matVecWorkPool = newMatVecPool(runtime.GOMAXPROCS(0))
	})
	return matVecWorkPool
}

func newMatVecPool(size int) *matVecPool {
	size = max(size, 1)
	p := &matVecPool{
		size:      size,
		tasks:     make(chan matVecTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size {
		go func() {
			for task := range p.tasks {
				matVecRange(task.dst, task.w, task.x, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// MatVec computes dst = w * x. Large matrices are split by rows across a
// shared worker pool; each chunk is a blas32 GEMV, or a row-by-row decode
// and dot product for encoded matrices.
func MatVec(dst []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}

	pool := getMatVecPool()
	workers := min(pool.size, w.R/parallelMinRows)
	if workers <= 1 {
		matVecRange(dst, w, x, 0, w.R)
		return
	}

	chunk := (w.R + workers - 1) / workers
	done := <-pool.doneSlots
	active := 0
	for i := range workers {
		rs := i * chunk
		re := min(rs+chunk, w.R)
		if rs >= re {
			break
		}
		active++
		pool.tasks <- matVecTask{dst: dst, w: w, x: x, rs: rs, re: re, done: done}
	}
	for range active {
		<-done
	}
	pool.doneSlots <- done
}

var rowScratch sync.Pool

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	if w.Encoded() {
		matVecEncodedRange(dst, w, x, rs, re)
		return
	}
	blas32.Gemv(blas.NoTrans, 1, w.General(rs, re),
		blas32.Vector{N: w.C, Data: x, Inc: 1},
		0, blas32.Vector{N: re - rs, Data: dst[rs:re], Inc: 1})
}

// matVecEncodedRange decodes one row at a time into a pooled buffer and
// takes its dot product with x.
func matVecEncodedRange(dst []float32, w *Mat, x []float32, rs, re int) {
	buf, _ := rowScratch.Get().(*[]float32)
	if buf == nil || cap(*buf) < w.C {
		b := make([]float32, w.C)
		buf = &b
	}
	row := (*buf)[:w.C]
	xv := blas32.Vector{N: w.C, Data: x, Inc: 1}
	for r := rs; r < re; r++ {
		w.RowTo(row, r)
		dst[r] = blas32.Dot(blas32.Vector{N: w.C, Data: row, Inc: 1}, xv)
	}
	rowScratch.Put(buf)
}
