package render

import (
	"runtime"
	"sync"
)

// minParallelRows is the image height below which bands are not worth the
// channel round trips.
const minParallelRows = 64

// Pool renders horizontal bands of an image on a fixed set of goroutines.
// Bands never overlap, so workers write the shared pixel buffer without
// locking.
type Pool struct {
	numWorkers int
	jobs       chan bandJob
	wg         sync.WaitGroup
	running    bool
	mu         sync.Mutex
}

type bandJob struct {
	y0, y1 int
	fn     func(y0, y1 int)
	done   chan<- struct{}
}

// NewPool creates a pool with numWorkers goroutines, NumCPU when 0.
func NewPool(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	numWorkers = min(numWorkers, 16)
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan bandJob, numWorkers*2),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.wg.Add(p.numWorkers)
	for i := 0; i < p.numWorkers; i++ {
		go p.worker()
	}
}

// Stop waits for queued bands and stops the workers. A stopped pool cannot
// be restarted.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job.fn(job.y0, job.y1)
		job.done <- struct{}{}
	}
}

// Workers returns the number of workers.
func (p *Pool) Workers() int { return p.numWorkers }

// IsRunning reports whether Start was called and Stop was not.
func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Rows calls fn over [0, height) split into bands and returns when every
// band is done. It runs fn inline on a nil or stopped pool, for short
// images, and for bands that do not fit the queue.
func (p *Pool) Rows(height int, fn func(y0, y1 int)) {
	if height <= 0 {
		return
	}
	if p == nil || height < minParallelRows {
		fn(0, height)
		return
	}

	// held while queueing so Stop cannot close the channel under us
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		fn(0, height)
		return
	}

	band := (height + p.numWorkers - 1) / p.numWorkers
	done := make(chan struct{}, p.numWorkers)
	queued := 0
	for y := 0; y < height; y += band {
		job := bandJob{y0: y, y1: min(y+band, height), fn: fn, done: done}
		select {
		case p.jobs <- job:
			queued++
		default:
			fn(job.y0, job.y1)
		}
	}
	p.mu.Unlock()

	for i := 0; i < queued; i++ {
		<-done
	}
}
