package frames

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"weight-atlas/internal/grid"
	"weight-atlas/internal/metrics"
	"weight-atlas/internal/viewport"
)

// Extractor is the part of the grid the producer reads from.
type Extractor interface {
	ForEachChunk(req grid.ExtractRequest, fn func(grid.Chunk) bool)
}

// Options configures a Producer.
type Options struct {
	Cols int // buffer width in samples
	Rows int // buffer height in samples
}

type task struct {
	seq    uint64
	region viewport.VisibleRegion
	source Extractor
	ctx    context.Context
}

// Producer fills frame buffers for requested regions on one background
// worker. At most one task is outstanding: a new Request cancels the
// previous one. Finished frames are handed over through a single-slot
// channel and only if their task is still current, so a superseded frame
// is never observed by Poll.
type Producer struct {
	cols, rows int
	ring       *BufferRing

	mu     sync.Mutex // guards seq, cancel, source and publishing
	seq    uint64
	cancel context.CancelFunc
	source Extractor

	requests chan task   // capacity 1, overwritten by Request
	done     chan *Frame // capacity 1, overwritten by the worker

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  int32 // atomic

	onReady func(*Frame)

	// Stats
	requested uint64
	produced  uint64
	cancelled uint64
	failed    uint64
	lastNs    int64
}

// NewProducer creates a stopped producer.
func NewProducer(opts Options) *Producer {
	cols, rows := max(opts.Cols, 1), max(opts.Rows, 1)
	return &Producer{
		cols:     cols,
		rows:     rows,
		ring:     NewBufferRing(cols * rows),
		requests: make(chan task, 1),
		done:     make(chan *Frame, 1),
		stopChan: make(chan struct{}),
	}
}

// SetSource sets the extractor used by subsequent requests. Tasks already
// queued keep the source they were created with.
func (p *Producer) SetSource(src Extractor) {
	p.mu.Lock()
	p.source = src
	p.mu.Unlock()
}

// SetOnReady registers a callback run on the worker after a frame is
// published. It must not block.
func (p *Producer) SetOnReady(fn func(*Frame)) {
	p.mu.Lock()
	p.onReady = fn
	p.mu.Unlock()
}

// BufferSize returns the fixed frame dimensions.
func (p *Producer) BufferSize() (cols, rows int) {
	return p.cols, p.rows
}

// Start launches the worker goroutine.
func (p *Producer) Start() {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return // Already running
	}

	p.stopChan = make(chan struct{})
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		log.Printf("🧵 Frame producer started (%dx%d buffer)", p.cols, p.rows)

		for {
			select {
			case <-p.stopChan:
				return
			case t := <-p.requests:
				p.produce(t)
			}
		}
	}()
}

// Stop cancels the in-flight task and waits for the worker to exit.
func (p *Producer) Stop() {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return // Not running
	}

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()
	log.Println("🧵 Frame producer stopped")
}

// IsRunning returns whether the worker is running.
func (p *Producer) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

// Request schedules production for region and returns its sequence
// number. Any in-flight task is cancelled and any finished but unpolled
// frame is discarded, since both belong to a superseded region.
func (p *Producer) Request(region viewport.VisibleRegion) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	select {
	case stale := <-p.done:
		p.discard(stale)
	default:
	}

	select {
	case <-p.requests:
		// queued but never started
		atomic.AddUint64(&p.cancelled, 1)
		metrics.RecordFrame("cancelled")
	default:
	}
	// cannot block: only Request sends, under mu, and the slot was just drained
	p.requests <- task{seq: p.seq, region: region, source: p.source, ctx: ctx}

	atomic.AddUint64(&p.requested, 1)
	return p.seq
}

// Cancel drops the in-flight task and any unpolled frame without
// scheduling a new one.
func (p *Producer) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	select {
	case stale := <-p.done:
		p.discard(stale)
	default:
	}
	select {
	case <-p.requests:
	default:
	}
}

// Seq returns the sequence of the latest request or cancellation. Frames
// with a lower Seq were requested before it.
func (p *Producer) Seq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// Poll returns the latest completed frame, at most once. It never blocks.
func (p *Producer) Poll() (*Frame, bool) {
	select {
	case f := <-p.done:
		return f, true
	default:
		return nil, false
	}
}

// Recycle returns a frame's buffer for reuse. The frame must not be used
// afterwards.
func (p *Producer) Recycle(f *Frame) {
	if f == nil || f.Data == nil {
		return
	}
	p.ring.Put(f.Data)
	f.Data = nil
}

func (p *Producer) discard(f *Frame) {
	atomic.AddUint64(&p.cancelled, 1)
	metrics.RecordFrame("cancelled")
	p.Recycle(f)
}

// produce runs one task on the worker goroutine.
func (p *Producer) produce(t task) {
	if t.ctx.Err() != nil || t.source == nil {
		atomic.AddUint64(&p.cancelled, 1)
		metrics.RecordFrame("cancelled")
		return
	}

	f := &Frame{
		Seq:    t.seq,
		Region: t.region,
		Cols:   p.cols,
		Rows:   p.rows,
		Data:   p.ring.Get(),
	}
	f.reset()

	start := time.Now()
	completed := p.fill(t, f)
	f.Elapsed = time.Since(start)

	if !completed {
		p.discard(f)
		return
	}

	p.mu.Lock()
	if t.seq != p.seq || t.ctx.Err() != nil {
		p.mu.Unlock()
		p.discard(f)
		return
	}
	select {
	case stale := <-p.done:
		p.discard(stale)
	default:
	}
	p.done <- f
	onReady := p.onReady
	p.mu.Unlock()

	atomic.AddUint64(&p.produced, 1)
	atomic.StoreInt64(&p.lastNs, f.Elapsed.Nanoseconds())
	metrics.RecordFrame("produced")
	metrics.RecordExtract(f.Elapsed)

	if onReady != nil {
		onReady(f)
	}
}

// fill writes every chunk of the task's region into f, checking for
// cancellation after each one. A panic inside extraction is logged and the
// frame is kept with whatever was written so far.
func (p *Producer) fill(t task, f *Frame) (completed bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Frame %d extraction panic: %v", t.seq, r)
			atomic.AddUint64(&p.failed, 1)
			metrics.RecordFrame("failed")
			f.Failed = true
			completed = t.ctx.Err() == nil
		}
	}()

	req := grid.ExtractRequest{
		Rect:    t.region.Coverage(),
		FactorX: t.region.Factor,
		FactorY: t.region.Factor,
		Space:   grid.SpaceBuffer,
	}
	t.source.ForEachChunk(req, func(c grid.Chunk) bool {
		f.blit(c)
		f.Chunks++
		return t.ctx.Err() == nil
	})
	return t.ctx.Err() == nil
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() map[string]interface{} {
	allocated, reused, dropped := p.ring.GetStats()

	return map[string]interface{}{
		"requested":      atomic.LoadUint64(&p.requested),
		"produced":       atomic.LoadUint64(&p.produced),
		"cancelled":      atomic.LoadUint64(&p.cancelled),
		"failed":         atomic.LoadUint64(&p.failed),
		"lastExtractMs":  float64(atomic.LoadInt64(&p.lastNs)) / 1e6,
		"buffersSpare":   p.ring.Available(),
		"buffersAlloc":   allocated,
		"buffersReused":  reused,
		"buffersDropped": dropped,
		"bufferCols":     p.cols,
		"bufferRows":     p.rows,
		"workerRunning":  p.IsRunning(),
	}
}
