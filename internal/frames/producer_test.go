package frames

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"weight-atlas/internal/grid"
	"weight-atlas/internal/model"
	"weight-atlas/internal/viewport"
)

const waitFor = 2 * time.Second
const tick = time.Millisecond

// scriptedExtractor emits n one-sample chunks along row 0. Before chunk
// number gateAt it reports on started and waits for release.
type scriptedExtractor struct {
	n       int
	gateAt  int
	started chan grid.Rect
	release chan struct{}
	panicAt int // 0 disables

	mu      sync.Mutex
	returns []bool
}

func newScripted(n, gateAt int) *scriptedExtractor {
	return &scriptedExtractor{
		n:       n,
		gateAt:  gateAt,
		started: make(chan grid.Rect, 8),
		release: make(chan struct{}),
	}
}

func (s *scriptedExtractor) ForEachChunk(req grid.ExtractRequest, fn func(grid.Chunk) bool) {
	for i := 0; i < s.n; i++ {
		if i == s.gateAt {
			s.started <- req.Rect
			<-s.release
		}
		if s.panicAt > 0 && i == s.panicAt {
			panic("boom")
		}
		c := grid.Chunk{
			Data: mat.NewDense(1, 1, []float64{float64(i + 1)}),
			Dest: grid.Rect{X1: float64(i), X2: float64(i + 1), Y2: 1},
		}
		ok := fn(c)
		s.mu.Lock()
		s.returns = append(s.returns, ok)
		s.mu.Unlock()
		if !ok {
			return
		}
	}
}

func (s *scriptedExtractor) results() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.returns...)
}

func regionAt(x float64) viewport.VisibleRegion {
	return viewport.VisibleRegion{Rect: grid.Rect{X1: x, X2: x + 8, Y2: 4}, Factor: 1}
}

func pollFrame(t *testing.T, p *Producer) *Frame {
	t.Helper()
	var got *Frame
	require.Eventually(t, func() bool {
		f, ok := p.Poll()
		got = f
		return ok
	}, waitFor, tick)
	return got
}

func stat(p *Producer, key string) uint64 {
	return p.GetStats()[key].(uint64)
}

func TestProducerFillsFromGrid(t *testing.T) {
	g := grid.New(grid.Options{Gap: 2})
	l1 := model.Tensor{Name: "L1", Shape: []int{4, 4}, Data: make([]float64, 16)}
	l2 := model.Tensor{Name: "L2", Shape: []int{4, 4}, Data: make([]float64, 16)}
	for i := range l1.Data {
		l1.Data[i] = float64(i)
		l2.Data[i] = 100 + float64(i)
	}
	g.AddLayers([]model.Tensor{l1, l2})

	p := NewProducer(Options{Cols: 12, Rows: 6})
	p.SetSource(g)
	p.Start()
	defer p.Stop()

	region := viewport.VisibleRegion{Rect: grid.Rect{X2: 9, Y2: 3}, Factor: 1}
	seq := p.Request(region)
	f := pollFrame(t, p)

	assert.Equal(t, seq, f.Seq)
	assert.True(t, f.Region.Equal(region))
	assert.Equal(t, 2, f.Chunks)
	assert.Equal(t, 32, f.Filled())

	v, ok := f.At(0, 0)
	assert.True(t, ok)
	assert.Equal(t, float32(0), v)

	v, ok = f.At(7, 2)
	assert.True(t, ok)
	assert.Equal(t, float32(100+2*4+1), v)

	_, ok = f.At(4, 0)
	assert.False(t, ok, "gap between layers keeps the sentinel")
	_, ok = f.At(11, 5)
	assert.False(t, ok)
	_, ok = f.At(12, 0)
	assert.False(t, ok)

	v, ok = f.ValueAt(6.5, 0.5)
	assert.True(t, ok)
	assert.Equal(t, float32(100), v)

	_, again := p.Poll()
	assert.False(t, again, "a frame is returned at most once")
}

func TestSupersededFrameNeverPublished(t *testing.T) {
	ex := newScripted(3, 0)
	p := NewProducer(Options{Cols: 16, Rows: 4})
	p.SetSource(ex)
	p.Start()
	defer p.Stop()

	a, b := regionAt(0), regionAt(100)
	p.Request(a)
	assert.Equal(t, a.Coverage(), <-ex.started)

	seqB := p.Request(b)
	close(ex.release) // A resumes, sees its cancellation after one chunk

	f := pollFrame(t, p)
	assert.Equal(t, seqB, f.Seq)
	assert.True(t, f.Region.Equal(b))
	assert.Equal(t, b.Coverage(), <-ex.started)

	require.Eventually(t, func() bool {
		return stat(p, "produced") == 1 && stat(p, "cancelled") == 1
	}, waitFor, tick)

	_, ok := p.Poll()
	assert.False(t, ok, "A must never be published")
}

func TestRequestDropsUnpolledFrame(t *testing.T) {
	ex := newScripted(2, -1)
	p := NewProducer(Options{Cols: 16, Rows: 4})
	p.SetSource(ex)
	p.Start()
	defer p.Stop()

	p.Request(regionAt(0))
	require.Eventually(t, func() bool { return stat(p, "produced") == 1 }, waitFor, tick)

	seqB := p.Request(regionAt(50))
	f := pollFrame(t, p)
	assert.Equal(t, seqB, f.Seq)
	assert.GreaterOrEqual(t, stat(p, "cancelled"), uint64(1))
}

func TestCancellationCheckedAfterEachChunk(t *testing.T) {
	ex := newScripted(5, 2)
	p := NewProducer(Options{Cols: 16, Rows: 4})
	p.SetSource(ex)
	p.Start()
	defer p.Stop()

	p.Request(regionAt(0))
	<-ex.started // two chunks written, about to write the third
	p.Cancel()
	close(ex.release)

	require.Eventually(t, func() bool { return stat(p, "cancelled") == 1 }, waitFor, tick)
	assert.Equal(t, []bool{true, true, false}, ex.results())

	_, ok := p.Poll()
	assert.False(t, ok)
}

func TestPanicKeepsSentinelAndWorker(t *testing.T) {
	ex := newScripted(4, -1)
	ex.panicAt = 2
	p := NewProducer(Options{Cols: 8, Rows: 2})
	p.SetSource(ex)
	p.Start()
	defer p.Stop()

	p.Request(regionAt(0))
	f := pollFrame(t, p)

	assert.True(t, f.Failed)
	assert.Equal(t, 2, f.Filled())
	v, ok := f.At(1, 0)
	assert.True(t, ok)
	assert.Equal(t, float32(2), v)
	_, ok = f.At(2, 0)
	assert.False(t, ok, "samples after the panic keep the sentinel")
	assert.Equal(t, uint64(1), stat(p, "failed"))

	// the worker survives
	p.SetSource(newScripted(1, -1))
	p.Request(regionAt(10))
	f = pollFrame(t, p)
	assert.False(t, f.Failed)
	assert.Equal(t, 1, f.Filled())
}

func TestRecycleReusesBuffers(t *testing.T) {
	p := NewProducer(Options{Cols: 4, Rows: 4})
	p.SetSource(newScripted(1, -1))
	p.Start()
	defer p.Stop()

	p.Request(regionAt(0))
	f := pollFrame(t, p)
	p.Recycle(f)
	assert.Nil(t, f.Data)

	p.Request(regionAt(1))
	f = pollFrame(t, p)
	assert.Equal(t, 1, f.Filled(), "reused buffer is reset to the sentinel")
	assert.Equal(t, uint64(1), stat(p, "buffersReused"))
}

func TestRequestWithoutSource(t *testing.T) {
	p := NewProducer(Options{Cols: 4, Rows: 4})
	p.Start()
	defer p.Stop()

	p.Request(regionAt(0))
	require.Eventually(t, func() bool { return stat(p, "cancelled") == 1 }, waitFor, tick)
	_, ok := p.Poll()
	assert.False(t, ok)
}

func TestPollNeverBlocks(t *testing.T) {
	p := NewProducer(Options{})
	f, ok := p.Poll()
	assert.Nil(t, f)
	assert.False(t, ok)
	assert.False(t, p.IsRunning())
	p.Stop() // no-op when stopped
}

func TestOnReadyCallback(t *testing.T) {
	p := NewProducer(Options{Cols: 4, Rows: 1})
	p.SetSource(newScripted(1, -1))
	ready := make(chan uint64, 1)
	p.SetOnReady(func(f *Frame) { ready <- f.Seq })
	p.Start()
	defer p.Stop()

	seq := p.Request(regionAt(0))
	select {
	case got := <-ready:
		assert.Equal(t, seq, got)
	case <-time.After(waitFor):
		t.Fatal("onReady not called")
	}
}

func TestBufferRing(t *testing.T) {
	rb := NewBufferRing(4)
	assert.False(t, rb.Put(make([]float32, 3)), "wrong size is rejected")

	for i := 0; i < RingSize-1; i++ {
		require.True(t, rb.Put(make([]float32, 4)))
	}
	assert.False(t, rb.Put(make([]float32, 4)), "full ring drops")
	assert.Equal(t, RingSize-1, rb.Available())

	for i := 0; i < RingSize-1; i++ {
		assert.Len(t, rb.Get(), 4)
	}
	assert.Equal(t, 0, rb.Available())
	assert.Len(t, rb.Get(), 4)

	allocated, reused, dropped := rb.GetStats()
	assert.Equal(t, uint64(1), allocated)
	assert.Equal(t, uint64(RingSize-1), reused)
	assert.Equal(t, uint64(1), dropped)
}

func TestSentinel(t *testing.T) {
	assert.True(t, IsSentinel(Sentinel))
	assert.False(t, IsSentinel(0))
}
