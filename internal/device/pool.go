package device

import (
	"sync"

	"github.com/clocksmith/dreamer/internal/logger"
	"github.com/clocksmith/dreamer/internal/metrics"
)

// PoolStats is a point-in-time snapshot of pool byte accounting.
type PoolStats struct {
	ActiveBytes uint64
	PooledBytes uint64
	PeakBytes   uint64
	Hits        uint64
	Misses      uint64
	Evictions   uint64
}

// Pool reuses device buffers instead of freeing them. Acquire prefers a
// pooled buffer whose size and usage are compatible; Release returns a
// buffer for reuse, deferred past the completion of whatever submission
// last touched it. The pool is the only structure shared across call
// sites, so all entry points lock.
type Pool struct {
	mu      sync.Mutex
	backend Backend
	free    []*Buffer

	activeBytes uint64
	pooledBytes uint64
	peakBytes   uint64
	hits        uint64
	misses      uint64
	evictions   uint64
}

func NewPool(backend Backend) *Pool {
	return &Pool{backend: backend}
}

// Acquire returns a buffer of at least size bytes whose usage flags cover
// the requested set. Pool hit returns the smallest compatible pooled
// buffer; miss allocates fresh device memory.
func (p *Pool) Acquire(size uint64, usage BufferUsage, dtype DataType, label string) (*Buffer, error) {
	p.mu.Lock()

	best := -1
	for i, b := range p.free {
		if b.size < size || !b.usage.Contains(usage) {
			continue
		}
		if best < 0 || b.size < p.free[best].size {
			best = i
		}
	}

	if best >= 0 {
		b := p.free[best]
		p.free = append(p.free[:best], p.free[best+1:]...)
		b.pooled = false
		b.dtype = dtype
		b.label = label
		p.pooledBytes -= b.size
		p.activeBytes += b.size
		p.hits++
		p.touchPeakLocked()
		p.mu.Unlock()
		metrics.PoolHits.Inc()
		p.recordGauges()
		return b, nil
	}

	p.misses++
	p.mu.Unlock()

	b, err := p.backend.NewBuffer(size, usage, dtype, label)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.activeBytes += b.size
	p.touchPeakLocked()
	p.mu.Unlock()

	metrics.PoolMisses.Inc()
	p.recordGauges()
	logger.Log.Debug("pool alloc", "label", label, "bytes", size)
	return b, nil
}

// Release returns b to the pool. If the submission that last used b has not
// drained yet, the return is deferred onto its completion callback; handing
// the buffer out earlier could race a still-in-flight dispatch.
func (p *Pool) Release(b *Buffer) {
	if b == nil {
		return
	}
	sub := b.lastSub
	if sub == nil || sub.Done() {
		p.repool(b)
		return
	}
	sub.OnComplete(func() { p.repool(b) })
}

func (p *Pool) repool(b *Buffer) {
	p.mu.Lock()
	if b.pooled {
		p.mu.Unlock()
		return
	}
	b.pooled = true
	b.lastSub = nil
	p.free = append(p.free, b)
	p.activeBytes -= b.size
	p.pooledBytes += b.size
	p.mu.Unlock()
	p.recordGauges()
}

// Evict destroys pooled buffers until at least bytes have been freed or the
// pool is empty. Returns the bytes actually freed. Active buffers are never
// touched.
func (p *Pool) Evict(bytes uint64) uint64 {
	p.mu.Lock()
	var freed uint64
	var victims []*Buffer
	for freed < bytes && len(p.free) > 0 {
		b := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.pooledBytes -= b.size
		freed += b.size
		p.evictions++
		victims = append(victims, b)
	}
	p.mu.Unlock()

	for _, b := range victims {
		b.pooled = false
		p.backend.DestroyBuffer(b)
		metrics.PoolEvictions.Inc()
	}
	if freed > 0 {
		logger.Log.Debug("pool evict", "freed", freed, "requested", bytes)
		p.recordGauges()
	}
	return freed
}

// Drain evicts everything pooled. Used at shutdown.
func (p *Pool) Drain() {
	p.Evict(^uint64(0))
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		ActiveBytes: p.activeBytes,
		PooledBytes: p.pooledBytes,
		PeakBytes:   p.peakBytes,
		Hits:        p.hits,
		Misses:      p.misses,
		Evictions:   p.evictions,
	}
}

func (p *Pool) touchPeakLocked() {
	if total := p.activeBytes + p.pooledBytes; total > p.peakBytes {
		p.peakBytes = total
	}
}

func (p *Pool) recordGauges() {
	s := p.Stats()
	metrics.RecordMemory(int64(s.ActiveBytes), int64(s.PooledBytes), int64(s.PeakBytes))
}

// HeapManager layers a soft VRAM budget over the pool plus out-of-pool
// allocation sources (staging buffers, KV cache growth, shard upload).
// Large allocations call Reserve first; the manager evicts pooled-but-idle
// buffers before conceding defeat.
type HeapManager struct {
	mu      sync.Mutex
	pool    *Pool
	budget  uint64
	staging uint64
}

func NewHeapManager(pool *Pool, budget uint64) *HeapManager {
	return &HeapManager{pool: pool, budget: budget}
}

// Reserve checks whether bytes more can be allocated under the budget,
// evicting pooled buffers if that is what it takes. It does not allocate;
// the caller performs the actual allocation on success.
func (h *HeapManager) Reserve(bytes uint64) error {
	if h.budget == 0 {
		return nil
	}
	s := h.pool.Stats()
	h.mu.Lock()
	staging := h.staging
	h.mu.Unlock()

	used := s.ActiveBytes + s.PooledBytes + staging
	if used+bytes <= h.budget {
		return nil
	}

	need := used + bytes - h.budget
	freed := h.pool.Evict(need)
	if freed >= need {
		return nil
	}
	logger.Log.Warn("vram budget exceeded", "budget", h.budget, "used", used-freed, "requested", bytes)
	return ErrBudgetExceeded
}

// TrackStaging accounts bytes of staging memory against the budget;
// negative deltas release.
func (h *HeapManager) TrackStaging(delta int64) {
	h.mu.Lock()
	if delta < 0 && uint64(-delta) > h.staging {
		h.staging = 0
	} else {
		h.staging = uint64(int64(h.staging) + delta)
	}
	h.mu.Unlock()
}

func (h *HeapManager) Budget() uint64 { return h.budget }
