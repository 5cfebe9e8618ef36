package engine

import (
	"fmt"

	"github.com/clocksmith/dreamer/internal/device"
)

// KVCacheStats describes cache occupancy for introspection endpoints.
type KVCacheStats struct {
	SeqLen    int    `json:"seq_len"`
	MaxSeqLen int    `json:"max_seq_len"`
	Layers    int    `json:"layers"`
	DType     string `json:"dtype"`
	Bytes     uint64 `json:"bytes"`
}

type layerKV struct {
	K *device.Buffer
	V *device.Buffer
}

// KVCache holds per-layer key/value buffers of shape [capacity, kvHeads*headDim].
// The storage dtype is fixed at creation; appends cast on the device when the
// cache is f16. Position tracking is caller-driven through Append.
type KVCache struct {
	layers   []layerKV
	capacity int
	cols     int
	dtype    device.DataType
	seqLen   int
}

// NewKVCache allocates the cache up front for every layer. dtype must be
// F32 or F16.
func NewKVCache(backend device.Backend, heap *device.HeapManager, layers, capacity, cols int, dtype device.DataType) (*KVCache, error) {
	if dtype != device.F32 && dtype != device.F16 {
		return nil, fmt.Errorf("kv cache: unsupported dtype %s", dtype)
	}
	perBuf := uint64(capacity) * uint64(dtype.BytesFor(cols))

	c := &KVCache{
		layers:   make([]layerKV, layers),
		capacity: capacity,
		cols:     cols,
		dtype:    dtype,
	}
	usage := device.UsageStorage | device.UsageCopyDst | device.UsageCopySrc
	for i := range c.layers {
		if heap != nil {
			if err := heap.Reserve(2 * perBuf); err != nil {
				c.Free(backend)
				return nil, err
			}
		}
		k, err := backend.NewBuffer(perBuf, usage, dtype, fmt.Sprintf("kv-k-%d", i))
		if err != nil {
			c.Free(backend)
			return nil, err
		}
		v, err := backend.NewBuffer(perBuf, usage, dtype, fmt.Sprintf("kv-v-%d", i))
		if err != nil {
			backend.DestroyBuffer(k)
			c.Free(backend)
			return nil, err
		}
		c.layers[i] = layerKV{K: k, V: v}
		if heap != nil {
			heap.TrackStaging(int64(2 * perBuf))
		}
	}
	return c, nil
}

// Append records the append of tokens rows of K and V into one layer at the
// current sequence position. The caller advances the position once per step
// with Advance after appending every layer.
func (c *KVCache) Append(r *device.Recorder, layer int, srcK, srcV *device.Buffer, tokens int) error {
	if c.seqLen+tokens > c.capacity {
		return fmt.Errorf("%w: %d + %d exceeds capacity %d", device.ErrKVCacheOverflow, c.seqLen, tokens, c.capacity)
	}
	kv := c.layers[layer]
	return r.AppendKV(device.AppendKVOp{
		SrcK:     srcK,
		SrcV:     srcV,
		DstK:     kv.K,
		DstV:     kv.V,
		Pos:      c.seqLen,
		Tokens:   tokens,
		Cols:     c.cols,
		DstDType: c.dtype,
	})
}

// Advance commits tokens positions after a step's appends have been recorded.
func (c *KVCache) Advance(tokens int) {
	c.seqLen += tokens
}

// Layer returns the K and V buffers for one layer.
func (c *KVCache) Layer(i int) (*device.Buffer, *device.Buffer) {
	return c.layers[i].K, c.layers[i].V
}

func (c *KVCache) SeqLen() int   { return c.seqLen }
func (c *KVCache) Capacity() int { return c.capacity }

func (c *KVCache) DType() device.DataType { return c.dtype }

// Reset rewinds the cache to empty without touching device memory.
func (c *KVCache) Reset() {
	c.seqLen = 0
}

func (c *KVCache) Stats() KVCacheStats {
	var bytes uint64
	for _, l := range c.layers {
		if l.K != nil {
			bytes += l.K.Size()
		}
		if l.V != nil {
			bytes += l.V.Size()
		}
	}
	return KVCacheStats{
		SeqLen:    c.seqLen,
		MaxSeqLen: c.capacity,
		Layers:    len(c.layers),
		DType:     c.dtype.String(),
		Bytes:     bytes,
	}
}

// Free destroys all cache buffers.
func (c *KVCache) Free(backend device.Backend) {
	for i, l := range c.layers {
		if l.K != nil {
			backend.DestroyBuffer(l.K)
		}
		if l.V != nil {
			backend.DestroyBuffer(l.V)
		}
		c.layers[i] = layerKV{}
	}
}
