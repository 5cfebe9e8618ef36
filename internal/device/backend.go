package device

import (
	"context"
	"sync"
)

// Activation identifies the FFN gate nonlinearity.
type Activation uint8

const (
	ActSilu Activation = iota
	ActGeluTanh
)

func (a Activation) String() string {
	switch a {
	case ActSilu:
		return "silu"
	case ActGeluTanh:
		return "gelu_pytorch_tanh"
	default:
		return "unknown"
	}
}

// ParseActivation maps the manifest activation string onto the enum.
func ParseActivation(s string) (Activation, error) {
	switch s {
	case "silu":
		return ActSilu, nil
	case "gelu_pytorch_tanh":
		return ActGeluTanh, nil
	default:
		return 0, validationErrorf("activation", "unknown activation %q", s)
	}
}

// Submission tracks one queue submission from enqueue to completion.
// OnComplete callbacks run exactly once, after the device has drained the
// submitted work (immediately, if it already has).
type Submission struct {
	mu        sync.Mutex
	completed bool
	ch        chan struct{}
	callbacks []func()
}

func newSubmission() *Submission {
	return &Submission{ch: make(chan struct{})}
}

// Complete marks the submission drained and fires pending callbacks.
// Called by the backend, once.
func (s *Submission) Complete() {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	cbs := s.callbacks
	s.callbacks = nil
	close(s.ch)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

func (s *Submission) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

func (s *Submission) Wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnComplete registers fn to run once the submission has drained. If it
// already has, fn runs synchronously.
func (s *Submission) OnComplete(fn func()) {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		fn()
		return
	}
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// MatmulOp computes Out[M,N] = A[M,K] × B. With TransB unset, B is [K,N]
// row-major; with TransB set, B is [N,K] (the weight layout: each output
// column reads one contiguous row of B, which is also what keeps Q4_K
// blocks aligned with the dot products).
type MatmulOp struct {
	A, B, Out *Buffer
	M, K, N   int
	TransB    bool
	Variant   MatmulVariant
	Workgroup uint32
}

// GatherOp copies table rows for the given token ids into Out[len(IDs),Cols],
// multiplied by Scale (1.0, or sqrt(hidden) when embeddings are scaled).
type GatherOp struct {
	Table *Buffer
	Out   *Buffer
	IDs   []int32
	Cols  int
	Scale float32
}

// RMSNormOp normalizes each of Rows rows of length Cols, then multiplies by
// (WeightOffset + weight). WeightOffset is 0 or 1 depending on the model's
// norm-weight convention.
type RMSNormOp struct {
	In, Weight, Out *Buffer
	Rows, Cols      int
	Eps             float32
	WeightOffset    float32
}

// RopeOp rotates position-dependent feature pairs in place. The buffer holds
// [len(Positions), Heads*HeadDim] and pairing is rotate-half: dimension i
// pairs with i+HeadDim/2.
type RopeOp struct {
	InOut     *Buffer
	Positions []int32
	Heads     int
	HeadDim   int
	Base      float32
}

// AppendKVOp writes Tokens rows of freshly rotated K and V into the per-layer
// cache buffers at row offset Pos, casting f32 to the cache dtype when the
// cache stores f16.
type AppendKVOp struct {
	SrcK, SrcV *Buffer
	DstK, DstV *Buffer
	Pos        int
	Tokens     int
	Cols       int
	DstDType   DataType
}

// AttentionOp runs grouped-query scaled-dot-product attention for Tokens
// query rows starting at absolute position StartPos, against SeqLen cached
// rows. WindowSize 0 means unbounded causal attention.
type AttentionOp struct {
	Q, K, V, Out *Buffer
	Tokens       int
	StartPos     int
	SeqLen       int
	Heads        int
	KVHeads      int
	HeadDim      int
	Scale        float32
	WindowSize   int
	Variant      AttentionVariant
}

// DequantOp expands N Q4_K-coded values from In into Out at the output dtype
// implied by Variant.
type DequantOp struct {
	In, Out *Buffer
	N       int
	Variant DequantVariant
}

// ResidualOp computes Out = A + B elementwise over N f32 values.
type ResidualOp struct {
	A, B, Out *Buffer
	N         int
}

// GateActOp computes Out = act(Gate) * Up elementwise over N f32 values.
type GateActOp struct {
	Gate, Up, Out *Buffer
	N             int
	Act           Activation
}

// CastOp converts N values between f32 and f16, direction given by the
// buffer dtype tags.
type CastOp struct {
	In, Out *Buffer
	N       int
}

// CopyOp is a raw byte copy between device buffers.
type CopyOp struct {
	Src, Dst       *Buffer
	SrcOff, DstOff uint64
	Bytes          uint64
}

// Encoder records kernel dispatches onto one command buffer. Nothing runs
// until Submit; after Submit the encoder is spent. Encoders expose no
// readback path, so intermediate buffers cannot be inspected mid-recording.
type Encoder interface {
	Matmul(op MatmulOp) error
	Gather(op GatherOp) error
	RMSNorm(op RMSNormOp) error
	Rope(op RopeOp) error
	AppendKV(op AppendKVOp) error
	Attention(op AttentionOp) error
	Dequant(op DequantOp) error
	Residual(op ResidualOp) error
	GateAct(op GateActOp) error
	Cast(op CastOp) error
	Copy(op CopyOp) error

	Submit() (*Submission, error)
}

// Backend is one compute device: the CPU reference implementation, or a
// WebGPU adapter. All dispatch goes onto a single ordered queue; submissions
// complete in submission order.
type Backend interface {
	Name() string
	Caps() CapabilitySet

	NewBuffer(size uint64, usage BufferUsage, dtype DataType, label string) (*Buffer, error)
	DestroyBuffer(b *Buffer)
	Write(b *Buffer, data []byte) error
	Read(ctx context.Context, b *Buffer, dst []byte) error

	NewEncoder() Encoder
	Close()
}
