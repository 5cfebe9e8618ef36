package device

import (
	"context"

	"github.com/clocksmith/dreamer/internal/metrics"
)

// RecorderStats counts what has been recorded so far.
type RecorderStats struct {
	OpCount         int
	TempBufferCount int
}

// Recorder batches kernel dispatches onto one encoder so a full forward
// pass lands in one or two queue submissions. Temp buffers acquired through
// the recorder are scoped to the recording and flow back to the pool once
// the submission completes. The recorder exposes no readback: inspecting an
// intermediate buffer requires SubmitAndWait first, then Backend.Read.
type Recorder struct {
	enc       Encoder
	pool      *Pool
	temps     []*Buffer
	tracked   []*Buffer
	opCount   int
	submitted bool
}

func NewRecorder(backend Backend, pool *Pool) *Recorder {
	return &Recorder{enc: backend.NewEncoder(), pool: pool}
}

// CreateTempBuffer acquires a pool buffer scoped to this recording. It is
// released automatically after the recording's submission drains.
func (r *Recorder) CreateTempBuffer(size uint64, dtype DataType, label string) (*Buffer, error) {
	if r.submitted {
		return nil, ErrRecorderSubmitted
	}
	b, err := r.pool.Acquire(size, UsageStorage|UsageCopySrc|UsageCopyDst, dtype, label)
	if err != nil {
		return nil, err
	}
	r.temps = append(r.temps, b)
	return b, nil
}

// Track ties an externally owned buffer's release ordering to this
// recording's submission without transferring ownership.
func (r *Recorder) Track(bufs ...*Buffer) {
	r.tracked = append(r.tracked, bufs...)
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{OpCount: r.opCount, TempBufferCount: len(r.temps)}
}

func (r *Recorder) record(op string, err error) error {
	if err != nil {
		metrics.RecordValidationError(op, "shape")
		return err
	}
	r.opCount++
	return nil
}

func (r *Recorder) Matmul(op MatmulOp) error {
	if r.submitted {
		return ErrRecorderSubmitted
	}
	if err := validateMatmul(op); err != nil {
		return r.record("matmul", err)
	}
	r.use(op.A, op.B, op.Out)
	return r.record("matmul", r.enc.Matmul(op))
}

func (r *Recorder) Gather(op GatherOp) error {
	if r.submitted {
		return ErrRecorderSubmitted
	}
	if err := validateGather(op); err != nil {
		return r.record("gather", err)
	}
	r.use(op.Table, op.Out)
	return r.record("gather", r.enc.Gather(op))
}

func (r *Recorder) RMSNorm(op RMSNormOp) error {
	if r.submitted {
		return ErrRecorderSubmitted
	}
	if err := validateRMSNorm(op); err != nil {
		return r.record("rmsnorm", err)
	}
	r.use(op.In, op.Weight, op.Out)
	return r.record("rmsnorm", r.enc.RMSNorm(op))
}

func (r *Recorder) Rope(op RopeOp) error {
	if r.submitted {
		return ErrRecorderSubmitted
	}
	if err := validateRope(op); err != nil {
		return r.record("rope", err)
	}
	r.use(op.InOut)
	return r.record("rope", r.enc.Rope(op))
}

func (r *Recorder) AppendKV(op AppendKVOp) error {
	if r.submitted {
		return ErrRecorderSubmitted
	}
	if err := validateAppendKV(op); err != nil {
		return r.record("append_kv", err)
	}
	r.use(op.SrcK, op.SrcV, op.DstK, op.DstV)
	return r.record("append_kv", r.enc.AppendKV(op))
}

func (r *Recorder) Attention(op AttentionOp) error {
	if r.submitted {
		return ErrRecorderSubmitted
	}
	if err := validateAttention(op); err != nil {
		return r.record("attention", err)
	}
	r.use(op.Q, op.K, op.V, op.Out)
	return r.record("attention", r.enc.Attention(op))
}

func (r *Recorder) Dequant(op DequantOp) error {
	if r.submitted {
		return ErrRecorderSubmitted
	}
	if err := validateDequant(op); err != nil {
		return r.record("dequant", err)
	}
	r.use(op.In, op.Out)
	return r.record("dequant", r.enc.Dequant(op))
}

func (r *Recorder) Residual(op ResidualOp) error {
	if r.submitted {
		return ErrRecorderSubmitted
	}
	if err := validateElementwise("residual", op.N, op.A, op.B, op.Out); err != nil {
		return r.record("residual", err)
	}
	r.use(op.A, op.B, op.Out)
	return r.record("residual", r.enc.Residual(op))
}

func (r *Recorder) GateAct(op GateActOp) error {
	if r.submitted {
		return ErrRecorderSubmitted
	}
	if err := validateElementwise("gate_act", op.N, op.Gate, op.Up, op.Out); err != nil {
		return r.record("gate_act", err)
	}
	r.use(op.Gate, op.Up, op.Out)
	return r.record("gate_act", r.enc.GateAct(op))
}

func (r *Recorder) Cast(op CastOp) error {
	if r.submitted {
		return ErrRecorderSubmitted
	}
	if err := validateCast(op); err != nil {
		return r.record("cast", err)
	}
	r.use(op.In, op.Out)
	return r.record("cast", r.enc.Cast(op))
}

func (r *Recorder) Copy(op CopyOp) error {
	if r.submitted {
		return ErrRecorderSubmitted
	}
	if err := validateCopy(op); err != nil {
		return r.record("copy", err)
	}
	r.use(op.Src, op.Dst)
	return r.record("copy", r.enc.Copy(op))
}

func (r *Recorder) use(bufs ...*Buffer) {
	for _, b := range bufs {
		if b != nil {
			r.tracked = append(r.tracked, b)
		}
	}
}

// Submit hands the recording to the queue. Every buffer the recording
// touched gets stamped with the returned submission, which is what gates
// its eventual return to the pool; temp buffers are released into that
// same gate here.
func (r *Recorder) Submit() (*Submission, error) {
	if r.submitted {
		return nil, ErrRecorderSubmitted
	}
	r.submitted = true

	sub, err := r.enc.Submit()
	if err != nil {
		for _, b := range r.temps {
			r.pool.Release(b)
		}
		return nil, err
	}

	for _, b := range r.tracked {
		b.markUse(sub)
	}
	for _, b := range r.temps {
		b.markUse(sub)
		r.pool.Release(b)
	}
	metrics.RecordSubmission(r.opCount)
	return sub, nil
}

// SubmitAndWait submits and blocks until the device has drained the work.
func (r *Recorder) SubmitAndWait(ctx context.Context) error {
	sub, err := r.Submit()
	if err != nil {
		return err
	}
	return sub.Wait(ctx)
}

func validateMatmul(op MatmulOp) error {
	if op.A == nil || op.B == nil || op.Out == nil {
		return validationErrorf("matmul", "nil buffer operand")
	}
	if op.M <= 0 || op.K <= 0 || op.N <= 0 {
		return validationErrorf("matmul", "non-positive dims m=%d k=%d n=%d", op.M, op.K, op.N)
	}
	if need := uint64(op.M*op.K) * 4; op.A.size < need {
		return validationErrorf("matmul", "A too small for [%d,%d] f32", op.M, op.K)
	}
	var bNeed uint64
	switch op.B.DType() {
	case Q4K:
		if op.K%QK_K != 0 {
			return validationErrorf("matmul", "quantized K=%d not a multiple of %d", op.K, QK_K)
		}
		bNeed = uint64(op.N*op.K/QK_K) * Q4KBlockBytes
	case F16:
		bNeed = uint64(op.K*op.N) * 2
	default:
		bNeed = uint64(op.K*op.N) * 4
	}
	if op.B.size < bNeed {
		return validationErrorf("matmul", "B too small: have %d bytes, need %d (%s)", op.B.size, bNeed, op.B.DType())
	}
	if need := uint64(op.M*op.N) * 4; op.Out.size < need {
		return validationErrorf("matmul", "out too small for [%d,%d] f32", op.M, op.N)
	}
	return nil
}

func validateGather(op GatherOp) error {
	if len(op.IDs) == 0 || op.Cols <= 0 {
		return validationErrorf("gather", "empty ids or non-positive cols")
	}
	elem := uint64(4)
	if op.Table.DType() == F16 {
		elem = 2
	}
	rows := op.Table.size / (uint64(op.Cols) * elem)
	for _, id := range op.IDs {
		if id < 0 || uint64(id) >= rows {
			return validationErrorf("gather", "token id %d outside table of %d rows", id, rows)
		}
	}
	if need := uint64(len(op.IDs)*op.Cols) * 4; op.Out.size < need {
		return validationErrorf("gather", "out too small for [%d,%d] f32", len(op.IDs), op.Cols)
	}
	return nil
}

func validateRMSNorm(op RMSNormOp) error {
	if op.Rows <= 0 || op.Cols <= 0 {
		return validationErrorf("rmsnorm", "non-positive dims rows=%d cols=%d", op.Rows, op.Cols)
	}
	need := uint64(op.Rows*op.Cols) * 4
	if op.In.size < need || op.Out.size < need {
		return validationErrorf("rmsnorm", "in/out too small for [%d,%d] f32", op.Rows, op.Cols)
	}
	wElem := uint64(4)
	if op.Weight.DType() == F16 {
		wElem = 2
	}
	if op.Weight.size < uint64(op.Cols)*wElem {
		return validationErrorf("rmsnorm", "weight too small for %d cols", op.Cols)
	}
	return nil
}

func validateRope(op RopeOp) error {
	if op.Heads <= 0 || op.HeadDim <= 0 || op.HeadDim%2 != 0 {
		return validationErrorf("rope", "bad geometry heads=%d headDim=%d", op.Heads, op.HeadDim)
	}
	if need := uint64(len(op.Positions)*op.Heads*op.HeadDim) * 4; op.InOut.size < need {
		return validationErrorf("rope", "buffer too small for %d positions", len(op.Positions))
	}
	return nil
}

func validateAppendKV(op AppendKVOp) error {
	if op.Tokens <= 0 || op.Cols <= 0 || op.Pos < 0 {
		return validationErrorf("append_kv", "bad geometry tokens=%d cols=%d pos=%d", op.Tokens, op.Cols, op.Pos)
	}
	srcNeed := uint64(op.Tokens*op.Cols) * 4
	if op.SrcK.size < srcNeed || op.SrcV.size < srcNeed {
		return validationErrorf("append_kv", "source too small for [%d,%d] f32", op.Tokens, op.Cols)
	}
	elem := uint64(4)
	if op.DstDType == F16 {
		elem = 2
	}
	dstNeed := uint64(op.Pos+op.Tokens) * uint64(op.Cols) * elem
	if op.DstK.size < dstNeed || op.DstV.size < dstNeed {
		return ErrKVCacheOverflow
	}
	return nil
}

func validateAttention(op AttentionOp) error {
	if op.Heads <= 0 || op.KVHeads <= 0 || op.HeadDim <= 0 {
		return validationErrorf("attention", "bad geometry heads=%d kvHeads=%d headDim=%d", op.Heads, op.KVHeads, op.HeadDim)
	}
	if op.Heads%op.KVHeads != 0 {
		return validationErrorf("attention", "heads %d not divisible by kv heads %d", op.Heads, op.KVHeads)
	}
	if op.StartPos+op.Tokens > op.SeqLen {
		return validationErrorf("attention", "query span [%d,%d) past seqLen %d", op.StartPos, op.StartPos+op.Tokens, op.SeqLen)
	}
	qNeed := uint64(op.Tokens*op.Heads*op.HeadDim) * 4
	if op.Q.size < qNeed || op.Out.size < qNeed {
		return validationErrorf("attention", "q/out too small for %d tokens", op.Tokens)
	}
	elem := uint64(4)
	if op.Variant.KVDType == F16 {
		elem = 2
	}
	kvNeed := uint64(op.SeqLen*op.KVHeads*op.HeadDim) * elem
	if op.K.size < kvNeed || op.V.size < kvNeed {
		return validationErrorf("attention", "kv too small for seqLen %d", op.SeqLen)
	}
	return nil
}

func validateDequant(op DequantOp) error {
	if op.N <= 0 || op.N%QK_K != 0 {
		return validationErrorf("dequant", "n=%d not a positive multiple of %d", op.N, QK_K)
	}
	if need := uint64(op.N/QK_K) * Q4KBlockBytes; op.In.size < need {
		return validationErrorf("dequant", "input too small for %d values", op.N)
	}
	elem := uint64(4)
	if op.Variant == DequantSharedF16Out || op.Variant == DequantSubgroupF16Out {
		elem = 2
	}
	if need := uint64(op.N) * elem; op.Out.size < need {
		return validationErrorf("dequant", "output too small for %d values", op.N)
	}
	return nil
}

func validateElementwise(name string, n int, a, b, out *Buffer) error {
	if n <= 0 {
		return validationErrorf(name, "non-positive n=%d", n)
	}
	need := uint64(n) * 4
	if a.size < need || b.size < need || out.size < need {
		return validationErrorf(name, "operand too small for %d f32 values", n)
	}
	return nil
}

func validateCast(op CastOp) error {
	if op.N <= 0 {
		return validationErrorf("cast", "non-positive n=%d", op.N)
	}
	inElem, outElem := uint64(4), uint64(4)
	if op.In.DType() == F16 {
		inElem = 2
	}
	if op.Out.DType() == F16 {
		outElem = 2
	}
	if inElem == outElem {
		return validationErrorf("cast", "no conversion between %s and %s", op.In.DType(), op.Out.DType())
	}
	if op.In.size < uint64(op.N)*inElem || op.Out.size < uint64(op.N)*outElem {
		return validationErrorf("cast", "operand too small for %d values", op.N)
	}
	return nil
}

func validateCopy(op CopyOp) error {
	if op.Bytes == 0 {
		return validationErrorf("copy", "zero-byte copy")
	}
	if op.SrcOff+op.Bytes > op.Src.size || op.DstOff+op.Bytes > op.Dst.size {
		return validationErrorf("copy", "range out of bounds")
	}
	return nil
}
