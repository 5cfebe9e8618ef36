package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/clocksmith/dreamer/internal/device"
	"github.com/clocksmith/dreamer/internal/metrics"
)

// GenerateRequest describes one generation call. Prompt holds token ids;
// tokenization happens upstream of the engine.
type GenerateRequest struct {
	Prompt     []int         `json:"prompt"`
	MaxTokens  int           `json:"max_tokens,omitempty"`
	StopTokens []int         `json:"stop_tokens,omitempty"`
	Sampler    SamplerConfig `json:"sampler,omitempty"`
}

const defaultMaxTokens = 128

// Generate starts a token stream for the request. The engine serializes
// generations; a second call blocks until the first finishes. Cancel ctx to
// stop mid-stream: the stream finishes cleanly with FinishCanceled.
func (e *Engine) Generate(ctx context.Context, req GenerateRequest) (*Stream, error) {
	if len(req.Prompt) == 0 {
		return nil, fmt.Errorf("generate: empty prompt")
	}
	for _, id := range req.Prompt {
		if id < 0 || id >= e.cfg.VocabSize {
			return nil, fmt.Errorf("generate: token id %d outside vocab of %d", id, e.cfg.VocabSize)
		}
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}

	s := newStream(16)
	go e.run(ctx, req, s)
	return s, nil
}

func (e *Engine) run(ctx context.Context, req GenerateRequest, s *Stream) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sampler := NewSampler(req.Sampler)
	var generated []int
	history := append([]int(nil), req.Prompt...)
	finishErr := func(err error) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.finish(Result{Reason: FinishCanceled, TokenIDs: generated})
			return
		}
		s.finish(Result{Reason: FinishError, TokenIDs: generated, Err: err})
	}

	prompt := make([]int32, len(req.Prompt))
	for i, id := range req.Prompt {
		prompt[i] = int32(id)
	}

	start := time.Now()
	logits, err := e.forward(ctx, prompt)
	if err != nil {
		finishErr(err)
		return
	}
	metrics.RecordPrefill(time.Since(start))
	e.log.Debug("prefill done", "tokens", len(prompt), "duration", time.Since(start))

	stop := make(map[int]struct{}, len(req.StopTokens))
	for _, id := range req.StopTokens {
		stop[id] = struct{}{}
	}

	for i := 0; i < req.MaxTokens; i++ {
		if err := ctx.Err(); err != nil {
			finishErr(err)
			return
		}
		stepStart := time.Now()

		id, err := sampler.Sample(logits, history)
		if err != nil {
			finishErr(err)
			return
		}
		generated = append(generated, id)
		history = append(history, id)

		_, isStop := stop[id]
		exhausted := e.cache.SeqLen() >= e.cache.Capacity()
		final := isStop || exhausted || i == req.MaxTokens-1

		if !s.emit(ctx, Token{ID: id, Position: e.cache.SeqLen(), Final: final}) {
			finishErr(ctx.Err())
			return
		}
		metrics.RecordInference(1, time.Since(stepStart))

		if isStop {
			s.finish(Result{Reason: FinishStop, TokenIDs: generated})
			return
		}
		if final {
			s.finish(Result{Reason: FinishLength, TokenIDs: generated})
			return
		}

		logits, err = e.forward(ctx, []int32{int32(id)})
		if err != nil {
			finishErr(err)
			return
		}
	}
	s.finish(Result{Reason: FinishLength, TokenIDs: generated})
}

// forward runs one full pass over ids, appends their KV rows and returns the
// logits of the last position. The whole pass records onto one command
// stream; activation checking introduces extra submit boundaries.
func (e *Engine) forward(ctx context.Context, ids []int32) ([]float32, error) {
	tokens := len(ids)
	dim := e.cfg.Dim
	startPos := e.cache.SeqLen()

	r := device.NewRecorder(e.backend, e.pool)

	hiddenBytes := uint64(tokens*dim) * 4
	hidden, err := e.pool.Acquire(hiddenBytes, device.UsageStorage|device.UsageCopySrc|device.UsageCopyDst, device.F32, "hidden")
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(hidden)

	scale := float32(1)
	if e.cfg.ScaleEmbeddings {
		scale = float32(math.Sqrt(float64(dim)))
	}
	if err := r.Gather(device.GatherOp{
		Table: e.weights.TokenEmbed,
		Out:   hidden,
		IDs:   ids,
		Cols:  dim,
		Scale: scale,
	}); err != nil {
		return nil, err
	}

	positions := make([]int32, tokens)
	for i := range positions {
		positions[i] = int32(startPos + i)
	}

	for layer := 0; layer < e.cfg.Layers; layer++ {
		if err := e.forwardLayer(r, layer, hidden, tokens, startPos, positions); err != nil {
			return nil, err
		}
		if e.checkActs {
			if r, err = e.activationBoundary(ctx, r, layer, hidden, tokens); err != nil {
				return nil, err
			}
		}
	}
	e.cache.Advance(tokens)

	logits, err := e.readLogits(ctx, r, hidden, tokens)
	if err != nil {
		return nil, err
	}

	st := e.cache.Stats()
	metrics.RecordKVCacheStats(int64(st.Bytes), int64(st.Bytes)*int64(st.SeqLen)/int64(st.MaxSeqLen))
	return logits, nil
}

func (e *Engine) forwardLayer(r *device.Recorder, layer int, hidden *device.Buffer, tokens, startPos int, positions []int32) error {
	cfg := &e.cfg
	w := &e.weights.Layers[layer]
	dim := cfg.Dim
	qCols := cfg.Heads * cfg.HeadDim
	kvCols := cfg.KVHeads * cfg.HeadDim

	normed, err := r.CreateTempBuffer(uint64(tokens*dim)*4, device.F32, "attn-norm")
	if err != nil {
		return err
	}
	if err := e.rmsNorm(r, hidden, w.AttnNorm, normed, tokens, dim); err != nil {
		return err
	}

	q, err := r.CreateTempBuffer(uint64(tokens*qCols)*4, device.F32, "q")
	if err != nil {
		return err
	}
	k, err := r.CreateTempBuffer(uint64(tokens*kvCols)*4, device.F32, "k")
	if err != nil {
		return err
	}
	v, err := r.CreateTempBuffer(uint64(tokens*kvCols)*4, device.F32, "v")
	if err != nil {
		return err
	}
	if err := e.matmul(r, normed, w.WQ, q, tokens, dim, qCols); err != nil {
		return err
	}
	if err := e.matmul(r, normed, w.WK, k, tokens, dim, kvCols); err != nil {
		return err
	}
	if err := e.matmul(r, normed, w.WV, v, tokens, dim, kvCols); err != nil {
		return err
	}

	if cfg.UseQKNorm {
		if err := e.rmsNorm(r, q, w.QNorm, q, tokens*cfg.Heads, cfg.HeadDim); err != nil {
			return err
		}
		if err := e.rmsNorm(r, k, w.KNorm, k, tokens*cfg.KVHeads, cfg.HeadDim); err != nil {
			return err
		}
	}

	base := cfg.RopeBaseFor(layer)
	if err := r.Rope(device.RopeOp{InOut: q, Positions: positions, Heads: cfg.Heads, HeadDim: cfg.HeadDim, Base: base}); err != nil {
		return err
	}
	if err := r.Rope(device.RopeOp{InOut: k, Positions: positions, Heads: cfg.KVHeads, HeadDim: cfg.HeadDim, Base: base}); err != nil {
		return err
	}

	if err := e.cache.Append(r, layer, k, v, tokens); err != nil {
		return err
	}

	window := 0
	if cfg.IsLocalLayer(layer) {
		window = cfg.WindowSize
	}
	cacheK, cacheV := e.cache.Layer(layer)
	attnOut, err := r.CreateTempBuffer(uint64(tokens*qCols)*4, device.F32, "attn-out")
	if err != nil {
		return err
	}
	if err := r.Attention(device.AttentionOp{
		Q: q, K: cacheK, V: cacheV, Out: attnOut,
		Tokens:     tokens,
		StartPos:   startPos,
		SeqLen:     startPos + tokens,
		Heads:      cfg.Heads,
		KVHeads:    cfg.KVHeads,
		HeadDim:    cfg.HeadDim,
		Scale:      float32(1 / math.Sqrt(float64(cfg.HeadDim))),
		WindowSize: window,
		Variant:    e.sel.Attention(cfg.HeadDim, e.cache.DType()),
	}); err != nil {
		return err
	}

	proj, err := r.CreateTempBuffer(uint64(tokens*dim)*4, device.F32, "attn-proj")
	if err != nil {
		return err
	}
	if err := e.matmul(r, attnOut, w.WO, proj, tokens, qCols, dim); err != nil {
		return err
	}
	if err := r.Residual(device.ResidualOp{A: hidden, B: proj, Out: hidden, N: tokens * dim}); err != nil {
		return err
	}

	ffnNormed, err := r.CreateTempBuffer(uint64(tokens*dim)*4, device.F32, "ffn-norm")
	if err != nil {
		return err
	}
	if err := e.rmsNorm(r, hidden, w.FFNNorm, ffnNormed, tokens, dim); err != nil {
		return err
	}

	hdim := cfg.HiddenDim
	gate, err := r.CreateTempBuffer(uint64(tokens*hdim)*4, device.F32, "ffn-gate")
	if err != nil {
		return err
	}
	up, err := r.CreateTempBuffer(uint64(tokens*hdim)*4, device.F32, "ffn-up")
	if err != nil {
		return err
	}
	if err := e.matmul(r, ffnNormed, w.WGate, gate, tokens, dim, hdim); err != nil {
		return err
	}
	if err := e.matmul(r, ffnNormed, w.WUp, up, tokens, dim, hdim); err != nil {
		return err
	}
	if err := r.GateAct(device.GateActOp{Gate: gate, Up: up, Out: gate, N: tokens * hdim, Act: e.act}); err != nil {
		return err
	}

	down, err := r.CreateTempBuffer(uint64(tokens*dim)*4, device.F32, "ffn-down")
	if err != nil {
		return err
	}
	if err := e.matmul(r, gate, w.WDown, down, tokens, hdim, dim); err != nil {
		return err
	}
	return r.Residual(device.ResidualOp{A: hidden, B: down, Out: hidden, N: tokens * dim})
}

// readLogits takes the last hidden row through the final norm and the
// vocabulary projection, submits, and reads the result back.
func (e *Engine) readLogits(ctx context.Context, r *device.Recorder, hidden *device.Buffer, tokens int) ([]float32, error) {
	dim := e.cfg.Dim
	vocab := e.cfg.VocabSize

	last, err := r.CreateTempBuffer(uint64(dim)*4, device.F32, "last-hidden")
	if err != nil {
		return nil, err
	}
	if err := r.Copy(device.CopyOp{
		Src:    hidden,
		Dst:    last,
		SrcOff: uint64((tokens-1)*dim) * 4,
		Bytes:  uint64(dim) * 4,
	}); err != nil {
		return nil, err
	}

	normed, err := r.CreateTempBuffer(uint64(dim)*4, device.F32, "final-norm")
	if err != nil {
		return nil, err
	}
	if err := e.rmsNorm(r, last, e.weights.OutputNorm, normed, 1, dim); err != nil {
		return nil, err
	}

	outW := e.weights.Output
	if outW == nil {
		outW = e.weights.TokenEmbed // tied embeddings
	}
	logitsBuf, err := e.pool.Acquire(uint64(vocab)*4, device.UsageStorage|device.UsageCopySrc, device.F32, "logits")
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(logitsBuf)
	if err := e.matmul(r, normed, outW, logitsBuf, 1, dim, vocab); err != nil {
		return nil, err
	}

	if err := r.SubmitAndWait(ctx); err != nil {
		return nil, err
	}
	return e.readF32(ctx, logitsBuf, vocab)
}

// activationBoundary forces the recording out to the device and scans the
// hidden state for numerical explosions, then opens a fresh recorder.
func (e *Engine) activationBoundary(ctx context.Context, r *device.Recorder, layer int, hidden *device.Buffer, tokens int) (*device.Recorder, error) {
	if err := r.SubmitAndWait(ctx); err != nil {
		return nil, err
	}
	data, err := e.readF32(ctx, hidden, tokens*e.cfg.Dim)
	if err != nil {
		return nil, err
	}
	device.CheckActivations(fmt.Sprintf("blk.%d.hidden", layer), data)
	return device.NewRecorder(e.backend, e.pool), nil
}

func (e *Engine) matmul(r *device.Recorder, a, b, out *device.Buffer, m, k, n int) error {
	d := e.sel.Matmul(
		device.OperandDesc{Rows: m, Cols: k, DType: a.DType()},
		device.OperandDesc{Rows: n, Cols: k, DType: b.DType()},
	)
	return r.Matmul(device.MatmulOp{
		A: a, B: b, Out: out,
		M: m, K: k, N: n,
		TransB:    true,
		Variant:   d.Variant,
		Workgroup: d.Workgroup,
	})
}

func (e *Engine) rmsNorm(r *device.Recorder, in, weight, out *device.Buffer, rows, cols int) error {
	offset := float32(0)
	if e.cfg.NormWeightOffset {
		offset = 1
	}
	return r.RMSNorm(device.RMSNormOp{
		In: in, Weight: weight, Out: out,
		Rows: rows, Cols: cols,
		Eps:          e.cfg.Eps,
		WeightOffset: offset,
	})
}

func (e *Engine) readF32(ctx context.Context, b *device.Buffer, n int) ([]float32, error) {
	raw := make([]byte, n*4)
	if err := e.backend.Read(ctx, b, raw); err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}
