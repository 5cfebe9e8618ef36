package engine

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/clocksmith/dreamer/internal/config"
	"github.com/clocksmith/dreamer/internal/device"
	"github.com/clocksmith/dreamer/internal/logger"
)

// Tensor records inside a shard blob: u32 name length, name bytes, u32
// dtype (0=f32 1=f16 2=q4_k), u32 rows, u32 cols, u64 byte length, data.
// Matrices are stored in weight layout [outFeatures, inFeatures]; matmuls
// against them run with TransB set.

type tensorRecord struct {
	Name  string
	DType device.DataType
	Rows  int
	Cols  int
	Data  []byte
}

func parseTensorRecords(blob []byte, emit func(tensorRecord) error) error {
	off := 0
	read32 := func() (uint32, error) {
		if off+4 > len(blob) {
			return 0, fmt.Errorf("tensor record truncated at offset %d", off)
		}
		v := binary.LittleEndian.Uint32(blob[off:])
		off += 4
		return v, nil
	}

	for off < len(blob) {
		nameLen, err := read32()
		if err != nil {
			return err
		}
		if off+int(nameLen) > len(blob) {
			return fmt.Errorf("tensor name truncated at offset %d", off)
		}
		name := string(blob[off : off+int(nameLen)])
		off += int(nameLen)

		dt, err := read32()
		if err != nil {
			return err
		}
		rows, err := read32()
		if err != nil {
			return err
		}
		cols, err := read32()
		if err != nil {
			return err
		}
		if off+8 > len(blob) {
			return fmt.Errorf("tensor %s: length truncated", name)
		}
		byteLen := binary.LittleEndian.Uint64(blob[off:])
		off += 8
		if off+int(byteLen) > len(blob) {
			return fmt.Errorf("tensor %s: data truncated: need %d bytes", name, byteLen)
		}

		var dtype device.DataType
		switch dt {
		case 0:
			dtype = device.F32
		case 1:
			dtype = device.F16
		case 2:
			dtype = device.Q4K
		default:
			return fmt.Errorf("tensor %s: unknown dtype %d", name, dt)
		}

		rec := tensorRecord{
			Name:  name,
			DType: dtype,
			Rows:  int(rows),
			Cols:  int(cols),
			Data:  blob[off : off+int(byteLen)],
		}
		off += int(byteLen)
		if err := emit(rec); err != nil {
			return err
		}
	}
	return nil
}

// LayerWeights holds the device tensors for one transformer block.
type LayerWeights struct {
	AttnNorm *device.Buffer // [dim]
	QNorm    *device.Buffer // [headDim], optional
	KNorm    *device.Buffer // [headDim], optional

	WQ *device.Buffer // [heads*headDim, dim]
	WK *device.Buffer // [kvHeads*headDim, dim]
	WV *device.Buffer // [kvHeads*headDim, dim]
	WO *device.Buffer // [dim, heads*headDim]

	FFNNorm *device.Buffer // [dim]
	WGate   *device.Buffer // [hiddenDim, dim]
	WUp     *device.Buffer // [hiddenDim, dim]
	WDown   *device.Buffer // [dim, hiddenDim]
}

// Weights holds every device tensor of a loaded model. Output nil means
// tied embeddings: the vocabulary projection reuses TokenEmbed.
type Weights struct {
	TokenEmbed *device.Buffer // [vocab, dim]
	Layers     []LayerWeights
	OutputNorm *device.Buffer // [dim]
	Output     *device.Buffer // [vocab, dim], optional

	WeightDType device.DataType
}

// bindTensor routes a named tensor into the weights structure, gguf-style
// naming: token_embd.weight, blk.N.attn_q.weight, output_norm.weight, ...
func (w *Weights) bindTensor(name string, buf *device.Buffer) error {
	switch name {
	case "token_embd.weight":
		w.TokenEmbed = buf
		return nil
	case "output_norm.weight":
		w.OutputNorm = buf
		return nil
	case "output.weight":
		w.Output = buf
		return nil
	}

	if !strings.HasPrefix(name, "blk.") {
		return fmt.Errorf("unknown tensor %q", name)
	}
	rest := name[len("blk."):]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return fmt.Errorf("malformed tensor name %q", name)
	}
	idx, err := strconv.Atoi(rest[:dot])
	if err != nil || idx < 0 || idx >= len(w.Layers) {
		return fmt.Errorf("tensor %q: bad layer index", name)
	}
	l := &w.Layers[idx]

	switch rest[dot+1:] {
	case "attn_norm.weight":
		l.AttnNorm = buf
	case "attn_q_norm.weight":
		l.QNorm = buf
	case "attn_k_norm.weight":
		l.KNorm = buf
	case "attn_q.weight":
		l.WQ = buf
	case "attn_k.weight":
		l.WK = buf
	case "attn_v.weight":
		l.WV = buf
	case "attn_output.weight":
		l.WO = buf
	case "ffn_norm.weight":
		l.FFNNorm = buf
	case "ffn_gate.weight":
		l.WGate = buf
	case "ffn_up.weight":
		l.WUp = buf
	case "ffn_down.weight":
		l.WDown = buf
	default:
		return fmt.Errorf("unknown tensor %q", name)
	}
	return nil
}

func (w *Weights) validate(cfg config.Config) error {
	if w.TokenEmbed == nil {
		return fmt.Errorf("weights: missing token_embd.weight")
	}
	if w.OutputNorm == nil {
		return fmt.Errorf("weights: missing output_norm.weight")
	}
	for i := range w.Layers {
		l := &w.Layers[i]
		missing := ""
		switch {
		case l.AttnNorm == nil:
			missing = "attn_norm"
		case l.WQ == nil:
			missing = "attn_q"
		case l.WK == nil:
			missing = "attn_k"
		case l.WV == nil:
			missing = "attn_v"
		case l.WO == nil:
			missing = "attn_output"
		case l.FFNNorm == nil:
			missing = "ffn_norm"
		case l.WGate == nil:
			missing = "ffn_gate"
		case l.WUp == nil:
			missing = "ffn_up"
		case l.WDown == nil:
			missing = "ffn_down"
		}
		if missing != "" {
			return fmt.Errorf("weights: layer %d missing %s", i, missing)
		}
		if cfg.UseQKNorm && (l.QNorm == nil || l.KNorm == nil) {
			return fmt.Errorf("weights: layer %d missing qk norm tensors", i)
		}
	}
	return nil
}

// Free destroys every weight buffer.
func (w *Weights) Free(backend device.Backend) {
	free := func(b *device.Buffer) {
		if b != nil {
			backend.DestroyBuffer(b)
		}
	}
	free(w.TokenEmbed)
	free(w.OutputNorm)
	free(w.Output)
	for i := range w.Layers {
		l := &w.Layers[i]
		for _, b := range []*device.Buffer{
			l.AttnNorm, l.QNorm, l.KNorm,
			l.WQ, l.WK, l.WV, l.WO,
			l.FFNNorm, l.WGate, l.WUp, l.WDown,
		} {
			free(b)
		}
	}
}

// isNormTensor reports tensors that must land on the device as f32: the
// norm shaders read f32 weight arrays regardless of storage precision.
func isNormTensor(name string) bool {
	return strings.HasSuffix(name, "_norm.weight") || name == "output_norm.weight"
}

func widenF16(data []byte) []byte {
	n := len(data) / 2
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		h := uint16(data[i*2]) | uint16(data[i*2+1])<<8
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(device.Float16ToFloat32(h)))
	}
	return out
}

func uploadTensor(backend device.Backend, heap *device.HeapManager, rec tensorRecord) (*device.Buffer, error) {
	data := rec.Data
	dtype := rec.DType
	if isNormTensor(rec.Name) && dtype == device.F16 {
		data = widenF16(data)
		dtype = device.F32
	}

	if heap != nil {
		if err := heap.Reserve(uint64(len(data))); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", rec.Name, err)
		}
	}
	buf, err := backend.NewBuffer(uint64(len(data)), device.UsageStorage|device.UsageCopyDst|device.UsageCopySrc, dtype, rec.Name)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", rec.Name, err)
	}
	if err := backend.Write(buf, data); err != nil {
		backend.DestroyBuffer(buf)
		return nil, fmt.Errorf("tensor %s: %w", rec.Name, err)
	}
	if heap != nil {
		// Weights bypass the pool, so their footprint is accounted as
		// out-of-pool bytes against the budget.
		heap.TrackStaging(int64(len(data)))
	}
	logger.Log.Debug("tensor uploaded", "name", rec.Name, "dtype", dtype.String(), "bytes", len(data))
	return buf, nil
}
