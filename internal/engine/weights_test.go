package engine

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/clocksmith/dreamer/internal/config"
	"github.com/clocksmith/dreamer/internal/device"
)

func appendRecord(blob []byte, name string, dtype uint32, rows, cols int, data []byte) []byte {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(name)))
	blob = append(blob, hdr[:]...)
	blob = append(blob, name...)
	for _, v := range []uint32{dtype, uint32(rows), uint32(cols)} {
		binary.LittleEndian.PutUint32(hdr[:], v)
		blob = append(blob, hdr[:]...)
	}
	var l [8]byte
	binary.LittleEndian.PutUint64(l[:], uint64(len(data)))
	blob = append(blob, l[:]...)
	return append(blob, data...)
}

func f32data(vals ...float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func TestParseTensorRecords(t *testing.T) {
	var blob []byte
	blob = appendRecord(blob, "token_embd.weight", 0, 4, 2, f32data(1, 2, 3, 4, 5, 6, 7, 8))
	blob = appendRecord(blob, "output_norm.weight", 1, 1, 2, []byte{0, 0x3c, 0, 0x3c}) // f16 ones

	var got []tensorRecord
	err := parseTensorRecords(blob, func(rec tensorRecord) error {
		got = append(got, rec)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("records = %d", len(got))
	}
	if got[0].Name != "token_embd.weight" || got[0].DType != device.F32 || got[0].Rows != 4 || got[0].Cols != 2 {
		t.Fatalf("first record = %+v", got[0])
	}
	if got[1].DType != device.F16 || len(got[1].Data) != 4 {
		t.Fatalf("second record = %+v", got[1])
	}
}

func TestParseTensorRecordsTruncation(t *testing.T) {
	full := appendRecord(nil, "blk.0.attn_q.weight", 0, 2, 2, f32data(1, 2, 3, 4))
	for _, cut := range []int{2, 10, len(full) - 3} {
		err := parseTensorRecords(full[:cut], func(tensorRecord) error { return nil })
		if err == nil {
			t.Fatalf("cut at %d accepted", cut)
		}
	}
}

func TestParseTensorRecordsUnknownDType(t *testing.T) {
	blob := appendRecord(nil, "x", 9, 1, 1, []byte{0, 0, 0, 0})
	if err := parseTensorRecords(blob, func(tensorRecord) error { return nil }); err == nil {
		t.Fatal("unknown dtype accepted")
	}
}

func TestBindTensorRouting(t *testing.T) {
	w := &Weights{Layers: make([]LayerWeights, 2)}
	buf := &device.Buffer{}

	names := []string{
		"token_embd.weight",
		"output_norm.weight",
		"blk.0.attn_norm.weight",
		"blk.0.attn_q.weight",
		"blk.1.ffn_down.weight",
	}
	for _, n := range names {
		if err := w.bindTensor(n, buf); err != nil {
			t.Fatalf("%s: %v", n, err)
		}
	}
	if w.TokenEmbed == nil || w.OutputNorm == nil {
		t.Fatal("top-level tensors not bound")
	}
	if w.Layers[0].AttnNorm == nil || w.Layers[0].WQ == nil || w.Layers[1].WDown == nil {
		t.Fatal("layer tensors not bound")
	}

	for _, bad := range []string{
		"mystery.weight",
		"blk.5.attn_q.weight", // out of range
		"blk.0.unknown.weight",
		"blk.x.attn_q.weight",
	} {
		if err := w.bindTensor(bad, buf); err == nil {
			t.Fatalf("%s accepted", bad)
		}
	}
}

func TestWeightsValidateReportsMissing(t *testing.T) {
	cfg := config.Config{Layers: 1}
	w := &Weights{Layers: make([]LayerWeights, 1)}
	buf := &device.Buffer{}

	if err := w.validate(cfg); err == nil || !strings.Contains(err.Error(), "token_embd") {
		t.Fatalf("got %v", err)
	}

	w.TokenEmbed = buf
	w.OutputNorm = buf
	if err := w.validate(cfg); err == nil || !strings.Contains(err.Error(), "attn_norm") {
		t.Fatalf("got %v", err)
	}

	l := &w.Layers[0]
	l.AttnNorm, l.WQ, l.WK, l.WV, l.WO = buf, buf, buf, buf, buf
	l.FFNNorm, l.WGate, l.WUp, l.WDown = buf, buf, buf, buf
	if err := w.validate(cfg); err != nil {
		t.Fatalf("complete layer rejected: %v", err)
	}

	cfg.UseQKNorm = true
	if err := w.validate(cfg); err == nil || !strings.Contains(err.Error(), "qk norm") {
		t.Fatalf("got %v", err)
	}
	l.QNorm, l.KNorm = buf, buf
	if err := w.validate(cfg); err != nil {
		t.Fatalf("qk norm layer rejected: %v", err)
	}
}

func TestUploadTensorWidensNormWeights(t *testing.T) {
	b := device.NewCPUBackend()

	rec := tensorRecord{
		Name:  "blk.0.attn_norm.weight",
		DType: device.F16,
		Rows:  1,
		Cols:  2,
		Data:  []byte{0, 0x3c, 0, 0xc0}, // f16 {1, -2}
	}
	buf, err := uploadTensor(b, nil, rec)
	if err != nil {
		t.Fatal(err)
	}
	if buf.DType() != device.F32 || buf.Size() != 8 {
		t.Fatalf("dtype=%s size=%d", buf.DType(), buf.Size())
	}
}

func TestUploadTensorKeepsMatrixPrecision(t *testing.T) {
	b := device.NewCPUBackend()

	rec := tensorRecord{
		Name:  "blk.0.attn_q.weight",
		DType: device.F16,
		Rows:  2,
		Cols:  2,
		Data:  make([]byte, 8),
	}
	buf, err := uploadTensor(b, nil, rec)
	if err != nil {
		t.Fatal(err)
	}
	if buf.DType() != device.F16 || buf.Size() != 8 {
		t.Fatalf("dtype=%s size=%d", buf.DType(), buf.Size())
	}
}
