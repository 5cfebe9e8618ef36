package device

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
)

func f32bytes(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func newF32Buffer(t *testing.T, b Backend, vals []float32, label string) *Buffer {
	t.Helper()
	buf, err := b.NewBuffer(uint64(len(vals))*4, UsageStorage|UsageCopySrc|UsageCopyDst, F32, label)
	if err != nil {
		t.Fatalf("new buffer %s: %v", label, err)
	}
	if err := b.Write(buf, f32bytes(vals)); err != nil {
		t.Fatalf("write %s: %v", label, err)
	}
	return buf
}

func readBack(t *testing.T, b Backend, buf *Buffer, n int) []float32 {
	t.Helper()
	raw := make([]byte, n*4)
	if err := b.Read(context.Background(), buf, raw); err != nil {
		t.Fatalf("read %s: %v", buf.Label(), err)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

func submitOne(t *testing.T, b Backend, pool *Pool, record func(r *Recorder) error) {
	t.Helper()
	r := NewRecorder(b, pool)
	if err := record(r); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := r.SubmitAndWait(context.Background()); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func almostEqual(a, b, tol float32) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tol
}
