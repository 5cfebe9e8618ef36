package manifest

import (
	"strings"
	"testing"
)

const sample = `{
  "name": "gemma-test",
  "hidden_size": 8,
  "num_layers": 2,
  "num_attention_heads": 2,
  "num_kv_heads": 1,
  "head_dim": 4,
  "intermediate_size": 16,
  "vocab_size": 32,
  "rope_theta": 10000,
  "rms_norm_eps": 1e-6,
  "sliding_window": 4,
  "sliding_window_pattern": 2,
  "scale_embeddings": true,
  "rms_norm_weight_offset": true,
  "activation": "gelu_pytorch_tanh",
  "quantization": "q4_k",
  "shards": [{"filename": "model-00000.bin", "size": 4096, "hash": "sha256:abc"}],
  "runtimeOptimizations": {"preferF16KV": true, "forceKernels": {"matmul": "gemv_subgroup"}}
}`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.HiddenSize != 8 || m.NumLayers != 2 || m.HeadDim != 4 {
		t.Fatalf("unexpected dims: %+v", m)
	}
	if m.SlidingWindowPattern != 2 || !m.ScaleEmbeddings || !m.RMSNormWeightOffset {
		t.Fatalf("gemma flags not parsed: %+v", m)
	}
	if m.RuntimeOptimizations == nil || !m.RuntimeOptimizations.PreferF16KV {
		t.Fatal("runtimeOptimizations not parsed")
	}
	if m.RuntimeOptimizations.ForceKernels["matmul"] != "gemv_subgroup" {
		t.Fatal("forceKernels not parsed")
	}
	if len(m.Shards) != 1 || m.Shards[0].Hash != "sha256:abc" {
		t.Fatalf("shards not parsed: %+v", m.Shards)
	}
}

func TestValidateDefaults(t *testing.T) {
	m, err := Parse([]byte(`{"hidden_size": 16, "num_layers": 1, "num_attention_heads": 4,
		"intermediate_size": 32, "vocab_size": 64, "scale_embeddings": false,
		"rms_norm_weight_offset": false, "activation": "", "quantization": ""}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.NumKVHeads != 4 {
		t.Fatalf("kv heads default = %d, want heads (4)", m.NumKVHeads)
	}
	if m.HeadDim != 4 {
		t.Fatalf("head_dim default = %d, want hidden/heads (4)", m.HeadDim)
	}
	if m.Activation != ActivationGeLUTanh || m.Quantization != "f32" {
		t.Fatalf("defaults: activation=%q quantization=%q", m.Activation, m.Quantization)
	}
	if m.RopeTheta != 10000 || m.MaxSeqLen != 2048 {
		t.Fatalf("defaults: theta=%v maxSeqLen=%d", m.RopeTheta, m.MaxSeqLen)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		json string
		want string
	}{
		{"zero hidden", `{"hidden_size":0,"num_layers":1,"num_attention_heads":1,"intermediate_size":1,"vocab_size":1}`, "hidden_size"},
		{"kv > heads", `{"hidden_size":8,"num_layers":1,"num_attention_heads":2,"num_kv_heads":4,"intermediate_size":1,"vocab_size":1}`, "num_kv_heads"},
		{"bad activation", `{"hidden_size":8,"num_layers":1,"num_attention_heads":2,"intermediate_size":1,"vocab_size":1,"activation":"relu"}`, "activation"},
		{"bad quant", `{"hidden_size":8,"num_layers":1,"num_attention_heads":2,"intermediate_size":1,"vocab_size":1,"quantization":"q9_z"}`, "quantization"},
	}
	for _, tc := range cases {
		if _, err := Parse([]byte(tc.json)); err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v, want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	data, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	m2, err := Parse(data)
	if err != nil {
		t.Fatalf("re-Parse: %v", err)
	}
	if m2.HiddenSize != m.HiddenSize || m2.Quantization != m.Quantization {
		t.Fatalf("round trip mismatch: %+v vs %+v", m, m2)
	}
}
