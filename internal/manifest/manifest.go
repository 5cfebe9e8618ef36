// Package manifest parses the static per-model description shipped alongside
// weight shards. The manifest is parsed once at load time and treated as
// immutable for the session.
package manifest

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
)

// Activation kinds accepted in the manifest.
const (
	ActivationSiLU     = "silu"
	ActivationGeLUTanh = "gelu_pytorch_tanh"
)

// Shard describes one weight shard blob.
type Shard struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"` // "sha256:<hex>"
}

// RuntimeOptimizations are optional hints. ForceKernels bypasses capability
// driven selection entirely; callers accept responsibility for compatibility.
type RuntimeOptimizations struct {
	PreferF16KV        bool              `json:"preferF16KV,omitempty"`
	PreferFusedDequant bool              `json:"preferFusedDequant,omitempty"`
	AttentionTier      string            `json:"attentionTier,omitempty"` // tiled | small_tiled | streaming
	MatmulTile         int               `json:"matmulTile,omitempty"`
	ForceKernels       map[string]string `json:"forceKernels,omitempty"` // family -> variant name
}

// Manifest is the static per-model description.
type Manifest struct {
	Name             string  `json:"name,omitempty"`
	HiddenSize       int     `json:"hidden_size"`
	NumLayers        int     `json:"num_layers"`
	NumAttnHeads     int     `json:"num_attention_heads"`
	NumKVHeads       int     `json:"num_kv_heads"`
	HeadDim          int     `json:"head_dim"`
	IntermediateSize int     `json:"intermediate_size"`
	VocabSize        int     `json:"vocab_size"`
	RopeTheta        float64 `json:"rope_theta"`
	RopeLocalBase    float64 `json:"rope_local_base_freq,omitempty"`
	RMSNormEps       float64 `json:"rms_norm_eps"`
	MaxSeqLen        int     `json:"max_seq_len,omitempty"`

	SlidingWindow        int  `json:"sliding_window,omitempty"`
	SlidingWindowPattern int  `json:"sliding_window_pattern,omitempty"`
	ScaleEmbeddings      bool `json:"scale_embeddings"`
	RMSNormWeightOffset  bool `json:"rms_norm_weight_offset"`
	UseQKNorm            bool `json:"use_qk_norm,omitempty"`

	Activation   string  `json:"activation"`
	Quantization string  `json:"quantization"` // "f32", "f16", "q4_k"
	Shards       []Shard `json:"shards"`

	RuntimeOptimizations *RuntimeOptimizations `json:"runtimeOptimizations,omitempty"`
}

// Parse decodes and validates a manifest from JSON bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads a manifest from a file path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return Parse(data)
}

func (m *Manifest) Validate() error {
	if m.HiddenSize <= 0 {
		return fmt.Errorf("manifest: invalid hidden_size: %d", m.HiddenSize)
	}
	if m.NumLayers <= 0 {
		return fmt.Errorf("manifest: invalid num_layers: %d", m.NumLayers)
	}
	if m.NumAttnHeads <= 0 {
		return fmt.Errorf("manifest: invalid num_attention_heads: %d", m.NumAttnHeads)
	}
	if m.NumKVHeads <= 0 {
		m.NumKVHeads = m.NumAttnHeads // MHA fallback
	}
	if m.NumKVHeads > m.NumAttnHeads {
		return fmt.Errorf("manifest: num_kv_heads %d > num_attention_heads %d", m.NumKVHeads, m.NumAttnHeads)
	}
	if m.NumAttnHeads%m.NumKVHeads != 0 {
		return fmt.Errorf("manifest: num_attention_heads %d not divisible by num_kv_heads %d", m.NumAttnHeads, m.NumKVHeads)
	}
	if m.HeadDim <= 0 {
		m.HeadDim = m.HiddenSize / m.NumAttnHeads
	}
	if m.IntermediateSize <= 0 {
		return fmt.Errorf("manifest: invalid intermediate_size: %d", m.IntermediateSize)
	}
	if m.VocabSize <= 0 {
		return fmt.Errorf("manifest: invalid vocab_size: %d", m.VocabSize)
	}
	if m.RopeTheta <= 0 {
		m.RopeTheta = 10000.0
	}
	if m.RMSNormEps <= 0 {
		m.RMSNormEps = 1e-6
	}
	if m.MaxSeqLen <= 0 {
		m.MaxSeqLen = 2048
	}
	if m.SlidingWindow < 0 {
		return fmt.Errorf("manifest: invalid sliding_window: %d", m.SlidingWindow)
	}
	switch m.Activation {
	case ActivationSiLU, ActivationGeLUTanh:
	case "":
		m.Activation = ActivationGeLUTanh // Gemma default
	default:
		return fmt.Errorf("manifest: unknown activation %q", m.Activation)
	}
	switch m.Quantization {
	case "f32", "f16", "q4_k":
	case "":
		m.Quantization = "f32"
	default:
		return fmt.Errorf("manifest: unknown quantization %q", m.Quantization)
	}
	for i, s := range m.Shards {
		if s.Filename == "" {
			return fmt.Errorf("manifest: shard %d missing filename", i)
		}
		if s.Size <= 0 {
			return fmt.Errorf("manifest: shard %d invalid size %d", i, s.Size)
		}
	}
	return nil
}

// Encode serializes the manifest back to indented JSON (used by the model
// store and by tests that round-trip synthetic models).
func (m *Manifest) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
