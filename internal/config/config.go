package config

import (
	"fmt"

	"github.com/clocksmith/dreamer/internal/manifest"
)

// Activation selects the FFN gate nonlinearity.
type Activation int

const (
	ActivationSiLU Activation = iota
	ActivationGeLUTanh
)

func (a Activation) String() string {
	switch a {
	case ActivationSiLU:
		return "silu"
	case ActivationGeLUTanh:
		return "gelu_pytorch_tanh"
	}
	return "unknown"
}

// Config carries the architecture parameters for one loaded model. Built from
// a Manifest once at load time and treated as immutable for the session.
type Config struct {
	Name      string
	Dim       int // hidden size
	HiddenDim int // FFN intermediate size
	Layers    int
	Heads     int
	KVHeads   int
	HeadDim   int
	VocabSize int
	SeqLen    int // max context, sizes the KV cache

	Eps            float32
	RopeTheta      float32
	RopeLocalTheta float32 // base for sliding-window layers; 0 means use RopeTheta

	WindowSize    int // sliding window; 0 = full attention everywhere
	WindowPattern int // every Nth layer is full attention; 0 = none

	ScaleEmbeddings  bool
	NormWeightOffset bool // RMSNorm uses (1 + w)
	UseQKNorm        bool

	Activation Activation
}

// FromManifest maps a validated manifest onto a Config.
func FromManifest(m *manifest.Manifest) (Config, error) {
	act := ActivationGeLUTanh
	if m.Activation == manifest.ActivationSiLU {
		act = ActivationSiLU
	}
	c := Config{
		Name:             m.Name,
		Dim:              m.HiddenSize,
		HiddenDim:        m.IntermediateSize,
		Layers:           m.NumLayers,
		Heads:            m.NumAttnHeads,
		KVHeads:          m.NumKVHeads,
		HeadDim:          m.HeadDim,
		VocabSize:        m.VocabSize,
		SeqLen:           m.MaxSeqLen,
		Eps:              float32(m.RMSNormEps),
		RopeTheta:        float32(m.RopeTheta),
		RopeLocalTheta:   float32(m.RopeLocalBase),
		WindowSize:       m.SlidingWindow,
		WindowPattern:    m.SlidingWindowPattern,
		ScaleEmbeddings:  m.ScaleEmbeddings,
		NormWeightOffset: m.RMSNormWeightOffset,
		UseQKNorm:        m.UseQKNorm,
		Activation:       act,
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid kv_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid kv_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("heads %d not divisible by kv_heads %d", c.Heads, c.KVHeads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.WindowSize < 0 {
		return fmt.Errorf("invalid window_size: %d (must be non-negative)", c.WindowSize)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	return nil
}

// GQARatio is query heads per KV head.
func (c *Config) GQARatio() int {
	return c.Heads / c.KVHeads
}

// RopeBaseFor returns the RoPE base frequency for a layer, which differs on
// sliding-window layers when rope_local_base_freq is set.
func (c *Config) RopeBaseFor(layer int) float32 {
	if c.IsLocalLayer(layer) && c.RopeLocalTheta > 0 {
		return c.RopeLocalTheta
	}
	return c.RopeTheta
}

// IsLocalLayer reports whether a layer attends with the sliding window.
// Every WindowPattern-th layer stays full-attention so long-range information
// still propagates periodically.
func (c *Config) IsLocalLayer(layer int) bool {
	if c.WindowSize <= 0 {
		return false
	}
	if c.WindowPattern > 0 && layer%c.WindowPattern == 0 {
		return false
	}
	return true
}
