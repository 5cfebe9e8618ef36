package config

import (
	"strings"
	"testing"

	"github.com/clocksmith/dreamer/internal/manifest"
)

func validManifest() *manifest.Manifest {
	m := &manifest.Manifest{
		HiddenSize:           8,
		NumLayers:            2,
		NumAttnHeads:         2,
		NumKVHeads:           1,
		HeadDim:              4,
		IntermediateSize:     16,
		VocabSize:            32,
		RopeTheta:            10000,
		RMSNormEps:           1e-6,
		MaxSeqLen:            64,
		SlidingWindow:        4,
		SlidingWindowPattern: 3,
		Activation:           manifest.ActivationGeLUTanh,
		Quantization:         "f32",
	}
	return m
}

func TestFromManifest(t *testing.T) {
	c, err := FromManifest(validManifest())
	if err != nil {
		t.Fatalf("FromManifest: %v", err)
	}
	if c.Dim != 8 || c.Heads != 2 || c.KVHeads != 1 || c.HeadDim != 4 {
		t.Fatalf("bad mapping: %+v", c)
	}
	if c.GQARatio() != 2 {
		t.Fatalf("GQARatio = %d, want 2", c.GQARatio())
	}
	if c.Activation != ActivationGeLUTanh {
		t.Fatalf("activation = %v", c.Activation)
	}
}

func TestValidateErrors(t *testing.T) {
	c, _ := FromManifest(validManifest())

	bad := c
	bad.Heads = 4
	bad.KVHeads = 3
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "divisible") {
		t.Fatalf("want divisibility error, got %v", err)
	}

	bad = c
	bad.KVHeads = 3
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "must be <= heads") {
		t.Fatalf("want kv_heads bound error, got %v", err)
	}

	bad = c
	bad.Eps = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("want eps error")
	}

	bad = c
	bad.WindowSize = -1
	if err := bad.Validate(); err == nil {
		t.Fatal("want window error")
	}
}

func TestLocalLayerPattern(t *testing.T) {
	c, _ := FromManifest(validManifest())
	// WindowPattern=3: layers 0, 3, 6... are full attention.
	if c.IsLocalLayer(0) {
		t.Fatal("layer 0 should be full attention")
	}
	if !c.IsLocalLayer(1) || !c.IsLocalLayer(2) {
		t.Fatal("layers 1,2 should be local")
	}
	if c.IsLocalLayer(3) {
		t.Fatal("layer 3 should be full attention")
	}

	c.WindowSize = 0
	if c.IsLocalLayer(1) {
		t.Fatal("no layer is local without a window")
	}
}

func TestRopeBaseFor(t *testing.T) {
	c, _ := FromManifest(validManifest())
	c.RopeLocalTheta = 10000
	c.RopeTheta = 1000000
	if got := c.RopeBaseFor(0); got != 1000000 {
		t.Fatalf("full layer base = %v, want global theta", got)
	}
	if got := c.RopeBaseFor(1); got != 10000 {
		t.Fatalf("local layer base = %v, want local theta", got)
	}
}
