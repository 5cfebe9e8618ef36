// Package wgsl holds the compute kernel sources as embedded data assets.
// Sources are keyed by the same variant names the selector produces, so a
// selection decision maps directly onto one compiled pipeline.
package wgsl

import (
	"embed"
	"fmt"
	"strings"
	"sync"
)

//go:embed shaders/*.wgsl
var shaderFS embed.FS

// kernelSpec maps a variant name onto its source file plus the token
// substitutions rendered into it.
type kernelSpec struct {
	file string
	subs map[string]string
}

var kernels = map[string]kernelSpec{
	"matmul_f32":       {file: "matmul_f32.wgsl"},
	"matmul_f16":       {file: "matmul_f16.wgsl"},
	"matmul_f16w_f32a": {file: "matmul_f16w_f32a.wgsl"},
	"gemv":             {file: "gemv.wgsl"},
	"gemv_subgroup":    {file: "gemv_subgroup.wgsl"},
	"matmul_q4k_fused": {file: "matmul_q4k_fused.wgsl"},

	"dequant_shared":           {file: "dequant.wgsl", subs: subsOut("f32")},
	"dequant_shared_f16_out":   {file: "dequant.wgsl", subs: subsOut("f16")},
	"dequant_subgroup":         {file: "dequant_subgroup.wgsl", subs: subsOut("f32")},
	"dequant_subgroup_f16_out": {file: "dequant_subgroup.wgsl", subs: subsOut("f16")},

	"attention_tiled_f32kv":       {file: "attention_tiled.wgsl", subs: subsKV("f32")},
	"attention_tiled_f16kv":       {file: "attention_tiled.wgsl", subs: subsKV("f16")},
	"attention_small_tiled_f32kv": {file: "attention_small_tiled.wgsl", subs: subsKV("f32")},
	"attention_small_tiled_f16kv": {file: "attention_small_tiled.wgsl", subs: subsKV("f16")},
	"attention_streaming_f32kv":   {file: "attention_streaming.wgsl", subs: subsKV("f32")},
	"attention_streaming_f16kv":   {file: "attention_streaming.wgsl", subs: subsKV("f16")},

	"rmsnorm":       {file: "rmsnorm.wgsl"},
	"rope":          {file: "rope.wgsl"},
	"gather":        {file: "gather.wgsl"},
	"residual":      {file: "residual.wgsl"},
	"gate_act":      {file: "gate_act.wgsl"},
	"cast_f32_f16":  {file: "cast.wgsl", subs: map[string]string{"{{IN_TY}}": "f32", "{{OUT_TY}}": "f16", "{{ENABLE}}": "enable f16;"}},
	"cast_f16_f32":  {file: "cast.wgsl", subs: map[string]string{"{{IN_TY}}": "f16", "{{OUT_TY}}": "f32", "{{ENABLE}}": "enable f16;"}},
	"append_kv_f32": {file: "append_kv.wgsl", subs: subsKV("f32")},
	"append_kv_f16": {file: "append_kv.wgsl", subs: subsKV("f16")},
}

func subsKV(ty string) map[string]string {
	enable := ""
	if ty == "f16" {
		enable = "enable f16;"
	}
	return map[string]string{"{{KV_TY}}": ty, "{{KV_ENABLE}}": enable}
}

func subsOut(ty string) map[string]string {
	enable := ""
	if ty == "f16" {
		enable = "enable f16;"
	}
	return map[string]string{"{{OUT_TY}}": ty, "{{OUT_ENABLE}}": enable}
}

var (
	mu    sync.Mutex
	cache = map[string]string{}
)

// Source renders the kernel source for a variant name at the given
// workgroup size. Rendered sources are cached; a kernel is compiled once
// per (name, workgroup) pair for the life of the process.
func Source(name string, workgroup uint32) (string, error) {
	if workgroup == 0 {
		workgroup = 256
	}
	key := fmt.Sprintf("%s/%d", name, workgroup)

	mu.Lock()
	defer mu.Unlock()
	if src, ok := cache[key]; ok {
		return src, nil
	}

	spec, ok := kernels[name]
	if !ok {
		return "", fmt.Errorf("no kernel source for %q", name)
	}
	raw, err := shaderFS.ReadFile("shaders/" + spec.file)
	if err != nil {
		return "", fmt.Errorf("kernel %q: %w", name, err)
	}
	src := string(raw)
	for tok, val := range spec.subs {
		src = strings.ReplaceAll(src, tok, val)
	}
	src = strings.ReplaceAll(src, "{{WG}}", fmt.Sprintf("%d", workgroup))
	if strings.Contains(src, "{{") {
		return "", fmt.Errorf("kernel %q: unresolved template token", name)
	}
	cache[key] = src
	return src, nil
}

// Names lists every kernel variant with a source, for the probe CLI.
func Names() []string {
	out := make([]string, 0, len(kernels))
	for k := range kernels {
		out = append(out, k)
	}
	return out
}
