package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/clocksmith/dreamer/internal/device"
	"github.com/clocksmith/dreamer/internal/engine"
	"github.com/clocksmith/dreamer/internal/logger"
	"github.com/clocksmith/dreamer/internal/manifest"
	"github.com/clocksmith/dreamer/internal/shard"
)

var (
	modelName        string
	manifestPath     string
	modelsRoot       string
	shardsURL        string
	flightAddr       string
	deviceKind       string
	vramBudget       int64
	checkActivations bool
	logLevel         string
	logFormat        string
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "model name in the local store",
			Destination: &modelName,
		},
		&cli.StringFlag{
			Name:        "manifest",
			Usage:       "path to a manifest file (overrides --model)",
			Destination: &manifestPath,
		},
		&cli.StringFlag{
			Name:        "models-root",
			Usage:       "local model store root (default $DREAMER_MODELS or ~/.dreamer/models)",
			Destination: &modelsRoot,
		},
		&cli.StringFlag{
			Name:        "shards-url",
			Usage:       "fetch shards over HTTP from this base URL",
			Destination: &shardsURL,
		},
		&cli.StringFlag{
			Name:        "flight",
			Usage:       "fetch shards from an Arrow Flight server at this address",
			Destination: &flightAddr,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "compute device: auto, webgpu or cpu",
			Value:       "auto",
			Destination: &deviceKind,
		},
		&cli.Int64Flag{
			Name:        "vram-budget",
			Usage:       "soft device memory budget in bytes (0 = unlimited)",
			Destination: &vramBudget,
		},
		&cli.BoolFlag{
			Name:        "check-activations",
			Usage:       "scan hidden states for numerical explosions (slow)",
			Destination: &checkActivations,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "DEBUG, INFO, WARN or ERROR",
			Value:       "INFO",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "console or json",
			Value:       "console",
			Destination: &logFormat,
		},
	}
}

func setupLogging() {
	logger.Setup(logLevel, logFormat)
}

func resolveManifest() (*manifest.Manifest, error) {
	if manifestPath != "" {
		return manifest.Load(manifestPath)
	}
	if modelName == "" {
		return nil, fmt.Errorf("either --model or --manifest is required")
	}
	path, err := shard.FindManifest(modelsRoot, modelName)
	if err != nil {
		return nil, err
	}
	return manifest.Load(path)
}

func resolveLoader(m *manifest.Manifest) (shard.Loader, func(), error) {
	switch {
	case flightAddr != "":
		fl, err := shard.NewFlightLoader(flightAddr, m)
		if err != nil {
			return nil, nil, err
		}
		return fl, func() { _ = fl.Close() }, nil
	case shardsURL != "":
		hl, err := shard.NewHTTPLoader(shardsURL, m)
		if err != nil {
			return nil, nil, err
		}
		return hl, func() {}, nil
	default:
		ls, err := shard.NewLocalStore(modelsRoot, m)
		if err != nil {
			return nil, nil, err
		}
		return ls, func() {}, nil
	}
}

// loadEngine resolves the manifest and shard source, consults the tune cache
// and brings the model up on the requested device.
func loadEngine(ctx context.Context) (*engine.Engine, *manifest.Manifest, error) {
	m, err := resolveManifest()
	if err != nil {
		return nil, nil, err
	}
	loader, closeLoader, err := resolveLoader(m)
	if err != nil {
		return nil, nil, err
	}
	defer closeLoader()

	opts := engine.Options{
		Device:           deviceKind,
		VRAMBudget:       uint64(vramBudget),
		CheckActivations: checkActivations,
		Tuned:            cachedTuneResult(m),
	}

	progress := func(stage string, completed, total int) {
		logger.Log.Info("load progress", "stage", stage, "completed", completed, "total", total)
	}
	eng, err := engine.Load(ctx, m, loader, opts, progress)
	if err != nil {
		return nil, nil, err
	}
	return eng, m, nil
}

func cachedTuneResult(m *manifest.Manifest) *device.TuneResult {
	cache, err := device.OpenTuneCache()
	if err != nil {
		return nil
	}
	caps := device.Probe(deviceKind)
	key := tuneKeyFor(m, caps)
	if r, ok := cache.Get(key); ok {
		return &r
	}
	return nil
}

func tuneKeyFor(m *manifest.Manifest, caps device.CapabilitySet) device.TuneKey {
	dt := device.F32
	switch m.Quantization {
	case "f16":
		dt = device.F16
	case "q4_k":
		dt = device.Q4K
	}
	return device.TuneKey{
		Hidden:       m.HiddenSize,
		Intermediate: m.IntermediateSize,
		Heads:        m.NumAttnHeads,
		KVHeads:      m.NumKVHeads,
		HeadDim:      m.HeadDim,
		WeightDType:  dt,
		Device:       caps.DeviceName,
	}
}

func parseTokenList(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty token list")
	}
	parts := strings.Split(s, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("bad token id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
