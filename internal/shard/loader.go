// Package shard fetches model weight shards. The engine only needs one
// injected function per shard; the implementations here cover a local
// content-addressed store, chunked HTTP, and Arrow Flight transport.
package shard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/clocksmith/dreamer/internal/logger"
	"github.com/clocksmith/dreamer/internal/manifest"
)

// Loader fetches one shard by index. Implementations do not retry; retry
// policy belongs to whoever wires the loader in.
type Loader interface {
	Load(ctx context.Context, index int) ([]byte, error)
}

// Verify checks a shard's bytes against its manifest descriptor. Hash
// mismatches propagate unchanged; there is no multi-source fallback here.
func Verify(desc manifest.Shard, data []byte) error {
	if desc.Size > 0 && int64(len(data)) != desc.Size {
		return fmt.Errorf("shard %s: size mismatch: have %d, manifest says %d", desc.Filename, len(data), desc.Size)
	}
	if desc.Hash == "" {
		return nil
	}
	want := strings.TrimPrefix(strings.ToLower(desc.Hash), "sha256:")
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if got != want {
		return fmt.Errorf("shard %s: hash mismatch: have %s, manifest says %s", desc.Filename, got, want)
	}
	return nil
}

// LoadAll fetches and verifies every shard concurrently, bounded at four
// in flight, and returns them in manifest order. onShard calls are
// serialized, so callers may keep plain counters in the callback.
func LoadAll(ctx context.Context, m *manifest.Manifest, loader Loader, onShard func(index int, size int64)) ([][]byte, error) {
	out := make([][]byte, len(m.Shards))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	var cbMu sync.Mutex

	for i := range m.Shards {
		g.Go(func() error {
			data, err := loader.Load(gctx, i)
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			if err := Verify(m.Shards[i], data); err != nil {
				return err
			}
			out[i] = data
			logger.Log.Debug("shard loaded", "index", i, "bytes", len(data))
			if onShard != nil {
				cbMu.Lock()
				onShard(i, int64(len(data)))
				cbMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
