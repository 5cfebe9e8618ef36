package shard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/clocksmith/dreamer/internal/manifest"
)

// ModelsDir resolves the local model store root: $DREAMER_MODELS, or
// ~/.dreamer/models.
func ModelsDir() (string, error) {
	if env := os.Getenv("DREAMER_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".dreamer", "models"), nil
}

// LocalStore serves shards from a content-addressed directory: blobs live
// under <root>/blobs/sha256-<hash>, with the shard filename as fallback for
// stores populated by hand.
type LocalStore struct {
	root     string
	manifest *manifest.Manifest
}

func NewLocalStore(root string, m *manifest.Manifest) (*LocalStore, error) {
	if root == "" {
		var err error
		root, err = ModelsDir()
		if err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("model store %s: %w", root, err)
	}
	return &LocalStore{root: root, manifest: m}, nil
}

// BlobPath maps a shard descriptor onto its path in the store.
func (s *LocalStore) BlobPath(desc manifest.Shard) string {
	if desc.Hash != "" {
		digest := strings.TrimPrefix(strings.ToLower(desc.Hash), "sha256:")
		p := filepath.Join(s.root, "blobs", "sha256-"+digest)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(s.root, desc.Filename)
}

func (s *LocalStore) Load(ctx context.Context, index int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(s.manifest.Shards) {
		return nil, fmt.Errorf("shard index %d out of range", index)
	}
	desc := s.manifest.Shards[index]
	data, err := os.ReadFile(s.BlobPath(desc))
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", desc.Filename, err)
	}
	return data, nil
}

// FindManifest locates a model's manifest file in the store by name,
// checking manifests/<name>.json then <name>/manifest.json.
func FindManifest(root, name string) (string, error) {
	if root == "" {
		var err error
		root, err = ModelsDir()
		if err != nil {
			return "", err
		}
	}
	candidates := []string{
		filepath.Join(root, "manifests", name+".json"),
		filepath.Join(root, name, "manifest.json"),
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no manifest for model %q under %s", name, root)
}
