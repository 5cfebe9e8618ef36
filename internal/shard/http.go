package shard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/clocksmith/dreamer/internal/manifest"
	"github.com/clocksmith/dreamer/internal/metrics"
)

// httpChunkSize caps each ranged read. Large shards stream in bounded
// pieces so a stall surfaces quickly and progress can tick per chunk.
const httpChunkSize = 8 << 20

// HTTPLoader fetches shards from a base URL with ranged requests.
type HTTPLoader struct {
	base     string
	client   *http.Client
	manifest *manifest.Manifest

	// OnChunk, if set, is called after each chunk with cumulative bytes.
	OnChunk func(index int, loaded, total int64)
}

func NewHTTPLoader(base string, m *manifest.Manifest) (*HTTPLoader, error) {
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("shard base url: %w", err)
	}
	return &HTTPLoader{
		base:     base,
		client:   &http.Client{Timeout: 5 * time.Minute},
		manifest: m,
	}, nil
}

func (h *HTTPLoader) Load(ctx context.Context, index int) ([]byte, error) {
	if index < 0 || index >= len(h.manifest.Shards) {
		return nil, fmt.Errorf("shard index %d out of range", index)
	}
	desc := h.manifest.Shards[index]
	shardURL, err := url.JoinPath(h.base, desc.Filename)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	total := desc.Size
	if total <= 0 {
		data, err := h.fetchWhole(ctx, shardURL)
		if err != nil {
			return nil, err
		}
		metrics.RecordShardLoad("http", int64(len(data)), time.Since(start))
		return data, nil
	}

	data := make([]byte, total)
	for off := int64(0); off < total; off += httpChunkSize {
		end := off + httpChunkSize
		if end > total {
			end = total
		}
		if err := h.fetchRange(ctx, shardURL, data[off:end], off, end-1); err != nil {
			return nil, fmt.Errorf("shard %s range %d-%d: %w", desc.Filename, off, end-1, err)
		}
		if h.OnChunk != nil {
			h.OnChunk(index, end, total)
		}
	}
	metrics.RecordShardLoad("http", total, time.Since(start))
	return data, nil
}

func (h *HTTPLoader) fetchRange(ctx context.Context, shardURL string, dst []byte, first, last int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, shardURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", first, last))

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// A 200 means the server ignored Range and sent the whole body.
		// Only the first chunk lines up with that; a later chunk would
		// silently read the wrong file region.
		if first > 0 {
			return fmt.Errorf("server ignored range request (status %s)", resp.Status)
		}
	default:
		return fmt.Errorf("status %s", resp.Status)
	}
	_, err = io.ReadFull(resp.Body, dst)
	return err
}

func (h *HTTPLoader) fetchWhole(ctx context.Context, shardURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, shardURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
