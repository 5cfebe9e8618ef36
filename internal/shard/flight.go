package shard

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/clocksmith/dreamer/internal/manifest"
	"github.com/clocksmith/dreamer/internal/metrics"
)

// FlightLoader pulls shards over Arrow Flight. The server exposes one
// stream per shard filename; records carry a single binary "chunk" column
// whose rows concatenate into the shard bytes.
type FlightLoader struct {
	client   flight.Client
	manifest *manifest.Manifest
}

func NewFlightLoader(addr string, m *manifest.Manifest) (*FlightLoader, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("flight client %s: %w", addr, err)
	}
	return &FlightLoader{client: client, manifest: m}, nil
}

func (f *FlightLoader) Close() error {
	return f.client.Close()
}

func (f *FlightLoader) Load(ctx context.Context, index int) ([]byte, error) {
	if index < 0 || index >= len(f.manifest.Shards) {
		return nil, fmt.Errorf("shard index %d out of range", index)
	}
	desc := f.manifest.Shards[index]
	start := time.Now()

	stream, err := f.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(desc.Filename)})
	if err != nil {
		return nil, fmt.Errorf("flight DoGet %s: %w", desc.Filename, err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("flight reader %s: %w", desc.Filename, err)
	}
	defer rdr.Release()

	data := make([]byte, 0, desc.Size)
	for rdr.Next() {
		rec := rdr.Record()
		if rec.NumCols() < 1 {
			return nil, fmt.Errorf("flight %s: record with no columns", desc.Filename)
		}
		col, ok := rec.Column(0).(*array.Binary)
		if !ok {
			return nil, fmt.Errorf("flight %s: column 0 is %T, want binary", desc.Filename, rec.Column(0))
		}
		for i := 0; i < col.Len(); i++ {
			data = append(data, col.Value(i)...)
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("flight %s: %w", desc.Filename, err)
	}

	metrics.RecordShardLoad("flight", int64(len(data)), time.Since(start))
	return data, nil
}
