package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/clocksmith/dreamer/internal/device"
)

func tuneCmd() *cli.Command {
	var cachePath string

	return &cli.Command{
		Name:  "tune",
		Usage: "Benchmark kernel variants for a model shape and cache the winners",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "cache",
				Usage:       "tune cache path (default under the user cache dir)",
				Destination: &cachePath,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			setupLogging()

			m, err := resolveManifest()
			if err != nil {
				return err
			}

			backend, err := device.Open(deviceKind)
			if err != nil {
				return err
			}
			defer backend.Close()

			pool := device.NewPool(backend)
			defer pool.Drain()

			key := tuneKeyFor(m, backend.Caps())
			tuner := device.NewTuner(backend, pool)
			result, err := tuner.Tune(ctx, key)
			if err != nil {
				return err
			}

			cache, err := openCache(cachePath)
			if err != nil {
				return err
			}
			cache.Put(key, result)
			if err := cache.Save(); err != nil {
				return err
			}

			fmt.Fprintf(os.Stdout, "tuned %s: matmul=%s workgroup=%d\n",
				key.String(), result.MatmulVariantName, result.MatmulWorkgroup)
			return nil
		},
	}
}

func openCache(path string) (*device.TuneCache, error) {
	if path != "" {
		return device.OpenTuneCacheAt(path)
	}
	return device.OpenTuneCache()
}
