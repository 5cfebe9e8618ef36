package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/clocksmith/dreamer/internal/device"
)

func probeCmd() *cli.Command {
	var kind string

	return &cli.Command{
		Name:  "probe",
		Usage: "Probe the compute device and print its capabilities",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "device",
				Usage:       "compute device: auto, webgpu or cpu",
				Value:       "auto",
				Destination: &kind,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Value:       "INFO",
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Value:       "console",
				Destination: &logFormat,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			setupLogging()

			caps := device.Probe(kind)
			out, err := json.MarshalIndent(caps, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, string(out))
			return nil
		},
	}
}
