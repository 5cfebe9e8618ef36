package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/clocksmith/dreamer/internal/engine"
)

func runCmd() *cli.Command {
	var (
		promptTokens string
		maxTokens    int64
		temp         float64
		topK         int64
		topP         float64
		repPenalty   float64
		seed         int64
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate tokens from a prompt of token ids",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "prompt-tokens",
				Aliases:     []string{"p"},
				Usage:       "comma-separated prompt token ids",
				Required:    true,
				Destination: &promptTokens,
			},
			&cli.Int64Flag{
				Name:        "max-tokens",
				Aliases:     []string{"n"},
				Usage:       "number of tokens to generate",
				Value:       64,
				Destination: &maxTokens,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Aliases:     []string{"temperature", "t"},
				Usage:       "sampling temperature (0 = greedy)",
				Value:       0.8,
				Destination: &temp,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Usage:       "top-k sampling parameter",
				Value:       40,
				Destination: &topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Usage:       "top-p sampling parameter",
				Value:       0.95,
				Destination: &topP,
			},
			&cli.Float64Flag{
				Name:        "repeat-penalty",
				Usage:       "repetition penalty over recent tokens (1 = off)",
				Value:       1.0,
				Destination: &repPenalty,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampler seed (0 = time-based)",
				Destination: &seed,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			setupLogging()

			prompt, err := parseTokenList(promptTokens)
			if err != nil {
				return err
			}

			eng, _, err := loadEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			stream, err := eng.Generate(ctx, engine.GenerateRequest{
				Prompt:    prompt,
				MaxTokens: int(maxTokens),
				Sampler: engine.SamplerConfig{
					Temperature:       float32(temp),
					TopK:              int(topK),
					TopP:              float32(topP),
					RepetitionPenalty: float32(repPenalty),
					Seed:              seed,
				},
			})
			if err != nil {
				return err
			}

			for tok := range stream.Tokens() {
				fmt.Fprintf(os.Stdout, "%d ", tok.ID)
			}
			fmt.Fprintln(os.Stdout)

			result := stream.Result()
			if result.Reason == engine.FinishError {
				return result.Err
			}
			fmt.Fprintf(os.Stdout, "finish: %s (%d tokens)\n", result.Reason, len(result.TokenIDs))
			return nil
		},
	}
}
