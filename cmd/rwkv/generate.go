package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/rwkv/internal/logger"
	"github.com/samcharles93/rwkv/internal/logits"
)

func generateCmd() *cli.Command {
	var (
		tokensFlag    string
		tokensFile    string
		stateIn       string
		stateOut      string
		steps         int
		temperature   float64
		topK          int
		topP          float64
		repeatPenalty float64
		seed          int64
		stop          string
	)

	flags := append(commonModelFlags(), tokenFlags(&tokensFlag, &tokensFile)...)
	flags = append(flags, stateFlags(&stateIn, &stateOut)...)
	flags = append(flags,
		&cli.IntFlag{Name: "steps", Aliases: []string{"n"}, Usage: "tokens to generate", Value: 64, Destination: &steps},
		&cli.Float64Flag{Name: "temperature", Aliases: []string{"temp"}, Usage: "sampling temperature (0 = greedy)", Value: 1, Destination: &temperature},
		&cli.IntFlag{Name: "top-k", Usage: "top-k sampling", Value: 40, Destination: &topK},
		&cli.Float64Flag{Name: "top-p", Usage: "top-p sampling", Value: 1, Destination: &topP},
		&cli.Float64Flag{Name: "repeat-penalty", Usage: "penalty for recently generated tokens", Value: 1, Destination: &repeatPenalty},
		&cli.Int64Flag{Name: "seed", Usage: "RNG seed (-1 = time based)", Value: -1, Destination: &seed},
		&cli.StringFlag{Name: "stop", Usage: "token ids that end generation", Destination: &stop},
	)

	return &cli.Command{
		Name:  "generate",
		Usage: "Sample a continuation of a token id prompt",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			if steps < 0 {
				return cli.Exit("error: --steps must not be negative", 1)
			}
			prompt, err := readTokens(tokensFlag, tokensFile, os.Stdin)
			if err != nil {
				return err
			}
			stopIDs, err := parseTokens(stop)
			if err != nil {
				return err
			}
			m, err := loadModel(ctx, c)
			if err != nil {
				return err
			}
			st, err := loadState(m, stateIn)
			if err != nil {
				return err
			}
			if seed < 0 {
				seed = time.Now().UnixNano()
			}
			sampler := logits.NewSampler(logits.Config{
				Seed:          seed,
				Temperature:   float32(temperature),
				TopK:          topK,
				TopP:          float32(topP),
				RepeatPenalty: float32(repeatPenalty),
			})

			start := time.Now()
			out, st, err := m.Forward(prompt, st, false)
			if err != nil {
				return err
			}
			log.Debug("prompt processed", "tokens", len(prompt), "elapsed", time.Since(start))

			history := slices.Clone(prompt)
			generated := make([]int, 0, steps)
			start = time.Now()
			for range steps {
				next := sampler.Sample(out.Row(0), history)
				generated = append(generated, next)
				history = append(history, next)
				if slices.Contains(stopIDs, next) {
					break
				}
				if out, st, err = m.Forward([]int{next}, st, false); err != nil {
					return err
				}
			}
			if n := len(generated); n > 0 {
				elapsed := time.Since(start)
				log.Info("generated", "tokens", n, "tok_per_s", fmt.Sprintf("%.2f", float64(n)/elapsed.Seconds()))
			}
			fmt.Println(formatTokens(generated))
			return saveState(st, stateOut)
		},
	}
}
