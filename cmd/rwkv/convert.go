package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/rwkv/internal/convert"
	"github.com/samcharles93/rwkv/internal/logger"
	"github.com/samcharles93/rwkv/internal/model"
	"github.com/samcharles93/rwkv/internal/rwkv"
	"github.com/samcharles93/rwkv/internal/safetensors"
	"github.com/samcharles93/rwkv/internal/strategy"
)

func convertCmd() *cli.Command {
	var out string

	return &cli.Command{
		Name:  "convert",
		Usage: "Convert a raw checkpoint for a strategy and save it",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .safetensors path",
				Required:    true,
				Destination: &out,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(c, cfg)
			if _, err := strategy.Parse(strategySpec); err != nil {
				return err
			}
			path, err := resolveModelPath(modelPath)
			if err != nil {
				return err
			}
			raw, err := safetensors.LoadWeights(path)
			if err != nil {
				return err
			}
			if raw.Converted() {
				return cli.Exit(fmt.Sprintf("error: %s is already converted (strategy %q)", path, raw.Meta[model.MetaStrategy]), 1)
			}
			plan, err := strategy.New(strategySpec, raw.Layers())
			if err != nil {
				return err
			}
			rescale := 0
			if r := rescaleOverride(c, cfg); r != nil {
				rescale = *r
			} else if rescale, err = rwkv.DefaultRescale(plan.Spec); err != nil {
				return err
			}

			conv, p, err := convert.Convert(raw, convert.Options{Plan: plan, RescaleLayer: rescale, Logger: log})
			if err != nil {
				return err
			}
			if err := safetensors.WriteWeights(out, conv); err != nil {
				return err
			}
			size := uint64(0)
			if st, err := os.Stat(out); err == nil {
				size = uint64(st.Size())
			}
			log.Info("converted", "out", out, "params", p.String(), "size", formatBytes(size))
			return nil
		},
	}
}
