package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/rwkv/internal/model"
	"github.com/samcharles93/rwkv/internal/safetensors"
	"github.com/samcharles93/rwkv/internal/strategy"
)

func planCmd() *cli.Command {
	var layers int

	return &cli.Command{
		Name:  "plan",
		Usage: "Show how a strategy places layers, without loading weights",
		Flags: append(commonModelFlags(),
			&cli.IntFlag{
				Name:        "layers",
				Aliases:     []string{"n"},
				Usage:       "layer count (read from --model when unset)",
				Destination: &layers,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyModelConfig(c, cfg)
			if layers <= 0 {
				path, err := resolveModelPath(modelPath)
				if err != nil {
					return cli.Exit("error: pass --layers or --model", 1)
				}
				if layers, err = countLayers(path); err != nil {
					return err
				}
			}
			plan, err := strategy.New(strategySpec, layers)
			if err != nil {
				return err
			}
			printPlan(plan)
			return nil
		},
	}
}

// countLayers reads only the safetensors header.
func countLayers(path string) (int, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	n := 0
	for name := range f.Tensors {
		if i, ok := model.LayerOf(name); ok && i+1 > n {
			n = i + 1
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("%s: no blocks.N tensors", path)
	}
	return n, nil
}

func printPlan(plan *strategy.Plan) {
	fmt.Printf("strategy: %s\n", plan.Spec)
	for _, line := range plan.Summary() {
		fmt.Printf("  %s\n", line)
	}
	fmt.Println()
	fmt.Printf("%-6s %-8s %-5s %-7s %-5s %s\n", "layer", "device", "act", "weight", "bits", "stream")
	for i, lp := range plan.Layers {
		name := fmt.Sprint(i)
		if i == plan.NumLayers() {
			name = "head"
		}
		bits := "-"
		if lp.QuantBits > 0 {
			bits = fmt.Sprint(lp.QuantBits)
		}
		fmt.Printf("%-6s %-8s %-5s %-7s %-5s %v\n", name, lp.Device, lp.ActType, lp.WeightType, bits, lp.Stream)
	}
}
