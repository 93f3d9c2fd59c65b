package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/rwkv/internal/model"
	"github.com/samcharles93/rwkv/internal/safetensors"
	"github.com/samcharles93/rwkv/internal/tensor"
)

func inspectCmd() *cli.Command {
	var (
		path         string
		showTensors  bool
		tensorLimit  int
		tensorFilter string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a .safetensors checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .safetensors file",
				Sources:     cli.EnvVars(envModel),
				Destination: &path,
			},
			&cli.BoolFlag{Name: "tensors", Usage: "list tensors", Destination: &showTensors},
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if path == "" {
				path = cfg.Model
			}
			resolved, err := resolveModelPath(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			stat, err := os.Stat(resolved)
			if err != nil {
				return err
			}
			f, err := safetensors.Open(resolved)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open safetensors: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			fmt.Printf("File: %s (%s)\n", filepath.Base(resolved), formatBytes(uint64(stat.Size())))
			fmt.Printf("Tensors: %d\n", len(f.Tensors))

			section("Metadata")
			if len(f.Meta) == 0 {
				fmt.Println("(none)")
			}
			for _, k := range slices.Sorted(maps.Keys(f.Meta)) {
				fmt.Printf("%-16s %s\n", k, f.Meta[k])
			}

			// Version detection only needs shapes, so skip the tensor data.
			shapes := model.NewWeights()
			for name, info := range f.Tensors {
				shapes.Set(name, shapeOnly(info))
			}
			maps.Copy(shapes.Meta, f.Meta)

			section("Parameters")
			v, err := model.Detect(shapes)
			if err != nil {
				fmt.Printf("version: %v\n", err)
			} else {
				fmt.Printf("version:   %s\n", v)
				if p, err := model.DeriveParams(shapes, v); err != nil {
					fmt.Printf("params:    %v\n", err)
				} else {
					fmt.Printf("layers:    %d\nembd:      %d\natt:       %d\nffn:       %d\nvocab:     %d\n",
						p.Layers, p.Embd, p.Att, p.FFN, p.Vocab)
					if p.Heads > 0 {
						fmt.Printf("heads:     %d x %d\n", p.Heads, p.HeadSize)
					}
				}
			}
			fmt.Printf("converted: %v\n", shapes.Converted())

			if showTensors {
				printTensors(f, tensorFilter, tensorLimit)
			}
			return nil
		},
	}
}

func section(name string) {
	fmt.Printf("\n== %s ==\n", name)
}

func printTensors(f *safetensors.File, filter string, limit int) {
	section("Tensors")
	names := slices.Sorted(maps.Keys(f.Tensors))
	shown := 0
	for _, name := range names {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		if limit > 0 && shown >= limit {
			fmt.Println("... (truncated, raise --tensors-limit)")
			return
		}
		info := f.Tensors[name]
		fmt.Printf("%-40s %-5s %-16v %s\n", name, info.DType, info.Shape, formatBytes(uint64(info.End-info.Start)))
		shown++
	}
}

func shapeOnly(info safetensors.TensorInfo) *tensor.Tensor {
	return &tensor.Tensor{Shape: info.Shape, DType: info.DType, Device: "cpu"}
}
