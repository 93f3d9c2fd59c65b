package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/rwkv/internal/logger"
	"github.com/samcharles93/rwkv/internal/rwkv"
)

func loadModel(ctx context.Context, c *cli.Command) (*rwkv.Model, error) {
	applyModelConfig(c, cfg)
	path, err := resolveModelPath(modelPath)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	log.Info("loading model", "path", path, "strategy", strategySpec)
	return rwkv.Load(path, rwkv.Options{
		Strategy:     strategySpec,
		RescaleLayer: rescaleOverride(c, cfg),
		Logger:       log,
	})
}

// loadState returns a fresh state when path is empty.
func loadState(m *rwkv.Model, path string) (*rwkv.State, error) {
	if path == "" {
		return m.NewState(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st rwkv.State
	if err := st.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("state %s: %w", path, err)
	}
	if err := st.Validate(m.Params()); err != nil {
		return nil, fmt.Errorf("state %s: %w", path, err)
	}
	return &st, nil
}

func saveState(st *rwkv.State, path string) error {
	if path == "" {
		return nil
	}
	raw, err := st.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
