package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	c, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Config{}, c)

	c, err = LoadConfig(writeConfig(t, `
model: /models/rwkv7.safetensors
strategy: cuda fp16 *20 -> cpu fp32
rescale_layer: 0
log_format: json
server_address: 0.0.0.0:9000
`))
	require.NoError(t, err)
	require.Equal(t, "/models/rwkv7.safetensors", c.Model)
	require.Equal(t, "cuda fp16 *20 -> cpu fp32", c.Strategy)
	require.NotNil(t, c.RescaleLayer)
	require.Zero(t, *c.RescaleLayer)
	require.Equal(t, "json", c.LogFormat)
	require.Equal(t, "0.0.0.0:9000", c.ServerAddress)

	_, err = LoadConfig(writeConfig(t, "model: [unterminated"))
	require.Error(t, err)
	_, err = LoadConfig(writeConfig(t, "rescale_layer: -2"))
	require.Error(t, err)
}

// runModelFlags parses args against the model flags and applies c the way a
// command would.
func runModelFlags(t *testing.T, c Config, args ...string) *int {
	t.Helper()
	modelPath, strategySpec, rescaleLayer = "", "", 0
	var override *int
	cmd := &cli.Command{
		Name:  "test",
		Flags: commonModelFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, c)
			override = rescaleOverride(cmd, c)
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), append([]string{"test"}, args...)))
	return override
}

func TestConfigFillsUnsetFlags(t *testing.T) {
	three := 3
	c := Config{Model: "/from/config", Strategy: "cpu fp16", RescaleLayer: &three}

	override := runModelFlags(t, c)
	require.Equal(t, "/from/config", modelPath)
	require.Equal(t, "cpu fp16", strategySpec)
	require.NotNil(t, override)
	require.Equal(t, 3, *override)

	override = runModelFlags(t, c, "--strategy", "cpu fp32", "--rescale-layer", "1", "-m", "/from/flag")
	require.Equal(t, "/from/flag", modelPath)
	require.Equal(t, "cpu fp32", strategySpec)
	require.Equal(t, 1, *override)

	override = runModelFlags(t, Config{})
	require.Equal(t, "cpu fp32", strategySpec)
	require.Nil(t, override)
}
