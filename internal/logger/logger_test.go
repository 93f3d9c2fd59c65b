package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONFiltersByLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("hidden")
	log.Debug("hidden too")
	require.Zero(t, buf.Len())

	log.Warn("shown", "layer", 3)
	out := buf.String()
	require.Contains(t, out, "shown")
	require.Contains(t, out, `"layer":3`)
	require.Contains(t, out, `"level":"WARN"`)
}

func TestWithAddsFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo).With("component", "runner")
	log.Info("step")
	require.Contains(t, buf.String(), `"component":"runner"`)
}

func TestForFormat(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"json":   `"msg":"hi"`,
		"text":   "msg=hi",
		"pretty": "hi",
		"":       "hi",
	}
	for format, want := range cases {
		var buf bytes.Buffer
		ForFormat(&buf, format, slog.LevelInfo).Info("hi")
		require.Contains(t, buf.String(), want, format)
	}
}

func TestNopDiscards(t *testing.T) {
	t.Parallel()
	log := Nop()
	log.Error("nothing")
	log.With("a", 1).WithGroup("g").Warn("still nothing")
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("via context")
	require.Contains(t, buf.String(), "via context")
	require.NotNil(t, FromContext(context.Background()))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		require.Equal(t, want, ParseLevel(in), in)
	}
}

func TestPrettyGroupsAndAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	require.Same(t, h, h.WithGroup(""))

	l := slog.New(h.WithAttrs([]slog.Attr{slog.String("model", "v7")}).WithGroup("a").WithGroup("b"))
	l.Info("nested", "key", "val", "note", "two words")
	out := buf.String()
	require.Contains(t, out, "model=v7")
	require.Contains(t, out, "a.b.key=val")
	require.Contains(t, out, `a.b.note="two words"`)
}

func TestPrettyLevelGate(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	ctx := context.Background()
	require.False(t, h.Enabled(ctx, slog.LevelInfo))
	require.True(t, h.Enabled(ctx, slog.LevelWarn))
	require.True(t, h.Enabled(ctx, slog.LevelError))
}

func TestPrettyShortensVectors(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelInfo)
	xs := make([]float32, 20)
	xs[0] = 1.5
	log.Info("logits", "head", xs)
	out := buf.String()
	require.Contains(t, out, "head=[1.5 0 0 0 0 0 0 0 …+12]")
	require.Equal(t, 1, strings.Count(out, "\n"))
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	require.False(t, needsQuoting("simple"))
	require.False(t, needsQuoting(""))
	require.True(t, needsQuoting("has space"))
	require.True(t, needsQuoting("tab\there"))
	require.True(t, needsQuoting(`q"uote`))
}
