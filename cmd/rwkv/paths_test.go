package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParseTokens(t *testing.T) {
	t.Parallel()
	got, err := parseTokens(" 1, 2\t3\n40 ,5 ")
	if err != nil {
		t.Fatalf("parseTokens returned error: %v", err)
	}
	if want := []int{1, 2, 3, 40, 5}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if got, err := parseTokens(""); err != nil || len(got) != 0 {
		t.Fatalf("empty input: got %v, %v", got, err)
	}
	for _, bad := range []string{"1,x", "-3", "1.5"} {
		if _, err := parseTokens(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestReadTokens(t *testing.T) {
	t.Parallel()

	t.Run("flag wins", func(t *testing.T) {
		got, err := readTokens("4 5", "-", strings.NewReader("9"))
		if err != nil || !reflect.DeepEqual(got, []int{4, 5}) {
			t.Fatalf("got %v, %v", got, err)
		}
	})

	t.Run("stdin", func(t *testing.T) {
		got, err := readTokens("", "-", strings.NewReader("7,8\n"))
		if err != nil || !reflect.DeepEqual(got, []int{7, 8}) {
			t.Fatalf("got %v, %v", got, err)
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "toks.txt")
		if err := os.WriteFile(path, []byte("1 2 3"), 0o644); err != nil {
			t.Fatal(err)
		}
		got, err := readTokens("", path, nil)
		if err != nil || !reflect.DeepEqual(got, []int{1, 2, 3}) {
			t.Fatalf("got %v, %v", got, err)
		}
	})

	t.Run("nothing given", func(t *testing.T) {
		if _, err := readTokens("", "", nil); err == nil {
			t.Fatal("expected error")
		}
		if _, err := readTokens("", "-", strings.NewReader(" \n")); err == nil {
			t.Fatal("expected error for empty stdin")
		}
	})
}

func TestResolveModelPath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	file := filepath.Join(dir, "m.safetensors")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := resolveModelPath("  " + file + " ")
	if err != nil || got != file {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := resolveModelPath(""); err == nil || !strings.Contains(err.Error(), envModel) {
		t.Fatalf("expected hint about %s, got %v", envModel, err)
	}
	if _, err := resolveModelPath(dir); err == nil {
		t.Fatal("expected error for a directory")
	}
	if _, err := resolveModelPath(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestFormatHelpers(t *testing.T) {
	t.Parallel()
	cases := map[uint64]string{
		0:       "0 B",
		1023:    "1023 B",
		1024:    "1.0 KiB",
		1536:    "1.5 KiB",
		5 << 30: "5.0 GiB",
	}
	for n, want := range cases {
		if got := formatBytes(n); got != want {
			t.Fatalf("formatBytes(%d) = %q, want %q", n, got, want)
		}
	}
	if got := formatTokens([]int{3, 1, 2}); got != "3 1 2" {
		t.Fatalf("formatTokens = %q", got)
	}
}

func TestTopLogits(t *testing.T) {
	t.Parallel()
	got := topLogits([]float32{0.5, 2, -1, 2, 1}, 3)
	want := []scored{{1, 2}, {3, 2}, {4, 1}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if len(topLogits([]float32{1, 2}, 10)) != 2 {
		t.Fatal("k larger than the vocabulary should return every entry")
	}
	if topLogits([]float32{1}, 0) != nil {
		t.Fatal("k=0 should return nothing")
	}
}
