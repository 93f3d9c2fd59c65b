package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const envModel = "RWKV_MODEL"

func resolveModelPath(flag string) (string, error) {
	flag = strings.TrimSpace(flag)
	if flag == "" {
		return "", fmt.Errorf("--model is required unless %s or the config file sets one", envModel)
	}
	path := filepath.Clean(flag)
	st, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if st.IsDir() {
		return "", fmt.Errorf("model path is a directory: %s", path)
	}
	return path, nil
}

// parseTokens reads token ids separated by commas or whitespace.
func parseTokens(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q", f)
		}
		if n < 0 {
			return nil, fmt.Errorf("negative token id %d", n)
		}
		out = append(out, n)
	}
	return out, nil
}

// readTokens takes ids from the flag value, else from file ("-" is stdin).
func readTokens(flag, file string, stdin io.Reader) ([]int, error) {
	var src string
	switch {
	case strings.TrimSpace(flag) != "":
		src = flag
	case file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		src = string(data)
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		src = string(data)
	default:
		return nil, errors.New("--tokens or --tokens-file is required")
	}
	toks, err := parseTokens(src)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, errors.New("no token ids given")
	}
	return toks, nil
}

func formatTokens(toks []int) string {
	parts := make([]string, len(toks))
	for i, t := range toks {
		parts[i] = strconv.Itoa(t)
	}
	return strings.Join(parts, " ")
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
