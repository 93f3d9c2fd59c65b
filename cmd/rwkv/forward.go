package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/rwkv/internal/logits"
	"github.com/samcharles93/rwkv/internal/tensor"
)

type forwardRow struct {
	Argmax int       `json:"argmax"`
	Top    []scored  `json:"top"`
	Logits []float32 `json:"logits,omitempty"`
}

type scored struct {
	Token int     `json:"token"`
	Logit float32 `json:"logit"`
}

func forwardCmd() *cli.Command {
	var (
		tokensFlag string
		tokensFile string
		stateIn    string
		stateOut   string
		fullOutput bool
		top        int
		asJSON     bool
		rawLogits  bool
	)

	flags := append(commonModelFlags(), tokenFlags(&tokensFlag, &tokensFile)...)
	flags = append(flags, stateFlags(&stateIn, &stateOut)...)
	flags = append(flags,
		&cli.BoolFlag{Name: "full", Usage: "report every position, not just the last", Destination: &fullOutput},
		&cli.IntFlag{Name: "top", Usage: "candidates listed per position", Value: 5, Destination: &top},
		&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &asJSON},
		&cli.BoolFlag{Name: "logits", Usage: "include raw logits in JSON output", Destination: &rawLogits},
	)

	return &cli.Command{
		Name:  "forward",
		Usage: "Feed token ids through the model and report next-token logits",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			tokens, err := readTokens(tokensFlag, tokensFile, os.Stdin)
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
			out, st, err := m.Forward(tokens, st, fullOutput)
			if err != nil {
				return err
			}
			if err := saveState(st, stateOut); err != nil {
				return err
			}

			rows := summarize(out, top, rawLogits)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				return enc.Encode(rows)
			}
			first := len(tokens) - len(rows)
			for i, r := range rows {
				fmt.Printf("pos %d token %d -> argmax %d\n", first+i, tokens[first+i], r.Argmax)
				for _, s := range r.Top {
					fmt.Printf("  %6d %10.4f\n", s.Token, s.Logit)
				}
			}
			return nil
		},
	}
}

func summarize(out *tensor.Mat, top int, withLogits bool) []forwardRow {
	rows := make([]forwardRow, out.R)
	for i := range out.R {
		row := out.Row(i)
		rows[i] = forwardRow{Argmax: logits.Argmax(row), Top: topLogits(row, top)}
		if withLogits {
			rows[i].Logits = append([]float32(nil), row...)
		}
	}
	return rows
}

// topLogits returns the k largest entries, ties broken by lower id.
func topLogits(row []float32, k int) []scored {
	if k <= 0 {
		return nil
	}
	all := make([]scored, len(row))
	for i, v := range row {
		all[i] = scored{Token: i, Logit: v}
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].Logit > all[b].Logit })
	if k > len(all) {
		k = len(all)
	}
	return all[:k]
}
