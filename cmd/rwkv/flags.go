package main

import "github.com/urfave/cli/v3"

var (
	modelPath    string
	strategySpec string
	rescaleLayer int
	configFile   string
	logLevel     string
	logFormat    string
	debug        bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a raw or converted .safetensors checkpoint",
			Sources:     cli.EnvVars(envModel),
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "strategy",
			Aliases:     []string{"s"},
			Usage:       `execution strategy, e.g. "cuda fp16 *10 -> cpu fp32"`,
			Value:       "cpu fp32",
			Destination: &strategySpec,
		},
		&cli.IntFlag{
			Name:        "rescale-layer",
			Usage:       "halve the residual stream every N layers (default 6 for fp16 strategies, else 0)",
			Destination: &rescaleLayer,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func stateFlags(in, out *string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "state-in",
			Usage:       "resume from a state snapshot",
			Destination: in,
		},
		&cli.StringFlag{
			Name:        "state-out",
			Usage:       "write the final state snapshot here",
			Destination: out,
		},
	}
}

func tokenFlags(tokens, file *string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "tokens",
			Aliases:     []string{"t"},
			Usage:       "token ids separated by commas or spaces",
			Destination: tokens,
		},
		&cli.StringFlag{
			Name:        "tokens-file",
			Usage:       `read token ids from a file ("-" for stdin)`,
			Destination: file,
		},
	}
}
