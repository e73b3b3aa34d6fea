package main

import "github.com/urfave/cli/v3"

var (
	modelVersion  string
	weightsPath   string
	tokenizerPath string
	modelConfig   string
	cacheDir      string
	offline       bool
	concurrency   int
	logLevel      string
	logFormat     string
	debug         bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model-version",
			Aliases:     []string{"which"},
			Usage:       "model architecture (mamba1, mamba2)",
			Value:       "mamba1",
			Destination: &modelVersion,
		},
		&cli.StringFlag{
			Name:        "weights",
			Aliases:     []string{"w"},
			Usage:       "path to model.safetensors (downloaded when empty)",
			Destination: &weightsPath,
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "path to tokenizer.json (downloaded when empty)",
			Destination: &tokenizerPath,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to a reference config.json overriding the 130M preset",
			Destination: &modelConfig,
		},
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "download cache directory",
			Destination: &cacheDir,
		},
		&cli.BoolFlag{
			Name:        "offline",
			Usage:       "never download, only use cached files",
			Destination: &offline,
		},
		&cli.IntFlag{
			Name:        "load-concurrency",
			Usage:       "tensors materialized in parallel (0 = GOMAXPROCS)",
			Destination: &concurrency,
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
