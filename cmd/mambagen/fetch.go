package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mambagen/internal/hub"
	"github.com/samcharles93/mambagen/internal/logger"
	"github.com/samcharles93/mambagen/internal/model"
)

func fetchCmd() *cli.Command {
	var all bool
	return &cli.Command{
		Name:  "fetch",
		Usage: "Download the published checkpoint and tokenizer into the cache",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model-version",
				Aliases:     []string{"which"},
				Usage:       "model architecture (mamba1, mamba2)",
				Value:       "mamba1",
				Destination: &modelVersion,
			},
			&cli.BoolFlag{
				Name:        "all",
				Usage:       "fetch both model versions",
				Destination: &all,
			},
			&cli.StringFlag{
				Name:        "cache-dir",
				Usage:       "download cache directory",
				Destination: &cacheDir,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(c, LoadConfig())
			client := newHubClient(log)
			client.Offline = false
			client.ProgressBar = true

			versions := []model.Version{model.V1, model.V2}
			if !all {
				v, err := model.ParseVersion(modelVersion)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				versions = []model.Version{v}
			}

			files := []hub.File{hub.Tokenizer()}
			for _, v := range versions {
				f, err := hub.Weights(v)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				files = append(files, f)
			}
			for _, f := range files {
				path, err := client.Resolve(ctx, f)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: fetch %s: %v", f, err), 1)
				}
				fmt.Printf("%s\t%s\n", f, path)
			}
			return nil
		},
	}
}
