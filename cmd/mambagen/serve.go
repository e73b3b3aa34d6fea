package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mambagen/internal/api"
	"github.com/samcharles93/mambagen/internal/generate"
	"github.com/samcharles93/mambagen/internal/hub"
	"github.com/samcharles93/mambagen/internal/inference"
	"github.com/samcharles93/mambagen/internal/logger"
	"github.com/samcharles93/mambagen/internal/metrics"
	"github.com/samcharles93/mambagen/internal/model"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rateLimit   float64
		rateBurst   int
		storeSize   int
		modelName   string
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation HTTP API",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Float64Flag{
				Name:        "rate-limit",
				Usage:       "generate requests per second (0 = unlimited)",
				Destination: &rateLimit,
			},
			&cli.IntFlag{
				Name:        "rate-burst",
				Usage:       "burst size of the rate limiter",
				Value:       4,
				Destination: &rateBurst,
			},
			&cli.IntFlag{
				Name:        "store-size",
				Usage:       "finished generations kept for retrieval",
				Value:       api.DefaultStoreSize,
				Destination: &storeSize,
			},
			&cli.StringFlag{
				Name:        "model-name",
				Usage:       "model id reported by the API (defaults to the hub repository)",
				Destination: &modelName,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyServeConfig(c, cfg, &addr, &rateLimit, &rateBurst)

			files, err := resolveModelFiles(ctx, newHubClient(log), modelVersion, weightsPath, tokenizerPath, modelConfig)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			m := metrics.New()
			loaded, err := inference.Loader{
				Version:        files.Version,
				CheckpointPath: files.Weights,
				TokenizerPath:  files.Tokenizer,
				ConfigPath:     files.Config,
				Concurrency:    concurrency,
				Logger:         log,
				Observers: []inference.ObserverFactory{
					func(req inference.Request) generate.Observer { return m.Observer(req.Mode) },
				},
			}.Load(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = loaded.Engine.Close() }()

			server := api.NewServer(loaded.Engine,
				api.WithDefaults(cfg.GenDefaults()),
				api.WithStore(api.NewGenerationStore(storeSize)),
				api.WithMetrics(m),
				api.WithRateLimit(rateLimit, rateBurst),
				api.WithModelName(servedModelName(modelName, files.Version)),
				api.WithLogger(log),
			)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "model", files.Version.String())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}

func servedModelName(name string, v model.Version) string {
	if name != "" {
		return name
	}
	if f, err := hub.Weights(v); err == nil {
		return f.Repo
	}
	return v.String()
}
