package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mambagen/internal/generate"
	"github.com/samcharles93/mambagen/internal/inference"
	"github.com/samcharles93/mambagen/internal/logger"
)

func runCmd() *cli.Command {
	var (
		prompt        string
		mode          string
		sampleLen     int
		chunkSize     int
		temp          float64
		topP          float64
		topK          int
		repeatPenalty float64
		repeatLastN   int
		seed          uint64
		streamMode    string
		showTokens    bool
		cpuProfile    string
		memProfile    string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text",
				Value:       inference.DefaultPrompt,
				Destination: &prompt,
			},
			&cli.StringFlag{
				Name:        "mode",
				Usage:       "generation mode (cached, cacheless, both)",
				Value:       "cached",
				Destination: &mode,
			},
			&cli.IntFlag{
				Name:        "sample-len",
				Aliases:     []string{"n"},
				Usage:       "step bound including the prompt (default 40 cached, 10 cacheless)",
				Destination: &sampleLen,
			},
			&cli.IntFlag{
				Name:        "chunk-size",
				Usage:       "positions per forward chunk in cacheless mode (default 4)",
				Destination: &chunkSize,
			},
			&cli.Float64Flag{
				Name:        "temperature",
				Aliases:     []string{"temp", "t"},
				Usage:       "sampling temperature (unset = greedy)",
				Destination: &temp,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Usage:       "nucleus sampling cutoff",
				Destination: &topP,
			},
			&cli.IntFlag{
				Name:        "top-k",
				Usage:       "keep only the k most likely tokens (0 = all)",
				Destination: &topK,
			},
			&cli.Float64Flag{
				Name:        "repeat-penalty",
				Usage:       "repetition penalty (1.0 = disabled)",
				Value:       1.1,
				Destination: &repeatPenalty,
			},
			&cli.IntFlag{
				Name:        "repeat-last-n",
				Usage:       "window of recent tokens to penalize",
				Value:       1024,
				Destination: &repeatLastN,
			},
			&cli.Uint64Flag{
				Name:        "seed",
				Usage:       "sampling RNG seed",
				Value:       299792458,
				Destination: &seed,
			},
			&cli.StringFlag{
				Name:        "stream-mode",
				Usage:       "output mode (instant, smooth, quiet)",
				Value:       string(StreamInstant),
				Destination: &streamMode,
			},
			&cli.BoolFlag{
				Name:        "show-tokens",
				Usage:       "print prompt token ids",
				Destination: &showTokens,
			},
			&cli.StringFlag{
				Name:        "cpuprofile",
				Usage:       "write cpu profile to file",
				Destination: &cpuProfile,
			},
			&cli.StringFlag{
				Name:        "memprofile",
				Usage:       "write memory profile to file",
				Destination: &memProfile,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyRunConfig(c, cfg, &topK, &seed, &streamMode)

			modes, err := parseRunModes(mode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			sm, err := parseStreamMode(streamMode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("could not create CPU profile: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return cli.Exit(fmt.Sprintf("could not start CPU profile: %v", err), 1)
				}
				defer pprof.StopCPUProfile()
			}
			if memProfile != "" {
				defer func() {
					f, err := os.Create(memProfile)
					if err != nil {
						fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
						return
					}
					defer func() { _ = f.Close() }()
					if err := pprof.WriteHeapProfile(f); err != nil {
						fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
					}
				}()
			}

			files, err := resolveModelFiles(ctx, newHubClient(log), modelVersion, weightsPath, tokenizerPath, modelConfig)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			loaded, err := inference.Loader{
				Version:        files.Version,
				CheckpointPath: files.Weights,
				TokenizerPath:  files.Tokenizer,
				ConfigPath:     files.Config,
				Concurrency:    concurrency,
				Logger:         log,
			}.Load(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = loaded.Engine.Close() }()
			fmt.Fprintf(os.Stderr, "loaded the model in %s\n", loaded.Elapsed)

			if showTokens {
				ids, err := loaded.Tokenizer.Encode(prompt)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode prompt: %v", err), 1)
				}
				fmt.Fprintf(os.Stderr, "Input tokens (%d): %s\n", len(ids), joinInts(ids))
			}

			for _, m := range modes {
				opts := inference.RequestOptions{Prompt: &prompt, Mode: &m, Seed: &seed}
				if c.IsSet("temperature") {
					opts.Temperature = &temp
				}
				if c.IsSet("top-p") {
					opts.TopP = &topP
				}
				if topK > 0 {
					opts.TopK = &topK
				}
				if c.IsSet("repeat-penalty") {
					opts.RepeatPenalty = &repeatPenalty
				}
				if c.IsSet("repeat-last-n") {
					opts.RepeatLastN = &repeatLastN
				}
				if c.IsSet("sample-len") {
					opts.MaxNewTokens = &sampleLen
				}
				if c.IsSet("chunk-size") {
					opts.ChunkSize = &chunkSize
				}
				req := inference.ResolveRequest(opts, cfg.GenDefaults())

				if len(modes) > 1 {
					fmt.Fprintf(os.Stderr, "--- %s ---\n", m)
				}
				sw := NewStreamWriter(sm, os.Stdout)
				res, err := loaded.Engine.Generate(ctx, &req, sw.Write)
				sw.Close()
				fmt.Println()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: generation: %v", err), 1)
				}
				printStats(os.Stderr, res.Stats)
			}
			return nil
		},
	}
}

// parseRunModes expands "both" into a cacheless pass followed by a cached
// pass.
func parseRunModes(s string) ([]generate.Mode, error) {
	if strings.EqualFold(strings.TrimSpace(s), "both") {
		return []generate.Mode{generate.Cacheless, generate.Cached}, nil
	}
	m, err := generate.ParseMode(s)
	if err != nil {
		return nil, err
	}
	return []generate.Mode{m}, nil
}

func printStats(w io.Writer, st inference.Stats) {
	fmt.Fprintf(w, "%d tokens generated (%.2f token/s)\n", st.TokensGenerated, st.TPS)
	fmt.Fprintf(w, "Stats: mode=%s prompt=%d steps=%d first-token=%s total=%s eos=%t\n",
		st.Mode, st.PromptTokens, st.Steps, st.FirstTokenLatency, st.Duration, st.StoppedOnEOS)
}

func joinInts(ids []int) string {
	if len(ids) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d", id)
	}
	b.WriteByte(']')
	return b.String()
}
