package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mambagen/internal/checkpoint"
	"github.com/samcharles93/mambagen/internal/model"
	"github.com/samcharles93/mambagen/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var (
		version string
		verify  bool
	)
	return &cli.Command{
		Name:      "inspect",
		Usage:     "List the tensors of a safetensors archive and check it against a model version",
		ArgsUsage: "<model.safetensors>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model-version",
				Aliases:     []string{"which"},
				Usage:       "model architecture to verify against (mamba1, mamba2)",
				Value:       "mamba1",
				Destination: &version,
			},
			&cli.BoolFlag{
				Name:        "verify",
				Usage:       "check every binding of the 130M preset",
				Value:       true,
				Destination: &verify,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			path := c.Args().First()
			if path == "" {
				return cli.Exit("error: archive path is required", 1)
			}
			f, err := safetensors.Open(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open archive: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			printTensors(os.Stdout, f)
			if !verify {
				return nil
			}
			v, err := model.ParseVersion(version)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			n, err := verifyArchive(f, model.Mamba130M(v))
			if err != nil {
				return cli.Exit(fmt.Sprintf("verify %s: %d bindings, problems:\n%v", v, n, err), 1)
			}
			fmt.Printf("\nverify %s: %d bindings ok\n", v, n)
			return nil
		},
	}
}

func printTensors(w io.Writer, f *safetensors.File) {
	names := f.Names()
	sort.Strings(names)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tDTYPE\tSHAPE\tBYTES")
	var total int64
	for _, name := range names {
		info, _ := f.Tensor(name)
		total += info.Size()
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%v\t%d\n", name, info.DType, info.Shape, info.Size())
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "%d tensors, %d bytes\n", len(names), total)
	if meta := f.Metadata(); len(meta) > 0 {
		keys := make([]string, 0, len(meta))
		for k := range meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "metadata %s=%s\n", k, meta[k])
		}
	}
}

// verifyArchive checks f against the bindings of cfg without loading any
// data and returns the number of bindings checked.
func verifyArchive(f checkpoint.Source, cfg model.Config) (int, error) {
	bindings := model.Bindings(cfg)
	var (
		target checkpoint.Target
		err    error
	)
	switch cfg.Version {
	case model.V1:
		target, err = model.NewMamba1(cfg)
	default:
		target, err = model.NewMamba2(cfg)
	}
	if err != nil {
		return 0, err
	}
	return len(bindings), checkpoint.Verify(f, target, bindings)
}
