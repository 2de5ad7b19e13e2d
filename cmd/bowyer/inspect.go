package main

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-bowyer/internal/checkpoint"
)

func inspectCmd() *cli.Command {
	var (
		path        string
		asJSON      bool
		showTensors bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a checkpoint container",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "checkpoint",
				Aliases:     []string{"c"},
				Usage:       "path to .lbck file",
				Destination: &path,
				Required:    true,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the full manifest as JSON",
				Destination: &asJSON,
			},
			&cli.BoolFlag{
				Name:        "tensors",
				Usage:       "list tensor entries",
				Destination: &showTensors,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			info, err := checkpoint.Inspect(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: inspect: %v", err), 1)
			}

			if asJSON {
				out, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode manifest: %v", err), 1)
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("%-12s %s\n", "path:", info.Path)
			fmt.Printf("%-12s %d\n", "step:", info.Step)
			fmt.Printf("%-12s %s\n", "dtype:", info.DType)
			fmt.Printf("%-12s %s\n", "run_id:", info.RunID)
			fmt.Printf("%-12s %s\n", "saved_at:", info.SavedAt.Format(time.RFC3339))
			fmt.Printf("%-12s %d (%d elements)\n", "params:", len(info.Params), countElements(info.Params))
			if len(info.Slots) > 0 {
				fmt.Printf("%-12s %d (%d elements)\n", "slots:", len(info.Slots), countElements(info.Slots))
			}

			if showTensors {
				for _, t := range info.Params {
					fmt.Printf("  param %s [%d %d]\n", t.Name, t.Rows, t.Cols)
				}
				for _, t := range info.Slots {
					fmt.Printf("  slot  %s [%d %d]\n", t.Name, t.Rows, t.Cols)
				}
			}
			return nil
		},
	}
}

func countElements(tensors []checkpoint.TensorInfo) int {
	total := 0
	for _, t := range tensors {
		total += t.Rows * t.Cols
	}
	return total
}
