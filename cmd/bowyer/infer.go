package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func predictCmd() *cli.Command {
	var (
		sf sessionFlags
		df dataFlags

		numBatches int64
		withAux    bool
	)

	flags := append(sf.flags(), df.flags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "num-batches",
			Aliases:     []string{"n"},
			Usage:       "number of batches to decode",
			Value:       1,
			Destination: &numBatches,
		},
		&cli.BoolFlag{
			Name:        "aux",
			Usage:       "also print per-token log-probabilities",
			Destination: &withAux,
		},
	)

	return &cli.Command{
		Name:  "predict",
		Usage: "Decode predictions for a dataset",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			sess, cfg, err := sf.openSession(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open session: %v", err), 1)
			}

			bridge, err := df.openBridge()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open data source: %v", err), 1)
			}
			defer func() { _ = bridge.Close() }()

			batches, err := df.fetch(ctx, bridge, cfg.BatchSize, int(numBatches))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: fetch batches: %v", err), 1)
			}

			row := 0
			for _, batch := range batches {
				if withAux {
					preds, aux, err := sess.PredictWithAux(batch)
					if err != nil {
						return cli.Exit(fmt.Sprintf("error: predict: %v", err), 1)
					}
					for i, p := range preds {
						fmt.Printf("[%d] %s\n", row, p.Text)
						fmt.Printf("[%d] scores %v\n", row, aux.Scores[i])
						row++
					}
					continue
				}
				preds, err := sess.Predict(batch)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: predict: %v", err), 1)
				}
				for _, p := range preds {
					fmt.Printf("[%d] %s\n", row, p.Text)
					row++
				}
			}
			return nil
		},
	}
}

func scoreCmd() *cli.Command {
	var (
		sf sessionFlags
		df dataFlags

		numBatches int64
	)

	flags := append(sf.flags(), df.flags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "num-batches",
			Aliases:     []string{"n"},
			Usage:       "number of batches to score",
			Value:       1,
			Destination: &numBatches,
		},
	)

	return &cli.Command{
		Name:  "score",
		Usage: "Score dataset targets under the current parameters",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			sess, cfg, err := sf.openSession(c)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open session: %v", err), 1)
			}

			bridge, err := df.openBridge()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open data source: %v", err), 1)
			}
			defer func() { _ = bridge.Close() }()

			batches, err := df.fetch(ctx, bridge, cfg.BatchSize, int(numBatches))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: fetch batches: %v", err), 1)
			}

			row := 0
			for _, batch := range batches {
				scores, err := sess.Score(batch)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: score: %v", err), 1)
				}
				for _, s := range scores {
					fmt.Printf("[%d] %.6f\n", row, s)
					row++
				}
			}
			return nil
		},
	}
}
