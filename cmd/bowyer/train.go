package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-bowyer/internal/monitoring"
)

func trainCmd() *cli.Command {
	var (
		sf sessionFlags
		df dataFlags

		steps       int64
		saveEvery   int64
		monitorAddr string
	)

	flags := append(sf.flags(), df.flags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "training steps (one batch each)",
			Value:       10,
			Destination: &steps,
		},
		&cli.Int64Flag{
			Name:        "save-every",
			Usage:       "checkpoint every n steps (0 = only at the end)",
			Destination: &saveEvery,
		},
		&cli.StringFlag{
			Name:        "monitor-addr",
			Usage:       "serve /health, /status and /metrics on this address",
			Destination: &monitorAddr,
		},
	)

	return &cli.Command{
		Name:  "train",
		Usage: "Run training steps against a dataset",
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

			batches, err := df.fetch(ctx, bridge, cfg.BatchSize, int(steps))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: fetch batches: %v", err), 1)
			}

			var monitor *monitoring.HealthMonitor
			if monitorAddr != "" {
				monitor = monitoring.NewHealthMonitor()
				go func() {
					if err := monitor.Start(monitorAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
						fmt.Fprintf(os.Stderr, "warning: health monitor: %v\n", err)
					}
				}()
				defer func() {
					shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = monitor.Stop(shutCtx)
				}()
			}

			start := time.Now()
			var last float64
			for i, batch := range batches {
				summary, err := sess.TrainStep(batch)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: step %d: %v", i+1, err), 1)
				}
				last = summary.Loss
				if monitor != nil {
					monitor.RecordTrainStep(summary.Step, summary.Loss)
				}
				fmt.Printf("step %d loss %.4f (%d examples)\n", summary.Step, summary.Loss, summary.Examples)

				if saveEvery > 0 && summary.Step%uint64(saveEvery) == 0 {
					path, err := sess.SaveCheckpoint()
					if err != nil {
						return cli.Exit(fmt.Sprintf("error: save checkpoint: %v", err), 1)
					}
					fmt.Printf("saved %s\n", path)
				}
			}

			if cfg.OutputDir != "" {
				path, err := sess.SaveCheckpoint()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: save checkpoint: %v", err), 1)
				}
				fmt.Printf("saved %s\n", path)
			}

			fmt.Printf("run %s: %d steps in %s, final loss %.4f\n",
				sess.RunID(), len(batches), time.Since(start).Round(time.Millisecond), last)
			return nil
		},
	}
}
