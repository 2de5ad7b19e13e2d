package main

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-bowyer/internal/eval"
)

func evalCmd() *cli.Command {
	var (
		sf sessionFlags
		df dataFlags

		numBatches int64
		metricList string
	)

	flags := append(sf.flags(), df.flags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "num-batches",
			Aliases:     []string{"n"},
			Usage:       "number of batches to evaluate",
			Value:       1,
			Destination: &numBatches,
		},
		&cli.StringFlag{
			Name:        "metrics",
			Usage:       "comma-separated metric names (default: all builtins)",
			Destination: &metricList,
		},
	)

	return &cli.Command{
		Name:  "eval",
		Usage: "Evaluate predictions against dataset targets",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			metricFns, err := selectMetrics(metricList)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

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

			// Metrics are averaged over batches; every batch holds the same
			// number of examples so a plain mean is exact.
			totals := map[string]float64{}
			for _, batch := range batches {
				results, err := sess.Evaluate(batch, nil, metricFns)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: evaluate: %v", err), 1)
				}
				for name, value := range results {
					totals[name] += value
				}
			}
			for name := range totals {
				totals[name] /= float64(len(batches))
			}

			out, err := json.MarshalIndent(totals, "", "  ")
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: encode results: %v", err), 1)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

// selectMetrics resolves --metrics names against the builtin set. An empty
// list means the session default (all builtins).
func selectMetrics(names string) ([]eval.Metric, error) {
	if names == "" {
		return nil, nil
	}
	builtin := eval.Builtin()
	var out []eval.Metric
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		found := false
		for _, m := range builtin {
			if m.Name == name {
				out = append(out, m)
				found = true
				break
			}
		}
		if !found {
			known := make([]string, len(builtin))
			for i, m := range builtin {
				known[i] = m.Name
			}
			return nil, fmt.Errorf("unknown metric %q (builtins: %s)", name, strings.Join(known, ", "))
		}
	}
	return out, nil
}
