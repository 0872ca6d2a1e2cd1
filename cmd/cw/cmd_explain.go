package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/clockwork/pkg/controller"
	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/timestamp"
)

func newExplainCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "explain <scenario.toml>",
		Short: "Explain the timestamp a query would read at",
		Long: `Build collections and frontiers from a TOML scenario, determine the
query's timestamp, and print the EXPLAIN TIMESTAMP report.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := loadScenario(args[0])
			if err != nil {
				return err
			}
			x, err := a.explain(cmd.Context(), sc)
			if err != nil {
				return err
			}
			if jsonOut {
				return a.printJSON(x)
			}
			fmt.Fprint(a.out, x.String())
			if x.RespondImmediately {
				color.New(color.FgGreen).Fprintln(a.out, "responds immediately")
			} else {
				color.New(color.FgYellow).Fprintln(a.out, "waits for the upper to pass the query timestamp")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "JSON output")
	return cmd
}

// explain runs sc against an in-memory controller.
func (a *app) explain(ctx context.Context, sc scenario) (timestamp.TimestampExplanation, error) {
	var x timestamp.TimestampExplanation
	if ctx == nil {
		ctx = context.Background()
	}
	when, err := sc.when()
	if err != nil {
		return x, err
	}
	iso, err := sc.isolation()
	if err != nil {
		return x, err
	}
	wall, err := sc.wallTime()
	if err != nil {
		return x, err
	}
	tlc := sc.timelineContext()

	s := newSim(a.cfg.Shards, controller.Config{FrontierInterval: a.cfg.FrontierInterval}, a.log)
	defer s.Close()

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.Run(gctx) })

	bundle, installErr := sc.install(ctx, s)
	cancel()
	if err := g.Wait(); err != nil {
		return x, err
	}
	if installErr != nil {
		return x, installErr
	}

	fetcher, err := timestamp.NewOracleFetcher(sc.oracles(), a.cfg.OraclePoolSize, a.log)
	if err != nil {
		return x, err
	}
	defer fetcher.Close()
	res := <-fetcher.Fetch(ctx, iso, when, tlc)
	if res.Err != nil {
		return x, res.Err
	}

	engine := timestamp.NewEngine(
		timestamp.WithLogger(a.log),
		timestamp.WithShadowDetermination(a.cfg.ShadowDetermination),
	)
	return safeExplain(engine, s.ctrl.Snapshot(), timestamp.Request{
		Session:           sc.session(),
		Bundle:            bundle,
		When:              when,
		Instance:          model.ComputeInstanceID(sc.Instance),
		Timeline:          tlc,
		OracleReadTS:      res.TS,
		RealTimeRecencyTS: tsPtr(sc.RealTimeRecencyTS),
		Isolation:         iso,
	}, wall)
}

// safeExplain turns the engine's caller-contract panics, which a scenario
// file can trigger, into errors.
func safeExplain(e *timestamp.Engine, p timestamp.Provider, req timestamp.Request, wall time.Time) (x timestamp.TimestampExplanation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("invalid scenario: %v", r)
		}
	}()
	return e.Explain(p, req, wall)
}
