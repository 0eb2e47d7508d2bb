package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atlasgurus/badgestone/engine"
)

func consumeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Evaluate bus messages from stdin and award badges",
		Long: "Reads JSON-lines messages from stdin, evaluates every badge rule " +
			"against each message, and records the resulting assertions. " +
			"Rules are hot-reloaded while running.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			consumer := engine.NewConsumer(a.repo, a.tahrir, a.cfg.DatagrepperURL,
				a.cfg.ConsumeDelayDuration(), a.appctx)
			reload := engine.NewPeriodic(func(ctx context.Context) error {
				_, err := a.repo.LoadAll(ctx, a.tahrir, false)
				return err
			}, a.cfg.ReloadInterval(), a.cfg.ReloadAtStartup, a.appctx)

			reload.Start(ctx)
			defer reload.Stop()

			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return consumer.Run(ctx, engine.NewReaderSource(os.Stdin))
			})
			return group.Wait()
		},
	}
}
