package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func awardCmd(configPath *string) *cobra.Command {
	var evidenceURL string
	cmd := &cobra.Command{
		Use:   "award <badge-id> <username>...",
		Short: "Manually award a badge to one or more accounts",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			badgeID := args[0]
			for _, user := range args[1:] {
				exists, err := a.fas.UserExists(ctx, user)
				if err != nil {
					return err
				}
				if !exists {
					a.appctx.Log.Warn("no such account, skipping",
						zap.String("user", user))
					continue
				}

				email := fmt.Sprintf("%s@%s", user, a.cfg.PrimaryDomain)
				already, err := a.tahrir.AssertionExists(ctx, badgeID, email)
				if err != nil {
					return err
				}
				if already {
					a.appctx.Log.Info("already awarded",
						zap.String("badge_id", badgeID), zap.String("user", user))
					continue
				}
				if err := a.tahrir.AddPerson(ctx, email); err != nil {
					return err
				}
				if err := a.tahrir.AddAssertion(ctx, badgeID, email, evidenceURL); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&evidenceURL, "evidence-url", "",
		"evidence link recorded on the assertion")
	return cmd
}
