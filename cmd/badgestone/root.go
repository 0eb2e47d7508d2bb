package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlasgurus/badgestone/condition"
	"github.com/atlasgurus/badgestone/config"
	"github.com/atlasgurus/badgestone/datanommer"
	"github.com/atlasgurus/badgestone/fasjson"
	"github.com/atlasgurus/badgestone/rules"
	"github.com/atlasgurus/badgestone/tahrir"
	"github.com/atlasgurus/badgestone/types"
)

func rootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "badgestone",
		Short:         "Event-driven badge awarding engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml",
		"path to the configuration file")
	cmd.AddCommand(consumeCmd(&configPath))
	cmd.AddCommand(awardCmd(&configPath))
	return cmd
}

// app bundles everything a subcommand needs after startup.
type app struct {
	cfg    *config.Config
	appctx *types.AppContext
	tahrir *tahrir.Database
	store  *datanommer.Store
	fas    *fasjson.Client
	repo   *rules.Repo
}

// setup connects to the stores, registers the issuer and loads the rules.
// Any failure here is fatal for the process.
func setup(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := cfg.BuildLogger()
	if err != nil {
		return nil, err
	}
	appctx := types.NewAppContext(log)

	db, err := tahrir.New(appctx, cfg.DatabaseURI, notifyStdout(log))
	if err != nil {
		return nil, err
	}
	store, err := datanommer.NewStore(appctx, cfg.DatanommerDBURI)
	if err != nil {
		db.Close()
		return nil, err
	}
	fas := fasjson.New(appctx, cfg.FasjsonBaseURL, cfg.HTTPTimeoutDuration())

	issuer := cfg.BadgeIssuer
	issuerID, err := db.AddIssuer(ctx, issuer.Origin, issuer.Name, issuer.URL, issuer.Email)
	if err != nil {
		db.Close()
		store.Close()
		return nil, err
	}

	deps := &rules.Deps{
		Factory:            condition.NewFactory(),
		History:            store,
		Directory:          fas,
		IDProviderHostname: cfg.IDProviderHostname,
		DistgitHostname:    cfg.DistgitHostname,
		PrimaryDomain:      cfg.PrimaryDomain,
		AppCtx:             appctx,
	}
	repo, err := rules.NewRepo(cfg.BadgesDirectory, issuerID, deps)
	if err != nil {
		db.Close()
		store.Close()
		return nil, err
	}
	if err := repo.Setup(ctx); err != nil {
		appctx.Log.Warn("could not mark rules directory safe", zap.Error(err))
	}
	if _, err := repo.LoadAll(ctx, db, true); err != nil {
		db.Close()
		store.Close()
		return nil, err
	}

	return &app{cfg: cfg, appctx: appctx, tahrir: db, store: store, fas: fas, repo: repo}, nil
}

func (a *app) close() {
	a.tahrir.Close()
	a.store.Close()
	_ = a.appctx.Log.Sync()
}

// notifyStdout publishes badge-awarded events as JSON lines on stdout, where
// the surrounding deployment forwards them to the bus.
func notifyStdout(log *zap.Logger) tahrir.NotificationCallback {
	return func(ctx context.Context, badgeID, email string) error {
		event := map[string]string{"badge_id": badgeID, "email": email}
		line, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(os.Stdout, string(line)); err != nil {
			return err
		}
		log.Debug("published badge-awarded event", zap.String("badge_id", badgeID))
		return nil
	}
}
