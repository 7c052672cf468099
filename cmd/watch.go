package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/safesurf/internal/backend"
	"github.com/xkilldash9x/safesurf/internal/host"
	"github.com/xkilldash9x/safesurf/internal/messaging"
	"github.com/xkilldash9x/safesurf/internal/session"
	"github.com/xkilldash9x/safesurf/internal/watcher"
)

func newWatchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Check every page opened in the browser and show the verdict on the page",
		Long: `watch launches Chromium (or attaches to one with --remote-url) and checks every
http and https page that finishes loading. It runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWatch(cmd.Context())
		},
	}
	cmd.Flags().Bool("headless", false, "run the launched browser without a window")
	cmd.Flags().String("remote-url", "", "attach to a running browser's DevTools endpoint instead of launching one")
	return cmd
}

func (a *app) runWatch(ctx context.Context) error {
	logger := a.logger

	// The session lives exactly as long as this run.
	store := session.NewMemoryStore()
	client := backend.NewClient(a.cfg.Backend(), logger)
	auth := backend.NewAuthClient(client, store)

	loggedIn, err := establishSession(ctx, a.cfg.Auth(), auth, store)
	if err != nil {
		return err
	}
	if loggedIn {
		defer logout(ctx, auth, logger)
	}
	if s, _ := store.Load(ctx); !s.Authenticated() {
		logger.Warn("No credentials configured; pages will not be checked. Set auth.email and auth.password or auth.token.")
	}

	router := messaging.NewRouter(logger, a.cfg.Messaging().MailboxSize)
	defer router.Shutdown()

	var opts []watcher.Option
	if dbURL := a.cfg.Database().URL; dbURL != "" {
		j, closeJournal, err := a.openJournal(ctx, dbURL, logger)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer closeJournal()
		opts = append(opts, watcher.WithRecorder(j))
	}

	w, err := watcher.New(store, backend.NewThreatClient(client), router, a.cfg.Watcher().SkipPatterns, logger, opts...)
	if err != nil {
		return err
	}

	browser := host.New(a.cfg.Browser(), a.cfg.Narration(), router, logger)
	if err := browser.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := browser.Close(); err != nil {
			logger.Warn("Browser shutdown reported an error", zap.Error(err))
		}
	}()

	logger.Info("Watching navigations, press Ctrl+C to stop")
	w.Run(ctx, browser.Navigations())
	logger.Info("Stopping")
	return nil
}
