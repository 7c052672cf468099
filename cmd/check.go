package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/safesurf/internal/backend"
	"github.com/xkilldash9x/safesurf/internal/journal"
	"github.com/xkilldash9x/safesurf/internal/protocol"
	"github.com/xkilldash9x/safesurf/internal/session"
)

var errNotAuthenticated = errors.New("not authenticated: set auth.token and auth.email, or auth.email and auth.password")

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check <url>",
		Short: "Check a single URL and print the verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCheck(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func (a *app) runCheck(ctx context.Context, out io.Writer, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (!strings.EqualFold(u.Scheme, "http") && !strings.EqualFold(u.Scheme, "https")) {
		return fmt.Errorf("only http and https URLs can be checked, got %q", rawURL)
	}

	store := session.NewMemoryStore()
	client := backend.NewClient(a.cfg.Backend(), a.logger)
	auth := backend.NewAuthClient(client, store)

	loggedIn, err := establishSession(ctx, a.cfg.Auth(), auth, store)
	if err != nil {
		return err
	}
	if loggedIn {
		defer logout(ctx, auth, a.logger)
	}
	s, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if !s.Authenticated() {
		return errNotAuthenticated
	}

	verdict, checkErr := backend.NewThreatClient(client).Check(ctx, rawURL, s)
	if checkErr != nil {
		verdict = protocol.ErrorVerdict(checkErr.Error())
	}
	if err := printVerdict(out, rawURL, verdict); err != nil {
		return err
	}
	a.recordCheck(ctx, journal.NewEntry(0, rawURL, s.Identity, verdict, checkErr != nil))
	return checkErr
}

// recordCheck journals one-shot checks too when a database is configured.
func (a *app) recordCheck(ctx context.Context, e journal.Entry) {
	dbURL := a.cfg.Database().URL
	if dbURL == "" {
		return
	}
	j, closeJournal, err := a.openJournal(ctx, dbURL, a.logger)
	if err != nil {
		a.logger.Warn("Journal unavailable", zap.Error(err))
		return
	}
	defer closeJournal()
	if err := j.Record(ctx, e); err != nil {
		a.logger.Warn("Failed to journal verdict", zap.Error(err))
	}
}
