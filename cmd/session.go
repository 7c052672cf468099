package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/safesurf/internal/backend"
	"github.com/xkilldash9x/safesurf/internal/config"
	"github.com/xkilldash9x/safesurf/internal/protocol"
	"github.com/xkilldash9x/safesurf/internal/session"
)

const logoutTimeout = 5 * time.Second

// establishSession fills store from the configured credentials. A configured
// token is used as is; email and password trigger a login. It reports whether
// a login happened so the caller can log out again.
func establishSession(ctx context.Context, cfg config.AuthConfig, auth *backend.AuthClient, store session.Store) (bool, error) {
	switch {
	case cfg.Token != "":
		if err := store.Save(ctx, session.Session{Token: cfg.Token, Identity: cfg.Email}); err != nil {
			return false, fmt.Errorf("saving session: %w", err)
		}
		return false, nil
	case cfg.Email != "" && cfg.Password != "":
		if _, err := auth.Login(ctx, cfg.Email, cfg.Password); err != nil {
			return false, fmt.Errorf("login failed: %w", err)
		}
		return true, nil
	default:
		return false, nil
	}
}

// logout runs after the command's context may already be cancelled.
func logout(ctx context.Context, auth *backend.AuthClient, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
	defer cancel()
	if err := auth.Logout(ctx); err != nil {
		logger.Warn("Logout failed", zap.Error(err))
	}
}

func printVerdict(w io.Writer, url string, v protocol.Verdict) error {
	redirected := "No"
	if v.Redirect.IsSuspicious {
		redirected = "Yes"
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "URL:\t%s\n", url)
	fmt.Fprintf(tw, "Result:\t%s\n", v.Classification.Label)
	fmt.Fprintf(tw, "Reason:\t%s\n", v.Classification.Reason)
	fmt.Fprintf(tw, "Final URL:\t%s\n", v.Redirect.FinalURL)
	fmt.Fprintf(tw, "Redirected:\t%s\n", redirected)
	fmt.Fprintf(tw, "Redirect reason:\t%s\n", v.Redirect.Reason)
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%s\n", protocol.NarrationText(v))
	return err
}
