package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/safesurf/internal/backend"
	"github.com/xkilldash9x/safesurf/internal/session"
)

func newAuthCmd(a *app) *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the SafeSurf account used for checks",
	}

	var email, password, otp string
	// Unset flags fall back to auth.email / auth.password from the config.
	creds := func() (string, string) {
		e, p := email, password
		if e == "" {
			e = a.cfg.Auth().Email
		}
		if p == "" {
			p = a.cfg.Auth().Password
		}
		return e, p
	}
	newClient := func() *backend.AuthClient {
		return backend.NewAuthClient(backend.NewClient(a.cfg.Backend(), a.logger), session.NewMemoryStore())
	}
	requireFlags := func(pairs ...string) error {
		for i := 0; i < len(pairs); i += 2 {
			if pairs[i+1] == "" {
				return fmt.Errorf("--%s is required", pairs[i])
			}
		}
		return nil
	}

	sendOTP := &cobra.Command{
		Use:   "send-otp",
		Short: "Mail a one time code to the account's address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, _ := creds()
			if err := requireFlags("email", e); err != nil {
				return err
			}
			msg, err := newClient().SendOTP(cmd.Context(), e)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}

	verifyOTP := &cobra.Command{
		Use:   "verify-otp",
		Short: "Verify a one time code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, _ := creds()
			if err := requireFlags("email", e, "otp", otp); err != nil {
				return err
			}
			msg, err := newClient().VerifyOTP(cmd.Context(), e, otp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}

	register := &cobra.Command{
		Use:   "register",
		Short: "Create an account with a verified one time code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, p := creds()
			if err := requireFlags("email", e, "password", p, "otp", otp); err != nil {
				return err
			}
			msg, err := newClient().Register(cmd.Context(), e, p, otp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}

	login := &cobra.Command{
		Use:   "login",
		Short: "Log in and print a token for auth.token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, p := creds()
			if err := requireFlags("email", e, "password", p); err != nil {
				return err
			}
			s, err := newClient().Login(cmd.Context(), e, p)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Logged in as %s\n", s.Identity)
			fmt.Fprintf(out, "Token: %s\n", s.Token)
			fmt.Fprintln(out, "Set SAFESURF_AUTH_TOKEN and SAFESURF_AUTH_EMAIL to reuse this session.")
			return nil
		},
	}

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Revoke the configured auth.token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg.Auth()
			if cfg.Token == "" {
				return errors.New("nothing to log out: auth.token is not configured")
			}
			store := session.NewMemoryStore()
			if err := store.Save(cmd.Context(), session.Session{Token: cfg.Token, Identity: cfg.Email}); err != nil {
				return err
			}
			auth := backend.NewAuthClient(backend.NewClient(a.cfg.Backend(), a.logger), store)
			if err := auth.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}

	for _, c := range []*cobra.Command{sendOTP, verifyOTP, register, login} {
		c.Flags().StringVar(&email, "email", "", "account email (default auth.email)")
	}
	for _, c := range []*cobra.Command{register, login} {
		c.Flags().StringVar(&password, "password", "", "account password (default auth.password)")
	}
	for _, c := range []*cobra.Command{verifyOTP, register} {
		c.Flags().StringVar(&otp, "otp", "", "one time code from the email")
	}

	authCmd.AddCommand(sendOTP, verifyOTP, register, login, logoutCmd)
	return authCmd
}
