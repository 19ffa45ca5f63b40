package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/librarysingkat/circulation/internal/domain/library"
)

var timeNow = time.Now

// login --email <email> [--password <password>]: sign in and store the session.
func loginCmd(env *Env) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in as a staff member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("LIBRARIAN_PASSWORD")
			}
			form := library.LoginForm{Email: email, Password: password}
			if !form.CanSubmit() {
				return errors.New("email and password are required (--password or LIBRARIAN_PASSWORD)")
			}

			m, err := env.sessionManager()
			if err != nil {
				return err
			}
			session, err := m.SignIn(cmd.Context(), form.TrimmedEmail(), form.Password)
			if err != nil {
				return err
			}
			if session.User != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s\n", session.User.Email)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "signed in")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "staff email")
	cmd.Flags().StringVar(&password, "password", "", "staff password (default $LIBRARIAN_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func logoutCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := env.sessionManager()
			if err != nil {
				return err
			}
			if err := m.SignOut(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func whoamiCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in staff member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := env.sessionManager()
			if err != nil {
				return err
			}
			session := m.Current()
			if session == nil || session.User == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "not signed in")
				return nil
			}
			if env.jsonOutput {
				return printJSON(cmd.OutOrStdout(), session.User)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s), session expires %s\n",
				session.User.Email, session.User.ID, session.Expiry().Local().Format(time.RFC3339))
			return nil
		},
	}
}

// session watch: print auth state changes and keep the token fresh until interrupted.
func sessionCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect the staff session",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Keep the session refreshed and print auth state changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := env.sessionManager()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			events, unsubscribe := m.Subscribe()
			defer unsubscribe()

			done := make(chan error, 1)
			go func() { done <- m.Run(ctx) }()

			for {
				select {
				case change := <-events:
					user := "-"
					if change.Session != nil && change.Session.User != nil {
						user = change.Session.User.Email
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", timeNow().Format(time.RFC3339), change.Event, user)
				case err := <-done:
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
			}
		},
	})
	return cmd
}
