package main

import (
	"fmt"
	"os"
	"time"

	"ticketdesk/internal/core/domain"
	"ticketdesk/pkg/utils"

	"github.com/spf13/cobra"
)

func loginCmd(c *cli) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("TICKETDESK_PASSWORD")
			}
			err := c.app.Session.Login(cmd.Context(), domain.Credentials{Email: email, Password: password})
			if err != nil {
				return err
			}
			user := c.app.Session.Current().User
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", user.Name, user.Role.Name)

			route, err := c.app.Router.Push(cmd.Context(), domain.Location{Name: domain.RouteDashboard})
			if err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Now at %s\n", route.Path)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (default $TICKETDESK_PASSWORD)")
	cmd.MarkFlagRequired("email")
	return cmd
}

func logoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.app.Session.Logout(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func whoamiCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireSession(); err != nil {
				return err
			}
			session := c.app.Session.Current()
			fmt.Fprintf(cmd.OutOrStdout(), "%s <%s>\nrole: %s\nid: %s\n", session.User.Name, session.User.Email, session.User.Role.Name, session.User.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "token: %s\n", utils.MaskSensitive(session.Token, 8))
			if exp, ok := c.app.Session.ExpiresAt(); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "expires: %s (in %s)\n", exp.Format(time.RFC3339), utils.FormatDuration(time.Until(exp)))
			}
			return nil
		},
	}
}

func openCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "open <path>",
		Short: "Navigate to a route, applying the login guard",
		Example: `  desk open /tickets
  desk open /tickets/4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			route, err := c.app.Router.Push(cmd.Context(), domain.Location{Path: args[0]})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[0], route.Path)
			fmt.Fprintf(cmd.OutOrStdout(), "route: %s\n", route.Name)
			for k, v := range route.Params {
				fmt.Fprintf(cmd.OutOrStdout(), "param %s=%s\n", k, v)
			}
			if route.Name == domain.RouteLogin {
				fmt.Fprintln(cmd.ErrOrStderr(), "login required")
			}
			return nil
		},
	}
}
