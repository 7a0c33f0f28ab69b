package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session state and dependency health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.app
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "api:       %s\n", a.Config.API.BaseURL)
			fmt.Fprintf(out, "auth:      %s\n", a.Broadcast.Endpoint())
			fmt.Fprintf(out, "realtime:  %s\n", a.RealtimeConfig().URL())
			fmt.Fprintf(out, "store:     %s\n", a.Config.Credentials.Backend)

			session := a.Session.Current()
			if session.IsAuthenticated() {
				fmt.Fprintf(out, "session:   %s (%s)\n", session.User.Email, session.User.Role.Name)
				if exp, ok := a.Session.ExpiresAt(); ok {
					fmt.Fprintf(out, "expires:   %s\n", exp.Format(time.RFC3339))
				}
			} else {
				fmt.Fprintln(out, "session:   none")
			}

			health := a.Health().CheckAll(cmd.Context())
			names := make([]string, 0, len(health.Checks))
			for name := range health.Checks {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Fprintf(out, "health:    %s\n", health.Status)
			for _, name := range names {
				fmt.Fprintf(out, "  %-16s %s\n", name, health.Checks[name])
			}
			if health.Status != "healthy" {
				return fmt.Errorf("unhealthy: %d of %d checks failing", failing(health.Checks), len(health.Checks))
			}
			return nil
		},
	}
}

func failing(checks map[string]string) int {
	n := 0
	for _, result := range checks {
		if result != "healthy" {
			n++
		}
	}
	return n
}
