package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"ticketdesk/internal/core/domain"
	"ticketdesk/internal/infrastructure/realtime"
	"ticketdesk/pkg/utils"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func listenCmd(c *cli) *cobra.Command {
	var (
		metricsAddr string
		maxWidth    int
	)

	cmd := &cobra.Command{
		Use:   "listen <channel>...",
		Short: "Subscribe to realtime channels and print their events",
		Long: "Subscribe to realtime channels and print every event until interrupted.\n" +
			"Private and presence channels are authorized with the current session.\n" +
			"The command stops when the session ends.",
		Example: `  desk listen private-tickets.3
  desk listen presence-desk announcements --metrics-addr :9102`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireSession(); err != nil {
				return err
			}
			return c.listen(cmd, args, metricsAddr, maxWidth)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().IntVar(&maxWidth, "max-width", 0, "truncate event payloads to this many characters (0 prints them whole)")
	return cmd
}

func (c *cli) listen(cmd *cobra.Command, channels []string, metricsAddr string, maxWidth int) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a := c.app
	out := cmd.OutOrStdout()

	// Logout navigates to the login route; stop listening when that happens.
	a.Router.AfterEach(func(from, to domain.Route) {
		if to.Name == domain.RouteLogin {
			cancel()
		}
	})
	go a.Session.WatchExpiry(ctx, a.Config.Session.ExpiryCheckInterval)

	if metricsAddr == "" {
		metricsAddr = a.Config.Monitoring.MetricsAddress
	}
	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Warnw("metrics server failed", "address", metricsAddr, "error", err)
			}
		}()
		defer srv.Close()
	}

	rt, err := a.Realtime()
	if err != nil {
		return err
	}
	rt.OnStateChange(func(from, to realtime.State) {
		fmt.Fprintf(cmd.ErrOrStderr(), "connection: %s -> %s\n", from, to)
	})

	for _, name := range channels {
		rt.Subscribe(name).
			OnSubscribed(func(json.RawMessage) {
				fmt.Fprintf(cmd.ErrOrStderr(), "subscribed to %s\n", name)
			}).
			OnError(func(err error) {
				fmt.Fprintf(cmd.ErrOrStderr(), "subscription to %s failed: %v\n", name, err)
			}).
			BindAll(func(event string, data json.RawMessage) {
				payload := string(data)
				if maxWidth > 0 {
					payload = utils.TruncateString(payload, maxWidth)
				}
				fmt.Fprintf(out, "%s %s %s %s\n", time.Now().Format(time.TimeOnly), name, event, payload)
			})
	}

	err = rt.Run(ctx)
	if !a.Session.IsAuthenticated() {
		return fmt.Errorf("%w: session ended", domain.ErrNotAuthenticated)
	}
	return err
}
