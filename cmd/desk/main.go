// Command desk is the ticketdesk client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ticketdesk/internal/app"
	"ticketdesk/internal/core/domain"
	"ticketdesk/pkg/config"
	"ticketdesk/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type cli struct {
	configPath string
	logLevel   string
	ephemeral  bool

	zap *zap.Logger
	app *app.App
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	c := &cli{}
	err := newRootCmd(c).ExecuteContext(ctx)
	if closeErr := c.close(); closeErr != nil && err == nil {
		fmt.Fprintln(os.Stderr, "desk:", closeErr)
		err = closeErr
	}
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:          "desk",
		Short:        "Help desk client",
		Long:         "Log in to the help desk backend, browse tickets and follow realtime updates.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open(cmd.Context())
		},
	}
	root.SetErrPrefix("desk:")

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", os.Getenv("TICKETDESK_CONFIG"), "path to the YAML config file")
	flags.StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&c.ephemeral, "ephemeral", false, "keep the session in memory only")

	root.AddCommand(
		loginCmd(c),
		logoutCmd(c),
		whoamiCmd(c),
		openCmd(c),
		ticketsCmd(c),
		statsCmd(c),
		listenCmd(c),
		statusCmd(c),
	)

	return root
}

func (c *cli) open(ctx context.Context) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	} else if os.Getenv("TICKETDESK_LOG_LEVEL") == "" {
		cfg.Logging.Level = "warn"
	}

	c.zap = logger.New(cfg.Logging.Level, cfg.Logging.Format)
	a, err := app.New(cfg, c.zap.Sugar(), app.Options{Ephemeral: c.ephemeral})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		a.Close(ctx)
		return err
	}
	c.app = a
	return nil
}

func (c *cli) close() error {
	var err error
	if c.app != nil {
		err = c.app.Close(context.Background())
		c.app = nil
	}
	if c.zap != nil {
		c.zap.Sync()
		c.zap = nil
	}
	return err
}

func (c *cli) requireSession() error {
	if !c.app.Session.IsAuthenticated() {
		return fmt.Errorf("%w: run 'desk login' first", domain.ErrNotAuthenticated)
	}
	return nil
}

// explain turns a logout caused by a 401 into a hint for the user.
func (c *cli) explain(err error) error {
	if err != nil && !c.app.Session.IsAuthenticated() && !errors.Is(err, domain.ErrNotAuthenticated) {
		return fmt.Errorf("%w (session ended, log in again)", err)
	}
	return err
}
