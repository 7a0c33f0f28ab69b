package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"ticketdesk/internal/infrastructure/httpclient"

	"github.com/spf13/cobra"
)

func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), buf.String())
	return nil
}

func ticketsCmd(c *cli) *cobra.Command {
	var q httpclient.TicketQuery

	cmd := &cobra.Command{
		Use:   "tickets [id]",
		Short: "List tickets, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireSession(); err != nil {
				return err
			}
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return err
				}
				raw, err := c.app.Desk.Ticket(cmd.Context(), id)
				if err != nil {
					return c.explain(err)
				}
				return printJSON(cmd, raw)
			}

			raw, err := c.app.Desk.Tickets(cmd.Context(), q)
			if err != nil {
				return c.explain(err)
			}
			return printJSON(cmd, raw)
		},
	}
	cmd.Flags().IntVar(&q.Page, "page", 0, "page number")
	cmd.Flags().StringVar(&q.Status, "status", "", "filter by status")
	cmd.Flags().StringVar(&q.Priority, "priority", "", "filter by priority")
	cmd.Flags().StringVar(&q.Search, "search", "", "search title and description")

	cmd.AddCommand(transitionCmd(c, "resolve", c.resolve), transitionCmd(c, "close", c.closeTicket))
	return cmd
}

func (c *cli) resolve(cmd *cobra.Command, id int64) error {
	return c.app.Desk.ResolveTicket(cmd.Context(), id)
}

func (c *cli) closeTicket(cmd *cobra.Command, id int64) error {
	return c.app.Desk.CloseTicket(cmd.Context(), id)
}

func transitionCmd(c *cli, verb string, do func(*cobra.Command, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: "Mark a ticket " + verb + "d",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireSession(); err != nil {
				return err
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return err
			}
			if err := do(cmd, id); err != nil {
				return c.explain(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ticket %d %sd\n", id, verb)
			return nil
		},
	}
}

func statsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dashboard statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireSession(); err != nil {
				return err
			}
			raw, err := c.app.Desk.DashboardStats(cmd.Context())
			if err != nil {
				return c.explain(err)
			}
			return printJSON(cmd, raw)
		},
	}
}
