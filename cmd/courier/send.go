package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opencourier/courier/pkg/budget"
	"github.com/opencourier/courier/pkg/models"
	"github.com/opencourier/courier/pkg/relay"
)

func newSendCmd(configPath *string) *cobra.Command {
	var req relay.SendRequest

	cmd := &cobra.Command{
		Use:   "send [body...]",
		Short: "Send one message and bill it",
		Long: "Send one message and bill it. The message is left queued; " +
			"a running serve moves it to sent and delivered.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Body = strings.Join(args, " ")

			return runOneShot(*configPath, func(ctx context.Context, a *app) error {
				res, err := a.svc.Send(ctx, req)
				var exceeded *budget.ExceededError
				if errors.As(err, &exceeded) {
					return fmt.Errorf("budget exceeded: $%s spent of $%s", exceeded.CurrentSpend, exceeded.Limit)
				}
				var failed *relay.SendFailedError
				if errors.As(err, &failed) {
					return fmt.Errorf("send %s failed, not charged: %w", failed.MessageID, failed.Err)
				}
				if err != nil {
					return err
				}

				fmt.Printf("Message %s %s\n", res.Message.ID, res.Message.Status)
				fmt.Printf("Charged $%s, total $%s (%s of budget)\n",
					res.Billing.Cost, res.Billing.TotalSpend, res.Billing.BudgetPercent.Shift(2).StringFixed(2)+"%")
				for _, al := range res.Billing.Alerts {
					fmt.Printf("Alert: %s, %d%% of budget reached\n", al.Type, al.Threshold)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.Channel, "channel", "email", "channel: email or slack")
	cmd.Flags().StringVar(&req.Recipient, "to", "", "recipient address")
	cmd.Flags().StringVar(&req.Subject, "subject", "", "email subject")
	return cmd
}

func newInboxCmd(configPath *string) *cobra.Command {
	var q models.InboxQuery

	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List inbound messages (billed as an inbox pull)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(*configPath, func(ctx context.Context, a *app) error {
				page, err := a.svc.PullInbox(ctx, q)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tRECEIVED\tFROM\tSTATUS\tBODY")
				for _, m := range page.Messages {
					status := string(m.Status)
					if m.Status == models.StatusDelivered {
						status = "unread"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						m.ID, m.CreatedAt.Local().Format("2006-01-02T15:04:05"), m.Sender, status, truncate(m.Body, 50))
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Printf("\n%d of %d shown; %d unread, %d read, %d archived; pull cost $%s\n",
					len(page.Messages), page.Total, page.Counts.Unread, page.Counts.Read, page.Counts.Archived, page.PullCost)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.Status, "status", "all", "all, unread, read or archived")
	cmd.Flags().StringVar(&q.Channel, "channel", "all", "all, email or slack")
	cmd.Flags().IntVar(&q.Limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "page offset")

	var sender string
	simulateCmd := &cobra.Command{
		Use:   "simulate [body...]",
		Short: "Store a fake inbound email",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(*configPath, func(ctx context.Context, a *app) error {
				m, err := a.svc.SimulateInbound(ctx, sender, strings.Join(args, " "))
				if err != nil {
					return err
				}
				fmt.Printf("Inbound %s from %s\n", m.ID, m.Sender)
				return nil
			})
		},
	}
	simulateCmd.Flags().StringVar(&sender, "from", "", "sender address (random if empty)")

	markCmd := &cobra.Command{
		Use:   "mark <id> <read|archived>",
		Short: "Mark an inbound message read or archived",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(*configPath, func(ctx context.Context, a *app) error {
				m, err := a.svc.UpdateInboxStatus(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Printf("Message %s %s\n", m.ID, m.Status)
				return nil
			})
		},
	}

	cmd.AddCommand(simulateCmd, markCmd)
	return cmd
}

func newResetCmd(configPath *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all usage and messages and restore the default budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset deletes all usage and messages; pass --yes to confirm")
			}
			return runOneShot(*configPath, func(ctx context.Context, a *app) error {
				if err := a.svc.Reset(ctx); err != nil {
					return err
				}
				fmt.Println("Reset complete.")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
