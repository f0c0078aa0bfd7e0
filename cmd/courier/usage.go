package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opencourier/courier/pkg/models"
	"github.com/opencourier/courier/pkg/rates"
)

func newUsageCmd(configPath *string) *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show spend for the current budget period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(*configPath, func(ctx context.Context, a *app) error {
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

				if history {
					days, err := a.svc.History(ctx)
					if err != nil {
						return err
					}
					if len(days) == 0 {
						fmt.Println("No usage in this period.")
						return nil
					}
					fmt.Fprintln(w, "DATE\tSPEND\tSENDS\tPULLS")
					for _, d := range days {
						fmt.Fprintf(w, "%s\t$%s\t%d\t%d\n", d.Date, d.Spend, d.Sends, d.Pulls)
					}
					return w.Flush()
				}

				u, err := a.svc.Usage(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Period %s to %s: $%s spent, %d sent, %d inbox pulls\n\n",
					u.PeriodStart.Format("2006-01-02"), u.PeriodEnd.Format("2006-01-02"),
					u.Spend.Total, u.Spend.MessagesSent, u.Spend.InboxPulls)
				fmt.Fprintln(w, "BUCKET\tCOUNT\tCOST")
				for _, key := range []string{models.BucketEmail, models.BucketSlack, models.BucketInboxPull} {
					cs := u.Spend.ByChannel[key]
					fmt.Fprintf(w, "%s\t%d\t$%s\n", key, cs.Count, cs.Cost)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "show per-day history instead of totals")
	return cmd
}

func newActivityCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show the most recent ledger events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(*configPath, func(ctx context.Context, a *app) error {
				act, err := a.svc.Activity(ctx, limit)
				if err != nil {
					return err
				}
				if len(act.Events) == 0 {
					fmt.Println("No activity yet.")
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tEVENT\tCHANNEL\tCOST\tDESCRIPTION")
				for _, ev := range act.Events {
					fmt.Fprintf(w, "%s\t%s\t%s\t$%s\t%s\n",
						ev.CreatedAt.Local().Format("2006-01-02T15:04:05"), ev.EventType, ev.Channel, ev.Cost, ev.Description)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Printf("\nToday: $%s\n", act.SessionTotal)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of events (default 50, max 200)")
	return cmd
}

func newRatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rates",
		Short: "Show the price of every billable action",
		RunE: func(cmd *cobra.Command, args []string) error {
			card := rates.Card()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACTION\tCOST")
			fmt.Fprintf(w, "email send\t$%s\n", card.EmailSend)
			fmt.Fprintf(w, "slack send\t$%s\n", card.SlackSend)
			fmt.Fprintf(w, "inbox pull\t$%s\n", card.InboxPull)
			fmt.Fprintf(w, "storage per day\t$%s\n", card.StoragePerDay)
			return w.Flush()
		},
	}
}
