package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/opencourier/courier/pkg/models"
)

func newBudgetCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show or change the budget",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show spend against the budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(*configPath, func(ctx context.Context, a *app) error {
				st, err := a.svc.BudgetStatus(ctx)
				if err != nil {
					return err
				}
				return printBudgetStatus(st)
			})
		},
	}

	var (
		limit    string
		period   string
		alert75  bool
		alert90  bool
		hardStop bool
	)
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Change budget settings; unset flags are left as they are",
		RunE: func(cmd *cobra.Command, args []string) error {
			var u models.BudgetUpdate
			flags := cmd.Flags()
			if flags.Changed("limit") {
				d, err := decimal.NewFromString(limit)
				if err != nil {
					return fmt.Errorf("--limit %q is not a number", limit)
				}
				u.LimitAmount = &d
			}
			if flags.Changed("period") {
				p := models.BudgetPeriod(period)
				u.Period = &p
			}
			if flags.Changed("alert-75") {
				u.AlertAt75 = &alert75
			}
			if flags.Changed("alert-90") {
				u.AlertAt90 = &alert90
			}
			if flags.Changed("hard-stop") {
				u.HardStopAt100 = &hardStop
			}

			return runOneShot(*configPath, func(ctx context.Context, a *app) error {
				st, err := a.svc.UpdateBudget(ctx, u)
				if err != nil {
					return err
				}
				return printBudgetStatus(st)
			})
		},
	}
	setCmd.Flags().StringVar(&limit, "limit", "", "spending limit in dollars")
	setCmd.Flags().StringVar(&period, "period", "", "budget period: daily, weekly or monthly")
	setCmd.Flags().BoolVar(&alert75, "alert-75", true, "warn at 75% of the limit")
	setCmd.Flags().BoolVar(&alert90, "alert-90", true, "warn at 90% of the limit")
	setCmd.Flags().BoolVar(&hardStop, "hard-stop", false, "refuse sends that would pass the limit")

	cmd.AddCommand(statusCmd, setCmd)
	return cmd
}

func printBudgetStatus(st models.BudgetStatus) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LIMIT\tPERIOD\tSINCE\tSPENT\tREMAINING\tUSED\tHARD STOP")
	fmt.Fprintf(w, "$%s\t%s\t%s\t$%s\t$%s\t%s%%\t%t\n",
		st.Budget.LimitAmount, st.Budget.Period, st.PeriodStart.Format("2006-01-02"),
		st.Consumed, st.Remaining, st.Percent, st.Budget.HardStopAt100)
	if err := w.Flush(); err != nil {
		return err
	}
	if len(st.Alerts) > 0 {
		levels := make([]string, 0, len(st.Alerts))
		for _, a := range st.Alerts {
			levels = append(levels, fmt.Sprintf("%s (%d%%)", a.Type, a.Threshold))
		}
		fmt.Println("Alerts:", strings.Join(levels, ", "))
	}
	return nil
}
