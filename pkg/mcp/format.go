package mcp

import (
	"fmt"
	"strings"

	"github.com/opencourier/courier/pkg/budget"
	"github.com/opencourier/courier/pkg/models"
	"github.com/opencourier/courier/pkg/relay"
)

const timeFormat = "2006-01-02 15:04:05"

func formatAlerts(alerts []models.Alert) string {
	if len(alerts) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(alerts))
	for _, a := range alerts {
		parts = append(parts, fmt.Sprintf("%s at %d%%", a.Type, a.Threshold))
	}
	return strings.Join(parts, ", ")
}

func formatBudgetStatus(st models.BudgetStatus) string {
	hardStop := "off"
	if st.Budget.HardStopAt100 {
		hardStop = "on"
	}
	return fmt.Sprintf("Budget\n"+
		"  Limit:      $%s %s\n"+
		"  Since:      %s\n"+
		"  Spent:      $%s (%s%%)\n"+
		"  Remaining:  $%s\n"+
		"  Hard stop:  %s\n"+
		"  Alerts:     %s\n",
		st.Budget.LimitAmount, st.Budget.Period,
		st.PeriodStart.Format(timeFormat),
		st.Consumed, st.Percent,
		st.Remaining,
		hardStop,
		formatAlerts(st.Alerts))
}

func formatUsage(u relay.Usage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Usage %s to %s\n", u.PeriodStart.Format("2006-01-02"), u.PeriodEnd.Format("2006-01-02"))
	fmt.Fprintf(&b, "  Total spend:   $%s\n", u.Spend.Total)
	fmt.Fprintf(&b, "  Messages sent: %d\n", u.Spend.MessagesSent)
	fmt.Fprintf(&b, "  Inbox pulls:   %d\n\n", u.Spend.InboxPulls)
	fmt.Fprintf(&b, "%-12s %8s %12s\n", "Bucket", "Count", "Cost")
	b.WriteString(strings.Repeat("-", 34) + "\n")
	for _, key := range []string{models.BucketEmail, models.BucketSlack, models.BucketInboxPull} {
		cs := u.Spend.ByChannel[key]
		fmt.Fprintf(&b, "%-12s %8d %12s\n", key, cs.Count, "$"+cs.Cost.String())
	}
	return b.String()
}

func formatHistory(days []models.DailyUsage) string {
	if len(days) == 0 {
		return "No usage in this period."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %12s %6s %6s\n", "Date", "Spend", "Sends", "Pulls")
	b.WriteString(strings.Repeat("-", 37) + "\n")
	for _, d := range days {
		fmt.Fprintf(&b, "%-10s %12s %6d %6d\n", d.Date, "$"+d.Spend.String(), d.Sends, d.Pulls)
	}
	return b.String()
}

func formatActivity(a relay.Activity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Today's spend: $%s\n\n", a.SessionTotal)
	if len(a.Events) == 0 {
		b.WriteString("No activity yet.")
		return b.String()
	}
	fmt.Fprintf(&b, "%-19s  %-11s %-7s %10s  %s\n", "Time", "Event", "Channel", "Cost", "Description")
	b.WriteString(strings.Repeat("-", 80) + "\n")
	for _, ev := range a.Events {
		fmt.Fprintf(&b, "%-19s  %-11s %-7s %10s  %s\n",
			ev.CreatedAt.Format(timeFormat), ev.EventType, ev.Channel, "$"+ev.Cost.String(), ev.Description)
	}
	return b.String()
}

func formatRates(r models.RateCard) string {
	return fmt.Sprintf("Rates\n"+
		"  Email send:      $%s\n"+
		"  Slack send:      $%s\n"+
		"  Inbox pull:      $%s\n"+
		"  Storage per day: $%s\n",
		r.EmailSend, r.SlackSend, r.InboxPull, r.StoragePerDay)
}

func formatAdmitted(channel string, d budget.Decision) string {
	return fmt.Sprintf("A %s send would be admitted.\n"+
		"  Cost:          $%s\n"+
		"  Current spend: $%s of $%s\n"+
		"  Alerts after:  %s\n",
		channel, d.Cost, d.CurrentSpend, d.Limit, formatAlerts(d.Alerts))
}

func formatDenied(channel string, e *budget.ExceededError) string {
	return fmt.Sprintf("A %s send would be refused: budget exceeded.\n"+
		"  Cost:          $%s\n"+
		"  Current spend: $%s of $%s\n",
		channel, e.Projected, e.CurrentSpend, e.Limit)
}
