package ledger

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/opencourier/courier/pkg/models"
)

// Aggregate reduces events to a spend summary. All buckets are present
// and zero-valued for an empty slice.
func Aggregate(events []models.UsageEvent) models.Spend {
	s := models.Spend{
		Total: decimal.Zero,
		ByChannel: map[string]models.ChannelSpend{
			models.BucketEmail:     {Cost: decimal.Zero},
			models.BucketSlack:     {Cost: decimal.Zero},
			models.BucketInboxPull: {Cost: decimal.Zero},
		},
	}

	for _, ev := range events {
		s.Total = s.Total.Add(ev.Cost)

		var bucket string
		switch ev.EventType {
		case models.EventSend:
			s.MessagesSent++
			bucket = string(ev.Channel)
		case models.EventInboxPull:
			s.InboxPulls++
			bucket = models.BucketInboxPull
		default:
			continue
		}

		b, ok := s.ByChannel[bucket]
		if !ok {
			continue
		}
		b.Count++
		b.Cost = b.Cost.Add(ev.Cost)
		s.ByChannel[bucket] = b
	}
	return s
}

// DailyHistory buckets events by UTC calendar day, oldest first.
func DailyHistory(events []models.UsageEvent) []models.DailyUsage {
	var (
		history []models.DailyUsage
		index   = make(map[string]int)
	)
	for _, ev := range events {
		date := ev.CreatedAt.UTC().Format("2006-01-02")
		i, ok := index[date]
		if !ok {
			i = len(history)
			index[date] = i
			history = append(history, models.DailyUsage{Date: date, Spend: decimal.Zero})
		}
		d := &history[i]
		d.Spend = d.Spend.Add(ev.Cost)
		switch ev.EventType {
		case models.EventSend:
			d.Sends++
		case models.EventInboxPull:
			d.Pulls++
		}
	}
	slices.SortFunc(history, func(a, b models.DailyUsage) int {
		return strings.Compare(a.Date, b.Date)
	})
	return history
}
