package budget

import (
	"time"

	"github.com/opencourier/courier/pkg/models"
)

// PeriodStart returns the UTC start of the period containing now. Weeks
// start on Monday. Unknown periods are treated as monthly.
func PeriodStart(period models.BudgetPeriod, now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch period {
	case models.BudgetDaily:
		return day
	case models.BudgetWeekly:
		back := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -back)
	default:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}
