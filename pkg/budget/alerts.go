package budget

import (
	"github.com/shopspring/decimal"

	"github.com/opencourier/courier/pkg/models"
)

var (
	warnRatio     = decimal.RequireFromString("0.75")
	criticalRatio = decimal.RequireFromString("0.90")
	hundred       = decimal.NewFromInt(100)
)

// EvaluateAlerts returns the alerts active at the given spend ratio. Alerts
// carry no memory: the same ratio always yields the same alerts.
func EvaluateAlerts(b models.Budget, ratio decimal.Decimal) []models.Alert {
	alerts := []models.Alert{}
	if b.AlertAt75 && ratio.GreaterThanOrEqual(warnRatio) {
		alerts = append(alerts, models.Alert{Type: models.AlertWarning, Threshold: 75})
	}
	if b.AlertAt90 && ratio.GreaterThanOrEqual(criticalRatio) {
		alerts = append(alerts, models.Alert{Type: models.AlertCritical, Threshold: 90})
	}
	return alerts
}

// Ratio returns amount/limit, or zero when limit is not positive.
func Ratio(amount, limit decimal.Decimal) decimal.Decimal {
	if !limit.IsPositive() {
		return decimal.Zero
	}
	return amount.Div(limit)
}

// Percent returns amount as a percentage of limit, rounded to two places.
func Percent(amount, limit decimal.Decimal) decimal.Decimal {
	return Ratio(amount, limit).Mul(hundred).Round(2)
}
