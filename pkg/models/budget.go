package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BudgetPeriod defines the time window spend is measured over.
type BudgetPeriod string

const (
	BudgetDaily   BudgetPeriod = "daily"
	BudgetWeekly  BudgetPeriod = "weekly"
	BudgetMonthly BudgetPeriod = "monthly"
)

// Valid reports whether p is a known period.
func (p BudgetPeriod) Valid() bool {
	switch p {
	case BudgetDaily, BudgetWeekly, BudgetMonthly:
		return true
	}
	return false
}

// Budget is the single spending limit of a deployment.
type Budget struct {
	LimitAmount   decimal.Decimal `json:"limit_amount" yaml:"limit_amount"`
	Period        BudgetPeriod    `json:"period" yaml:"period"`
	AlertAt75     bool            `json:"alert_at_75" yaml:"alert_at_75"`
	AlertAt90     bool            `json:"alert_at_90" yaml:"alert_at_90"`
	HardStopAt100 bool            `json:"hard_stop_at_100" yaml:"hard_stop_at_100"`
	UpdatedAt     time.Time       `json:"updated_at" yaml:"-"`
}

// BudgetUpdate is a partial budget change. Nil fields are left untouched.
type BudgetUpdate struct {
	LimitAmount   *decimal.Decimal `json:"limit_amount,omitempty"`
	Period        *BudgetPeriod    `json:"period,omitempty"`
	AlertAt75     *bool            `json:"alert_at_75,omitempty"`
	AlertAt90     *bool            `json:"alert_at_90,omitempty"`
	HardStopAt100 *bool            `json:"hard_stop_at_100,omitempty"`
}

// AlertLevel is the severity of a budget threshold alert.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is a budget threshold crossing.
type Alert struct {
	Type      AlertLevel `json:"type"`
	Threshold int        `json:"threshold"`
}

// BudgetStatus shows current spend against the budget.
type BudgetStatus struct {
	Budget      Budget          `json:"budget"`
	PeriodStart time.Time       `json:"period_start"`
	Consumed    decimal.Decimal `json:"consumed"`
	Ratio       decimal.Decimal `json:"ratio"`
	Percent     decimal.Decimal `json:"percent"`
	Remaining   decimal.Decimal `json:"remaining"`
	Alerts      []Alert         `json:"alerts"`
}
