package mcp

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/opencourier/courier/pkg/budget"
)

type activityArgs struct {
	Limit int `json:"limit"`
}

type admissionArgs struct {
	Channel string `json:"channel"`
}

type toolHandler func(ctx context.Context, b Backend, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"courier_budget":          handleBudget,
	"courier_usage":           handleUsage,
	"courier_usage_history":   handleUsageHistory,
	"courier_activity":        handleActivity,
	"courier_rates":           handleRates,
	"courier_admission_check": handleAdmissionCheck,
}

var noArgs = map[string]any{
	"type":       "object",
	"properties": map[string]any{},
}

var allTools = []ToolDefinition{
	{
		Name:        "courier_budget",
		Description: "Show the budget, spend for the current period and active threshold alerts.",
		InputSchema: noArgs,
	},
	{
		Name:        "courier_usage",
		Description: "Show spend for the current budget period broken down by channel.",
		InputSchema: noArgs,
	},
	{
		Name:        "courier_usage_history",
		Description: "Show spend, sends and inbox pulls per day for the current budget period.",
		InputSchema: noArgs,
	},
	{
		Name:        "courier_activity",
		Description: "List the most recent ledger events and today's total spend.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Number of events (optional, default 50, max 200)",
				},
			},
		},
	},
	{
		Name:        "courier_rates",
		Description: "Show the price of every billable action.",
		InputSchema: noArgs,
	},
	{
		Name:        "courier_admission_check",
		Description: "Check whether a send on a channel would be admitted right now. Nothing is sent or charged.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"channel"},
			"properties": map[string]any{
				"channel": map[string]any{
					"type":        "string",
					"enum":        []string{"email", "slack"},
					"description": "Channel to check",
				},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

func handleBudget(ctx context.Context, b Backend, _ json.RawMessage) ToolCallResult {
	st, err := b.BudgetStatus(ctx)
	if err != nil {
		return errorResult("Error fetching budget status: " + err.Error())
	}
	return textResult(formatBudgetStatus(st))
}

func handleUsage(ctx context.Context, b Backend, _ json.RawMessage) ToolCallResult {
	u, err := b.Usage(ctx)
	if err != nil {
		return errorResult("Error fetching usage: " + err.Error())
	}
	return textResult(formatUsage(u))
}

func handleUsageHistory(ctx context.Context, b Backend, _ json.RawMessage) ToolCallResult {
	days, err := b.History(ctx)
	if err != nil {
		return errorResult("Error fetching usage history: " + err.Error())
	}
	return textResult(formatHistory(days))
}

func handleActivity(ctx context.Context, b Backend, rawArgs json.RawMessage) ToolCallResult {
	var args activityArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	a, err := b.Activity(ctx, args.Limit)
	if err != nil {
		return errorResult("Error fetching activity: " + err.Error())
	}
	return textResult(formatActivity(a))
}

func handleRates(_ context.Context, b Backend, _ json.RawMessage) ToolCallResult {
	return textResult(formatRates(b.Rates()))
}

func handleAdmissionCheck(ctx context.Context, b Backend, rawArgs json.RawMessage) ToolCallResult {
	var args admissionArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Channel == "" {
		return errorResult("channel is required")
	}

	d, err := b.CheckAdmission(ctx, args.Channel)
	var exceeded *budget.ExceededError
	switch {
	case errors.As(err, &exceeded):
		return textResult(formatDenied(args.Channel, exceeded))
	case err != nil:
		return errorResult("Error checking admission: " + err.Error())
	}
	return textResult(formatAdmitted(args.Channel, d))
}
