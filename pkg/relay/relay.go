// Package relay is the entry point for billable actions: sends, inbox
// pulls and budget changes all pass through the Service.
package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/opencourier/courier/pkg/budget"
	"github.com/opencourier/courier/pkg/dispatch"
	"github.com/opencourier/courier/pkg/ledger"
	"github.com/opencourier/courier/pkg/logger"
	"github.com/opencourier/courier/pkg/messages"
	"github.com/opencourier/courier/pkg/metrics"
	"github.com/opencourier/courier/pkg/models"
	"github.com/opencourier/courier/pkg/notify"
	"github.com/opencourier/courier/pkg/rates"
	"github.com/opencourier/courier/pkg/store"
)

// Activity feed limits.
const (
	DefaultActivityLimit = 50
	MaxActivityLimit     = 200
)

// InboxAddress is the recipient of simulated inbound mail.
const InboxAddress = "inbox@opencourier.dev"

var (
	defaultSenders = []string{
		"customer@gmail.com",
		"support@acme.co",
		"dev@startup.io",
		"hello@company.com",
		"user@example.com",
	}
	defaultBodies = []string{
		"Hey, just checking in on our recent order. Can you provide an update?",
		"I wanted to follow up on the support ticket I submitted last week.",
		"Do you offer bulk pricing for enterprise accounts?",
		"Thanks for the onboarding call today. Looking forward to getting started.",
		"I noticed a discrepancy in my invoice. Could you take a look?",
		"Your API documentation is really well written. Great work!",
		"When will the new features be available in the dashboard?",
		"We are interested in a partnership. Who should I contact?",
	}
)

// SendRequest is an outbound send.
type SendRequest struct {
	Channel   string `json:"channel" validate:"required,oneof=email slack"`
	Recipient string `json:"recipient" validate:"required,max=320"`
	Subject   string `json:"subject,omitempty" validate:"max=998"`
	Body      string `json:"body" validate:"required,max=65536"`
}

// Billing summarizes the charge for an admitted send.
type Billing struct {
	Cost          decimal.Decimal `json:"cost"`
	TotalSpend    decimal.Decimal `json:"totalSpend"`
	BudgetPercent decimal.Decimal `json:"budgetPercent"`
	Alerts        []models.Alert  `json:"alerts"`
}

// SendResult is the synchronous outcome of Send. The message is always
// still queued.
type SendResult struct {
	Message models.Message `json:"message"`
	Billing Billing        `json:"billing"`
}

// InboxPage is one billed inbox pull.
type InboxPage struct {
	Messages []models.Message   `json:"messages"`
	Total    int                `json:"total"`
	PullCost decimal.Decimal    `json:"pullCost"`
	Counts   models.InboxCounts `json:"counts"`
}

// Usage is spend for the current budget period.
type Usage struct {
	PeriodStart time.Time    `json:"period_start"`
	PeriodEnd   time.Time    `json:"period_end"`
	Spend       models.Spend `json:"spend"`
}

// Activity is the recent ledger feed and today's spend.
type Activity struct {
	Events       []models.UsageEvent `json:"events"`
	SessionTotal decimal.Decimal     `json:"sessionTotal"`
}

type inboxFilter struct {
	Status  string `json:"status" validate:"omitempty,oneof=all unread delivered read archived"`
	Channel string `json:"channel" validate:"omitempty,oneof=all email slack"`
	Limit   int    `json:"limit" validate:"gte=0,max=100"`
	Offset  int    `json:"offset" validate:"gte=0"`
}

type inboxUpdate struct {
	Status string `json:"status" validate:"required,oneof=read archived"`
}

// Deps are the collaborators of a Service.
type Deps struct {
	DB         *sql.DB
	Budgets    *budget.SQLiteStore
	Guard      *budget.Guard
	Ledger     *ledger.SQLiteLedger
	Messages   *messages.SQLiteStore
	Lifecycle  *messages.Lifecycle
	Dispatcher dispatch.Dispatcher
	Publisher  notify.Publisher
	Logger     *zap.Logger
}

// Service implements the billable operations.
type Service struct {
	db         *sql.DB
	budgets    *budget.SQLiteStore
	guard      *budget.Guard
	ledger     *ledger.SQLiteLedger
	messages   *messages.SQLiteStore
	lifecycle  *messages.Lifecycle
	dispatcher dispatch.Dispatcher
	pub        notify.Publisher
	logger     *zap.Logger
	validate   *validator.Validate
}

// New creates a Service.
func New(d Deps) *Service {
	s := &Service{
		db:         d.DB,
		budgets:    d.Budgets,
		guard:      d.Guard,
		ledger:     d.Ledger,
		messages:   d.Messages,
		lifecycle:  d.Lifecycle,
		dispatcher: d.Dispatcher,
		pub:        d.Publisher,
		logger:     d.Logger,
		validate:   newValidator(),
	}
	if s.pub == nil {
		s.pub = notify.Nop{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

func (s *Service) log(ctx context.Context) *zap.Logger {
	return logger.FromContextOr(ctx, s.logger)
}

// Send validates, admits, dispatches and bills one outbound message.
//
// Admission places a budget hold and stores the queued message in one
// transaction. A successful dispatch turns the hold into a send event and
// schedules the sent and delivered transitions; a failed one releases the
// hold, marks the message failed and records a zero-cost send_failed event.
func (s *Service) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	req.Recipient = strings.TrimSpace(req.Recipient)
	if strings.TrimSpace(req.Body) == "" {
		req.Body = ""
	}
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return SendResult{}, validationError(err)
	}
	channel := models.Channel(req.Channel)
	if channel == models.ChannelEmail {
		if err := s.validate.Var(req.Recipient, "email"); err != nil {
			return SendResult{}, invalid("recipient", "must be an email address")
		}
	}

	log := s.log(ctx).With(zap.String("channel", req.Channel))
	msg := models.Message{
		ID:        messages.NewID(),
		Direction: models.DirectionOutbound,
		Channel:   channel,
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Body:      req.Body,
		Status:    models.StatusQueued,
		Cost:      rates.CostFor(channel),
	}

	res, err := s.guard.Reserve(ctx, channel, msg.ID, func(tx store.DBTX) error {
		var err error
		msg, err = s.messages.CreateTx(ctx, tx, msg)
		return err
	})
	if err != nil {
		if errors.Is(err, budget.ErrBudgetExceeded) {
			metrics.SendsTotal.WithLabelValues(req.Channel, "denied").Inc()
			log.Info("send denied", zap.Error(err))
		}
		return SendResult{}, err
	}

	// The outcome must be recorded even if the caller goes away mid-send.
	settleCtx := context.WithoutCancel(ctx)

	receipt, dispatchErr := s.dispatcher.Dispatch(ctx, channel, dispatch.Payload{
		Recipient: msg.Recipient,
		Subject:   msg.Subject,
		Body:      msg.Body,
	})
	if dispatchErr != nil {
		return SendResult{}, s.fail(settleCtx, log, res, msg, dispatchErr)
	}

	var plan []messages.Transition
	ev, err := s.guard.Commit(settleCtx, res, fmt.Sprintf("%s sent to %s", channel, msg.Recipient), func(tx store.DBTX) error {
		if receipt.ExternalID != "" {
			if err := s.messages.SetExternalIDTx(settleCtx, tx, msg.ID, receipt.ExternalID); err != nil {
				return err
			}
		}
		var err error
		plan, err = s.lifecycle.PlanTx(settleCtx, tx, msg.ID)
		return err
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("bill send: %w", err)
	}
	s.lifecycle.Arm(plan)
	msg.ExternalID = receipt.ExternalID

	// The send is billed from here on, so a failed status read only
	// degrades the figures in the response.
	st, err := s.guard.Status(settleCtx)
	if err != nil {
		log.Warn("budget status after billing", zap.String("message_id", msg.ID), zap.Error(err))
		consumed := res.CurrentSpend.Add(ev.Cost)
		st = models.BudgetStatus{
			Consumed: consumed,
			Ratio:    budget.Ratio(consumed, res.Limit),
			Alerts:   res.Alerts,
		}
	} else {
		observeStatus(st)
	}

	metrics.SendsTotal.WithLabelValues(req.Channel, "sent").Inc()
	observeSpend(ev)
	s.pub.Publish(settleCtx, notify.New(notify.TypeUsage, ev))
	if len(st.Alerts) > 0 {
		for _, a := range st.Alerts {
			metrics.BudgetAlertsTotal.WithLabelValues(string(a.Type)).Inc()
		}
		s.pub.Publish(settleCtx, notify.New(notify.TypeBudgetAlert, st))
	}
	log.Info("message sent",
		zap.String("message_id", msg.ID),
		zap.String("external_id", receipt.ExternalID),
		zap.Stringer("cost", ev.Cost),
		zap.Stringer("total_spend", st.Consumed))

	return SendResult{
		Message: msg,
		Billing: Billing{
			Cost:          ev.Cost,
			TotalSpend:    st.Consumed,
			BudgetPercent: st.Ratio,
			Alerts:        st.Alerts,
		},
	}, nil
}

func (s *Service) fail(ctx context.Context, log *zap.Logger, res budget.Reservation, msg models.Message, cause error) error {
	desc := fmt.Sprintf("%s send failed to %s: %v", msg.Channel, msg.Recipient, cause)
	ev, err := s.guard.Release(ctx, res, desc, func(tx store.DBTX) error {
		_, err := s.messages.TransitionTx(ctx, tx, msg.ID, models.StatusQueued, models.StatusFailed)
		return err
	})
	if err != nil {
		return fmt.Errorf("record failed send: %w", err)
	}

	metrics.SendsTotal.WithLabelValues(string(msg.Channel), "failed").Inc()
	s.pub.Publish(ctx, notify.New(notify.TypeUsage, ev))
	s.pub.Publish(ctx, notify.New(notify.TypeMessageStatus, messages.StatusChange{
		MessageID: msg.ID, From: models.StatusQueued, To: models.StatusFailed,
	}))
	log.Warn("send failed", zap.String("message_id", msg.ID), zap.Error(cause))
	return &SendFailedError{MessageID: msg.ID, Err: cause}
}

// CheckAdmission reports whether a send on channel would be admitted now,
// without reserving anything.
func (s *Service) CheckAdmission(ctx context.Context, channel string) (budget.Decision, error) {
	if err := s.validate.Var(channel, "required,oneof=email slack"); err != nil {
		return budget.Decision{}, invalid("channel", "must be one of: email slack")
	}
	return s.guard.Admit(ctx, models.Channel(channel))
}

// GetMessage returns a message by id.
func (s *Service) GetMessage(ctx context.Context, id string) (models.Message, error) {
	return s.messages.Get(ctx, id)
}

// ListOutbound returns recent outbound messages.
func (s *Service) ListOutbound(ctx context.Context, limit int) ([]models.Message, error) {
	return s.messages.ListOutbound(ctx, limit)
}

// PullInbox lists inbound messages and bills the pull. Pulls are never
// refused by the budget.
func (s *Service) PullInbox(ctx context.Context, q models.InboxQuery) (InboxPage, error) {
	if err := s.validate.StructCtx(ctx, inboxFilter{
		Status: q.Status, Channel: q.Channel, Limit: q.Limit, Offset: q.Offset,
	}); err != nil {
		return InboxPage{}, validationError(err)
	}

	msgs, total, err := s.messages.ListInbox(ctx, q)
	if err != nil {
		return InboxPage{}, err
	}
	counts, err := s.messages.InboxCounts(ctx)
	if err != nil {
		return InboxPage{}, err
	}

	ev, err := s.ledger.Append(ctx, models.UsageEvent{
		EventType:   models.EventInboxPull,
		Channel:     models.ChannelSystem,
		Cost:        rates.InboxPull(),
		Description: "Inbox checked",
	})
	if err != nil {
		return InboxPage{}, fmt.Errorf("bill inbox pull: %w", err)
	}
	metrics.InboxPullsTotal.Inc()
	observeSpend(ev)
	s.pub.Publish(ctx, notify.New(notify.TypeUsage, ev))

	return InboxPage{Messages: msgs, Total: total, PullCost: ev.Cost, Counts: counts}, nil
}

// UpdateInboxStatus marks an inbound message read or archived.
func (s *Service) UpdateInboxStatus(ctx context.Context, id, status string) (models.Message, error) {
	if err := s.validate.StructCtx(ctx, inboxUpdate{Status: status}); err != nil {
		return models.Message{}, validationError(err)
	}
	return s.messages.SetInboxStatus(ctx, id, models.MessageStatus(status))
}

// SimulateInbound stores an unread inbound email. Empty sender or body
// are filled with canned values.
func (s *Service) SimulateInbound(ctx context.Context, sender, body string) (models.Message, error) {
	if sender == "" {
		sender = defaultSenders[rand.IntN(len(defaultSenders))]
	}
	if body == "" {
		body = defaultBodies[rand.IntN(len(defaultBodies))]
	}
	msg, err := s.messages.Create(ctx, models.Message{
		Direction: models.DirectionInbound,
		Channel:   models.ChannelEmail,
		Recipient: InboxAddress,
		Sender:    sender,
		Body:      body,
		Status:    models.StatusDelivered,
		Cost:      decimal.Zero,
	})
	if err != nil {
		return models.Message{}, err
	}
	s.pub.Publish(ctx, notify.New(notify.TypeInboxReceived, msg))
	return msg, nil
}

// BudgetStatus reports spend against the budget.
func (s *Service) BudgetStatus(ctx context.Context) (models.BudgetStatus, error) {
	st, err := s.guard.Status(ctx)
	if err != nil {
		return models.BudgetStatus{}, err
	}
	observeStatus(st)
	return st, nil
}

// UpdateBudget applies a partial budget change.
func (s *Service) UpdateBudget(ctx context.Context, u models.BudgetUpdate) (models.BudgetStatus, error) {
	if _, err := s.budgets.Update(ctx, u); err != nil {
		var ie *budget.InvalidError
		if errors.As(err, &ie) {
			return models.BudgetStatus{}, invalid(ie.Field, ie.Reason)
		}
		return models.BudgetStatus{}, err
	}
	st, err := s.BudgetStatus(ctx)
	if err != nil {
		return models.BudgetStatus{}, err
	}
	s.pub.Publish(ctx, notify.New(notify.TypeBudgetUpdated, st))
	s.log(ctx).Info("budget updated",
		zap.Stringer("limit", st.Budget.LimitAmount),
		zap.String("period", string(st.Budget.Period)),
		zap.Bool("hard_stop", st.Budget.HardStopAt100))
	return st, nil
}

// Usage reports spend for the current budget period.
func (s *Service) Usage(ctx context.Context) (Usage, error) {
	b, err := s.budgets.Get(ctx)
	if err != nil {
		return Usage{}, err
	}
	now := s.ledger.Now()
	since := budget.PeriodStart(b.Period, now)
	spend, err := s.ledger.CurrentSpend(ctx, since)
	if err != nil {
		return Usage{}, err
	}
	return Usage{PeriodStart: since, PeriodEnd: now, Spend: spend}, nil
}

// History returns per-day usage for the current budget period.
func (s *Service) History(ctx context.Context) ([]models.DailyUsage, error) {
	b, err := s.budgets.Get(ctx)
	if err != nil {
		return nil, err
	}
	return s.ledger.History(ctx, budget.PeriodStart(b.Period, s.ledger.Now()))
}

// Activity returns the most recent ledger events, clamped to
// MaxActivityLimit, and today's total spend.
func (s *Service) Activity(ctx context.Context, limit int) (Activity, error) {
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	limit = min(limit, MaxActivityLimit)

	events, err := s.ledger.Recent(ctx, limit)
	if err != nil {
		return Activity{}, err
	}
	today, err := s.ledger.CurrentSpend(ctx, budget.PeriodStart(models.BudgetDaily, s.ledger.Now()))
	if err != nil {
		return Activity{}, err
	}
	return Activity{Events: events, SessionTotal: today.Total}, nil
}

// Rates returns the rate card.
func (s *Service) Rates() models.RateCard {
	return rates.Card()
}

// Reset clears the ledger and all messages and restores the default
// budget in one transaction.
func (s *Service) Reset(ctx context.Context) error {
	err := store.WithTx(ctx, s.db, func(tx store.DBTX) error {
		if err := s.ledger.ResetTx(ctx, tx); err != nil {
			return err
		}
		if err := s.messages.ResetTx(ctx, tx); err != nil {
			return err
		}
		return s.budgets.ResetTx(ctx, tx)
	})
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	s.pub.Publish(ctx, notify.New(notify.TypeReset, nil))
	s.log(ctx).Warn("all usage, messages and budget settings reset")
	return nil
}

// ReleaseStaleHolds fails sends whose reservation outlived maxAge, which
// only happens when a process died between admission and billing.
func (s *Service) ReleaseStaleHolds(ctx context.Context, maxAge time.Duration) (int, error) {
	stale, err := s.ledger.StaleHolds(ctx, s.ledger.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	for _, h := range stale {
		_, err := s.guard.Release(ctx, budget.Reservation{Hold: h}, fmt.Sprintf("%s send abandoned", h.Channel),
			func(tx store.DBTX) error {
				_, err := s.messages.TransitionTx(ctx, tx, h.MessageID, models.StatusQueued, models.StatusFailed)
				return err
			})
		if err != nil && !errors.Is(err, ledger.ErrHoldNotFound) {
			return 0, fmt.Errorf("release hold %d: %w", h.ID, err)
		}
	}
	if len(stale) > 0 {
		s.logger.Warn("released stale holds", zap.Int("count", len(stale)))
	}
	return len(stale), nil
}

func observeSpend(ev models.UsageEvent) {
	f, _ := ev.Cost.Float64()
	metrics.SpendTotal.WithLabelValues(string(ev.EventType)).Add(f)
}

func observeStatus(st models.BudgetStatus) {
	f, _ := st.Ratio.Float64()
	metrics.BudgetConsumedRatio.Set(f)
}
