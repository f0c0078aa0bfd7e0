package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/opencourier/courier/pkg/models"
	"github.com/opencourier/courier/pkg/relay"
)

const maxBodyBytes = 1 << 20

type usageResponse struct {
	CurrentSpend decimal.Decimal                `json:"currentSpend"`
	MessagesSent int                            `json:"messagesSent"`
	InboxPulls   int                            `json:"inboxPulls"`
	ByChannel    map[string]models.ChannelSpend `json:"byChannel"`
	Period       periodRange                    `json:"period"`
}

type periodRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type budgetResponse struct {
	Budget      models.Budget   `json:"budget"`
	Consumed    consumed        `json:"consumed"`
	PeriodStart time.Time       `json:"period_start"`
	Remaining   decimal.Decimal `json:"remaining"`
	Alerts      []models.Alert  `json:"alerts"`
}

// consumed.percent is a ratio of the limit.
type consumed struct {
	Amount  decimal.Decimal `json:"amount"`
	Percent decimal.Decimal `json:"percent"`
}

func newBudgetResponse(st models.BudgetStatus) budgetResponse {
	return budgetResponse{
		Budget:      st.Budget,
		Consumed:    consumed{Amount: st.Consumed, Percent: st.Ratio},
		PeriodStart: st.PeriodStart,
		Remaining:   st.Remaining,
		Alerts:      st.Alerts,
	}
}

// decodeBody reads a JSON request body. An empty body decodes to the zero
// value.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req relay.SendRequest
	if err := decodeBody(w, r, &req); err != nil {
		validationFailed(w, "request body must be a JSON object")
		return
	}

	res, err := s.svc.Send(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.svc.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		validationFailed(w, "limit must be an integer")
		return
	}
	msgs, err := s.svc.ListOutbound(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		validationFailed(w, "limit must be an integer")
		return
	}
	offset, ok := queryInt(r, "offset")
	if !ok {
		validationFailed(w, "offset must be an integer")
		return
	}

	page, err := s.svc.PullInbox(r.Context(), models.InboxQuery{
		Status:  r.URL.Query().Get("status"),
		Channel: r.URL.Query().Get("channel"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleInboxUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		validationFailed(w, "request body must be a JSON object")
		return
	}
	msg, err := s.svc.UpdateInboxStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg})
}

func (s *Server) handleSimulateInbound(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sender string `json:"sender"`
		Body   string `json:"body"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		validationFailed(w, "request body must be a JSON object")
		return
	}
	msg, err := s.svc.SimulateInbound(r.Context(), req.Sender, req.Body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	u, err := s.svc.Usage(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{
		CurrentSpend: u.Spend.Total,
		MessagesSent: u.Spend.MessagesSent,
		InboxPulls:   u.Spend.InboxPulls,
		ByChannel:    u.Spend.ByChannel,
		Period: periodRange{
			Start: u.PeriodStart.Format(time.DateOnly),
			End:   u.PeriodEnd.Format(time.DateOnly),
		},
	})
}

func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.History(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if history == nil {
		history = []models.DailyUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.BudgetStatus(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBudgetResponse(st))
}

func (s *Server) handleBudgetUpdate(w http.ResponseWriter, r *http.Request) {
	var u models.BudgetUpdate
	if err := decodeBody(w, r, &u); err != nil {
		validationFailed(w, "request body must be a JSON object with valid budget fields")
		return
	}
	st, err := s.svc.UpdateBudget(r.Context(), u)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBudgetResponse(st))
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	// Unparseable limits fall back to the default, like a missing one.
	limit, _ := queryInt(r, "limit")
	a, err := s.svc.Activity(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if a.Events == nil {
		a.Events = []models.UsageEvent{}
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleRates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rates": s.svc.Rates()})
}

func (s *Server) handleResetSeed(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Reset(r.Context()); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Seed data reset successfully"})
}
