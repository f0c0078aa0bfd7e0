package server

import (
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/opencourier/courier/pkg/budget"
	"github.com/opencourier/courier/pkg/logger"
	"github.com/opencourier/courier/pkg/messages"
	"github.com/opencourier/courier/pkg/relay"
)

// Error codes returned in the "error" field.
const (
	codeValidation     = "VALIDATION_ERROR"
	codeBudgetExceeded = "BUDGET_EXCEEDED"
	codeSendFailed     = "SEND_FAILED"
	codeNotFound       = "NOT_FOUND"
	codeServerError    = "SERVER_ERROR"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type validationBody struct {
	errorBody
	Fields []relay.FieldError `json:"fields,omitempty"`
}

type budgetExceededBody struct {
	errorBody
	CurrentSpend decimal.Decimal `json:"currentSpend"`
	BudgetLimit  decimal.Decimal `json:"budgetLimit"`
}

type sendFailedBody struct {
	errorBody
	MessageID string `json:"messageId"`
	Charged   bool   `json:"charged"`
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func validationFailed(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusBadRequest, codeValidation, msg)
}

// writeServiceError maps a relay error to its HTTP response.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr     *relay.ValidationError
		exceeded *budget.ExceededError
		failed   *relay.SendFailedError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, validationBody{
			errorBody: errorBody{Error: codeValidation, Message: verr.Error()},
			Fields:    verr.Fields,
		})
	case errors.As(err, &exceeded):
		writeJSON(w, http.StatusPaymentRequired, budgetExceededBody{
			errorBody:    errorBody{Error: codeBudgetExceeded, Message: "Monthly budget reached. Disable hard stop or increase budget."},
			CurrentSpend: exceeded.CurrentSpend,
			BudgetLimit:  exceeded.Limit,
		})
	case errors.As(err, &failed):
		writeJSON(w, http.StatusInternalServerError, sendFailedBody{
			errorBody: errorBody{Error: codeSendFailed, Message: failed.Err.Error()},
			MessageID: failed.MessageID,
			Charged:   false,
		})
	case errors.Is(err, messages.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, codeNotFound, "Message not found")
	default:
		logger.FromContext(r.Context()).Error("request failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, codeServerError, "An unexpected error occurred")
	}
}
