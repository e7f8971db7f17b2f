package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"demosplus/internal/config"
	"demosplus/internal/middleware"
	"demosplus/internal/model"
	"demosplus/internal/provider"
	"demosplus/internal/service"
)

// webhookTimeout bounds reconciliation started by a provider notification.
// It runs detached from the request so a dropped connection does not abort it.
const webhookTimeout = 30 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Auth        *service.Auth
	Preferences *service.PreferenceCreator
	Reconciler  *service.Reconciler
	Credentials *service.CredentialService
	Points      *service.PointsService
	DB          Pinger
	Config      config.Config
	Log         *slog.Logger
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to status codes. Only this function decides
// what detail reaches the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status = http.StatusInternalServerError
		body   = errorBody{Error: "Internal server error"}
		perr   *provider.Error
	)
	switch {
	case errors.Is(err, service.ErrValidation):
		status, body = http.StatusBadRequest, errorBody{Error: service.ErrValidation.Error(), Details: err.Error()}
	case errors.Is(err, service.ErrNotConfigured):
		status, body = http.StatusNotFound, errorBody{Error: service.ErrNotConfigured.Error()}
	case errors.Is(err, service.ErrNotFound):
		status, body = http.StatusNotFound, errorBody{Error: service.ErrNotFound.Error(), Details: err.Error()}
	case errors.Is(err, service.ErrForbidden):
		status, body = http.StatusForbidden, errorBody{Error: service.ErrForbidden.Error()}
	case errors.Is(err, service.ErrInvalidCredentials):
		status, body = http.StatusUnauthorized, errorBody{Error: service.ErrInvalidCredentials.Error()}
	case errors.Is(err, service.ErrDuplicateLogin):
		status, body = http.StatusConflict, errorBody{Error: service.ErrDuplicateLogin.Error()}
	case service.NeedsReconfiguration(err):
		body = errorBody{Error: "NGO payment configuration is unusable", Details: err.Error(), Hint: service.ReconfigureHint}
	case errors.As(err, &perr):
		body = errorBody{Error: "Payment provider error", Details: err.Error()}
	}
	if status >= http.StatusInternalServerError {
		s.Log.Error("Request failed", "uri", r.RequestURI, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Bad request format", Details: err.Error()})
		return false
	}
	return true
}

type requestBody struct {
	Login       string            `json:"login"`
	Password    string            `json:"password"`
	AccountType model.AccountType `json:"account_type"`
}

func writeToken(w http.ResponseWriter, token, message string) {
	w.Header().Set("Authorization", fmt.Sprintf("Bearer %s", token))
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
		"token":   token,
	})
}

func (s *Server) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var requestBody requestBody
	if !s.decode(w, r, &requestBody) {
		return
	}
	token, err := s.Auth.Register(r.Context(), requestBody.Login, requestBody.Password, requestBody.AccountType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeToken(w, token, "User registered and authenticated")
}

func (s *Server) LoginUser(w http.ResponseWriter, r *http.Request) {
	var requestBody requestBody
	if !s.decode(w, r, &requestBody) {
		return
	}
	token, err := s.Auth.Login(r.Context(), requestBody.Login, requestBody.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeToken(w, token, "User authenticated")
}

type preferenceRequest struct {
	NgoID       int64   `json:"ongId"`
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
	Quantity    int     `json:"quantity"`
}

func (s *Server) CreatePreference(w http.ResponseWriter, r *http.Request) {
	_, userID, err := middleware.ExtractUserFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req preferenceRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.Preferences.CreatePreference(r.Context(), service.PreferenceInput{
		DonorID:     userID,
		NgoID:       req.NgoID,
		Amount:      req.Amount,
		Description: req.Description,
		Quantity:    req.Quantity,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PaymentReturn is where the provider sends the donor's browser after checkout.
// It always redirects to a frontend status page and never exposes error detail.
func (s *Server) PaymentReturn(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	paymentID := q.Get("payment_id")
	if paymentID == "" || paymentID == "null" {
		paymentID = q.Get("collection_id")
	}
	if paymentID == "" || paymentID == "null" {
		s.Log.Warn("Payment return without payment id", "status", q.Get("status"))
		s.redirect(w, r, "error")
		return
	}

	res, err := s.Reconciler.Reconcile(r.Context(), service.Confirmation{
		PaymentID:    paymentID,
		PreferenceID: q.Get("preference_id"),
		Source:       service.SourceRedirect,
	})
	s.redirect(w, r, returnPage(res, err))
}

func returnPage(res service.Result, err error) string {
	if err != nil {
		return "error"
	}
	switch res.Outcome {
	case service.OutcomeApplied, service.OutcomeAlreadyApplied:
		return "success"
	case service.OutcomeProviderRejected, service.OutcomeExpired:
		return "error"
	}
	return "pending"
}

func (s *Server) redirect(w http.ResponseWriter, r *http.Request, page string) {
	http.Redirect(w, r, s.Config.FrontendURL+"/donation/"+page, http.StatusFound)
}

type webhookBody struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Data  struct {
		ID provider.ID `json:"id"`
	} `json:"data"`
}

// Webhook receives provider notifications. It answers 200 whatever happens.
func (s *Server) Webhook(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusOK)

	kind, paymentID := webhookPayment(r)
	if kind != "payment" {
		s.Log.Debug("Ignoring webhook", "type", kind)
		return
	}
	if paymentID == "" {
		s.Log.Warn("Payment webhook without payment id")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), webhookTimeout)
	defer cancel()
	// outcome and failures are logged by the reconciler
	_, _ = s.Reconciler.Reconcile(ctx, service.Confirmation{PaymentID: paymentID, Source: service.SourceWebhook})
}

// webhookPayment reads the notification from the JSON body, falling back to
// the query string forms `type=payment&data.id=` and `topic=payment&id=`.
func webhookPayment(r *http.Request) (kind, paymentID string) {
	var body webhookBody
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	kind, paymentID = body.Type, string(body.Data.ID)
	if kind == "" {
		kind = body.Topic
	}

	q := r.URL.Query()
	if kind == "" {
		kind = q.Get("type")
	}
	if kind == "" {
		kind = q.Get("topic")
	}
	if paymentID == "" {
		paymentID = q.Get("data.id")
	}
	if paymentID == "" {
		paymentID = q.Get("id")
	}
	return kind, paymentID
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (s *Server) ConfigurePaymentToken(w http.ResponseWriter, r *http.Request) {
	_, userID, err := middleware.ExtractUserFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req tokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.Credentials.Configure(r.Context(), userID, req.Token); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) DisablePaymentToken(w http.ResponseWriter, r *http.Request) {
	_, userID, err := middleware.ExtractUserFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.Credentials.Disable(r.Context(), userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) GetPoints(w http.ResponseWriter, r *http.Request) {
	_, userID, err := middleware.ExtractUserFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	balance, err := s.Points.Balance(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if s.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.DB.Ping(ctx); err != nil {
			s.Log.Error("Health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
