package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"abuse-control/internal/audit"
	"abuse-control/internal/service"
	"abuse-control/internal/util"
)

// AbuseHandler handles HTTP requests for the abuse-control gate
type AbuseHandler struct {
	facade *service.AbuseControlFacade
	audit  *audit.Recorder
	logger *zap.Logger
}

func NewAbuseHandler(facade *service.AbuseControlFacade, auditRecorder *audit.Recorder, logger *zap.Logger) *AbuseHandler {
	return &AbuseHandler{
		facade: facade,
		audit:  auditRecorder,
		logger: logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

// RegisterRoutes registers all abuse-control routes
func (h *AbuseHandler) RegisterRoutes(router chi.Router) {
	router.Route("/login", func(r chi.Router) {
		r.Post("/attempt", h.AttemptLogin)
		r.Post("/outcome", h.RecordOutcome)
	})
	router.Route("/otp", func(r chi.Router) {
		r.Post("/request", h.RequestOTP)
		r.Post("/verify", h.VerifyOTP)
	})
	router.Route("/blacklist", func(r chi.Router) {
		r.Put("/{taxID}", h.AddToBlacklist)
		r.Delete("/{taxID}", h.RemoveFromBlacklist)
	})
	router.Get("/audit/search", h.SearchAudit)
}

type loginAttemptRequest struct {
	TaxID             string `json:"tax_id"`
	IP                string `json:"ip"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type loginDecisionResponse struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	Tier              string `json:"tier,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func decisionResponse(d *service.LoginDecision) loginDecisionResponse {
	return loginDecisionResponse{
		Allowed:           d.Allowed,
		Reason:            d.Reason,
		Tier:              d.TierName,
		RetryAfterSeconds: int(d.RetryAfter / time.Second),
	}
}

// AttemptLogin screens an identity and checks lockouts before the caller
// runs credential verification.
func (h *AbuseHandler) AttemptLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req loginAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	decision, err := h.facade.AttemptLogin(ctx, req.TaxID, req.IP, req.DeviceFingerprint)
	if err != nil && decision == nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Login attempt check failed")
		return
	}
	if err != nil {
		h.setRetryAfter(w, decision.RetryAfter)
		h.respondWithJSON(w, h.getStatusCode(err), Response{
			Success: false,
			Data:    decisionResponse(decision),
			Error:   err.Error(),
		})
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(decisionResponse(decision), "Login attempt allowed"))
	h.logger.Debug("Login attempt screened via HTTP",
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "AttemptLogin"),
	)
}

type loginOutcomeRequest struct {
	TaxID             string `json:"tax_id"`
	IP                string `json:"ip"`
	DeviceFingerprint string `json:"device_fingerprint"`
	Success           bool   `json:"success"`
}

// RecordOutcome reports the credential check result back into the counters.
func (h *AbuseHandler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	decision, err := h.facade.RecordOutcome(ctx, req.TaxID, req.IP, req.DeviceFingerprint, req.Success)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to record outcome")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(decisionResponse(decision), "Outcome recorded"))
}

type otpRequestBody struct {
	TaxID             string `json:"tax_id"`
	Purpose           string `json:"purpose"`
	Recipient         string `json:"recipient"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

type otpIssuedResponse struct {
	ChallengeID string    `json:"challenge_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	Code        string    `json:"code,omitempty"` // development only
}

// RequestOTP issues a challenge for the identity.
func (h *AbuseHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req otpRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.Purpose == "" || req.Recipient == "" {
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("purpose and recipient are required"), "Invalid request body")
		return
	}

	result, err := h.facade.RequestOTP(ctx, req.TaxID, req.Purpose,
		util.SanitizeInput(req.Recipient), remoteIP(r), req.DeviceFingerprint)
	if err != nil {
		h.setThrottleHeaders(w, err)
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to issue OTP")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(otpIssuedResponse{
		ChallengeID: result.ChallengeID,
		ExpiresAt:   result.ExpiresAt,
		Code:        result.Code,
	}, "OTP issued"))
	h.logger.Info("OTP issued via HTTP",
		util.String("challenge_id", result.ChallengeID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "RequestOTP"),
	)
}

type otpVerifyBody struct {
	TaxID   string `json:"tax_id"`
	Purpose string `json:"purpose"`
	Code    string `json:"code"`
}

// VerifyOTP validates and consumes a challenge.
func (h *AbuseHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req otpVerifyBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.facade.VerifyOTP(ctx, req.TaxID, req.Purpose, req.Code); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "OTP verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "OTP verified"))
}

type blacklistRequest struct {
	Reason string `json:"reason"`
	SetBy  string `json:"set_by"`
}

// AddToBlacklist upserts an active blacklist entry.
func (h *AbuseHandler) AddToBlacklist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taxID := chi.URLParam(r, "taxID")

	var req blacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.facade.AddToBlacklist(ctx, taxID, req.Reason, req.SetBy); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to blacklist")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Tax id blacklisted"))
}

// RemoveFromBlacklist deactivates an entry.
func (h *AbuseHandler) RemoveFromBlacklist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taxID := chi.URLParam(r, "taxID")

	setBy := r.URL.Query().Get("set_by")
	if setBy == "" {
		setBy = "api"
	}

	if err := h.facade.RemoveFromBlacklist(ctx, taxID, setBy); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to remove from blacklist")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Tax id removed from blacklist"))
}

// SearchAudit runs an operator query against the audit index.
func (h *AbuseHandler) SearchAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	size := 50
	if s := r.URL.Query().Get("size"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 && parsed <= 500 {
			size = parsed
		}
	}

	must := []map[string]interface{}{}
	if eventType := r.URL.Query().Get("event_type"); eventType != "" {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"event_type": eventType},
		})
	}
	if key := r.URL.Query().Get("key"); key != "" {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"key": key},
		})
	}

	query := map[string]interface{}{
		"size": size,
		"sort": []map[string]interface{}{
			{"occurred_at": map[string]interface{}{"order": "desc"}},
		},
	}
	if len(must) > 0 {
		query["query"] = map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		}
	}

	result, err := h.audit.Search(ctx, query)
	if err != nil {
		h.respondWithError(w, http.StatusServiceUnavailable, err, "Audit search failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Audit events"))
}

// -------------------- helpers --------------------

func remoteIP(r *http.Request) string {
	// middleware.RealIP already rewrote RemoteAddr from the forwarding
	// headers when present.
	return r.RemoteAddr
}

func (h *AbuseHandler) setRetryAfter(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter/time.Second)))
	}
}

func (h *AbuseHandler) setThrottleHeaders(w http.ResponseWriter, err error) {
	var locked *service.LockedError
	var limited *service.RateLimitedError
	var cooldown *service.CooldownError
	switch {
	case errors.As(err, &locked):
		h.setRetryAfter(w, locked.RetryAfter)
	case errors.As(err, &limited):
		h.setRetryAfter(w, limited.RetryAfter)
	case errors.As(err, &cooldown):
		h.setRetryAfter(w, cooldown.RetryAfter)
	}
}

// getStatusCode maps domain errors to HTTP status codes
func (h *AbuseHandler) getStatusCode(err error) int {
	var locked *service.LockedError
	var limited *service.RateLimitedError
	var cooldown *service.CooldownError
	var mismatch *service.OTPMismatchError

	switch {
	case errors.Is(err, service.ErrInvalidFormat),
		errors.Is(err, service.ErrChecksumFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrBlacklisted):
		return http.StatusForbidden
	case errors.As(err, &locked),
		errors.As(err, &limited),
		errors.As(err, &cooldown),
		errors.Is(err, service.ErrDeviceThrottled),
		errors.Is(err, service.ErrOTPAttemptsExhausted):
		return http.StatusTooManyRequests
	case errors.As(err, &mismatch):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrOTPExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrOTPAlreadyUsed):
		return http.StatusConflict
	case errors.Is(err, service.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *AbuseHandler) respondWithError(w http.ResponseWriter, code int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.Int("status", code),
		util.String("message", message),
		util.ErrorField(err),
	)
	h.respondWithJSON(w, code, errorResponse(err, message))
}

func (h *AbuseHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", util.ErrorField(err))
	}
}
