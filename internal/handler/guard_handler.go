package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"authguard/internal/identity"
	"authguard/internal/policy"
	"authguard/internal/service"
	"authguard/internal/util"
)

// flowRules maps the public flow names to their rate-limit rules. Flows
// outside this table are a client error, not a pass-through.
var flowRules = map[string]string{
	"login":          "login",
	"registration":   "registration",
	"password-reset": "password-reset",
	"strict":         "strict",
}

// GuardHandler exposes the decision pipeline over HTTP.
type GuardHandler struct {
	guard *service.GuardService
}

func NewGuardHandler(guard *service.GuardService) *GuardHandler {
	return &GuardHandler{guard: guard}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func successResponse(data interface{}) Response {
	return Response{Success: true, Data: data}
}

func errorResponse(message string) Response {
	return Response{Success: false, Error: message}
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		util.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *GuardHandler) RegisterRoutes(router chi.Router) {
	router.Route("/decisions", func(r chi.Router) {
		r.Post("/{flow}", h.EvaluateFlow)
	})
	router.Post("/confirmations", h.ConfirmSuccess)
}

type decisionRequest struct {
	UserID string `json:"userId"`
}

type decisionResponse struct {
	Action      string                     `json:"action"`
	Notify      bool                       `json:"notify"`
	RejectedBy  string                     `json:"rejectedBy,omitempty"`
	Message     string                     `json:"message,omitempty"`
	Risk        riskResponse               `json:"risk"`
	Fingerprint identity.DeviceFingerprint `json:"device"`
}

type riskResponse struct {
	NewDevice          bool `json:"newDevice"`
	SuspiciousLocation bool `json:"suspiciousLocation"`
	SuspiciousTiming   bool `json:"suspiciousTiming"`
}

// EvaluateFlow runs the decision pipeline for one guarded flow. The
// device identity comes from the request itself, never the body.
func (h *GuardHandler) EvaluateFlow(w http.ResponseWriter, r *http.Request) {
	flow := chi.URLParam(r, "flow")
	ruleID, ok := flowRules[flow]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse("unknown flow: "+flow))
		return
	}

	var body decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	fingerprint := identity.Extract(r.Header, r.RemoteAddr)

	result, err := h.guard.Evaluate(r.Context(), service.DecisionRequest{
		UserID:      body.UserID,
		Route:       r.URL.Path,
		RuleIDs:     []string{ruleID},
		Fingerprint: fingerprint,
	})
	if err != nil {
		util.Error("Decision pipeline failed",
			zap.String("flow", flow),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse("decision unavailable"))
		return
	}

	for _, outcome := range result.Outcomes {
		setRateLimitHeaders(w, outcome)
	}

	status := http.StatusOK
	if result.Decision.Action == policy.ActionReject {
		status = http.StatusTooManyRequests
		for _, outcome := range result.Outcomes {
			if !outcome.Allowed {
				retry := int(outcome.RetryAfter.Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				break
			}
		}
	}

	writeJSON(w, status, successResponse(decisionResponse{
		Action:     string(result.Decision.Action),
		Notify:     result.Decision.Notify,
		RejectedBy: result.Decision.RejectedBy,
		Message:    result.Decision.Message,
		Risk: riskResponse{
			NewDevice:          result.Decision.Assessment.NewDevice,
			SuspiciousLocation: result.Decision.Assessment.SuspiciousLocation,
			SuspiciousTiming:   result.Decision.Assessment.SuspiciousTiming,
		},
		Fingerprint: fingerprint,
	}))
}

type confirmationRequest struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Flow      string `json:"flow"`
	Route     string `json:"route"`
}

// ConfirmSuccess reports that a guarded flow completed, releasing
// forgiving rules and recording the session.
func (h *GuardHandler) ConfirmSuccess(w http.ResponseWriter, r *http.Request) {
	var body confirmationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	ruleID, ok := flowRules[body.Flow]
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorResponse("unknown flow: "+body.Flow))
		return
	}

	fingerprint := identity.Extract(r.Header, r.RemoteAddr)
	route := body.Route
	if route == "" {
		route = "/api/v1/decisions/" + body.Flow
	}

	err := h.guard.ConfirmSuccess(r.Context(), service.DecisionRequest{
		UserID:      body.UserID,
		Route:       route,
		RuleIDs:     []string{ruleID},
		Fingerprint: fingerprint,
	}, body.SessionID)
	if err != nil {
		util.Error("Failed to confirm flow success",
			zap.String("flow", body.Flow),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse("confirmation failed"))
		return
	}

	writeJSON(w, http.StatusOK, successResponse(map[string]string{"status": "confirmed"}))
}
